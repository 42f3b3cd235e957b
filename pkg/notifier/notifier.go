// Package notifier reports failed builds to the people responsible for them
package notifier

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/config"
	"github.com/cdimage/cdimage/pkg/logger"
)

// DefaultMaxBody caps how much of the log tail is mailed
const DefaultMaxBody = 1 << 20

// GeneratedBy identifies failure mail
const GeneratedBy = "build-image-set"

// Notifier sends failure notifications for one build configuration
type Notifier struct {
	cfg     *config.Config
	mailer  Mailer
	desktop Desktop
	logger  logger.Logger
	maxBody int64
}

// Option configures a Notifier
type Option func(*Notifier)

// WithDesktop enables desktop notifications when NOTIFY_DESKTOP is set
func WithDesktop(d Desktop) Option {
	return func(n *Notifier) { n.desktop = d }
}

// WithMaxBody overrides the log tail size limit
func WithMaxBody(size int64) Option {
	return func(n *Notifier) { n.maxBody = size }
}

// New creates a notifier
func New(cfg *config.Config, mailer Mailer, log logger.Logger, opts ...Option) *Notifier {
	if log == nil {
		log = logger.Discard()
	}
	n := &Notifier{
		cfg:     cfg,
		mailer:  mailer,
		logger:  log,
		maxBody: DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subject returns the failure mail subject for the configured build
func (n *Notifier) Subject() string {
	key := n.cfg.BuildKey()
	return fmt.Sprintf("CD image %s/%s/%s failed to build on %s",
		key.Project, key.Series, key.ImageType, n.cfg.Date())
}

// NotifyFailure mails the tail of logPath to the build's recipients. An
// empty logPath sends an empty body. Nothing is sent in debug mode or when
// nobody is listed for the project.
func (n *Notifier) NotifyFailure(ctx context.Context, logPath string) error {
	if n.cfg.Bool("DEBUG") {
		return nil
	}

	subject := n.Subject()
	if n.desktop != nil && n.cfg.Bool("NOTIFY_DESKTOP") {
		if err := n.desktop.Notify("CD image build failed", subject); err != nil {
			n.logger.Debug("Failed to send desktop notification", logger.WithField("error", err))
		}
	}

	table, err := LoadAddressTable(n.cfg.Layout().NotifyAddresses())
	if err != nil {
		return err
	}
	recipients := table.Recipients(n.cfg.BuildKey().Project)
	if len(recipients) == 0 {
		n.logger.Debug("No failure recipients configured", logger.WithField("project", n.cfg.BuildKey().Project))
		return nil
	}

	var body []byte
	if logPath != "" {
		body, err = readTail(logPath, n.maxBody)
		if err != nil {
			return err
		}
	}

	msg := Message{
		Subject:     subject,
		Recipients:  recipients,
		GeneratedBy: GeneratedBy,
		Body:        body,
	}
	if err := n.mailer.Send(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to send failure notification")
	}

	n.logger.Info("Sent failure notification",
		logger.WithField("recipients", len(recipients)),
		logger.WithField("bytes", len(body)))
	return nil
}

// readTail returns at most limit bytes from the end of path, starting on a
// line boundary when truncated
func readTail(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat log %s", path)
	}

	truncated := limit > 0 && info.Size() > limit
	if truncated {
		if _, err := f.Seek(info.Size()-limit, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "failed to seek log %s", path)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read log %s", path)
	}
	if truncated {
		for i, b := range data {
			if b == '\n' {
				return data[i+1:], nil
			}
		}
	}
	return data, nil
}
