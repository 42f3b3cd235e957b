package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MarkerTimeFormat matches date(1) output in the GMT zone.
const MarkerTimeFormat = "Mon Jan _2 15:04:05 GMT 2006"

// MarkerLogger is a Logger that can also write stage markers
type MarkerLogger interface {
	Logger
	Marker(label string)
}

// PlainFormatter writes only the message, one entry per line
type PlainFormatter struct{}

// Format implements logrus.Formatter
func (PlainFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}

// BuildLog is the append-only log of a single pipeline run. External tool
// output is written to the same destination through Writer.
type BuildLog struct {
	logger *logrus.Logger
	out    io.Writer
	file   *os.File
	path   string

	mu  sync.Mutex
	now func() time.Time
}

var _ MarkerLogger = (*BuildLog)(nil)

// OpenBuildLog opens (creating if needed) the log file at path for
// appending. Existing content is never truncated.
func OpenBuildLog(path string) (*BuildLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating log directory for %s", path)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "opening build log %s", path)
	}
	bl := NewBuildLog(file)
	bl.file = file
	bl.path = path
	return bl, nil
}

// NewBuildLog creates a build log writing to w with no backing file. Debug
// builds use it with os.Stdout.
func NewBuildLog(w io.Writer) *BuildLog {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(PlainFormatter{})
	log.SetOutput(w)

	return &BuildLog{
		logger: log,
		out:    w,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for marker timestamps
func (b *BuildLog) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Path returns the backing file path, or "" when there is none
func (b *BuildLog) Path() string {
	return b.path
}

// Writer returns the destination for external tool output
func (b *BuildLog) Writer() io.Writer {
	return b.out
}

// Marker writes a blank line, the label banner and a GMT timestamp
func (b *BuildLog) Marker(label string) {
	b.mu.Lock()
	now := b.now
	b.mu.Unlock()

	b.logger.Info("")
	b.logger.Info("===== " + label + " =====")
	b.logger.Info(now().UTC().Format(MarkerTimeFormat))
}

// Info logs an info message
func (b *BuildLog) Info(message string, fields ...Field) {
	b.logger.Info(message)
}

// Error logs an error message
func (b *BuildLog) Error(message string, fields ...Field) {
	b.logger.Error(message)
}

// Warn logs a warning message
func (b *BuildLog) Warn(message string, fields ...Field) {
	b.logger.Warn(message)
}

// Debug logs a debug message
func (b *BuildLog) Debug(message string, fields ...Field) {
	b.logger.Debug(message)
}

// Success logs a success message
func (b *BuildLog) Success(message string, fields ...Field) {
	b.logger.Info(message)
}

// WithStage returns the build log itself; stage names are carried by markers
func (b *BuildLog) WithStage(stage string) Logger {
	return b
}

// Close closes the backing file, if any
func (b *BuildLog) Close() error {
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}
