package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cdimage/cdimage/pkg/config"
	pcontext "github.com/cdimage/cdimage/pkg/context"
	"github.com/cdimage/cdimage/pkg/lock"
	"github.com/cdimage/cdimage/pkg/logger"
	"github.com/cdimage/cdimage/pkg/notifier"
	"github.com/cdimage/cdimage/pkg/runner"
	"github.com/cdimage/cdimage/pkg/semaphore"
)

// DateFormat is the layout of the default CDIMAGE_DATE
const DateFormat = "20060102"

// ShutdownGrace is how long an interrupted build may take to notify and
// decrement the semaphore before the shutdown handler releases the build
// lock itself
const ShutdownGrace = 2 * time.Minute

// RunnerFactory creates the tool runner for a build, given the
// destination for tool output
type RunnerFactory func(out io.Writer) runner.Runner

// ShutdownRegistry accepts cleanup functions run on operator interrupt
type ShutdownRegistry interface {
	RegisterShutdownHandler(handler func())
}

// Driver takes the build lock and semaphore for one configuration, runs
// the pipeline and reports failures
type Driver struct {
	cfg       *config.Config
	console   logger.Logger
	newRunner RunnerFactory
	mailer    notifier.Mailer
	desktop   notifier.Desktop
	shutdown  ShutdownRegistry
	stdout    io.Writer
	now       func() time.Time
	budget    lock.Budget
	semBudget lock.Budget
	grace     time.Duration
}

// Option configures a Driver
type Option func(*Driver)

// WithRunner replaces how tool runners are created
func WithRunner(f RunnerFactory) Option {
	return func(d *Driver) { d.newRunner = f }
}

// WithMailer replaces the failure mail transport
func WithMailer(m notifier.Mailer) Option {
	return func(d *Driver) { d.mailer = m }
}

// WithDesktop sets the desktop notifier used when NOTIFY_DESKTOP is set
func WithDesktop(desktop notifier.Desktop) Option {
	return func(d *Driver) { d.desktop = desktop }
}

// WithShutdown registers lock releases with r
func WithShutdown(r ShutdownRegistry) Option {
	return func(d *Driver) { d.shutdown = r }
}

// WithStdout sets where debug builds write their log
func WithStdout(w io.Writer) Option {
	return func(d *Driver) { d.stdout = w }
}

// WithClock replaces the time source for dates and markers
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithShutdownGrace overrides ShutdownGrace
func WithShutdownGrace(grace time.Duration) Option {
	return func(d *Driver) { d.grace = grace }
}

// WithLockBudgets overrides the build lock and semaphore lock budgets
func WithLockBudgets(build, sem lock.Budget) Option {
	return func(d *Driver) {
		d.budget = build
		d.semBudget = sem
	}
}

// NewDriver creates a driver for cfg
func NewDriver(cfg *config.Config, console logger.Logger, opts ...Option) *Driver {
	if console == nil {
		console = logger.Discard()
	}
	d := &Driver{
		cfg:       cfg,
		console:   console,
		stdout:    os.Stdout,
		now:       time.Now,
		budget:    lock.BuildBudget,
		semBudget: lock.SemaphoreBudget,
		grace:     ShutdownGrace,
		desktop:   notifier.BeeepDesktop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.newRunner == nil {
		d.newRunner = func(out io.Writer) runner.Runner { return runner.NewExecRunner(out, console) }
	}
	if d.mailer == nil {
		d.mailer = notifier.NewCommandMailer(runner.NewExecRunner(os.Stderr, console), cfg.Get("MAIL_TOOL"))
	}
	return d
}

// Prepare applies the project defaults and fills in the build date
func (d *Driver) Prepare() error {
	if err := config.ConfigureForProject(d.cfg); err != nil {
		return err
	}
	if d.cfg.Date() == "" {
		d.cfg.Set("CDIMAGE_DATE", d.now().UTC().Format(DateFormat))
	}
	return d.cfg.BuildKey().Validate()
}

// Run builds the image set. It waits for any other build of the same key
// to finish, then runs the pipeline with this build's semaphore ordinal.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Prepare(); err != nil {
		return err
	}

	key := d.cfg.BuildKey()
	ctx = pcontext.WithBuildKey(pcontext.EnrichContext(ctx), key.String())
	console := logger.WithContext(ctx, d.console)

	// Closed once the lock is released on the normal path, after the
	// failure notification and the semaphore decrement.
	unwound := make(chan struct{})
	defer close(unwound)

	lockPath := key.LockPath(d.cfg.Root())
	console.Info("Waiting for build lock", logger.WithField("lock", lockPath))
	h, err := lock.Acquire(ctx, lockPath, d.budget)
	if err != nil {
		console.Error("Another image set is already building!", logger.WithField("error", err))
		return err
	}
	defer h.Release()
	if d.shutdown != nil {
		d.shutdown.RegisterShutdownHandler(func() {
			select {
			case <-unwound:
			case <-time.After(d.grace):
				console.Warn("Build did not unwind after interrupt; releasing build lock",
					logger.WithField("lock", lockPath),
					logger.WithField("grace", d.grace))
				h.Release()
			}
		})
	}

	sem := semaphore.New(d.cfg.Layout().Semaphore(),
		semaphore.WithBudget(d.semBudget),
		semaphore.WithLogger(console))
	return sem.Held(ctx, func(ordinal int) error {
		console.Info("Starting build",
			logger.WithField("ordinal", ordinal),
			logger.WithField("date", d.cfg.Date()))
		return d.runLocked(ctx, console, ordinal)
	})
}

func (d *Driver) runLocked(ctx context.Context, console logger.Logger, ordinal int) error {
	bl, err := d.openLog()
	if err != nil {
		d.notify(ctx, console, "")
		return err
	}
	defer bl.Close()
	bl.SetClock(d.now)

	pipeline := NewPipeline(Stages(d.cfg, d.newRunner(bl.Writer()), bl, ordinal), bl, d.console)
	if err := pipeline.Run(ctx); err != nil {
		RecordFailure(bl, err)
		d.notify(ctx, console, bl.Path())
		return err
	}

	console.Success("Build finished", logger.WithField("duration", pcontext.GetDuration(ctx).Round(time.Second)))
	return nil
}

// openLog opens the build log for the current date. Debug builds log to
// stdout instead; other builds crank up debian-cd's verbosity since
// nothing is written to the terminal.
func (d *Driver) openLog() (*logger.BuildLog, error) {
	if d.cfg.Bool("DEBUG") {
		return logger.NewBuildLog(d.stdout), nil
	}
	path := d.cfg.BuildKey().LogPath(d.cfg.Root(), d.cfg.Date())
	bl, err := logger.OpenBuildLog(path)
	if err != nil {
		return nil, err
	}
	d.cfg.Set("VERBOSE", "3")
	return bl, nil
}

func (d *Driver) notify(ctx context.Context, console logger.Logger, logPath string) {
	opts := []notifier.Option{}
	if d.desktop != nil {
		opts = append(opts, notifier.WithDesktop(d.desktop))
	}
	n := notifier.New(d.cfg, d.mailer, console, opts...)
	if err := n.NotifyFailure(context.WithoutCancel(ctx), logPath); err != nil {
		console.Error("Failed to send failure notification", logger.WithField("error", err))
	}
}

// RecordFailure writes err and its stack trace to the build log
func RecordFailure(log logger.Logger, err error) {
	log.Error(err.Error())
	for _, line := range strings.Split(fmt.Sprintf("%+v", err), "\n") {
		log.Error(line)
	}
}
