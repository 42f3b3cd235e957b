// Package semaphore provides a counting semaphore persisted as a text file
// and shared between processes
package semaphore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/lock"
	"github.com/cdimage/cdimage/pkg/logger"
)

// ErrUnderflow is returned when decrementing a counter that is already zero
var ErrUnderflow = errors.New("semaphore already zero")

// Semaphore counts the pipeline instances currently running. The counter
// lives at path as a decimal integer and a newline; every update happens
// under the lock file path+".lock".
type Semaphore struct {
	path     string
	lockPath string
	budget   lock.Budget
	logger   logger.Logger
}

// Option configures a Semaphore
type Option func(*Semaphore)

// WithBudget overrides the lock acquisition budget
func WithBudget(b lock.Budget) Option {
	return func(s *Semaphore) { s.budget = b }
}

// WithLogger attaches a logger for bookkeeping messages
func WithLogger(l logger.Logger) Option {
	return func(s *Semaphore) { s.logger = l }
}

// New creates a semaphore backed by the file at path
func New(path string, opts ...Option) *Semaphore {
	s := &Semaphore{
		path:     path,
		lockPath: path + ".lock",
		budget:   lock.SemaphoreBudget,
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Semaphore) String() string {
	return "semaphore " + s.path
}

// Path returns the counter file path
func (s *Semaphore) Path() string {
	return s.path
}

// Value reads the current counter without locking
func (s *Semaphore) Value() (int, error) {
	return s.read()
}

// Increment adds one and returns the new value
func (s *Semaphore) Increment(ctx context.Context) (int, error) {
	var value int
	err := s.locked(ctx, s.budget, func() error {
		cur, err := s.read()
		if err != nil {
			return err
		}
		value = cur + 1
		return s.write(value)
	})
	return value, err
}

// Decrement subtracts one and returns the new value. The counter file is
// removed when it reaches zero. Decrementing at zero fails with
// ErrUnderflow.
func (s *Semaphore) Decrement(ctx context.Context) (int, error) {
	return s.decrement(ctx, s.budget)
}

func (s *Semaphore) decrement(ctx context.Context, budget lock.Budget) (int, error) {
	var value int
	err := s.locked(ctx, budget, func() error {
		cur, err := s.read()
		if err != nil {
			return err
		}
		if cur == 0 {
			s.remove()
			return errors.Wrapf(ErrUnderflow, "%s", s)
		}
		value = cur - 1
		if value == 0 {
			s.remove()
			return nil
		}
		return s.write(value)
	})
	return value, err
}

// Held increments the counter, runs fn with this instance's ordinal and
// decrements again afterwards. The first instance from a clean baseline
// has ordinal 0. The decrement runs even when fn fails or ctx is
// cancelled, and waits for the semaphore lock without a retry limit.
func (s *Semaphore) Held(ctx context.Context, fn func(ordinal int) error) error {
	value, err := s.Increment(ctx)
	if err != nil {
		return err
	}

	defer func() {
		budget := lock.Budget{Retries: lock.Unbounded, Interval: s.budget.Interval}
		if _, derr := s.decrement(context.WithoutCancel(ctx), budget); derr != nil {
			s.logger.Error("Failed to decrement semaphore",
				logger.WithField("path", s.path),
				logger.WithField("error", derr))
		}
	}()

	return fn(value - 1)
}

func (s *Semaphore) locked(ctx context.Context, budget lock.Budget, fn func() error) error {
	h, err := lock.Acquire(ctx, s.lockPath, budget)
	if err != nil {
		return errors.Wrapf(err, "cannot acquire lock on %s", s)
	}
	defer h.Release()
	return fn()
}

func (s *Semaphore) read() (int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "failed to read %s", s)
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt %s", s)
	}
	return value, nil
}

func (s *Semaphore) write(value int) error {
	if err := renameio.WriteFile(s.path, []byte(fmt.Sprintf("%d\n", value)), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", s)
	}
	return nil
}

func (s *Semaphore) remove() {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove semaphore file",
			logger.WithField("path", s.path),
			logger.WithField("error", err))
	}
}
