// Package lock provides cross-process mutual exclusion through lock files.
//
// A lock is held while its file exists. Acquisition creates the file with
// O_CREATE|O_EXCL and writes the holder's pid into it; release removes it.
// Waiters retry on a fixed interval within a Budget, and wake early when
// the lock file is removed.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrAcquisition is returned when a lock could not be acquired within its
// budget
var ErrAcquisition = errors.New("lock acquisition failed")

// Unbounded retries until the lock is acquired or the context is done
const Unbounded = -1

// DefaultInterval is the pause between acquisition attempts
const DefaultInterval = 8 * time.Second

// Budget bounds how long Acquire keeps trying
type Budget struct {
	// Retries is the number of attempts after the first, or Unbounded
	Retries int
	// Interval is the pause between attempts
	Interval time.Duration
	// Timeout caps the total wait when non-zero
	Timeout time.Duration
}

// Budgets used by the build pipeline
var (
	BuildBudget     = Budget{Retries: Unbounded, Interval: DefaultInterval}
	SyncShortBudget = Budget{Retries: 4, Interval: DefaultInterval}
	SyncLongBudget  = Budget{Retries: 450, Interval: DefaultInterval}
	SemaphoreBudget = Budget{Retries: 4, Interval: DefaultInterval}
)

func (b Budget) String() string {
	retries := strconv.Itoa(b.Retries)
	if b.Retries == Unbounded {
		retries = "unbounded"
	}
	s := fmt.Sprintf("retries=%s interval=%s", retries, b.Interval)
	if b.Timeout > 0 {
		s += fmt.Sprintf(" timeout=%s", b.Timeout)
	}
	return s
}

// Handle is a held lock
type Handle struct {
	path string
	once sync.Once
}

// Path returns the lock file path
func (h *Handle) Path() string {
	return h.path
}

// Release removes the lock file. Safe to call more than once and from
// multiple goroutines.
func (h *Handle) Release() {
	h.once.Do(func() {
		Release(h.path)
	})
}

// Release unconditionally removes the lock file at path. A missing file is
// not an error, and removal failures are ignored.
func Release(path string) {
	_ = os.Remove(path)
}

// TryAcquire makes a single acquisition attempt
func TryAcquire(path string) (*Handle, error) {
	return Acquire(context.Background(), path, Budget{})
}

// Acquire takes the lock at path, retrying within budget. It fails with
// ErrAcquisition once the budget is exhausted, or with the context's error
// if ctx is done first.
func Acquire(ctx context.Context, path string, budget Budget) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create lock directory for %s", path)
	}

	var deadline time.Time
	if budget.Timeout > 0 {
		deadline = time.Now().Add(budget.Timeout)
	}

	var w *waiter
	defer func() {
		if w != nil {
			w.Close()
		}
	}()

	for attempt := 0; ; attempt++ {
		held, err := create(path)
		if err != nil {
			return nil, err
		}
		if held {
			return &Handle{path: path}, nil
		}

		if budget.Retries != Unbounded && attempt >= budget.Retries {
			return nil, errors.Wrapf(ErrAcquisition, "%s (%d attempts)", path, attempt+1)
		}

		pause := budget.Interval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, errors.Wrapf(ErrAcquisition, "%s (timed out after %s)", path, budget.Timeout)
			}
			if remaining < pause {
				pause = remaining
			}
		}

		if w == nil {
			w = newWaiter(path)
		}
		if err := w.Wait(ctx, pause); err != nil {
			return nil, errors.Wrapf(err, "waiting for lock %s", path)
		}
	}
}

// create attempts the exclusive creation. It reports false when the lock
// is already held.
func create(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to create lock %s", path)
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return false, errors.Wrapf(werr, "failed to write lock %s", path)
	}
	return true, nil
}

// IsHeld reports whether the lock file exists
func IsHeld(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Holder returns the pid recorded in the lock file
func Holder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read lock %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "lock %s has no pid", path)
	}
	return pid, nil
}
