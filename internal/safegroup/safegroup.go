// Package safegroup runs functions with panic recovery, alone or as a
// bounded errgroup
package safegroup

import (
	"context"
	"runtime/debug"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cdimage/cdimage/pkg/logger"
)

// ErrPanic marks errors produced from a recovered panic
var ErrPanic = errors.New("panic")

// Group wraps errgroup.Group so a panicking worker fails the group
// instead of the process
type Group struct {
	group  *errgroup.Group
	logger logger.Logger
}

// New creates a Group whose context is cancelled on the first error
func New(ctx context.Context, log logger.Logger) (*Group, context.Context) {
	if log == nil {
		log = logger.Discard()
	}
	g, ctx := errgroup.WithContext(ctx)
	return &Group{group: g, logger: log}, ctx
}

// Go runs fn in a new goroutine, blocking while the limit is reached
func (g *Group) Go(fn func() error) {
	g.group.Go(func() error {
		return Run(g.logger, fn)
	})
}

// SetLimit caps the number of concurrently running functions
func (g *Group) SetLimit(n int) {
	g.group.SetLimit(n)
}

// Wait blocks until every function has returned and reports the first
// error
func (g *Group) Wait() error {
	return g.group.Wait()
}

// Run calls fn, converting a panic into an error wrapping ErrPanic that
// carries the panic value and the goroutine's stack
func Run(log logger.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if log != nil {
				log.Error("Panic recovered",
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(stack)))
			}
			err = errors.Wrapf(ErrPanic, "%v\n%s", r, stack)
		}
	}()
	return fn()
}
