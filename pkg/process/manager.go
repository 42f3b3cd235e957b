// Package process provides process lifecycle utilities: interrupt handling
// for a running build and liveness checks for lock holders
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/logger"
)

// Signals are the operator interrupts that abort a build
var Signals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}

// Manager cancels the build context on an operator interrupt and runs the
// registered shutdown handlers
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	sigChan          chan os.Signal
	stop             chan struct{}
	shutdownOnce     sync.Once
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		logger:           log,
		shutdownHandlers: make([]func(), 0),
	}
}

// RegisterShutdownHandler adds a handler run on interrupt. Handlers run in
// reverse registration order and must be idempotent.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start begins listening for interrupts. The returned context is cancelled
// when one arrives, before the shutdown handlers run.
func (m *Manager) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		cancel()
		return parent
	}
	m.running = true
	m.sigChan = make(chan os.Signal, 1)
	m.stop = make(chan struct{})
	signal.Notify(m.sigChan, Signals...)
	sigChan, stop := m.sigChan, m.stop
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		select {
		case sig := <-sigChan:
			m.logger.Warn("Received signal, aborting build", logger.WithField("signal", sig))
			cancel()
			m.Shutdown()
		case <-stop:
		case <-ctx.Done():
		}
	}()

	return ctx
}

// Stop stops listening for interrupts without running the handlers
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	signal.Stop(m.sigChan)
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning checks if the process manager is listening for interrupts
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Shutdown runs the shutdown handlers once
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		handlers := make([]func(), len(m.shutdownHandlers))
		copy(handlers, m.shutdownHandlers)
		m.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
	})
}

// Alive reports whether a process with the given pid exists
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
