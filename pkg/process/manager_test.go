package process_test

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cdimage/cdimage/pkg/process"
)

func TestManager_SignalCancelsAndRunsHandlers(t *testing.T) {
	m := process.NewManager(nil)

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 2; i++ {
		i := i
		m.RegisterShutdownHandler(func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
		})
	}

	ctx := m.Start(context.Background())
	defer m.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("failed to signal self: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled by the signal")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("expected handlers in reverse order [2 1], got %v", order)
	}
}

func TestManager_StopSkipsHandlers(t *testing.T) {
	m := process.NewManager(nil)
	called := false
	m.RegisterShutdownHandler(func() { called = true })

	ctx := m.Start(context.Background())
	if !m.IsRunning() {
		t.Error("expected manager to be running")
	}
	m.Stop()

	if m.IsRunning() {
		t.Error("expected manager to be stopped")
	}
	if called {
		t.Error("Stop must not run shutdown handlers")
	}
	if ctx.Err() == nil {
		t.Error("expected the manager context to be released after Stop")
	}
}

func TestManager_ShutdownOnce(t *testing.T) {
	m := process.NewManager(nil)
	count := 0
	m.RegisterShutdownHandler(func() { count++ })

	m.Shutdown()
	m.Shutdown()

	if count != 1 {
		t.Errorf("expected handler to run once, got %d", count)
	}
}

func TestAlive(t *testing.T) {
	if !process.Alive(os.Getpid()) {
		t.Error("expected own process to be alive")
	}
	if process.Alive(0) || process.Alive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
