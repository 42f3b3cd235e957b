// Package mocks provides recording fakes for the external collaborators of
// a build: tool execution, mail delivery and desktop notifications.
package mocks

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/cdimage/cdimage/pkg/notifier"
	"github.com/cdimage/cdimage/pkg/runner"
)

// Call is a recorded tool invocation
type Call struct {
	Argv  []string
	Dir   string
	Env   []string
	Stdin string
}

// Line renders the argv joined by spaces
func (c Call) Line() string {
	return strings.Join(c.Argv, " ")
}

// RecordingRunner records commands instead of running them
type RecordingRunner struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string]error
	hook     func(runner.Command) error
}

// NewRecordingRunner creates a runner where every command succeeds
func NewRecordingRunner() *RecordingRunner {
	return &RecordingRunner{failures: make(map[string]error)}
}

// Run records cmd and returns the injected failure for it, if any
func (r *RecordingRunner) Run(ctx context.Context, cmd runner.Command) error {
	call := Call{Argv: cmd.Argv(), Dir: cmd.Dir, Env: cmd.Env}
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		call.Stdin = string(data)
	}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	err := r.failures[cmd.Name]
	hook := r.hook
	r.mu.Unlock()

	if err != nil {
		return &runner.ToolError{Argv: cmd.Argv(), Dir: cmd.Dir, ExitCode: 1, Err: err}
	}
	if hook != nil {
		return hook(cmd)
	}
	return ctx.Err()
}

// FailOn makes every command named name fail with err
func (r *RecordingRunner) FailOn(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name] = err
}

// OnRun installs a hook called for every command not failed by FailOn
func (r *RecordingRunner) OnRun(hook func(runner.Command) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// Calls returns the recorded invocations in order
func (r *RecordingRunner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Lines returns each recorded argv joined by spaces
func (r *RecordingRunner) Lines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.Line()
	}
	return lines
}

// CallCount returns how many commands named name were run
func (r *RecordingRunner) CallCount(name string) int {
	count := 0
	for _, c := range r.Calls() {
		if c.Argv[0] == name {
			count++
		}
	}
	return count
}

// RecordingMailer records sent messages
type RecordingMailer struct {
	mu      sync.Mutex
	sent    []notifier.Message
	sendErr error
}

// NewRecordingMailer creates a mailer that accepts every message
func NewRecordingMailer() *RecordingMailer {
	return &RecordingMailer{}
}

// Send records msg
func (m *RecordingMailer) Send(ctx context.Context, msg notifier.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.sendErr
}

// SetSendError makes subsequent sends fail after being recorded
func (m *RecordingMailer) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns the recorded messages
func (m *RecordingMailer) Sent() []notifier.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notifier.Message(nil), m.sent...)
}

// RecordingDesktop records desktop notifications
type RecordingDesktop struct {
	mu     sync.Mutex
	titles []string
	bodies []string
}

// Notify records the notification
func (d *RecordingDesktop) Notify(title, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.titles = append(d.titles, title)
	d.bodies = append(d.bodies, message)
	return nil
}

// Messages returns the recorded notification bodies
func (d *RecordingDesktop) Messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.bodies...)
}
