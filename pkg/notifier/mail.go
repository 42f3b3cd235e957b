package notifier

import (
	"bytes"
	"context"

	"github.com/cdimage/cdimage/pkg/runner"
)

// Message is a failure notification email
type Message struct {
	Subject    string
	Recipients []string
	// GeneratedBy is sent as the X-Generated-By header
	GeneratedBy string
	Body        []byte
}

// Mailer delivers messages
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// CommandMailer hands messages to a mail(1)-compatible command with the
// body on stdin
type CommandMailer struct {
	runner  runner.Runner
	command string
}

// NewCommandMailer creates a mailer invoking command through r
func NewCommandMailer(r runner.Runner, command string) *CommandMailer {
	if command == "" {
		command = "mail"
	}
	return &CommandMailer{runner: r, command: command}
}

// Send runs the mail command once for all recipients
func (m *CommandMailer) Send(ctx context.Context, msg Message) error {
	args := []string{"-s", msg.Subject}
	if msg.GeneratedBy != "" {
		args = append(args, "-a", "X-Generated-By: "+msg.GeneratedBy)
	}
	args = append(args, msg.Recipients...)
	return m.runner.Run(ctx, runner.Command{
		Name:  m.command,
		Args:  args,
		Stdin: bytes.NewReader(msg.Body),
	})
}
