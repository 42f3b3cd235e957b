// Package runner invokes the external tools a build is composed of
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	"github.com/cdimage/cdimage/pkg/logger"
)

// ErrExternalTool matches every failure of an external tool
var ErrExternalTool = errors.New("external tool failed")

// WaitDelay bounds how long a cancelled tool's output pipes are drained
const WaitDelay = 10 * time.Second

// Command is one external tool invocation
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty means the current one
	Dir string
	// Env is appended to the inherited environment
	Env []string
	// Stdin is fed to the tool when set
	Stdin io.Reader
	// Stdout replaces the runner's output for the tool's standard output
	Stdout io.Writer
}

// Argv returns the full argument vector
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Runner executes commands synchronously
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ToolError reports a tool that could not be started or exited non-zero
type ToolError struct {
	Argv     []string
	Dir      string
	ExitCode int
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed", strings.Join(e.Argv, " "))
	if e.Dir != "" {
		msg += fmt.Sprintf(" (in %s)", e.Dir)
	}
	if e.ExitCode > 0 {
		return fmt.Sprintf("%s with exit status %d", msg, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is makes every ToolError match ErrExternalTool
func (e *ToolError) Is(target error) bool {
	return target == ErrExternalTool
}

// ExecRunner runs commands as child processes, sending their output to a
// shared writer
type ExecRunner struct {
	output io.Writer
	logger logger.Logger
}

// NewExecRunner creates a runner writing tool output to out
func NewExecRunner(out io.Writer, log logger.Logger) *ExecRunner {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = logger.Discard()
	}
	return &ExecRunner{output: out, logger: log}
}

// Run starts cmd and waits for it. Cancelling ctx kills the tool.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdin = cmd.Stdin
	c.Stdout = r.output
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	}
	c.Stderr = r.output
	c.WaitDelay = WaitDelay

	r.logger.Debug("Executing", logger.WithField("command", cmd.String()), logger.WithField("dir", cmd.Dir))

	start := time.Now()
	err := c.Run()
	duration := time.Since(start)

	if err != nil {
		toolErr := &ToolError{Argv: cmd.Argv(), Dir: cmd.Dir, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			toolErr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			toolErr.Err = ctxErr
		}
		r.logger.Error("Tool failed",
			logger.WithField("command", cmd.String()),
			logger.WithField("error", err),
			logger.WithField("duration", duration.Round(time.Millisecond)))
		return errors.WithStack(toolErr)
	}

	r.logger.Debug("Tool completed",
		logger.WithField("command", cmd.String()),
		logger.WithField("duration", duration.Round(time.Millisecond)))
	return nil
}

// Split parses a shell-like command line
func Split(line string) ([]string, error) {
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse command %q", line)
	}
	if len(argv) == 0 {
		return nil, errors.Errorf("empty command %q", line)
	}
	return argv, nil
}

// Resolve builds the command for a tool whose argv may be overridden by a
// shell-like string. args are appended in both cases.
func Resolve(override, name string, args ...string) (Command, error) {
	if strings.TrimSpace(override) == "" {
		return Command{Name: name, Args: args}, nil
	}
	argv, err := Split(override)
	if err != nil {
		return Command{}, err
	}
	return Command{Name: argv[0], Args: append(argv[1:], args...)}, nil
}
