// Package shell runs command lines through the system shell.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Command is one shell invocation.
type Command struct {
	Line string
	Dir  string
	Env  []string
}

// Result holds captured process output.
type Result struct {
	Stdout string
	Stderr string
}

// Combined joins stdout and stderr the way a terminal would show them.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + r.Stderr
	}
}

// Runner executes commands. Implementations must not return until the
// process has exited.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Error reports a command that exited unsuccessfully.
type Error struct {
	Line   string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("command %q failed: %v", e.Line, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns stderr when the process wrote any, otherwise the error text.
func Message(err error) string {
	var shellErr *Error
	if errors.As(err, &shellErr) && strings.TrimSpace(shellErr.Stderr) != "" {
		return strings.TrimRight(shellErr.Stderr, "\n")
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Exec runs command lines with `<shell> -c`.
type Exec struct {
	Shell  string
	Logger *slog.Logger
}

// NewExec returns an Exec using shellPath, defaulting to /bin/sh.
func NewExec(shellPath string, logger *slog.Logger) *Exec {
	if strings.TrimSpace(shellPath) == "" {
		shellPath = "/bin/sh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{Shell: shellPath, Logger: logger}
}

// Run executes cmd and captures its output.
func (e *Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	if strings.TrimSpace(cmd.Line) == "" {
		return Result{}, nil
	}
	c := exec.CommandContext(ctx, e.Shell, "-c", cmd.Line)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	c.Env = append(c.Env, cmd.Env...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	e.Logger.Debug("command finished", "command", cmd.Line, "dir", cmd.Dir, "error", err)
	if err != nil {
		return res, &Error{Line: cmd.Line, Stderr: res.Stderr, Err: err}
	}
	return res, nil
}
