// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/splax/deployster/internal/shell"
)

// Response is returned for command lines with a matching prefix.
type Response struct {
	Stdout string
	Stderr string
	Fail   bool
	Hook   func(cmd shell.Command)
}

// Runner records every command and answers from scripted responses.
// Commands without a script succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	calls     []shell.Command
	responses map[string]Response

	// Delegate, when set, handles commands that have no scripted response.
	Delegate shell.Runner
}

// New returns an empty scripted runner.
func New() *Runner {
	return &Runner{responses: make(map[string]Response)}
}

// On scripts the response for command lines starting with prefix.
func (r *Runner) On(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = resp
	return r
}

// Fail scripts a failing command with the given stderr.
func (r *Runner) Fail(prefix, stderr string) *Runner {
	return r.On(prefix, Response{Stderr: stderr, Fail: true})
}

// Run implements shell.Runner.
func (r *Runner) Run(ctx context.Context, cmd shell.Command) (shell.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	resp, ok := r.match(cmd.Line)
	delegate := r.Delegate
	r.mu.Unlock()

	if !ok {
		if delegate != nil {
			return delegate.Run(ctx, cmd)
		}
		return shell.Result{}, nil
	}
	if resp.Hook != nil {
		resp.Hook(cmd)
	}
	res := shell.Result{Stdout: resp.Stdout, Stderr: resp.Stderr}
	if resp.Fail {
		return res, &shell.Error{Line: cmd.Line, Stderr: resp.Stderr, Err: errors.New("exit status 1")}
	}
	return res, nil
}

func (r *Runner) match(line string) (Response, bool) {
	best := ""
	var found Response
	ok := false
	for prefix, resp := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best, found, ok = prefix, resp, true
		}
	}
	return found, ok
}

// Lines returns the command lines run so far.
func (r *Runner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.calls))
	for i, c := range r.calls {
		lines[i] = c.Line
	}
	return lines
}

// Calls returns every recorded command.
func (r *Runner) Calls() []shell.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shell.Command(nil), r.calls...)
}
