// Package supervisor drives supervisord programs through supervisorctl.
package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/splax/deployster/internal/shell"
)

// DefaultBinary is the supervisor control CLI.
const DefaultBinary = "supervisorctl"

// ProgramName derives the supervisord program for a project folder and stage branch.
// Project-level deploys without a stage use the folder name alone.
func ProgramName(folder, branch string) string {
	branch = strings.ToLower(strings.TrimSpace(branch))
	if branch == "" {
		return folder
	}
	return folder + "--" + branch
}

// Client issues supervisorctl commands.
type Client struct {
	bin    string
	runner shell.Runner
	start  *regexp.Regexp
}

// New returns a Client for bin (DefaultBinary when empty).
func New(bin string, runner shell.Runner) *Client {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = DefaultBinary
	}
	pattern := fmt.Sprintf(`^(sudo\s+)?%s\s+(start|restart)\s+\S+`, regexp.QuoteMeta(bin))
	return &Client{bin: bin, runner: runner, start: regexp.MustCompile(pattern)}
}

// Binary returns the configured CLI path.
func (c *Client) Binary() string { return c.bin }

// RereadLine is the command that reloads program definitions.
func (c *Client) RereadLine() string { return c.bin + " reread" }

// UpdateLine is the command that applies reloaded definitions.
func (c *Client) UpdateLine() string { return c.bin + " update" }

// StartLine starts program.
func (c *Client) StartLine(program string) string { return c.bin + " start " + program }

// StopLine stops program.
func (c *Client) StopLine(program string) string { return c.bin + " stop " + program }

// IsStartCommand reports whether line starts or restarts a program.
func (c *Client) IsStartCommand(line string) bool {
	return c.start.MatchString(strings.TrimSpace(line))
}

// Reread runs `supervisorctl reread`.
func (c *Client) Reread(ctx context.Context) (string, error) {
	return c.run(ctx, c.RereadLine())
}

// Update runs `supervisorctl update`.
func (c *Client) Update(ctx context.Context) (string, error) {
	return c.run(ctx, c.UpdateLine())
}

// Start runs `supervisorctl start <program>`.
func (c *Client) Start(ctx context.Context, program string) (string, error) {
	return c.run(ctx, c.StartLine(program))
}

// Stop runs `supervisorctl stop <program>`.
func (c *Client) Stop(ctx context.Context, program string) (string, error) {
	return c.run(ctx, c.StopLine(program))
}

// Redeploy rereads definitions, applies them and starts program.
func (c *Client) Redeploy(ctx context.Context, program string) (string, error) {
	var out strings.Builder
	for _, line := range []string{c.RereadLine(), c.UpdateLine(), c.StartLine(program)} {
		text, err := c.run(ctx, line)
		out.WriteString(text)
		if err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

func (c *Client) run(ctx context.Context, line string) (string, error) {
	res, err := c.runner.Run(ctx, shell.Command{Line: line})
	if err != nil {
		return res.Combined(), fmt.Errorf("%s: %w", line, err)
	}
	return res.Combined(), nil
}
