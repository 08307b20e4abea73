// Package sequencer builds and executes ordered shell plans for deployments.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/shell"
	"github.com/splax/deployster/internal/supervisor"
)

var (
	// ErrNoCommands is returned when the caller supplied nothing to run.
	ErrNoCommands = errors.New("sequencer: no commands")
	// ErrNoDirectory is returned when the working directory is empty.
	ErrNoDirectory = errors.New("sequencer: working directory required")
	// ErrGate is reported when the final command does not start the program.
	ErrGate = errors.New("sequencer: final command must start or restart a supervisor program")
)

// Mode selects how a plan was built.
type Mode string

const (
	ModeLegacy Mode = "legacy"
	ModeDeploy Mode = "deploy"
)

// Step is one entry of a plan. Steps with an Action run in process; the rest
// run Line through the shell.
type Step struct {
	Line         string
	AllowFailure bool
	Action       func(ctx context.Context, dir string) (string, error)
}

// Plan is an ordered list of steps bound to a working directory.
type Plan struct {
	Mode  Mode
	Dir   string
	Steps []Step
	// Housekeeping counts the leading steps that run before the gate is checked.
	Housekeeping int
	// GateErr is non-nil when the final caller command failed validation.
	GateErr error
}

// Lines returns the display line of every step.
func (p Plan) Lines() []string {
	lines := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		lines[i] = s.Line
	}
	return lines
}

// Input describes a deploy request after stage resolution.
type Input struct {
	Dir        string
	Commands   []string
	CommitHash string
	RefName    string
	// Stage is nil for project-level deploys. Env values must be plaintext.
	Stage *domain.PipelineStage
}

// Sequencer builds and runs plans.
type Sequencer struct {
	runner     shell.Runner
	supervisor *supervisor.Client
	logger     *slog.Logger
}

// New constructs a Sequencer.
func New(runner shell.Runner, sup *supervisor.Client, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{runner: runner, supervisor: sup, logger: logger.With("component", "sequencer")}
}

// Build turns input into a plan. A missing commit hash selects legacy mode,
// which runs the caller commands verbatim.
func (s *Sequencer) Build(in Input) (Plan, error) {
	dir := strings.TrimSpace(in.Dir)
	if dir == "" {
		return Plan{}, ErrNoDirectory
	}
	commands := make([]string, 0, len(in.Commands))
	for _, c := range in.Commands {
		if c = strings.TrimSpace(c); c != "" {
			commands = append(commands, c)
		}
	}
	if len(commands) == 0 {
		return Plan{}, ErrNoCommands
	}

	if strings.TrimSpace(in.CommitHash) == "" {
		plan := Plan{Mode: ModeLegacy, Dir: dir}
		for _, c := range commands {
			plan.Steps = append(plan.Steps, Step{Line: c})
		}
		return plan, nil
	}

	ref := strings.TrimSpace(in.RefName)
	if ref == "" {
		ref = strings.TrimSpace(in.CommitHash)
	}
	plan := Plan{Mode: ModeDeploy, Dir: dir}
	plan.Steps = append(plan.Steps,
		Step{Line: "git stash"},
		Step{Line: "git stash drop", AllowFailure: true},
		Step{Line: "git fetch"},
		Step{Line: "git checkout " + ref},
	)
	plan.Housekeeping = len(plan.Steps)

	final := commands[len(commands)-1]
	if !s.supervisor.IsStartCommand(final) {
		plan.GateErr = fmt.Errorf("%w: %q", ErrGate, final)
	}

	for _, c := range commands[:len(commands)-1] {
		plan.Steps = append(plan.Steps, Step{Line: c})
	}
	if in.Stage != nil && len(in.Stage.EnvironmentVariables) > 0 {
		plan.Steps = append(plan.Steps, envStep(in.Stage.EnvironmentVariables))
	}
	plan.Steps = append(plan.Steps,
		Step{Line: s.supervisor.RereadLine()},
		Step{Line: s.supervisor.UpdateLine()},
		Step{Line: final},
	)
	return plan, nil
}

func envStep(vars []domain.EnvVar) Step {
	keys := make([]string, len(vars))
	for i, v := range vars {
		keys[i] = v.Key
	}
	return Step{
		Line: "write .env (" + strings.Join(keys, ", ") + ")",
		Action: func(_ context.Context, dir string) (string, error) {
			return "", WriteEnvFile(filepath.Join(dir, ".env"), vars)
		},
	}
}

// WriteEnvFile writes vars to path in order, one KEY="value" line each.
func WriteEnvFile(path string, vars []domain.EnvVar) error {
	var b strings.Builder
	for _, v := range vars {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			continue
		}
		line, err := godotenv.Marshal(map[string]string{key: v.Value})
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}
