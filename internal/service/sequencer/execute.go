package sequencer

import (
	"context"
	"fmt"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/shell"
)

// LogSink receives formatted log text as the plan runs.
type LogSink interface {
	AppendLog(ctx context.Context, text string) error
}

// Result summarises a plan execution.
type Result struct {
	Status domain.DeploymentStatus
	// FailedStep is the 1-based index of the failing step, or 0.
	FailedStep int
	Err        error
}

// StepHeader formats the line logged before a step runs.
func StepHeader(n int, line string) string {
	return fmt.Sprintf("\n[%d] $ %s\n", n, line)
}

// ErrorLine formats a failure marker.
func ErrorLine(msg string) string {
	return "[ERROR] " + msg + "\n"
}

// Execute runs plan steps strictly in order and stops at the first failure.
// Housekeeping steps run before the gate error, if any, is reported.
func (s *Sequencer) Execute(ctx context.Context, plan Plan, sink LogSink) Result {
	for i, step := range plan.Steps {
		if i == plan.Housekeeping && plan.GateErr != nil {
			s.emit(ctx, sink, ErrorLine(plan.GateErr.Error()))
			return Result{Status: domain.DeploymentFailed, Err: plan.GateErr}
		}
		n := i + 1
		s.emit(ctx, sink, StepHeader(n, step.Line))
		out, err := s.run(ctx, plan.Dir, step)
		if out != "" {
			s.emit(ctx, sink, out)
		}
		if err == nil {
			continue
		}
		if step.AllowFailure {
			s.emit(ctx, sink, "(ignored) "+shell.Message(err)+"\n")
			continue
		}
		s.emit(ctx, sink, ErrorLine(shell.Message(err)))
		s.logger.Warn("plan step failed", "dir", plan.Dir, "step", n, "command", step.Line, "error", err)
		return Result{Status: domain.DeploymentFailed, FailedStep: n, Err: err}
	}
	return Result{Status: domain.DeploymentCompleted}
}

func (s *Sequencer) run(ctx context.Context, dir string, step Step) (string, error) {
	if step.Action != nil {
		return step.Action(ctx, dir)
	}
	res, err := s.runner.Run(ctx, shell.Command{Line: step.Line, Dir: dir})
	return res.Stdout, err
}

func (s *Sequencer) emit(ctx context.Context, sink LogSink, text string) {
	if sink == nil {
		return
	}
	if err := sink.AppendLog(ctx, text); err != nil {
		s.logger.Error("append plan log", "error", err)
	}
}
