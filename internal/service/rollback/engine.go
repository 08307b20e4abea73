// Package rollback restores archived project snapshots.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository"
	"github.com/splax/deployster/internal/service/archive"
	"github.com/splax/deployster/internal/service/job"
	"github.com/splax/deployster/internal/service/record"
	"github.com/splax/deployster/internal/service/sequencer"
	"github.com/splax/deployster/internal/shell"
	"github.com/splax/deployster/internal/supervisor"
	"github.com/splax/deployster/internal/worker"
)

var (
	// ErrInvalidRequest wraps validation failures.
	ErrInvalidRequest = errors.New("rollback: invalid request")
	// ErrProjectNotFound is returned for unknown project ids.
	ErrProjectNotFound = errors.New("rollback: project not found")
)

// Request is the rollback trigger payload.
type Request struct {
	ProjectID  int64   `json:"project_id"`
	StageUUID  *string `json:"stage_uuid,omitempty"`
	CommitHash string  `json:"commit_hash"`
}

// Extractor restores an artifact over a directory.
type Extractor interface {
	Extract(ctx context.Context, artifact, dest string) error
}

// Programs stops and restarts supervisor programs.
type Programs interface {
	Stop(ctx context.Context, program string) (string, error)
	Redeploy(ctx context.Context, program string) (string, error)
}

// HeadUpdater records the commit a stage or project now runs.
type HeadUpdater interface {
	UpdateHead(ctx context.Context, projectID int64, stageUUID *string, head string) error
}

// Deps are the collaborators of the Engine.
type Deps struct {
	Projects  repository.ProjectRepository
	Records   *record.Service
	Heads     HeadUpdater
	Runner    shell.Runner
	Programs  Programs
	Extractor Extractor
	Locks     job.Locker
	Ledger    job.Ledger
	Pool      job.Submitter
	Hub       job.Broadcaster
	Logger    *slog.Logger
	KeepAlive bool
	// ContinueOnFailure keeps running restore steps after one fails. The
	// record still ends FAILED.
	ContinueOnFailure bool
	Now               func() time.Time
}

// Engine triggers and executes rollbacks.
type Engine struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{deps: deps, logger: logger.With("component", "rollback"), now: now}
}

type rollbackJob struct {
	id        string
	projectID int64
	stageUUID *string
	commit    string
	lease     lock.Lease
	release   lock.ReleaseFunc
	record    *domain.Deployment
	sink      *job.Sink
}

// Trigger takes the project lock, creates the ROLLBACK record and queues the job.
func (e *Engine) Trigger(ctx context.Context, req Request) (job.Accepted, error) {
	commit := strings.TrimSpace(req.CommitHash)
	if req.ProjectID <= 0 {
		return job.Accepted{}, fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if commit == "" {
		return job.Accepted{}, fmt.Errorf("%w: commit_hash is required", ErrInvalidRequest)
	}
	var stageUUID *string
	if req.StageUUID != nil && strings.TrimSpace(*req.StageUUID) != "" {
		trimmed := strings.TrimSpace(*req.StageUUID)
		stageUUID = &trimmed
	}
	if _, err := e.deps.Projects.GetProjectByID(ctx, req.ProjectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return job.Accepted{}, fmt.Errorf("%w: %d", ErrProjectNotFound, req.ProjectID)
		}
		return job.Accepted{}, err
	}

	lease, err := e.deps.Locks.Acquire(ctx, lock.ProjectKey(req.ProjectID))
	if err != nil {
		return job.Accepted{}, err
	}
	j := &rollbackJob{
		id:        job.NewID(e.now()),
		projectID: req.ProjectID,
		stageUUID: stageUUID,
		commit:    commit,
		lease:     lease,
		release:   e.deps.Locks.Releaser(lease),
	}
	j.record = &domain.Deployment{
		ProjectID:  req.ProjectID,
		StageUUID:  stageUUID,
		CommitHash: commit,
		Action:     domain.ActionRollback,
		JobID:      j.id,
	}
	if err := e.deps.Records.Create(ctx, j.record); err != nil {
		_ = j.release(ctx)
		return job.Accepted{}, err
	}
	j.sink = &job.Sink{JobID: j.id, RecordID: j.record.ID, Ledger: e.deps.Ledger, Records: e.deps.Records, Hub: e.deps.Hub}

	if err := e.deps.Ledger.Create(ctx, j.id); err != nil {
		e.fail(ctx, j, "job ledger unavailable")
		return job.Accepted{}, err
	}
	task := worker.Task{Kind: "rollback", ID: j.id, Run: func(ctx context.Context) error { return e.run(ctx, j) }}
	if err := e.deps.Pool.TrySubmit(task); err != nil {
		e.fail(ctx, j, "rejected: "+err.Error())
		return job.Accepted{}, err
	}
	e.logger.Info("rollback queued", "job_id", j.id, "project_id", j.projectID, "commit", commit)
	return job.Accepted{JobID: j.id, DeploymentID: j.record.ID}, nil
}

type restoreStep struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func (e *Engine) run(ctx context.Context, j *rollbackJob) error {
	defer func() { _ = j.release(context.WithoutCancel(ctx)) }()
	if e.deps.KeepAlive {
		stop := job.Hold(ctx, e.deps.Locks, j.lease, e.logger)
		defer stop()
	}
	if err := e.deps.Ledger.SetStatus(ctx, j.id, domain.JobRunning); err != nil {
		e.logger.Warn("set job running", "job_id", j.id, "error", err)
	}

	project, err := e.deps.Projects.GetProjectByID(ctx, j.projectID)
	if err != nil {
		return e.fail(ctx, j, fmt.Sprintf("load project %d: %v", j.projectID, err))
	}
	program := supervisor.ProgramName(project.Folder(), "")
	if j.stageUUID != nil {
		stage, ok := project.Stage(*j.stageUUID)
		if !ok {
			return e.fail(ctx, j, fmt.Sprintf("stage %s not found in pipeline", *j.stageUUID))
		}
		program = supervisor.ProgramName(project.Folder(), stage.GitBranch)
	}

	target, err := e.deps.Records.FindRestorable(ctx, domain.DeploymentLookup{ProjectID: j.projectID, StageUUID: j.stageUUID, CommitHash: j.commit})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return e.fail(ctx, j, fmt.Sprintf("no completed deployment record found for commit %s", j.commit))
	case err != nil:
		return e.fail(ctx, j, fmt.Sprintf("look up deployment record: %v", err))
	case target.ArtifactPath == nil || *target.ArtifactPath == "":
		return e.fail(ctx, j, fmt.Sprintf("deployment record %d for commit %s has no artifact", target.ID, j.commit))
	}
	artifact := *target.ArtifactPath
	if _, err := os.Stat(artifact); err != nil {
		return e.fail(ctx, j, fmt.Sprintf("deployment record %d artifact missing: %v", target.ID, err))
	}
	dir := project.LocalPath

	steps := []restoreStep{
		{name: "git reset --hard " + j.commit, run: func(ctx context.Context) (string, error) {
			res, err := e.deps.Runner.Run(ctx, shell.Command{Line: "git reset --hard " + j.commit, Dir: dir})
			return res.Stdout, err
		}},
		{name: "clear working tree (keep .git)", run: func(context.Context) (string, error) {
			return "", archive.ClearTree(dir)
		}},
		{name: "extract " + artifact, run: func(ctx context.Context) (string, error) {
			return "", e.deps.Extractor.Extract(ctx, artifact, dir)
		}},
		{name: "restart " + program, run: func(ctx context.Context) (string, error) {
			stopped, err := e.deps.Programs.Stop(ctx, program)
			if err != nil {
				_ = j.sink.AppendLog(ctx, "[WARN] stop "+program+": "+shell.Message(err)+"\n")
				e.logger.Warn("stop program before redeploy", "program", program, "error", err)
			}
			started, err := e.deps.Programs.Redeploy(ctx, program)
			return stopped + started, err
		}},
		{name: "record current head " + j.commit, run: func(ctx context.Context) (string, error) {
			return "", e.deps.Heads.UpdateHead(ctx, j.projectID, j.stageUUID, j.commit)
		}},
	}

	failures := 0
	for i, step := range steps {
		_ = j.sink.AppendLog(ctx, sequencer.StepHeader(i+1, step.name))
		out, err := step.run(ctx)
		if out != "" {
			_ = j.sink.AppendLog(ctx, out)
		}
		if err == nil {
			continue
		}
		failures++
		_ = j.sink.AppendLog(ctx, sequencer.ErrorLine(shell.Message(err)))
		e.logger.Warn("rollback step failed", "job_id", j.id, "step", i+1, "error", err)
		if !e.deps.ContinueOnFailure {
			break
		}
	}

	status := domain.DeploymentCompleted
	message := fmt.Sprintf("Rolled back to %s", shortCommit(j.commit))
	if failures > 0 {
		status = domain.DeploymentFailed
		message = fmt.Sprintf("Rollback to %s failed (%d step(s))", shortCommit(j.commit), failures)
	}
	e.complete(ctx, j, status, message)
	if failures > 0 {
		return fmt.Errorf("rollback %s: %d step(s) failed", j.id, failures)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, j *rollbackJob, reason string) error {
	_ = j.sink.AppendLog(ctx, sequencer.ErrorLine(reason))
	e.complete(ctx, j, domain.DeploymentFailed, "Rollback failed: "+reason)
	return errors.New(reason)
}

func (e *Engine) complete(ctx context.Context, j *rollbackJob, status domain.DeploymentStatus, message string) {
	err := e.deps.Records.MarkComplete(ctx, j.record.ID, status, record.CompleteOptions{
		Release:     j.release,
		ActivityLog: true,
		Message:     message,
	})
	if err != nil {
		e.logger.Error("complete rollback record", "job_id", j.id, "error", err)
	}
	_ = j.release(ctx)
	j.sink.Finish(ctx, domain.JobStatusFor(status), e.logger)
	e.logger.Info("rollback finished", "job_id", j.id, "status", status)
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
