// Package deploy accepts deploy requests and drives them through the worker pool.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/ledger"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository"
	"github.com/splax/deployster/internal/service/job"
	"github.com/splax/deployster/internal/service/record"
	"github.com/splax/deployster/internal/service/sequencer"
	"github.com/splax/deployster/internal/worker"
)

var (
	// ErrInvalidRequest wraps validation failures.
	ErrInvalidRequest = errors.New("deploy: invalid request")
	// ErrProjectNotFound is returned when a commit deploy targets an unregistered path.
	ErrProjectNotFound = errors.New("deploy: no project registered for directory")
	// ErrJobNotFound is returned when polling an unknown job.
	ErrJobNotFound = errors.New("deploy: job not found")
)

// Request is the deploy trigger payload.
type Request struct {
	Cd         string   `json:"cd"`
	Commands   []string `json:"commands"`
	CommitHash string   `json:"commit_hash,omitempty"`
	RefName    string   `json:"ref_name,omitempty"`
}

// StageResolver finds the stage bound to a ref and records deployed heads.
type StageResolver interface {
	ResolveBranch(project domain.Project, ref string) (*domain.PipelineStage, error)
	UpdateHead(ctx context.Context, projectID int64, stageUUID *string, head string) error
}

// Archiver snapshots a project tree after a successful deploy.
type Archiver interface {
	Create(ctx context.Context, projectPath, commit string) (string, error)
}

// Deps are the collaborators of the deploy Service.
type Deps struct {
	Projects  repository.ProjectRepository
	Records   *record.Service
	Stages    StageResolver
	Sequencer *sequencer.Sequencer
	Archiver  Archiver
	Locks     job.Locker
	Ledger    job.Ledger
	Pool      job.Submitter
	Hub       job.Broadcaster
	Logger    *slog.Logger
	KeepAlive bool
	Now       func() time.Time
}

// Service triggers deploys and reports their status.
type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{deps: deps, logger: logger.With("component", "deploy"), now: now}
}

type deployJob struct {
	id      string
	project *domain.Project
	stage   *domain.PipelineStage
	plan    sequencer.Plan
	commit  string
	lease   lock.Lease
	release lock.ReleaseFunc
	record  *domain.Deployment
}

// Deploy validates req, takes the project lock, persists the initial state and
// queues the job. Validation and lock contention fail without side effects.
func (s *Service) Deploy(ctx context.Context, req Request) (job.Accepted, error) {
	dir := strings.TrimSpace(req.Cd)
	if dir == "" {
		return job.Accepted{}, fmt.Errorf("%w: cd is required", ErrInvalidRequest)
	}
	dir = filepath.Clean(dir)
	commit := strings.TrimSpace(req.CommitHash)

	project, err := s.deps.Projects.GetProjectByPath(ctx, dir)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if commit != "" {
			return job.Accepted{}, fmt.Errorf("%w: %s", ErrProjectNotFound, dir)
		}
	case err != nil:
		return job.Accepted{}, fmt.Errorf("resolve project: %w", err)
	}

	var stage *domain.PipelineStage
	if project != nil && commit != "" {
		stage, err = s.deps.Stages.ResolveBranch(*project, req.RefName)
		if err != nil {
			return job.Accepted{}, fmt.Errorf("resolve stage: %w", err)
		}
	}

	plan, err := s.deps.Sequencer.Build(sequencer.Input{
		Dir:        dir,
		Commands:   req.Commands,
		CommitHash: commit,
		RefName:    req.RefName,
		Stage:      stage,
	})
	if err != nil {
		return job.Accepted{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	key := lock.PathKey(dir)
	if project != nil {
		key = lock.ProjectKey(project.ID)
	}
	lease, err := s.deps.Locks.Acquire(ctx, key)
	if err != nil {
		return job.Accepted{}, err
	}
	j := &deployJob{
		id:      job.NewID(s.now()),
		project: project,
		stage:   stage,
		plan:    plan,
		commit:  commit,
		lease:   lease,
		release: s.deps.Locks.Releaser(lease),
	}

	if project != nil {
		d := &domain.Deployment{
			ProjectID:  project.ID,
			CommitHash: commit,
			Action:     domain.ActionDeploy,
			JobID:      j.id,
		}
		if stage != nil {
			stageUUID := stage.UUID
			d.StageUUID = &stageUUID
		}
		if err := s.deps.Records.Create(ctx, d); err != nil {
			_ = j.release(ctx)
			return job.Accepted{}, err
		}
		j.record = d
	}

	if err := s.deps.Ledger.Create(ctx, j.id); err != nil {
		s.abort(ctx, j, "job ledger unavailable")
		return job.Accepted{}, err
	}

	task := worker.Task{Kind: "deploy", ID: j.id, Run: func(ctx context.Context) error { return s.run(ctx, j) }}
	if err := s.deps.Pool.TrySubmit(task); err != nil {
		s.abort(ctx, j, "rejected: "+err.Error())
		return job.Accepted{}, err
	}

	s.logger.Info("deploy queued", "job_id", j.id, "dir", dir, "commit", commit, "mode", plan.Mode)
	accepted := job.Accepted{JobID: j.id}
	if j.record != nil {
		accepted.DeploymentID = j.record.ID
	}
	return accepted, nil
}

// Status polls the ledger. The log only contains text written since the previous poll.
func (s *Service) Status(ctx context.Context, jobID string) (ledger.Entry, error) {
	entry, err := s.deps.Ledger.Poll(ctx, jobID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Entry{}, ErrJobNotFound
	}
	return entry, err
}

// abort fails a job that never reached a worker.
func (s *Service) abort(ctx context.Context, j *deployJob, reason string) {
	sink := s.sink(j)
	_ = sink.AppendLog(ctx, sequencer.ErrorLine(reason))
	if j.record != nil {
		err := s.deps.Records.MarkComplete(ctx, j.record.ID, domain.DeploymentFailed, record.CompleteOptions{
			Release:     j.release,
			ActivityLog: true,
			Message:     "Deployment " + reason,
		})
		if err != nil {
			s.logger.Error("fail aborted deployment", "job_id", j.id, "error", err)
		}
	}
	_ = j.release(ctx)
	sink.Finish(ctx, domain.JobFailed, s.logger)
}

func (s *Service) sink(j *deployJob) *job.Sink {
	sink := &job.Sink{JobID: j.id, Ledger: s.deps.Ledger, Records: s.deps.Records, Hub: s.deps.Hub}
	if j.record != nil {
		sink.RecordID = j.record.ID
	}
	return sink
}
