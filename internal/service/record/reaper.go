package record

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository"
)

const reapTimeout = 30 * time.Second

// LockInspector reports whether a lock key is currently held.
type LockInspector interface {
	Holder(ctx context.Context, key string) (int64, bool, error)
}

// JobStatusWriter updates the ephemeral job entry of a reaped record.
type JobStatusWriter interface {
	SetStatus(ctx context.Context, id string, status domain.JobStatus) error
}

// Reaper fails RUNNING records whose worker died: the record is older than
// staleAfter and nobody holds the project lock any more.
type Reaper struct {
	records    *Service
	repo       repository.DeploymentRepository
	locks      LockInspector
	jobs       JobStatusWriter
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewReaper constructs a Reaper. jobs may be nil.
func NewReaper(records *Service, locks LockInspector, jobs JobStatusWriter, staleAfter, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 2 * lock.DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		records:    records,
		repo:       records.deployments,
		locks:      locks,
		jobs:       jobs,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger.With("component", "reaper"),
		now:        records.now,
	}
}

// Run reaps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("record reaper started", "interval", r.interval, "stale_after", r.staleAfter)
	r.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("record reaper stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reaper) runIteration(parent context.Context) {
	opCtx, cancel := context.WithTimeout(parent, reapTimeout)
	defer cancel()
	if _, err := r.Reap(opCtx); err != nil {
		r.logger.Warn("reap stale records", "error", err)
	}
}

// Reap performs one pass and returns the ids it failed.
func (r *Reaper) Reap(ctx context.Context) ([]int64, error) {
	stale, err := r.repo.ListRunningDeploymentsStartedBefore(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return nil, err
	}
	var reaped []int64
	for _, d := range stale {
		_, held, err := r.locks.Holder(ctx, lock.ProjectKey(d.ProjectID))
		if err != nil {
			r.logger.Warn("inspect project lock", "project_id", d.ProjectID, "error", err)
			continue
		}
		if held {
			continue
		}
		_ = r.records.AppendLog(ctx, d.ID, "\n[ERROR] interrupted: worker stopped before the record finished\n")
		err = r.records.MarkComplete(ctx, d.ID, domain.DeploymentFailed, CompleteOptions{
			ActivityLog: true,
			Message:     "Interrupted " + string(d.Action) + " marked failed",
		})
		if err != nil {
			r.logger.Warn("fail stale record", "deployment_id", d.ID, "error", err)
			continue
		}
		if r.jobs != nil && d.JobID != "" {
			if err := r.jobs.SetStatus(ctx, d.JobID, domain.JobFailed); err != nil {
				r.logger.Warn("fail stale job", "job_id", d.JobID, "error", err)
			}
		}
		r.logger.Info("reaped stale record", "deployment_id", d.ID, "project_id", d.ProjectID)
		reaped = append(reaped, d.ID)
	}
	return reaped, nil
}
