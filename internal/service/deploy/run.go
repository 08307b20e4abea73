package deploy

import (
	"context"
	"fmt"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/service/job"
	"github.com/splax/deployster/internal/service/record"
	"github.com/splax/deployster/internal/service/sequencer"
)

func (s *Service) run(ctx context.Context, j *deployJob) error {
	defer func() {
		if err := j.release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Debug("final lock release", "job_id", j.id, "error", err)
		}
	}()
	if s.deps.KeepAlive {
		stop := job.Hold(ctx, s.deps.Locks, j.lease, s.logger)
		defer stop()
	}

	sink := s.sink(j)
	if err := s.deps.Ledger.SetStatus(ctx, j.id, domain.JobRunning); err != nil {
		s.logger.Warn("set job running", "job_id", j.id, "error", err)
	}

	res := s.deps.Sequencer.Execute(ctx, j.plan, sink)
	if res.Status == domain.DeploymentFailed {
		s.finish(ctx, j, sink, domain.DeploymentFailed, record.CompleteOptions{
			Release:     j.release,
			ActivityLog: true,
			Message:     failureMessage(j, res),
		})
		return res.Err
	}

	if j.record == nil {
		s.finish(ctx, j, sink, domain.DeploymentCompleted, record.CompleteOptions{})
		return nil
	}

	if j.commit != "" {
		var stageUUID *string
		if j.stage != nil {
			stageUUID = &j.stage.UUID
		}
		if err := s.deps.Stages.UpdateHead(ctx, j.project.ID, stageUUID, j.commit); err != nil {
			s.logger.Warn("update current head", "job_id", j.id, "error", err)
			_ = sink.AppendLog(ctx, "[WARN] could not record current head: "+err.Error()+"\n")
		}
	}

	if j.plan.Mode != sequencer.ModeDeploy || s.deps.Archiver == nil {
		s.finish(ctx, j, sink, domain.DeploymentCompleted, record.CompleteOptions{Release: j.release, ActivityLog: true})
		return nil
	}

	// COMPLETED is recorded before archiving; the lock stays held until the
	// artifact is written.
	if err := s.deps.Records.MarkComplete(ctx, j.record.ID, domain.DeploymentCompleted, record.CompleteOptions{ActivityLog: true}); err != nil {
		s.logger.Error("mark deployment completed", "job_id", j.id, "error", err)
	}
	path, err := s.deps.Archiver.Create(ctx, j.project.LocalPath, j.commit)
	if err != nil {
		s.logger.Warn("artifact archiving failed", "job_id", j.id, "project_id", j.project.ID, "error", err)
		_ = sink.AppendLog(ctx, "[WARN] artifact archiving failed: "+err.Error()+"\n")
		s.finish(ctx, j, sink, domain.DeploymentCompleted, record.CompleteOptions{Release: j.release})
		return nil
	}
	_ = sink.AppendLog(ctx, "\nArtifact saved: "+path+"\n")
	s.finish(ctx, j, sink, domain.DeploymentCompleted, record.CompleteOptions{ArtifactPath: path, Release: j.release})
	return nil
}

func (s *Service) finish(ctx context.Context, j *deployJob, sink *job.Sink, status domain.DeploymentStatus, opts record.CompleteOptions) {
	if j.record != nil {
		if err := s.deps.Records.MarkComplete(ctx, j.record.ID, status, opts); err != nil {
			s.logger.Error("complete deployment record", "job_id", j.id, "status", status, "error", err)
		}
	} else if opts.Release != nil {
		_ = opts.Release(ctx)
	}
	_ = j.release(ctx)
	sink.Finish(ctx, domain.JobStatusFor(status), s.logger)
	s.logger.Info("deploy finished", "job_id", j.id, "status", status)
}

func failureMessage(j *deployJob, res sequencer.Result) string {
	target := j.plan.Dir
	if j.commit != "" {
		target = j.commit
		if len(target) > 8 {
			target = target[:8]
		}
	}
	if res.FailedStep > 0 {
		return fmt.Sprintf("Deployment of %s failed at step %d", target, res.FailedStep)
	}
	return fmt.Sprintf("Deployment of %s failed: %v", target, res.Err)
}
