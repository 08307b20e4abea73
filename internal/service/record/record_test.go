package record

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository/memory"
	"github.com/splax/deployster/pkg/logger"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Repository) {
	t.Helper()
	repo := memory.New()
	return New(repo, repo, logger.Discard(), opts...), repo
}

func TestMarkCompleteRejectsNonTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	released := 0
	release := lock.ReleaseFunc(func(context.Context) error { released++; return nil })
	err := svc.MarkComplete(context.Background(), 1, domain.DeploymentRunning, CompleteOptions{Release: release})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if released != 1 {
		t.Fatalf("expected the lock to be released even on error, got %d", released)
	}
}

func TestDeferredReleaseAndSingleActivity(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	d := &domain.Deployment{ProjectID: 4, Action: domain.ActionDeploy, CommitHash: "abcdef1234567890"}
	if err := svc.Create(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != domain.DeploymentRunning || d.ID == 0 {
		t.Fatalf("expected RUNNING record with id, got %+v", d)
	}

	if err := svc.MarkComplete(ctx, d.ID, domain.DeploymentCompleted, CompleteOptions{ActivityLog: true}); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	released := 0
	release := lock.ReleaseFunc(func(context.Context) error { released++; return nil })
	err := svc.MarkComplete(ctx, d.ID, domain.DeploymentCompleted, CompleteOptions{ArtifactPath: "deploy-artifacts/srv_app/a.tar.gz", Release: release})
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected deferred release on second mark, got %d", released)
	}

	got, _ := svc.Get(ctx, d.ID)
	if got.ArtifactPath == nil || *got.ArtifactPath != "deploy-artifacts/srv_app/a.tar.gz" {
		t.Fatalf("expected artifact path, got %+v", got.ArtifactPath)
	}
	activity := repo.Activity()
	if len(activity) != 1 {
		t.Fatalf("expected one activity entry, got %d", len(activity))
	}
	if activity[0].Message != "Deployment of abcdef12 completed" {
		t.Fatalf("unexpected activity message %q", activity[0].Message)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	d := &domain.Deployment{ProjectID: 1, Action: domain.ActionRollback}
	_ = svc.Create(ctx, d)
	if err := svc.MarkComplete(ctx, d.ID, domain.DeploymentFailed, CompleteOptions{}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := svc.MarkComplete(ctx, d.ID, domain.DeploymentCompleted, CompleteOptions{}); err == nil {
		t.Fatal("expected FAILED record to stay FAILED")
	}
}

func TestAppendLogConcatenates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	d := &domain.Deployment{ProjectID: 1, Action: domain.ActionDeploy}
	_ = svc.Create(ctx, d)
	_ = svc.AppendLog(ctx, d.ID, "\n[1] $ git fetch\n")
	_ = svc.AppendLog(ctx, d.ID, "ok\n")
	got, _ := svc.Get(ctx, d.ID)
	if got.LogOutput != "\n[1] $ git fetch\nok\n" {
		t.Fatalf("unexpected log %q", got.LogOutput)
	}
}

type fakeLocks struct {
	held map[string]bool
}

func (f fakeLocks) Holder(_ context.Context, key string) (int64, bool, error) {
	return 1, f.held[key], nil
}

type fakeJobs struct {
	statuses map[string]domain.JobStatus
}

func (f *fakeJobs) SetStatus(_ context.Context, id string, status domain.JobStatus) error {
	f.statuses[id] = status
	return nil
}

func TestReaperFailsOrphanedRecords(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc, repo := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	orphan := &domain.Deployment{ProjectID: 1, Action: domain.ActionDeploy, JobID: "j-orphan", StartedAt: now.Add(-time.Hour)}
	held := &domain.Deployment{ProjectID: 2, Action: domain.ActionDeploy, StartedAt: now.Add(-time.Hour)}
	fresh := &domain.Deployment{ProjectID: 3, Action: domain.ActionDeploy, StartedAt: now.Add(-time.Minute)}
	for _, d := range []*domain.Deployment{orphan, held, fresh} {
		if err := svc.Create(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	jobs := &fakeJobs{statuses: map[string]domain.JobStatus{}}
	locks := fakeLocks{held: map[string]bool{lock.ProjectKey(2): true}}
	reaper := NewReaper(svc, locks, jobs, 20*time.Minute, time.Minute, logger.Discard())
	reaped, err := reaper.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != orphan.ID {
		t.Fatalf("expected only the orphan to be reaped, got %v", reaped)
	}
	got, _ := svc.Get(ctx, orphan.ID)
	if got.Status != domain.DeploymentFailed || !strings.Contains(got.LogOutput, "interrupted") {
		t.Fatalf("unexpected orphan record %+v", got)
	}
	if jobs.statuses["j-orphan"] != domain.JobFailed {
		t.Fatalf("expected job status failed, got %q", jobs.statuses["j-orphan"])
	}
	if stillRunning, _ := svc.Get(ctx, held.ID); stillRunning.Status != domain.DeploymentRunning {
		t.Fatal("record with a held lock must not be reaped")
	}
	if len(repo.Activity()) != 1 {
		t.Fatalf("expected one activity entry, got %d", len(repo.Activity()))
	}
}
