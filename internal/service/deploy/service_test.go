package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/ledger"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository/memory"
	"github.com/splax/deployster/internal/service/archive"
	"github.com/splax/deployster/internal/service/pipeline"
	"github.com/splax/deployster/internal/service/record"
	"github.com/splax/deployster/internal/service/sequencer"
	"github.com/splax/deployster/internal/shell/shelltest"
	"github.com/splax/deployster/internal/supervisor"
	"github.com/splax/deployster/internal/worker"
	"github.com/splax/deployster/pkg/logger"
)

// heldPool keeps submitted tasks until runAll is called.
type heldPool struct {
	mu    sync.Mutex
	tasks []worker.Task
	err   error
}

func (p *heldPool) TrySubmit(task worker.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *heldPool) runAll(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, task := range tasks {
		_ = task.Run(context.Background())
	}
}

type fixture struct {
	svc      *Service
	repo     *memory.Repository
	runner   *shelltest.Runner
	pool     *heldPool
	locks    *lock.Manager
	ledger   *ledger.Ledger
	records  *record.Service
	registry *pipeline.Registry
	project  *domain.Project
	artifact string
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.Discard()
	repo := memory.New()
	runner := shelltest.New()
	sup := supervisor.New("", runner)
	registry := pipeline.NewRegistry(repo, nil, sup, log)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	project := &domain.Project{Name: "app", LocalPath: dir}
	if err := repo.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	f := &fixture{
		repo:     repo,
		runner:   runner,
		pool:     &heldPool{},
		locks:    lock.NewManager(client, lock.WithLogger(log)),
		ledger:   ledger.New(client, time.Hour),
		records:  record.New(repo, repo, log),
		registry: registry,
		project:  project,
		artifact: t.TempDir(),
	}
	deps := Deps{
		Projects:  repo,
		Records:   f.records,
		Stages:    registry,
		Sequencer: sequencer.New(runner, sup, log),
		Archiver:  archive.New(f.artifact, log),
		Locks:     f.locks,
		Ledger:    f.ledger,
		Pool:      f.pool,
		Logger:    log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.svc = NewService(deps)
	return f
}

func (f *fixture) lockHeld(t *testing.T) bool {
	t.Helper()
	_, held, err := f.locks.Holder(context.Background(), lock.ProjectKey(f.project.ID))
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	return held
}

func TestDeployScenarioA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stages, err := f.registry.Add(ctx, f.project.ID, []pipeline.StageInput{{
		Name:                 "Production",
		GitBranch:            "main",
		EnvironmentVariables: []domain.EnvVar{{Key: "PORT", Value: "3000"}},
	}})
	if err != nil {
		t.Fatalf("add stage: %v", err)
	}

	accepted, err := f.svc.Deploy(ctx, Request{
		Cd:         f.project.LocalPath,
		Commands:   []string{"yarn install", "supervisorctl restart app"},
		CommitHash: "abcdef1234567890",
		RefName:    "main",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if accepted.JobID == "" || accepted.DeploymentID == 0 {
		t.Fatalf("unexpected acceptance %+v", accepted)
	}
	if !f.lockHeld(t) {
		t.Fatal("expected the project lock to be held while queued")
	}
	if entry, _ := f.ledger.Read(ctx, accepted.JobID); entry.Status != domain.JobQueued {
		t.Fatalf("expected queued job, got %q", entry.Status)
	}

	f.pool.runAll(t)

	want := []string{
		"git stash", "git stash drop", "git fetch", "git checkout main",
		"yarn install",
		"supervisorctl reread", "supervisorctl update", "supervisorctl restart app",
	}
	if got := f.runner.Lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected command order\nwant %v\ngot  %v", want, got)
	}
	env, err := os.ReadFile(filepath.Join(f.project.LocalPath, ".env"))
	if err != nil || !strings.Contains(string(env), "PORT=") {
		t.Fatalf("expected stage env file, got %q %v", env, err)
	}

	d, _ := f.records.Get(ctx, accepted.DeploymentID)
	if d.Status != domain.DeploymentCompleted || d.StageUUID == nil || *d.StageUUID != stages[0].UUID {
		t.Fatalf("unexpected record %+v", d)
	}
	if d.ArtifactPath == nil || !strings.HasSuffix(*d.ArtifactPath, "-abcdef12.tar.gz") {
		t.Fatalf("expected artifact path, got %v", d.ArtifactPath)
	}
	if _, err := os.Stat(*d.ArtifactPath); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if !strings.Contains(d.LogOutput, "[5] $ yarn install") {
		t.Fatalf("expected numbered steps in durable log, got %q", d.LogOutput)
	}
	if f.lockHeld(t) {
		t.Fatal("expected the lock to be released")
	}
	if n := len(f.repo.Activity()); n != 1 {
		t.Fatalf("expected one activity entry, got %d", n)
	}

	entry, err := f.svc.Status(ctx, accepted.JobID)
	if err != nil || entry.Status != domain.JobComplete || !strings.Contains(entry.Logs, "Artifact saved") {
		t.Fatalf("unexpected status %+v %v", entry, err)
	}
	if again, _ := f.svc.Status(ctx, accepted.JobID); again.Logs != "" {
		t.Fatalf("expected drained log on second poll, got %q", again.Logs)
	}

	project, _ := f.repo.GetProjectByID(ctx, f.project.ID)
	if project.Pipeline[0].CurrentHead != "abcdef1234567890" {
		t.Fatalf("expected stage head update, got %q", project.Pipeline[0].CurrentHead)
	}
}

func TestDeployConcurrentAttemptsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		busy     int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Deploy(ctx, Request{Cd: f.project.LocalPath, Commands: []string{"supervisorctl restart app"}, CommitHash: "abc"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, lock.ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 || busy != attempts-1 {
		t.Fatalf("expected 1 accepted and %d busy, got %d and %d", attempts-1, accepted, busy)
	}
	if records, _ := f.records.List(ctx, f.project.ID, 0); len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
}

func TestDeployFailureAbortsAndReleases(t *testing.T) {
	f := newFixture(t)
	f.runner.Fail("yarn install", "network down")
	ctx := context.Background()
	accepted, err := f.svc.Deploy(ctx, Request{Cd: f.project.LocalPath, Commands: []string{"yarn install", "yarn build", "supervisorctl restart app"}, CommitHash: "abc"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	f.pool.runAll(t)

	d, _ := f.records.Get(ctx, accepted.DeploymentID)
	if d.Status != domain.DeploymentFailed || d.ArtifactPath != nil {
		t.Fatalf("unexpected record %+v", d)
	}
	if strings.Count(d.LogOutput, "[ERROR]") != 1 || strings.Contains(d.LogOutput, "yarn build") {
		t.Fatalf("expected a single error and no later steps, got %q", d.LogOutput)
	}
	if f.lockHeld(t) {
		t.Fatal("expected lock release after failure")
	}
	if entry, _ := f.svc.Status(ctx, accepted.JobID); entry.Status != domain.JobFailed {
		t.Fatalf("expected failed job, got %q", entry.Status)
	}
}

func TestDeployGateFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accepted, err := f.svc.Deploy(ctx, Request{Cd: f.project.LocalPath, Commands: []string{"yarn install", "node server.js"}, CommitHash: "abc", RefName: "main"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	f.pool.runAll(t)
	for _, line := range f.runner.Lines() {
		if line == "yarn install" {
			t.Fatal("caller commands must not run when the gate fails")
		}
	}
	d, _ := f.records.Get(ctx, accepted.DeploymentID)
	if d.Status != domain.DeploymentFailed {
		t.Fatalf("expected FAILED, got %s", d.Status)
	}
}

func TestDeployQueueFull(t *testing.T) {
	f := newFixture(t)
	f.pool.err = worker.ErrQueueFull
	ctx := context.Background()
	_, err := f.svc.Deploy(ctx, Request{Cd: f.project.LocalPath, Commands: []string{"supervisorctl restart app"}, CommitHash: "abc"})
	if !errors.Is(err, worker.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if f.lockHeld(t) {
		t.Fatal("expected lock release on rejection")
	}
	records, _ := f.records.List(ctx, f.project.ID, 0)
	if len(records) != 1 || records[0].Status != domain.DeploymentFailed {
		t.Fatalf("expected one FAILED record, got %+v", records)
	}
	if entry, _ := f.ledger.Read(ctx, records[0].JobID); entry.Status != domain.JobFailed {
		t.Fatalf("expected failed ledger entry, got %q", entry.Status)
	}
}

func TestDeployLegacyUnregisteredPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	accepted, err := f.svc.Deploy(ctx, Request{Cd: dir, Commands: []string{"make", "./restart.sh"}})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if accepted.DeploymentID != 0 {
		t.Fatalf("legacy deploys without a project have no record, got %d", accepted.DeploymentID)
	}
	f.pool.runAll(t)
	if got := f.runner.Lines(); !reflect.DeepEqual(got, []string{"make", "./restart.sh"}) {
		t.Fatalf("expected verbatim commands, got %v", got)
	}
	for _, c := range f.runner.Calls() {
		if c.Dir != dir {
			t.Fatalf("expected commands to run in %s, got %s", dir, c.Dir)
		}
	}
	entry, _ := f.svc.Status(ctx, accepted.JobID)
	if entry.Status != domain.JobComplete || !strings.Contains(entry.Logs, "[2] $ ./restart.sh") {
		t.Fatalf("unexpected status %+v", entry)
	}
	if _, held, _ := f.locks.Holder(ctx, lock.PathKey(dir)); held {
		t.Fatal("expected path lock release")
	}
}

func TestDeployValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Deploy(ctx, Request{Commands: []string{"ls"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.svc.Deploy(ctx, Request{Cd: f.project.LocalPath}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for no commands, got %v", err)
	}
	if _, err := f.svc.Deploy(ctx, Request{Cd: "/not/registered", Commands: []string{"supervisorctl restart x"}, CommitHash: "abc"}); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if f.lockHeld(t) {
		t.Fatal("validation failures must not take the lock")
	}
	if _, err := f.svc.Status(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestArchiveFailureKeepsCompleted(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Archiver = failingArchiver{} })
	ctx := context.Background()
	accepted, err := f.svc.Deploy(ctx, Request{Cd: f.project.LocalPath, Commands: []string{"supervisorctl restart app"}, CommitHash: "abc"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	f.pool.runAll(t)
	d, _ := f.records.Get(ctx, accepted.DeploymentID)
	if d.Status != domain.DeploymentCompleted || d.ArtifactPath != nil {
		t.Fatalf("expected COMPLETED without artifact, got %+v", d)
	}
	if !strings.Contains(d.LogOutput, "[WARN] artifact archiving failed") {
		t.Fatalf("expected warning line, got %q", d.LogOutput)
	}
	if f.lockHeld(t) {
		t.Fatal("expected lock release after archive failure")
	}
}

type failingArchiver struct{}

func (failingArchiver) Create(context.Context, string, string) (string, error) {
	return "", errors.New("disk full")
}
