package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/ledger"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository"
	"github.com/splax/deployster/internal/service/deploy"
	"github.com/splax/deployster/internal/service/job"
	"github.com/splax/deployster/internal/service/pipeline"
	"github.com/splax/deployster/internal/service/rollback"
	"github.com/splax/deployster/internal/worker"
	"github.com/splax/deployster/internal/ws"
	"github.com/splax/deployster/pkg/logger"
)

const testToken = "s3cret"

type fakeDeployer struct {
	got       deploy.Request
	deployErr error
	entries   map[string]ledger.Entry
}

func (f *fakeDeployer) Deploy(_ context.Context, req deploy.Request) (job.Accepted, error) {
	f.got = req
	if f.deployErr != nil {
		return job.Accepted{}, f.deployErr
	}
	return job.Accepted{JobID: "1700000000000-abc123", DeploymentID: 7}, nil
}

func (f *fakeDeployer) Status(_ context.Context, jobID string) (ledger.Entry, error) {
	entry, ok := f.entries[jobID]
	if !ok {
		return ledger.Entry{}, deploy.ErrJobNotFound
	}
	return entry, nil
}

type fakeRollbacks struct {
	got rollback.Request
	err error
}

func (f *fakeRollbacks) Trigger(_ context.Context, req rollback.Request) (job.Accepted, error) {
	f.got = req
	if f.err != nil {
		return job.Accepted{}, f.err
	}
	return job.Accepted{JobID: "1700000000001-def456", DeploymentID: 8}, nil
}

type fakeStages struct {
	addErr  error
	deleted string
}

func (f *fakeStages) List(context.Context, int64) ([]domain.PipelineStage, error) {
	return []domain.PipelineStage{{UUID: "u-1", Name: "production", GitBranch: "main"}}, nil
}

func (f *fakeStages) Add(_ context.Context, _ int64, inputs []pipeline.StageInput) ([]domain.PipelineStage, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	out := make([]domain.PipelineStage, 0, len(inputs))
	for i, in := range inputs {
		out = append(out, domain.PipelineStage{UUID: fmt.Sprintf("u-%d", i), Name: in.Name, GitBranch: in.GitBranch})
	}
	return out, nil
}

func (f *fakeStages) Edit(_ context.Context, _ int64, stageUUID string, in pipeline.StageInput) (domain.PipelineStage, error) {
	return domain.PipelineStage{UUID: stageUUID, Name: in.Name, GitBranch: in.GitBranch}, nil
}

func (f *fakeStages) Delete(_ context.Context, _ int64, stageUUID string) error {
	if stageUUID == "missing" {
		return pipeline.ErrStageNotFound
	}
	f.deleted = stageUUID
	return nil
}

type fakeProjects struct {
	created []domain.Project
}

func (f *fakeProjects) CreateProject(_ context.Context, p *domain.Project) error {
	for _, existing := range f.created {
		if existing.LocalPath == p.LocalPath {
			return repository.ErrConflict
		}
	}
	p.ID = int64(len(f.created) + 1)
	f.created = append(f.created, *p)
	return nil
}

func (f *fakeProjects) ListProjects(context.Context) ([]domain.Project, error) {
	return f.created, nil
}

type fakeHistory struct {
	limit int
}

func (f *fakeHistory) List(_ context.Context, projectID int64, limit int) ([]domain.Deployment, error) {
	f.limit = limit
	return []domain.Deployment{{ID: 1, ProjectID: projectID, CommitHash: "abc", Action: domain.ActionDeploy, Status: domain.DeploymentCompleted}}, nil
}

func (f *fakeHistory) Activity(_ context.Context, projectID int64, limit int) ([]domain.ActivityLog, error) {
	f.limit = limit
	return []domain.ActivityLog{{ID: 1, ProjectID: projectID, Message: "Deployment of abc completed"}}, nil
}

type fakeJobs map[string]ledger.Entry

func (f fakeJobs) Read(_ context.Context, id string) (ledger.Entry, error) {
	entry, ok := f[id]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return entry, nil
}

type routerFixture struct {
	router    *Router
	deploys   *fakeDeployer
	rollbacks *fakeRollbacks
	stages    *fakeStages
	projects  *fakeProjects
	history   *fakeHistory
	hub       *ws.Hub
}

func newRouterFixture(t *testing.T, opts Options) *routerFixture {
	t.Helper()
	f := &routerFixture{
		deploys:   &fakeDeployer{entries: map[string]ledger.Entry{"job-1": {Status: domain.JobRunning, Logs: "[1] $ git fetch\n"}}},
		rollbacks: &fakeRollbacks{},
		stages:    &fakeStages{},
		projects:  &fakeProjects{},
		history:   &fakeHistory{},
		hub:       ws.NewHub(logger.Discard()),
	}
	if opts.Token == "" {
		opts.Token = testToken
	}
	if opts.Registerer == nil {
		reg := prometheus.NewRegistry()
		opts.Registerer = reg
		opts.Gatherer = reg
	}
	f.router = NewRouter(logger.Discard(), Services{
		Deploys:   f.deploys,
		Rollbacks: f.rollbacks,
		Stages:    f.stages,
		Projects:  f.projects,
		History:   f.history,
		Jobs: fakeJobs{
			"job-1":    {Status: domain.JobRunning},
			"job-done": {Status: domain.JobComplete},
		},
		Streams: f.hub,
	}, opts)
	t.Cleanup(f.router.Close)
	return f
}

func (f *routerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(TokenHeader, testToken)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestDeployAccepted(t *testing.T) {
	f := newRouterFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/deploy", `{"cd":"/srv/app","commands":["yarn install","supervisorctl restart app"],"commit_hash":"abc","ref_name":"main"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]any](t, rec)
	if got["job_id"] != "1700000000000-abc123" {
		t.Fatalf("unexpected body %v", got)
	}
	if f.deploys.got.Cd != "/srv/app" || len(f.deploys.got.Commands) != 2 || f.deploys.got.RefName != "main" {
		t.Fatalf("request not forwarded: %+v", f.deploys.got)
	}
}

func TestTokenRequired(t *testing.T) {
	f := newRouterFixture(t, Options{})
	for _, token := range []string{"", "wrong", testToken + "x"} {
		req := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(`{}`))
		if token != "" {
			req.Header.Set(TokenHeader, token)
		}
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d", token, rec.Code)
		}
	}
	if f.deploys.got.Cd != "" {
		t.Fatalf("deploy must not run without a valid token")
	}
}

func TestDeployErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: commands must not be empty", deploy.ErrInvalidRequest), http.StatusBadRequest},
		{deploy.ErrProjectNotFound, http.StatusNotFound},
		{fmt.Errorf("acquire: %w", lock.ErrBusy), http.StatusConflict},
		{worker.ErrQueueFull, http.StatusServiceUnavailable},
		{errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newRouterFixture(t, Options{})
		f.deploys.deployErr = tc.err
		rec := f.do(t, http.MethodPost, "/deploy", `{"cd":"/srv/app","commands":["x"]}`)
		if rec.Code != tc.code {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.code)
		}
		body := decode[map[string]string](t, rec)
		if body["error"] == "" {
			t.Fatalf("%v: missing error message", tc.err)
		}
	}
}

func TestStatus(t *testing.T) {
	f := newRouterFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/status/job-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "running" || body["logs"] != "[1] $ git fetch\n" {
		t.Fatalf("unexpected body %v", body)
	}

	rec = f.do(t, http.MethodGet, "/status/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["status"] != "not_found" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRollbackAccepted(t *testing.T) {
	f := newRouterFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/rollback", `{"project_id":3,"stage_uuid":"u-1","commit_hash":"abc"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if f.rollbacks.got.ProjectID != 3 || f.rollbacks.got.StageUUID == nil || *f.rollbacks.got.StageUUID != "u-1" {
		t.Fatalf("request not forwarded: %+v", f.rollbacks.got)
	}
	body := decode[map[string]any](t, rec)
	if body["deployment_id"] != float64(8) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestProjects(t *testing.T) {
	f := newRouterFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/projects", `{"name":"shop","local_path":"/srv/shop/"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if f.projects.created[0].LocalPath != "/srv/shop" {
		t.Fatalf("path not cleaned: %q", f.projects.created[0].LocalPath)
	}
	if rec := f.do(t, http.MethodPost, "/projects", `{"name":"shop","local_path":"/srv/shop"}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/projects", `{"name":"shop","local_path":"relative"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("relative path: status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/projects", "")
	if got := decode[[]map[string]any](t, rec); len(got) != 1 || got[0]["name"] != "shop" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestStageRoutes(t *testing.T) {
	f := newRouterFixture(t, Options{})

	rec := f.do(t, http.MethodGet, "/projects/3/stages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/projects/3/stages", `[{"stage_name":"Staging","git_branch":"develop"}]`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: status = %d body=%s", rec.Code, rec.Body.String())
	}
	stages := decode[[]map[string]any](t, rec)
	if len(stages) != 1 || stages[0]["git_branch"] != "develop" {
		t.Fatalf("unexpected stages %v", stages)
	}

	f.stages.addErr = fmt.Errorf("%w: develop", pipeline.ErrDuplicateBranch)
	if rec := f.do(t, http.MethodPost, "/projects/3/stages", `[{"stage_name":"Other","git_branch":"DEVELOP"}]`); rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate branch: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPut, "/projects/3/stages/u-1", `{"stage_name":"Prod","git_branch":"main"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/projects/3/stages/u-1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if f.stages.deleted != "u-1" {
		t.Fatalf("delete not forwarded")
	}
	if rec := f.do(t, http.MethodDelete, "/projects/3/stages/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("delete missing: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/projects/abc/stages", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", rec.Code)
	}
}

func TestHistoryLimit(t *testing.T) {
	f := newRouterFixture(t, Options{})
	if rec := f.do(t, http.MethodGet, "/projects/3/deployments", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.history.limit != defaultListLimit {
		t.Fatalf("limit = %d", f.history.limit)
	}
	f.do(t, http.MethodGet, "/projects/3/activity?limit=5000", "")
	if f.history.limit != maxListLimit {
		t.Fatalf("limit = %d", f.history.limit)
	}
}

func TestDeployRateLimited(t *testing.T) {
	f := newRouterFixture(t, Options{RateLimit: 2})
	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, "/deploy", `{"cd":"/srv/app","commands":["x"]}`); rec.Code != http.StatusAccepted {
			t.Fatalf("attempt %d: status = %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodPost, "/deploy", `{"cd":"/srv/app","commands":["x"]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec := f.do(t, http.MethodGet, "/status/job-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("status route must not be limited, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newRouterFixture(t, Options{Health: map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}})
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected body %v", body)
	}
	components := body["components"].(map[string]any)
	if components["postgres"].(map[string]any)["status"] != "up" {
		t.Fatalf("postgres should be up: %v", components)
	}
}

func TestEventsForFinishedJob(t *testing.T) {
	f := newRouterFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/events/jobs/job-done", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "event: end\n") || !strings.Contains(rec.Body.String(), `"status":"complete"`) {
		t.Fatalf("unexpected stream %q", rec.Body.String())
	}

	if rec := f.do(t, http.MethodGet, "/events/jobs/unknown", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: status = %d", rec.Code)
	}
}

// finishingJobs reports the job as running on the first read and finishes it
// on the hub at the same moment, so the stream subscribes after Finish ran.
type finishingJobs struct {
	mu    sync.Mutex
	hub   *ws.Hub
	reads int
}

func (f *finishingJobs) Read(_ context.Context, id string) (ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.reads == 1 {
		f.hub.Finish(id, string(domain.JobFailed))
		return ledger.Entry{Status: domain.JobRunning}, nil
	}
	return ledger.Entry{Status: domain.JobFailed}, nil
}

func TestEventsForJobFinishingBeforeSubscribe(t *testing.T) {
	hub := ws.NewHub(logger.Discard())
	reg := prometheus.NewRegistry()
	router := NewRouter(logger.Discard(), Services{
		Jobs:    &finishingJobs{hub: hub},
		Streams: hub,
	}, Options{Token: testToken, Registerer: reg, Gatherer: reg})
	t.Cleanup(router.Close)

	req := httptest.NewRequest(http.MethodGet, "/events/jobs/job-race", nil)
	req.Header.Set(TokenHeader, testToken)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end for a job that finished before subscribing")
	}

	if !strings.Contains(rec.Body.String(), "event: end\n") || !strings.Contains(rec.Body.String(), `"status":"failed"`) {
		t.Fatalf("unexpected stream %q", rec.Body.String())
	}
	if n := hub.Count("job-race"); n != 0 {
		t.Fatalf("expected no subscribers left, got %d", n)
	}
}

func TestJobWebsocketStream(t *testing.T) {
	f := newRouterFixture(t, Options{})
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/job-1?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Count("job-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.hub.Publish("job-1", "[1] $ git fetch\n")
	f.hub.Finish("job-1", string(domain.JobComplete))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, last ws.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read log event: %v", err)
	}
	if err := conn.ReadJSON(&last); err != nil {
		t.Fatalf("read end event: %v", err)
	}
	if first.Kind != ws.KindLog || first.Text != "[1] $ git fetch\n" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if last.Kind != ws.KindEnd || last.Status != "complete" {
		t.Fatalf("unexpected last event %+v", last)
	}
}
