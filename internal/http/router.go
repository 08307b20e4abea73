package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/ledger"
	"github.com/splax/deployster/internal/service/deploy"
	"github.com/splax/deployster/internal/service/job"
	"github.com/splax/deployster/internal/service/pipeline"
	"github.com/splax/deployster/internal/service/rollback"
	"github.com/splax/deployster/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	defaultListLimit   = 20
	maxListLimit       = 100
)

// Deployer triggers deploys and reports job status.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (job.Accepted, error)
	Status(ctx context.Context, jobID string) (ledger.Entry, error)
}

// RollbackTrigger queues rollbacks.
type RollbackTrigger interface {
	Trigger(ctx context.Context, req rollback.Request) (job.Accepted, error)
}

// StageStore manages the pipeline stages of a project.
type StageStore interface {
	List(ctx context.Context, projectID int64) ([]domain.PipelineStage, error)
	Add(ctx context.Context, projectID int64, inputs []pipeline.StageInput) ([]domain.PipelineStage, error)
	Edit(ctx context.Context, projectID int64, stageUUID string, in pipeline.StageInput) (domain.PipelineStage, error)
	Delete(ctx context.Context, projectID int64, stageUUID string) error
}

// ProjectStore registers and lists projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// History exposes deployment records and the activity feed.
type History interface {
	List(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error)
	Activity(ctx context.Context, projectID int64, limit int) ([]domain.ActivityLog, error)
}

// JobReader reads a job entry without draining its logs.
type JobReader interface {
	Read(ctx context.Context, id string) (ledger.Entry, error)
}

// JobStreams attaches live subscribers to a job.
type JobStreams interface {
	Subscribe(jobID string, client ws.Subscriber) func()
}

// Services are the handlers' collaborators.
type Services struct {
	Deploys   Deployer
	Rollbacks RollbackTrigger
	Stages    StageStore
	Projects  ProjectStore
	History   History
	Jobs      JobReader
	Streams   JobStreams
}

// Options tune authentication, rate limiting, health checks and metrics.
type Options struct {
	Token      string
	RateLimit  int
	Limiter    RateLimiter
	Health     map[string]func(context.Context) error
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	svc       Services
	upgrader  websocket.Upgrader
	token     string
	rateLimit int
	limiter   RateLimiter
	health    map[string]func(context.Context) error
	metrics   *routerMetrics
	gatherer  prometheus.Gatherer
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		svc:    svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		token:     strings.TrimSpace(opts.Token),
		rateLimit: opts.RateLimit,
		limiter:   opts.Limiter,
		health:    opts.Health,
		metrics:   newRouterMetrics(opts.Registerer),
		gatherer:  opts.Gatherer,
	}
	if r.limiter == nil && r.rateLimit > 0 {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.mux.HandleFunc("POST /deploy", r.audit(r.requireToken(r.withRateLimit("deploy", r.handleDeploy))))
	r.mux.HandleFunc("GET /status/{job_id}", r.audit(r.requireToken(r.handleStatus)))
	r.mux.HandleFunc("POST /rollback", r.audit(r.requireToken(r.withRateLimit("rollback", r.handleRollback))))

	r.mux.HandleFunc("GET /projects", r.audit(r.requireToken(r.handleListProjects)))
	r.mux.HandleFunc("POST /projects", r.audit(r.requireToken(r.handleCreateProject)))
	r.mux.HandleFunc("GET /projects/{id}/deployments", r.audit(r.requireToken(r.handleDeployments)))
	r.mux.HandleFunc("GET /projects/{id}/activity", r.audit(r.requireToken(r.handleActivity)))
	r.mux.HandleFunc("GET /projects/{id}/stages", r.audit(r.requireToken(r.handleListStages)))
	r.mux.HandleFunc("POST /projects/{id}/stages", r.audit(r.requireToken(r.handleAddStages)))
	r.mux.HandleFunc("PUT /projects/{id}/stages/{uuid}", r.audit(r.requireToken(r.handleEditStage)))
	r.mux.HandleFunc("DELETE /projects/{id}/stages/{uuid}", r.audit(r.requireToken(r.handleDeleteStage)))

	r.mux.HandleFunc("GET /ws/jobs/{job_id}", r.audit(r.requireToken(r.handleJobWS)))
	r.mux.HandleFunc("GET /events/jobs/{job_id}", r.audit(r.requireToken(r.handleJobEvents)))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var payload deploy.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	accepted, err := r.svc.Deploys.Deploy(req.Context(), payload)
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	entry, err := r.svc.Deploys.Status(req.Context(), req.PathValue("job_id"))
	if errors.Is(err, deploy.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(entry.Status),
		"logs":   entry.Logs,
	})
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request) {
	var payload rollback.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	accepted, err := r.svc.Rollbacks.Trigger(req.Context(), payload)
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	projects, err := r.svc.Projects.ListProjects(req.Context())
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name          string   `json:"name"`
		LocalPath     string   `json:"local_path"`
		RepositoryURL string   `json:"repository_url"`
		TCPPort       int      `json:"tcp_port"`
		AppURL        string   `json:"app_url"`
		LogFiles      []string `json:"log_files"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(payload.Name)
	dir := strings.TrimSpace(payload.LocalPath)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if dir == "" || !filepath.IsAbs(dir) {
		writeError(w, http.StatusBadRequest, "local_path must be an absolute path")
		return
	}
	project := &domain.Project{
		Name:          name,
		LocalPath:     filepath.Clean(dir),
		RepositoryURL: strings.TrimSpace(payload.RepositoryURL),
		TCPPort:       payload.TCPPort,
		AppURL:        strings.TrimSpace(payload.AppURL),
		LogFiles:      payload.LogFiles,
	}
	if err := r.svc.Projects.CreateProject(req.Context(), project); err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	projectID, ok := r.projectID(w, req)
	if !ok {
		return
	}
	records, err := r.svc.History.List(req.Context(), projectID, listLimit(req))
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleActivity(w http.ResponseWriter, req *http.Request) {
	projectID, ok := r.projectID(w, req)
	if !ok {
		return
	}
	entries, err := r.svc.History.Activity(req.Context(), projectID, listLimit(req))
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleListStages(w http.ResponseWriter, req *http.Request) {
	projectID, ok := r.projectID(w, req)
	if !ok {
		return
	}
	stages, err := r.svc.Stages.List(req.Context(), projectID)
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stages)
}

func (r *Router) handleAddStages(w http.ResponseWriter, req *http.Request) {
	projectID, ok := r.projectID(w, req)
	if !ok {
		return
	}
	var inputs []pipeline.StageInput
	if err := json.NewDecoder(req.Body).Decode(&inputs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: expected a list of stages")
		return
	}
	stages, err := r.svc.Stages.Add(req.Context(), projectID, inputs)
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, stages)
}

func (r *Router) handleEditStage(w http.ResponseWriter, req *http.Request) {
	projectID, ok := r.projectID(w, req)
	if !ok {
		return
	}
	var input pipeline.StageInput
	if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stage, err := r.svc.Stages.Edit(req.Context(), projectID, req.PathValue("uuid"), input)
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stage)
}

func (r *Router) handleDeleteStage(w http.ResponseWriter, req *http.Request) {
	projectID, ok := r.projectID(w, req)
	if !ok {
		return
	}
	if err := r.svc.Stages.Delete(req.Context(), projectID, req.PathValue("uuid")); err != nil {
		r.serviceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamable writes a 404 and returns false when jobID is unknown.
func (r *Router) streamable(w http.ResponseWriter, req *http.Request, jobID string) bool {
	if r.svc.Jobs == nil {
		return true
	}
	_, err := r.svc.Jobs.Read(req.Context(), jobID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return false
	}
	if err != nil {
		r.serviceError(w, req, err)
		return false
	}
	return true
}

// attach subscribes client to jobID. When the job already finished the end
// event is sent directly and the subscription is dropped; done is then true.
// The ledger is read after subscribing so a Finish racing the subscription is
// observed through one of the two paths.
func (r *Router) attach(ctx context.Context, jobID string, client ws.Subscriber) (unsubscribe func(), done bool) {
	unsubscribe = r.svc.Streams.Subscribe(jobID, client)
	if r.svc.Jobs == nil {
		return unsubscribe, false
	}
	entry, err := r.svc.Jobs.Read(ctx, jobID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			unsubscribe()
			return func() {}, true
		}
		r.logger.Warn("read job before streaming", "job_id", jobID, "error", err)
		return unsubscribe, false
	}
	if entry.Status == domain.JobComplete || entry.Status == domain.JobFailed {
		unsubscribe()
		_ = client.Send(ws.Event{JobID: jobID, Kind: ws.KindEnd, Status: string(entry.Status)})
		return func() {}, true
	}
	return unsubscribe, false
}

func (r *Router) handleJobWS(w http.ResponseWriter, req *http.Request) {
	jobID := req.PathValue("job_id")
	if !r.streamable(w, req, jobID) {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	unsubscribe, done := r.attach(req.Context(), jobID, client)
	if done {
		client.Close()
		return
	}
	go func() {
		defer func() {
			unsubscribe()
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	jobID := req.PathValue("job_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if !r.streamable(w, req, jobID) {
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	unsubscribe, done := r.attach(req.Context(), jobID, client)
	defer unsubscribe()
	if done {
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any, len(r.health))
	status := "ok"
	names := make([]string, 0, len(r.health))
	for name := range r.health {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.health[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) serviceError(w http.ResponseWriter, req *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func (r *Router) projectID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid project id %q", req.PathValue("id")))
		return 0, false
	}
	return id, true
}

func listLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actorFromContext(ctx),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		conn, rw, err := h.Hijack()
		if err == nil && sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return conn, rw, err
	}
	return nil, nil, errors.New("hijacker not supported")
}
