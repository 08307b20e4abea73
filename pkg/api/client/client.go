package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenHeader carries the shared deploy token.
const TokenHeader = "X-Deployster-Token"

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:3259"

// ErrJobNotFound is returned by Status for unknown or expired jobs.
var ErrJobNotFound = errors.New("job not found")

// Client provides typed access to the deployster API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the deploy token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// DeployRequest mirrors the POST /deploy payload.
type DeployRequest struct {
	Cd         string   `json:"cd"`
	Commands   []string `json:"commands"`
	CommitHash string   `json:"commit_hash,omitempty"`
	RefName    string   `json:"ref_name,omitempty"`
}

// RollbackRequest mirrors the POST /rollback payload.
type RollbackRequest struct {
	ProjectID  int64   `json:"project_id"`
	StageUUID  *string `json:"stage_uuid,omitempty"`
	CommitHash string  `json:"commit_hash"`
}

// Accepted is returned for queued jobs.
type Accepted struct {
	JobID        string `json:"job_id"`
	DeploymentID int64  `json:"deployment_id,omitempty"`
}

// JobStatus is one poll of a job. Logs only holds text written since the last poll.
type JobStatus struct {
	Status string `json:"status"`
	Logs   string `json:"logs"`
}

// Done reports whether the job reached a terminal state.
func (s JobStatus) Done() bool {
	return s.Status == "complete" || s.Status == "failed"
}

// Project reflects API project payloads.
type Project struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	LocalPath     string   `json:"local_path"`
	RepositoryURL string   `json:"repository_url,omitempty"`
	CurrentHead   string   `json:"current_head,omitempty"`
	TCPPort       int      `json:"tcp_port,omitempty"`
	AppURL        string   `json:"app_url,omitempty"`
	LogFiles      []string `json:"log_files,omitempty"`
}

// EnvVar is one stage environment variable.
type EnvVar struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// StageInput is the editable part of a pipeline stage.
type StageInput struct {
	Name                 string   `json:"stage_name" yaml:"stage_name"`
	GitBranch            string   `json:"git_branch" yaml:"git_branch"`
	EnvironmentVariables []EnvVar `json:"environment_variables,omitempty" yaml:"environment_variables"`
	TCPPort              int      `json:"tcp_port,omitempty" yaml:"tcp_port"`
	AppURL               string   `json:"app_url,omitempty" yaml:"app_url"`
	LogFiles             []string `json:"log_files,omitempty" yaml:"log_files"`
}

// Stage is a stored pipeline stage.
type Stage struct {
	UUID string `json:"stage_uuid"`
	StageInput
	CurrentHead string `json:"current_head,omitempty"`
}

// Deployment reflects API deployment records.
type Deployment struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	StageUUID    *string    `json:"stage_uuid,omitempty"`
	CommitHash   string     `json:"commit_hash"`
	Action       string     `json:"action"`
	Status       string     `json:"status"`
	JobID        string     `json:"job_id"`
	ArtifactPath *string    `json:"artifact_path,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Activity is an audit feed entry.
type Activity struct {
	ID           int64     `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	Action       string    `json:"action"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// Deploy queues a deploy job.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (Accepted, error) {
	var out Accepted
	err := c.do(ctx, http.MethodPost, "/deploy", req, &out)
	return out, err
}

// Status polls a job once.
func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(jobID), nil, &out)
	var apiErr APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return JobStatus{Status: "not_found"}, ErrJobNotFound
	}
	return out, err
}

// Follow polls jobID every interval, copying log text to w until the job ends.
func (c *Client) Follow(ctx context.Context, jobID string, interval time.Duration, w io.Writer) (JobStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, jobID)
		if err != nil {
			return status, err
		}
		if status.Logs != "" {
			if _, err := io.WriteString(w, status.Logs); err != nil {
				return status, err
			}
		}
		if status.Done() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Rollback queues a rollback job.
func (c *Client) Rollback(ctx context.Context, req RollbackRequest) (Accepted, error) {
	var out Accepted
	err := c.do(ctx, http.MethodPost, "/rollback", req, &out)
	return out, err
}

// ListProjects returns every registered project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

// CreateProject registers a project directory.
func (c *Client) CreateProject(ctx context.Context, p Project) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodPost, "/projects", p, &out)
	return out, err
}

// ListStages returns the pipeline of a project.
func (c *Client) ListStages(ctx context.Context, projectID int64) ([]Stage, error) {
	var out []Stage
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "stages"), nil, &out)
	return out, err
}

// AddStages appends stages to a project pipeline in one batch.
func (c *Client) AddStages(ctx context.Context, projectID int64, stages []StageInput) ([]Stage, error) {
	var out []Stage
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "stages"), stages, &out)
	return out, err
}

// EditStage replaces the editable fields of a stage.
func (c *Client) EditStage(ctx context.Context, projectID int64, stageUUID string, in StageInput) (Stage, error) {
	var out Stage
	err := c.do(ctx, http.MethodPut, projectPath(projectID, "stages/"+url.PathEscape(stageUUID)), in, &out)
	return out, err
}

// DeleteStage removes a stage and stops its program.
func (c *Client) DeleteStage(ctx context.Context, projectID int64, stageUUID string) error {
	return c.do(ctx, http.MethodDelete, projectPath(projectID, "stages/"+url.PathEscape(stageUUID)), nil, nil)
}

// ListDeployments returns the newest records of a project.
func (c *Client) ListDeployments(ctx context.Context, projectID int64, limit int) ([]Deployment, error) {
	var out []Deployment
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "deployments")+limitQuery(limit), nil, &out)
	return out, err
}

// ListActivity returns the audit feed of a project.
func (c *Client) ListActivity(ctx context.Context, projectID int64, limit int) ([]Activity, error) {
	var out []Activity
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "activity")+limitQuery(limit), nil, &out)
	return out, err
}

func projectPath(projectID int64, rest string) string {
	return "/projects/" + strconv.FormatInt(projectID, 10) + "/" + rest
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
