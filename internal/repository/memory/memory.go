// Package memory provides an in-process repository used by service tests and
// local runs without PostgreSQL.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/repository"
)

// Repository keeps projects, deployments and activity in maps guarded by a mutex.
type Repository struct {
	mu          sync.Mutex
	projects    map[int64]domain.Project
	deployments map[int64]domain.Deployment
	activity    []domain.ActivityLog
	nextProject int64
	nextDeploy  int64
	nextAct     int64
}

var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ActivityRepository   = (*Repository)(nil)
)

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		projects:    make(map[int64]domain.Project),
		deployments: make(map[int64]domain.Deployment),
	}
}

func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.projects {
		if existing.LocalPath == project.LocalPath {
			return repository.ErrConflict
		}
	}
	r.nextProject++
	project.ID = r.nextProject
	now := time.Now().UTC()
	project.CreatedAt, project.UpdatedAt = now, now
	r.projects[project.ID] = cloneProject(*project)
	return nil
}

func (r *Repository) GetProjectByID(_ context.Context, projectID int64) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneProject(p)
	return &out, nil
}

func (r *Repository) GetProjectByPath(_ context.Context, localPath string) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.projects {
		if p.LocalPath == localPath {
			out := cloneProject(p)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) ListProjects(_ context.Context) ([]domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) SavePipeline(_ context.Context, projectID int64, stages []domain.PipelineStage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Pipeline = cloneStages(stages)
	p.UpdatedAt = time.Now().UTC()
	r.projects[projectID] = p
	return nil
}

func (r *Repository) UpdateProjectHead(_ context.Context, projectID int64, head string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.CurrentHead = head
	r.projects[projectID] = p
	return nil
}

func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextDeploy++
	deployment.ID = r.nextDeploy
	r.deployments[deployment.ID] = *deployment
	return nil
}

func (r *Repository) AppendDeploymentLog(_ context.Context, deploymentID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.LogOutput += text
	r.deployments[deploymentID] = d
	return nil
}

func (r *Repository) CompleteDeployment(_ context.Context, deploymentID int64, status domain.DeploymentStatus, artifactPath *string, finishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status != domain.DeploymentRunning && d.Status != status {
		return repository.ErrStaleTransition
	}
	d.Status = status
	if artifactPath != nil {
		path := *artifactPath
		d.ArtifactPath = &path
	}
	if d.FinishedAt == nil {
		at := finishedAt
		d.FinishedAt = &at
	}
	r.deployments[deploymentID] = d
	return nil
}

func (r *Repository) GetDeploymentByID(_ context.Context, deploymentID int64) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (r *Repository) FindRestorableDeployment(_ context.Context, lookup domain.DeploymentLookup) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.Deployment
	for _, d := range r.deployments {
		if d.ProjectID != lookup.ProjectID || d.CommitHash != lookup.CommitHash {
			continue
		}
		if d.Action != domain.ActionDeploy || d.Status != domain.DeploymentCompleted {
			continue
		}
		if lookup.StageUUID != nil && (d.StageUUID == nil || *d.StageUUID != *lookup.StageUUID) {
			continue
		}
		if best == nil || newer(d, *best) {
			candidate := d
			best = &candidate
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (r *Repository) ListDeploymentsByProject(_ context.Context, projectID int64, limit int) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) ListRunningDeploymentsStartedBefore(_ context.Context, startedBefore time.Time) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		if d.Status == domain.DeploymentRunning && d.StartedAt.Before(startedBefore) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) InsertActivity(_ context.Context, entry *domain.ActivityLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextAct++
	entry.ID = r.nextAct
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.activity = append(r.activity, *entry)
	return nil
}

func (r *Repository) ListActivityByProject(_ context.Context, projectID int64, limit int) ([]domain.ActivityLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ActivityLog
	for i := len(r.activity) - 1; i >= 0; i-- {
		if r.activity[i].ProjectID == projectID {
			out = append(out, r.activity[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Activity returns every audit entry in insertion order.
func (r *Repository) Activity() []domain.ActivityLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ActivityLog(nil), r.activity...)
}

func newer(a, b domain.Deployment) bool {
	if a.StartedAt.Equal(b.StartedAt) {
		return a.ID > b.ID
	}
	return a.StartedAt.After(b.StartedAt)
}

func cloneProject(p domain.Project) domain.Project {
	p.LogFiles = append([]string(nil), p.LogFiles...)
	p.Pipeline = cloneStages(p.Pipeline)
	p.LocalPath = strings.TrimSpace(p.LocalPath)
	return p
}

func cloneStages(stages []domain.PipelineStage) []domain.PipelineStage {
	if stages == nil {
		return nil
	}
	out := make([]domain.PipelineStage, len(stages))
	for i, s := range stages {
		s.EnvironmentVariables = append([]domain.EnvVar(nil), s.EnvironmentVariables...)
		s.LogFiles = append([]string(nil), s.LogFiles...)
		out[i] = s
	}
	return out
}
