package repository

import (
	"context"
	"time"

	"github.com/splax/deployster/internal/domain"
)

// ProjectRepository persists project configuration and its pipeline.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID int64) (*domain.Project, error)
	GetProjectByPath(ctx context.Context, localPath string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	SavePipeline(ctx context.Context, projectID int64, stages []domain.PipelineStage) error
	UpdateProjectHead(ctx context.Context, projectID int64, head string) error
}

// DeploymentRepository stores durable deployment records.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	AppendDeploymentLog(ctx context.Context, deploymentID int64, text string) error
	CompleteDeployment(ctx context.Context, deploymentID int64, status domain.DeploymentStatus, artifactPath *string, finishedAt time.Time) error
	GetDeploymentByID(ctx context.Context, deploymentID int64) (*domain.Deployment, error)
	FindRestorableDeployment(ctx context.Context, lookup domain.DeploymentLookup) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error)
	ListRunningDeploymentsStartedBefore(ctx context.Context, startedBefore time.Time) ([]domain.Deployment, error)
}

// ActivityRepository handles the audit trail.
type ActivityRepository interface {
	InsertActivity(ctx context.Context, entry *domain.ActivityLog) error
	ListActivityByProject(ctx context.Context, projectID int64, limit int) ([]domain.ActivityLog, error)
}
