package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ActivityRepository   = (*Repository)(nil)
)

const projectColumns = `id, name, local_path, repository_url, current_head, tcp_port, app_url, log_files, pipeline, created_at, updated_at`

// CreateProject inserts a project and assigns its identifier.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	pipeline, err := encodePipeline(project.Pipeline)
	if err != nil {
		return err
	}
	logFiles, err := json.Marshal(nonNilStrings(project.LogFiles))
	if err != nil {
		return fmt.Errorf("encode log files: %w", err)
	}
	const query = `INSERT INTO projects (name, local_path, repository_url, current_head, tcp_port, app_url, log_files, pipeline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query,
		project.Name,
		project.LocalPath,
		project.RepositoryURL,
		project.CurrentHead,
		project.TCPPort,
		project.AppURL,
		logFiles,
		pipeline,
	)
	if err := row.Scan(&project.ID, &project.CreatedAt, &project.UpdatedAt); err != nil {
		return mapError(err)
	}
	return nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID int64) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectByPath fetches the project rooted at localPath.
func (r *Repository) GetProjectByPath(ctx context.Context, localPath string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE local_path = $1`
	return scanProject(r.pool.QueryRow(ctx, query, localPath))
}

// ListProjects returns every registered project.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// SavePipeline replaces the stage list of a project.
func (r *Repository) SavePipeline(ctx context.Context, projectID int64, stages []domain.PipelineStage) error {
	pipeline, err := encodePipeline(stages)
	if err != nil {
		return err
	}
	const query = `UPDATE projects SET pipeline = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, pipeline)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateProjectHead records the commit currently checked out for the project.
func (r *Repository) UpdateProjectHead(ctx context.Context, projectID int64, head string) error {
	const query = `UPDATE projects SET current_head = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, head)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const deploymentColumns = `id, project_id, stage_uuid, commit_hash, action, status, job_id, log_output, artifact_path, started_at, finished_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (project_id, stage_uuid, commit_hash, action, status, job_id, log_output, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query,
		deployment.ProjectID,
		deployment.StageUUID,
		deployment.CommitHash,
		string(deployment.Action),
		string(deployment.Status),
		deployment.JobID,
		deployment.LogOutput,
		deployment.StartedAt,
	)
	if err := row.Scan(&deployment.ID); err != nil {
		return mapError(err)
	}
	return nil
}

// AppendDeploymentLog concatenates text onto the durable log in one statement.
func (r *Repository) AppendDeploymentLog(ctx context.Context, deploymentID int64, text string) error {
	const query = `UPDATE deployments SET log_output = log_output || $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, text)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CompleteDeployment moves a record to a terminal status. A terminal record
// only accepts the same status again, which is how artifact paths are attached.
func (r *Repository) CompleteDeployment(ctx context.Context, deploymentID int64, status domain.DeploymentStatus, artifactPath *string, finishedAt time.Time) error {
	const query = `UPDATE deployments
		SET status = $2,
			artifact_path = COALESCE($3, artifact_path),
			finished_at = COALESCE(finished_at, $4)
		WHERE id = $1 AND (status = 'RUNNING' OR status = $2)`
	tag, err := r.pool.Exec(ctx, query, deploymentID, string(status), artifactPath, finishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.GetDeploymentByID(ctx, deploymentID); err != nil {
		return err
	}
	return repository.ErrStaleTransition
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID int64) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// FindRestorableDeployment returns the newest completed deploy for the commit.
func (r *Repository) FindRestorableDeployment(ctx context.Context, lookup domain.DeploymentLookup) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1
			AND commit_hash = $2
			AND action = 'DEPLOY'
			AND status = 'COMPLETED'
			AND ($3::text IS NULL OR stage_uuid = $3)
		ORDER BY started_at DESC, id DESC
		LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, lookup.ProjectID, lookup.CommitHash, lookup.StageUUID))
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2`
	return r.queryDeployments(ctx, query, projectID, limit)
}

// ListRunningDeploymentsStartedBefore returns RUNNING records older than the cutoff.
func (r *Repository) ListRunningDeploymentsStartedBefore(ctx context.Context, startedBefore time.Time) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = 'RUNNING' AND started_at < $1 ORDER BY started_at`
	return r.queryDeployments(ctx, query, startedBefore)
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// InsertActivity appends an audit entry.
func (r *Repository) InsertActivity(ctx context.Context, entry *domain.ActivityLog) error {
	const query = `INSERT INTO activity_logs (project_id, deployment_id, action, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, query, entry.ProjectID, entry.DeploymentID, string(entry.Action), entry.Message, entry.CreatedAt)
	if err := row.Scan(&entry.ID); err != nil {
		return mapError(err)
	}
	return nil
}

// ListActivityByProject returns the newest audit entries first.
func (r *Repository) ListActivityByProject(ctx context.Context, projectID int64, limit int) ([]domain.ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, deployment_id, action, message, created_at
		FROM activity_logs WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ActivityLog
	for rows.Next() {
		var e domain.ActivityLog
		var action string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.DeploymentID, &action, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = domain.DeploymentAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	var logFiles, pipeline []byte
	if err := row.Scan(&p.ID, &p.Name, &p.LocalPath, &p.RepositoryURL, &p.CurrentHead, &p.TCPPort, &p.AppURL, &logFiles, &pipeline, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(logFiles) > 0 {
		if err := json.Unmarshal(logFiles, &p.LogFiles); err != nil {
			return nil, fmt.Errorf("decode log files for project %d: %w", p.ID, err)
		}
	}
	stages, err := decodePipeline(pipeline)
	if err != nil {
		return nil, fmt.Errorf("decode pipeline for project %d: %w", p.ID, err)
	}
	p.Pipeline = stages
	return &p, nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var action, status string
	if err := row.Scan(&d.ID, &d.ProjectID, &d.StageUUID, &d.CommitHash, &action, &status, &d.JobID, &d.LogOutput, &d.ArtifactPath, &d.StartedAt, &d.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.Action = domain.DeploymentAction(action)
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

func encodePipeline(stages []domain.PipelineStage) ([]byte, error) {
	if stages == nil {
		stages = []domain.PipelineStage{}
	}
	payload, err := json.Marshal(stages)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline: %w", err)
	}
	return payload, nil
}

func decodePipeline(payload []byte) ([]domain.PipelineStage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var stages []domain.PipelineStage
	if err := json.Unmarshal(payload, &stages); err != nil {
		return nil, err
	}
	for i, stage := range stages {
		if stage.UUID == "" {
			return nil, fmt.Errorf("stage %d has no uuid", i)
		}
	}
	return stages, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", repository.ErrNotFound, pgErr.ConstraintName)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}
