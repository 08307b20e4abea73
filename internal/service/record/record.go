// Package record owns the durable deployment record state machine.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository"
)

// ErrInvalidStatus is returned when MarkComplete is given a non-terminal status.
var ErrInvalidStatus = errors.New("record: status must be COMPLETED or FAILED")

// CompleteOptions tune a terminal transition.
type CompleteOptions struct {
	ArtifactPath string
	// Release frees the project lock after the update. Nil defers the release.
	Release     lock.ReleaseFunc
	ActivityLog bool
	Message     string
}

// Service mutates deployment records. One job owns a record at a time.
type Service struct {
	deployments repository.DeploymentRepository
	activity    repository.ActivityRepository
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a record Service.
func New(deployments repository.DeploymentRepository, activity repository.ActivityRepository, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		deployments: deployments,
		activity:    activity,
		logger:      logger.With("component", "record"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts d as a RUNNING record and fills its id.
func (s *Service) Create(ctx context.Context, d *domain.Deployment) error {
	if d.ProjectID == 0 {
		return errors.New("record: project id required")
	}
	if d.Action != domain.ActionDeploy && d.Action != domain.ActionRollback {
		return fmt.Errorf("record: unknown action %q", d.Action)
	}
	d.Status = domain.DeploymentRunning
	if d.StartedAt.IsZero() {
		d.StartedAt = s.now()
	}
	if err := s.deployments.CreateDeployment(ctx, d); err != nil {
		return fmt.Errorf("create deployment record: %w", err)
	}
	return nil
}

// AppendLog appends text to the durable log.
func (s *Service) AppendLog(ctx context.Context, id int64, text string) error {
	if text == "" {
		return nil
	}
	if err := s.deployments.AppendDeploymentLog(ctx, id, text); err != nil {
		return fmt.Errorf("append deployment %d log: %w", id, err)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, id)
}

// List returns the most recent records of a project.
func (s *Service) List(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Activity returns the audit trail of a project.
func (s *Service) Activity(ctx context.Context, projectID int64, limit int) ([]domain.ActivityLog, error) {
	return s.activity.ListActivityByProject(ctx, projectID, limit)
}

// FindRestorable locates the newest completed deploy that rollback can restore.
func (s *Service) FindRestorable(ctx context.Context, lookup domain.DeploymentLookup) (*domain.Deployment, error) {
	return s.deployments.FindRestorableDeployment(ctx, lookup)
}

// MarkComplete moves the record to a terminal status. Calling it again with the
// same status attaches an artifact path without touching finished_at.
func (s *Service) MarkComplete(ctx context.Context, id int64, status domain.DeploymentStatus, opts CompleteOptions) error {
	if opts.Release != nil {
		defer s.release(ctx, id, opts.Release)
	}
	if !status.Terminal() {
		return ErrInvalidStatus
	}
	var artifact *string
	if path := strings.TrimSpace(opts.ArtifactPath); path != "" {
		artifact = &path
	}
	if err := s.deployments.CompleteDeployment(ctx, id, status, artifact, s.now()); err != nil {
		return fmt.Errorf("complete deployment %d: %w", id, err)
	}
	if !opts.ActivityLog {
		return nil
	}
	d, err := s.deployments.GetDeploymentByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load deployment %d: %w", id, err)
	}
	message := opts.Message
	if message == "" {
		message = defaultMessage(d.Action, status, d.CommitHash)
	}
	entry := &domain.ActivityLog{
		ProjectID:    d.ProjectID,
		DeploymentID: d.ID,
		Action:       d.Action,
		Message:      message,
		CreatedAt:    s.now(),
	}
	if err := s.activity.InsertActivity(ctx, entry); err != nil {
		return fmt.Errorf("write activity for deployment %d: %w", id, err)
	}
	return nil
}

func (s *Service) release(ctx context.Context, id int64, release lock.ReleaseFunc) {
	if err := release(ctx); err != nil {
		if errors.Is(err, lock.ErrNotHeld) {
			s.logger.Warn("lock already taken over", "deployment_id", id)
			return
		}
		s.logger.Error("release lock", "deployment_id", id, "error", err)
	}
}

func defaultMessage(action domain.DeploymentAction, status domain.DeploymentStatus, commit string) string {
	verb := "Deployment"
	if action == domain.ActionRollback {
		verb = "Rollback"
	}
	outcome := "completed"
	if status == domain.DeploymentFailed {
		outcome = "failed"
	}
	if commit == "" {
		return fmt.Sprintf("%s %s", verb, outcome)
	}
	return fmt.Sprintf("%s of %s %s", verb, shortCommit(commit), outcome)
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
