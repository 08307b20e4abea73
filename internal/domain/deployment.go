package domain

import "time"

// DeploymentAction distinguishes forward deploys from rollbacks.
type DeploymentAction string

const (
	ActionDeploy   DeploymentAction = "DEPLOY"
	ActionRollback DeploymentAction = "ROLLBACK"
)

// DeploymentStatus is the durable record state.
type DeploymentStatus string

const (
	DeploymentRunning   DeploymentStatus = "RUNNING"
	DeploymentCompleted DeploymentStatus = "COMPLETED"
	DeploymentFailed    DeploymentStatus = "FAILED"
)

// Terminal reports whether the status ends the record lifecycle.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

// Deployment captures a single deploy or rollback attempt.
type Deployment struct {
	ID           int64            `json:"id"`
	ProjectID    int64            `json:"project_id"`
	StageUUID    *string          `json:"stage_uuid,omitempty"`
	CommitHash   string           `json:"commit_hash"`
	Action       DeploymentAction `json:"action"`
	Status       DeploymentStatus `json:"status"`
	JobID        string           `json:"job_id"`
	LogOutput    string           `json:"log_output"`
	ArtifactPath *string          `json:"artifact_path,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

// DeploymentLookup selects the latest completed deploy that can be restored.
type DeploymentLookup struct {
	ProjectID  int64
	StageUUID  *string
	CommitHash string
}
