package domain

import "time"

// ActivityLog is an append-only audit entry written once per terminal transition.
type ActivityLog struct {
	ID           int64            `json:"id"`
	ProjectID    int64            `json:"project_id"`
	DeploymentID int64            `json:"deployment_id"`
	Action       DeploymentAction `json:"action"`
	Message      string           `json:"message"`
	CreatedAt    time.Time        `json:"created_at"`
}
