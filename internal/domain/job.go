package domain

// JobStatus tracks an ephemeral job in the ledger.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// JobStatusFor maps a terminal record status onto the ledger vocabulary.
func JobStatusFor(status DeploymentStatus) JobStatus {
	switch status {
	case DeploymentCompleted:
		return JobComplete
	case DeploymentFailed:
		return JobFailed
	default:
		return JobRunning
	}
}
