package domain

import (
	"path/filepath"
	"time"
)

// Project describes a deployable working tree on the local machine.
type Project struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	LocalPath     string          `json:"local_path"`
	RepositoryURL string          `json:"repository_url,omitempty"`
	CurrentHead   string          `json:"current_head,omitempty"`
	TCPPort       int             `json:"tcp_port,omitempty"`
	AppURL        string          `json:"app_url,omitempty"`
	LogFiles      []string        `json:"log_files,omitempty"`
	Pipeline      []PipelineStage `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Folder returns the last element of the project path.
func (p Project) Folder() string {
	return filepath.Base(filepath.Clean(p.LocalPath))
}

// Stage returns the pipeline stage with the given uuid.
func (p Project) Stage(uuid string) (PipelineStage, bool) {
	for _, stage := range p.Pipeline {
		if stage.UUID == uuid {
			return stage, true
		}
	}
	return PipelineStage{}, false
}

// PipelineStage is a named, branch-bound deployment target within a project.
type PipelineStage struct {
	UUID                 string   `json:"stage_uuid"`
	Name                 string   `json:"stage_name"`
	GitBranch            string   `json:"git_branch"`
	EnvironmentVariables []EnvVar `json:"environment_variables,omitempty"`
	TCPPort              int      `json:"tcp_port,omitempty"`
	CurrentHead          string   `json:"current_head,omitempty"`
	AppURL               string   `json:"app_url,omitempty"`
	LogFiles             []string `json:"log_files,omitempty"`
}

// EnvVar is one ordered key/value pair written to a stage .env file.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
