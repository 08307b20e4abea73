// Package pipeline manages the ordered stage list of each project.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/repository"
	"github.com/splax/deployster/internal/supervisor"
	"github.com/splax/deployster/pkg/crypto"
)

var (
	ErrDuplicateStage  = errors.New("pipeline: stage name already exists")
	ErrDuplicateBranch = errors.New("pipeline: git branch already used by another stage")
	ErrStageNotFound   = errors.New("pipeline: stage not found")
	ErrInvalidStage    = errors.New("pipeline: invalid stage")
)

var (
	branchPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._/-]*$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// StageInput is the caller-editable part of a stage.
type StageInput struct {
	Name                 string          `json:"stage_name" yaml:"stage_name"`
	GitBranch            string          `json:"git_branch" yaml:"git_branch"`
	EnvironmentVariables []domain.EnvVar `json:"environment_variables" yaml:"environment_variables"`
	TCPPort              int             `json:"tcp_port" yaml:"tcp_port"`
	AppURL               string          `json:"app_url" yaml:"app_url"`
	LogFiles             []string        `json:"log_files" yaml:"log_files"`
}

// ProgramStopper stops supervisor programs before they are orphaned.
type ProgramStopper interface {
	Stop(ctx context.Context, program string) (string, error)
}

// Registry validates and persists pipeline stages.
type Registry struct {
	projects repository.ProjectRepository
	sealer   *crypto.Sealer
	stopper  ProgramStopper
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewRegistry constructs a Registry. A nil sealer stores env values in plaintext.
func NewRegistry(projects repository.ProjectRepository, sealer *crypto.Sealer, stopper ProgramStopper, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{projects: projects, sealer: sealer, stopper: stopper, logger: logger.With("component", "pipeline")}
}

// NormalizeName trims name and capitalises only its first letter.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + strings.ToLower(name[size:])
}

// NormalizeBranch lowercases and trims a branch name.
func NormalizeBranch(branch string) string {
	return strings.ToLower(strings.TrimSpace(branch))
}

// List returns the stages of a project with env values opened.
func (r *Registry) List(ctx context.Context, projectID int64) ([]domain.PipelineStage, error) {
	project, err := r.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return r.open(project.Pipeline)
}

// Get returns one stage.
func (r *Registry) Get(ctx context.Context, projectID int64, stageUUID string) (domain.PipelineStage, error) {
	project, err := r.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return domain.PipelineStage{}, err
	}
	stage, ok := project.Stage(stageUUID)
	if !ok {
		return domain.PipelineStage{}, ErrStageNotFound
	}
	opened, err := r.open([]domain.PipelineStage{stage})
	if err != nil {
		return domain.PipelineStage{}, err
	}
	return opened[0], nil
}

// ResolveBranch returns the stage of project bound to ref, or nil when none is.
func (r *Registry) ResolveBranch(project domain.Project, ref string) (*domain.PipelineStage, error) {
	ref = NormalizeBranch(ref)
	if ref == "" {
		return nil, nil
	}
	for _, stage := range project.Pipeline {
		if NormalizeBranch(stage.GitBranch) != ref {
			continue
		}
		opened, err := r.open([]domain.PipelineStage{stage})
		if err != nil {
			return nil, err
		}
		return &opened[0], nil
	}
	return nil, nil
}

// Add appends stages. Any violation rejects the whole batch.
func (r *Registry) Add(ctx context.Context, projectID int64, inputs []StageInput) ([]domain.PipelineStage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	project, err := r.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stages := append([]domain.PipelineStage(nil), project.Pipeline...)
	added := make([]domain.PipelineStage, 0, len(inputs))
	for _, in := range inputs {
		stage, err := build(in)
		if err != nil {
			return nil, err
		}
		if err := checkUnique(stages, stage, ""); err != nil {
			return nil, err
		}
		stage.UUID = uuid.NewString()
		stages = append(stages, stage)
		added = append(added, stage)
	}
	if err := r.save(ctx, projectID, stages); err != nil {
		return nil, err
	}
	return added, nil
}

// Edit replaces the editable fields of a stage. A branch change stops the
// program bound to the old branch first.
func (r *Registry) Edit(ctx context.Context, projectID int64, stageUUID string, in StageInput) (domain.PipelineStage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	project, err := r.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return domain.PipelineStage{}, err
	}
	idx := indexOf(project.Pipeline, stageUUID)
	if idx < 0 {
		return domain.PipelineStage{}, ErrStageNotFound
	}
	updated, err := build(in)
	if err != nil {
		return domain.PipelineStage{}, err
	}
	if err := checkUnique(project.Pipeline, updated, stageUUID); err != nil {
		return domain.PipelineStage{}, err
	}
	current := project.Pipeline[idx]
	updated.UUID = current.UUID
	updated.CurrentHead = current.CurrentHead

	if NormalizeBranch(current.GitBranch) != updated.GitBranch {
		r.stop(ctx, *project, current)
	}
	stages := append([]domain.PipelineStage(nil), project.Pipeline...)
	stages[idx] = updated
	if err := r.save(ctx, projectID, stages); err != nil {
		return domain.PipelineStage{}, err
	}
	return updated, nil
}

// Delete stops the stage program and removes the stage.
func (r *Registry) Delete(ctx context.Context, projectID int64, stageUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	project, err := r.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	idx := indexOf(project.Pipeline, stageUUID)
	if idx < 0 {
		return ErrStageNotFound
	}
	r.stop(ctx, *project, project.Pipeline[idx])
	stages := append([]domain.PipelineStage(nil), project.Pipeline[:idx]...)
	stages = append(stages, project.Pipeline[idx+1:]...)
	return r.projects.SavePipeline(ctx, projectID, stages)
}

// UpdateHead records head on the stage, or on the project when stageUUID is nil.
func (r *Registry) UpdateHead(ctx context.Context, projectID int64, stageUUID *string, head string) error {
	if stageUUID == nil {
		return r.projects.UpdateProjectHead(ctx, projectID, head)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	project, err := r.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	idx := indexOf(project.Pipeline, *stageUUID)
	if idx < 0 {
		return ErrStageNotFound
	}
	stages := append([]domain.PipelineStage(nil), project.Pipeline...)
	stages[idx].CurrentHead = head
	return r.projects.SavePipeline(ctx, projectID, stages)
}

func (r *Registry) stop(ctx context.Context, project domain.Project, stage domain.PipelineStage) {
	if r.stopper == nil {
		return
	}
	program := supervisor.ProgramName(project.Folder(), stage.GitBranch)
	if _, err := r.stopper.Stop(ctx, program); err != nil {
		r.logger.Warn("stop stage program", "project_id", project.ID, "program", program, "error", err)
	}
}

func (r *Registry) save(ctx context.Context, projectID int64, stages []domain.PipelineStage) error {
	sealed, err := r.seal(stages)
	if err != nil {
		return err
	}
	if err := r.projects.SavePipeline(ctx, projectID, sealed); err != nil {
		return fmt.Errorf("save pipeline: %w", err)
	}
	return nil
}

func (r *Registry) seal(stages []domain.PipelineStage) ([]domain.PipelineStage, error) {
	return r.mapValues(stages, func(v string) (string, error) {
		if r.sealer == nil || crypto.IsSealed(v) {
			return v, nil
		}
		return r.sealer.Seal(v)
	})
}

func (r *Registry) open(stages []domain.PipelineStage) ([]domain.PipelineStage, error) {
	return r.mapValues(stages, func(v string) (string, error) {
		if r.sealer == nil {
			return v, nil
		}
		return r.sealer.Open(v)
	})
}

func (r *Registry) mapValues(stages []domain.PipelineStage, fn func(string) (string, error)) ([]domain.PipelineStage, error) {
	out := make([]domain.PipelineStage, len(stages))
	for i, stage := range stages {
		vars := make([]domain.EnvVar, len(stage.EnvironmentVariables))
		for j, v := range stage.EnvironmentVariables {
			value, err := fn(v.Value)
			if err != nil {
				return nil, fmt.Errorf("stage %s variable %s: %w", stage.Name, v.Key, err)
			}
			vars[j] = domain.EnvVar{Key: v.Key, Value: value}
		}
		stage.EnvironmentVariables = vars
		out[i] = stage
	}
	return out, nil
}

func build(in StageInput) (domain.PipelineStage, error) {
	stage := domain.PipelineStage{
		Name:      NormalizeName(in.Name),
		GitBranch: NormalizeBranch(in.GitBranch),
		TCPPort:   in.TCPPort,
		AppURL:    strings.TrimSpace(in.AppURL),
		LogFiles:  append([]string(nil), in.LogFiles...),
	}
	if stage.Name == "" {
		return stage, fmt.Errorf("%w: stage name required", ErrInvalidStage)
	}
	if !branchPattern.MatchString(stage.GitBranch) {
		return stage, fmt.Errorf("%w: git branch %q", ErrInvalidStage, in.GitBranch)
	}
	if stage.TCPPort < 0 || stage.TCPPort > 65535 {
		return stage, fmt.Errorf("%w: tcp port %d", ErrInvalidStage, stage.TCPPort)
	}
	seen := make(map[string]struct{}, len(in.EnvironmentVariables))
	for _, v := range in.EnvironmentVariables {
		key := strings.TrimSpace(v.Key)
		if !envKeyPattern.MatchString(key) {
			return stage, fmt.Errorf("%w: environment variable %q", ErrInvalidStage, v.Key)
		}
		if _, dup := seen[key]; dup {
			return stage, fmt.Errorf("%w: environment variable %s repeated", ErrInvalidStage, key)
		}
		seen[key] = struct{}{}
		stage.EnvironmentVariables = append(stage.EnvironmentVariables, domain.EnvVar{Key: key, Value: v.Value})
	}
	return stage, nil
}

func checkUnique(existing []domain.PipelineStage, candidate domain.PipelineStage, skipUUID string) error {
	for _, s := range existing {
		if s.UUID == skipUUID && skipUUID != "" {
			continue
		}
		if NormalizeName(s.Name) == candidate.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateStage, candidate.Name)
		}
		if NormalizeBranch(s.GitBranch) == candidate.GitBranch {
			return fmt.Errorf("%w: %s", ErrDuplicateBranch, candidate.GitBranch)
		}
	}
	return nil
}

func indexOf(stages []domain.PipelineStage, stageUUID string) int {
	for i, s := range stages {
		if s.UUID == stageUUID {
			return i
		}
	}
	return -1
}

// ensure the supervisor client can stop stage programs.
var _ ProgramStopper = (*supervisor.Client)(nil)
