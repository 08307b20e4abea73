package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	apiclient "github.com/splax/deployster/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	Token      string `json:"token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "deploy":
		err = commandDeploy(args)
	case "status":
		err = commandStatus(args)
	case "rollback":
		err = commandRollback(args)
	case "stages":
		err = commandStages(args)
	case "projects":
		err = commandProjects(args)
	case "history":
		err = commandHistory(args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default "+apiclient.DefaultBaseURL+")")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	fmt.Print("Deploy token: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	cfg.Token = strings.TrimSpace(string(secret))
	if cfg.Token == "" {
		return errors.New("token must not be empty")
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("token saved")
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	dir := fs.String("cd", "", "Project directory on the controller host")
	commit := fs.String("commit", "", "Commit hash to deploy")
	ref := fs.String("ref", "", "Branch the commit belongs to")
	follow := fs.Bool("follow", false, "Stream logs until the job finishes")
	fs.Parse(args)

	if strings.TrimSpace(*dir) == "" {
		return errors.New("--cd is required")
	}
	commands := fs.Args()
	if len(commands) == 0 {
		return errors.New("at least one command is required, e.g. deployctl deploy -cd /srv/app 'yarn install' 'supervisorctl restart app'")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	accepted, err := client.Deploy(ctx, apiclient.DeployRequest{
		Cd:         *dir,
		Commands:   commands,
		CommitHash: *commit,
		RefName:    *ref,
	})
	if err != nil {
		return err
	}
	fmt.Printf("deploy queued: job=%s deployment=%d\n", accepted.JobID, accepted.DeploymentID)
	if *follow {
		return followJob(client, accepted.JobID)
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	follow := fs.Bool("follow", false, "Poll until the job finishes")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: deployctl status [-follow] <job-id>")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	jobID := fs.Arg(0)
	if *follow {
		return followJob(client, jobID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	status, err := client.Status(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Print(status.Logs)
	fmt.Printf("status: %s\n", status.Status)
	return nil
}

func followJob(client *apiclient.Client, jobID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	status, err := client.Follow(ctx, jobID, time.Second, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Printf("\nstatus: %s\n", status.Status)
	if status.Status == "failed" {
		return errors.New("job failed")
	}
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "Project identifier")
	stage := fs.String("stage", "", "Stage UUID (optional)")
	commit := fs.String("commit", "", "Commit hash to restore")
	follow := fs.Bool("follow", false, "Stream logs until the job finishes")
	fs.Parse(args)

	if *projectID <= 0 {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*commit) == "" {
		return errors.New("--commit is required")
	}
	req := apiclient.RollbackRequest{ProjectID: *projectID, CommitHash: *commit}
	if s := strings.TrimSpace(*stage); s != "" {
		req.StageUUID = &s
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	accepted, err := client.Rollback(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("rollback queued: job=%s deployment=%d\n", accepted.JobID, accepted.DeploymentID)
	if *follow {
		return followJob(client, accepted.JobID)
	}
	return nil
}

func commandStages(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: deployctl stages [list|apply|delete]")
	}
	switch args[0] {
	case "list":
		return stagesList(args[1:])
	case "apply":
		return stagesApply(args[1:])
	case "delete":
		return stagesDelete(args[1:])
	default:
		return fmt.Errorf("unknown stages command: %s", args[0])
	}
}

func stagesList(args []string) error {
	fs := flag.NewFlagSet("stages list", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "Project identifier")
	fs.Parse(args)
	if *projectID <= 0 {
		return errors.New("--project is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stages, err := client.ListStages(ctx, *projectID)
	if err != nil {
		return err
	}
	for _, s := range stages {
		fmt.Printf("%s\t%s\t%s\t%s\n", s.UUID, s.Name, s.GitBranch, s.CurrentHead)
	}
	return nil
}

// stagesFile is the document read by `stages apply`.
type stagesFile struct {
	Project int64                  `yaml:"project"`
	Stages  []apiclient.StageInput `yaml:"stages"`
}

func stagesApply(args []string) error {
	fs := flag.NewFlagSet("stages apply", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "Project identifier (overrides the file)")
	file := fs.String("f", "stages.yaml", "Stage definitions")
	fs.Parse(args)

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var doc stagesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}
	if *projectID > 0 {
		doc.Project = *projectID
	}
	if doc.Project <= 0 {
		return errors.New("project id missing: set `project:` in the file or pass --project")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	existing, err := client.ListStages(ctx, doc.Project)
	if err != nil {
		return err
	}
	var added []apiclient.StageInput
	for _, in := range doc.Stages {
		current, ok := findStage(existing, in.Name)
		if !ok {
			added = append(added, in)
			continue
		}
		if _, err := client.EditStage(ctx, doc.Project, current.UUID, in); err != nil {
			return fmt.Errorf("update stage %s: %w", in.Name, err)
		}
		fmt.Printf("updated %s (%s)\n", in.Name, current.UUID)
	}
	if len(added) == 0 {
		return nil
	}
	created, err := client.AddStages(ctx, doc.Project, added)
	if err != nil {
		return err
	}
	for _, s := range created {
		fmt.Printf("created %s (%s)\n", s.Name, s.UUID)
	}
	return nil
}

func findStage(stages []apiclient.Stage, name string) (apiclient.Stage, bool) {
	for _, s := range stages {
		if strings.EqualFold(strings.TrimSpace(s.Name), strings.TrimSpace(name)) {
			return s, true
		}
	}
	return apiclient.Stage{}, false
}

func stagesDelete(args []string) error {
	fs := flag.NewFlagSet("stages delete", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "Project identifier")
	stage := fs.String("stage", "", "Stage UUID")
	fs.Parse(args)
	if *projectID <= 0 || strings.TrimSpace(*stage) == "" {
		return errors.New("--project and --stage are required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.DeleteStage(ctx, *projectID, *stage); err != nil {
		return err
	}
	fmt.Println("stage deleted")
	return nil
}

func commandProjects(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: deployctl projects [list|create]")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "list":
		projects, err := client.ListProjects(ctx)
		if err != nil {
			return err
		}
		for _, p := range projects {
			fmt.Printf("%d\t%s\t%s\t%s\n", p.ID, p.Name, p.LocalPath, p.CurrentHead)
		}
		return nil
	case "create":
		fs := flag.NewFlagSet("projects create", flag.ExitOnError)
		name := fs.String("name", "", "Project name")
		dir := fs.String("path", "", "Absolute project directory")
		repo := fs.String("repo", "", "Repository URL")
		fs.Parse(args[1:])
		if strings.TrimSpace(*name) == "" || strings.TrimSpace(*dir) == "" {
			return errors.New("--name and --path are required")
		}
		project, err := client.CreateProject(ctx, apiclient.Project{Name: *name, LocalPath: *dir, RepositoryURL: *repo})
		if err != nil {
			return err
		}
		fmt.Printf("project created: %d (%s)\n", project.ID, project.Name)
		return nil
	default:
		return fmt.Errorf("unknown projects command: %s", args[0])
	}
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	projectID := fs.Int64("project", 0, "Project identifier")
	limit := fs.Int("limit", 10, "Maximum number of entries")
	activity := fs.Bool("activity", false, "Show the activity feed instead of deployment records")
	fs.Parse(args)
	if *projectID <= 0 {
		return errors.New("--project is required")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if *activity {
		entries, err := client.ListActivity(ctx, *projectID, *limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.Message)
		}
		return nil
	}
	records, err := client.ListDeployments(ctx, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, d := range records {
		artifact := "-"
		if d.ArtifactPath != nil {
			artifact = *d.ArtifactPath
		}
		fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Action, d.Status, d.CommitHash, d.StartedAt.Format(time.RFC3339), artifact)
	}
	return nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if base := strings.TrimSpace(os.Getenv("DEPLOYSTER_URL")); base != "" {
		cfg.APIBaseURL = base
	}
	if token := strings.TrimSpace(os.Getenv("DEPLOYSTER_TOKEN")); token != "" {
		cfg.Token = token
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(cfg.Token))
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployster", "config.json"), nil
}

func printUsage() {
	fmt.Printf("deployctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployctl login [--api http://localhost:3259]
	deployctl deploy --cd <dir> [--commit sha --ref branch] [--follow] <command>...
	deployctl status [--follow] <job-id>
	deployctl rollback --project <id> --commit <sha> [--stage <uuid>] [--follow]
	deployctl stages list --project <id>
	deployctl stages apply [-f stages.yaml] [--project <id>]
	deployctl stages delete --project <id> --stage <uuid>
	deployctl projects list
	deployctl projects create --name <name> --path <dir> [--repo url]
	deployctl history --project <id> [--limit N] [--activity]
	deployctl version

DEPLOYSTER_URL and DEPLOYSTER_TOKEN override the saved configuration.
`)
}
