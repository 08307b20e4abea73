package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDeploySendsTokenAndPayload(t *testing.T) {
	var got DeployRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deploy" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(TokenHeader) != "tok" {
			t.Errorf("token header = %q", r.Header.Get(TokenHeader))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"1-abcdef","deployment_id":4}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithToken(" tok "))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	accepted, err := c.Deploy(context.Background(), DeployRequest{Cd: "/srv/app", Commands: []string{"make"}, RefName: "main"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if accepted.JobID != "1-abcdef" || accepted.DeploymentID != 4 {
		t.Fatalf("unexpected response %+v", accepted)
	}
	if got.Cd != "/srv/app" || got.RefName != "main" {
		t.Fatalf("payload not sent: %+v", got)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"lock: project busy"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.Rollback(context.Background(), RollbackRequest{ProjectID: 1, CommitHash: "abc"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "lock: project busy" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"not_found"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	status, err := c.Status(context.Background(), "nope")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if status.Status != "not_found" {
		t.Fatalf("status = %q", status.Status)
	}
}

func TestFollowConcatenatesPolls(t *testing.T) {
	var mu sync.Mutex
	polls := []JobStatus{
		{Status: "running", Logs: "[1] $ git fetch\n"},
		{Status: "running", Logs: ""},
		{Status: "complete", Logs: "[2] $ make\n"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		next := polls[0]
		if len(polls) > 1 {
			polls = polls[1:]
		}
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(next)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	var out strings.Builder
	final, err := c.Follow(context.Background(), "job", time.Millisecond, &out)
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	if final.Status != "complete" {
		t.Fatalf("final status = %q", final.Status)
	}
	if out.String() != "[1] $ git fetch\n[2] $ make\n" {
		t.Fatalf("logs = %q", out.String())
	}
}

func TestStagePaths(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			_, _ = w.Write([]byte(`[{"stage_uuid":"u-1","stage_name":"production","git_branch":"main"}]`))
		default:
			_, _ = w.Write([]byte(`{"stage_uuid":"u-1","stage_name":"production","git_branch":"main"}`))
		}
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	ctx := context.Background()
	stages, err := c.ListStages(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stages) != 1 || stages[0].UUID != "u-1" || stages[0].GitBranch != "main" {
		t.Fatalf("unexpected stages %+v", stages)
	}
	if _, err := c.EditStage(ctx, 3, "u-1", StageInput{Name: "production", GitBranch: "main"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := c.DeleteStage(ctx, 3, "u-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.ListDeployments(ctx, 3, 5); err != nil {
		t.Fatalf("deployments: %v", err)
	}
	want := []string{
		"GET /projects/3/stages",
		"PUT /projects/3/stages/u-1",
		"DELETE /projects/3/stages/u-1",
		"GET /projects/3/deployments?limit=5",
	}
	if strings.Join(seen, "\n") != strings.Join(want, "\n") {
		t.Fatalf("requests = %q", seen)
	}
}
