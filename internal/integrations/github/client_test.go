package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/pkg/config"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBase(config.GitHubConfig{Token: "test-token"}, srv.URL)
}

func TestCreateDeployment(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api/deployments" || r.Method != "POST" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42, "ref": "main", "sha": "abc1234"})
	}))

	d, err := c.CreateDeployment(context.Background(), nil, models.DeploymentRequest{
		Repository:  "acme/api",
		Environment: "production",
		Ref:         "main",
	})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	if d.ID != 42 || d.Sha != "abc1234" || d.Status != models.DeploymentStatusPending {
		t.Fatalf("unexpected deployment: %+v", d)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if _, present := gotBody["required_contexts"]; present {
		t.Fatal("unforced deploy must not bypass status checks")
	}
}

func TestCreateDeploymentForceBypassesChecks(t *testing.T) {
	var gotBody map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1})
	}))

	if _, err := c.CreateDeployment(context.Background(), nil, models.DeploymentRequest{
		Repository:  "acme/api",
		Environment: "production",
		Ref:         "main",
		Force:       true,
	}); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	contexts, present := gotBody["required_contexts"]
	if !present {
		t.Fatal("forced deploy must send required_contexts")
	}
	if list, ok := contexts.([]any); !ok || len(list) != 0 {
		t.Fatalf("required_contexts = %v, want empty list", contexts)
	}
}

func TestCreateDeploymentPrefersUserToken(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1})
	}))

	user := &models.User{ID: "u1", GitHubToken: "user-token"}
	if _, err := c.CreateDeployment(context.Background(), user, models.DeploymentRequest{
		Repository: "acme/api", Environment: "production", Ref: "main",
	}); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	if gotAuth != "Bearer user-token" {
		t.Fatalf("authorization = %q, want user token", gotAuth)
	}
}

func TestCombinedStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api/commits/abc1234/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": "pending",
			"statuses": []map[string]any{
				{"context": "ci", "state": "success", "updated_at": time.Now().Format(time.RFC3339)},
				{"context": "security", "state": "pending", "updated_at": time.Now().Format(time.RFC3339)},
			},
		})
	}))

	statuses, err := c.CombinedStatus(context.Background(), "acme/api", "abc1234")
	if err != nil {
		t.Fatalf("CombinedStatus: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Context != "ci" || statuses[0].State != models.CommitStatusSuccess {
		t.Fatalf("unexpected first status: %+v", statuses[0])
	}
	if statuses[0].Repository != "acme/api" || statuses[0].Sha != "abc1234" {
		t.Fatalf("status should carry repo and sha: %+v", statuses[0])
	}
}

func TestDeploymentStatusMapping(t *testing.T) {
	tests := []struct {
		body string
		want models.DeploymentStatus
	}{
		{`[]`, models.DeploymentStatusPending},
		{`[{"state":"success"}]`, models.DeploymentStatusSuccess},
		{`[{"state":"failure"}]`, models.DeploymentStatusFailure},
		{`[{"state":"error"}]`, models.DeploymentStatusError},
		{`[{"state":"in_progress"}]`, models.DeploymentStatusPending},
	}
	for _, tt := range tests {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(tt.body))
		}))
		got, err := c.DeploymentStatus(context.Background(), "acme/api", 7)
		if err != nil {
			t.Fatalf("DeploymentStatus(%s): %v", tt.body, err)
		}
		if got != tt.want {
			t.Errorf("DeploymentStatus(%s) = %s, want %s", tt.body, got, tt.want)
		}
	}
}

func TestRequiredContextsUnprotectedBranch(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	contexts, err := c.RequiredContexts(context.Background(), "acme/api", "main")
	if err != nil {
		t.Fatalf("RequiredContexts: %v", err)
	}
	if contexts != nil {
		t.Fatalf("unprotected branch should yield nil, got %v", contexts)
	}
}

func TestRequiredContexts(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"contexts": []string{"ci", "security"}})
	}))

	contexts, err := c.RequiredContexts(context.Background(), "acme/api", "main")
	if err != nil {
		t.Fatalf("RequiredContexts: %v", err)
	}
	if len(contexts) != 2 || contexts[0] != "ci" {
		t.Fatalf("contexts = %v", contexts)
	}
}

func TestIsCollaborator(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/acme/api/collaborators/alice" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	ok, err := c.IsCollaborator(context.Background(), "acme/api", "alice")
	if err != nil || !ok {
		t.Fatalf("IsCollaborator(alice) = %v, %v", ok, err)
	}
	ok, err = c.IsCollaborator(context.Background(), "acme/api", "mallory")
	if err != nil || ok {
		t.Fatalf("IsCollaborator(mallory) = %v, %v", ok, err)
	}
}

func TestServerErrorsMapToUnavailable(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.CombinedStatus(context.Background(), "acme/api", "abc1234")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestUnreachableHostMapsToUnavailable(t *testing.T) {
	c := NewClientWithBase(config.GitHubConfig{Token: "t"}, "http://127.0.0.1:1")

	_, err := c.CombinedStatus(context.Background(), "acme/api", "abc1234")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFileContent(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/vnd.github.raw+json" {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		w.Write([]byte("environments: {}\n"))
	}))

	raw, err := c.FileContent(context.Background(), "acme/api", ".deploybot.yml", "")
	if err != nil {
		t.Fatalf("FileContent: %v", err)
	}
	if string(raw) != "environments: {}\n" {
		t.Fatalf("content = %q", raw)
	}
}
