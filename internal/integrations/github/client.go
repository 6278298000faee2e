// Package github provides a minimal GitHub API client for the
// deployment, commit status, and branch protection endpoints.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/pkg/config"
)

// ErrUnavailable is returned when GitHub cannot be reached or answers
// with a server error. Callers reschedule via watchdog rather than
// retrying in place.
var ErrUnavailable = errors.New("github unavailable")

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("github resource not found")

const apiBase = "https://api.github.com"

// Client is a minimal GitHub API client.
type Client struct {
	hc   *http.Client
	cfg  config.GitHubConfig
	base string

	mu          sync.Mutex
	appToken    string
	appTokenExp time.Time
}

// NewClient creates a new GitHub API client.
func NewClient(cfg config.GitHubConfig) *Client {
	timeout := cfg.APITimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		hc: &http.Client{
			Timeout: timeout,
		},
		cfg:  cfg,
		base: apiBase,
	}
}

// NewClientWithBase creates a client against a non-default API base URL.
// Used by tests.
func NewClientWithBase(cfg config.GitHubConfig, base string) *Client {
	c := NewClient(cfg)
	c.base = base
	return c
}

// deploymentResponse is the subset of GitHub's deployment object we read.
type deploymentResponse struct {
	ID  int64  `json:"id"`
	Ref string `json:"ref"`
	Sha string `json:"sha"`
	Env string `json:"environment"`
}

// CreateDeployment dispatches a deployment for the request. When the
// request is forced, commit status checks are bypassed by sending an
// empty required-contexts list.
func (c *Client) CreateDeployment(ctx context.Context, user *models.User, req models.DeploymentRequest) (*models.Deployment, error) {
	body := map[string]any{
		"ref":         req.Ref,
		"environment": req.Environment,
		"auto_merge":  false,
	}
	if req.Force {
		body["required_contexts"] = []string{}
	}

	targetURL := fmt.Sprintf("%s/repos/%s/deployments", c.base, req.Repository)
	var resp deploymentResponse
	if err := c.do(ctx, user, "POST", targetURL, body, &resp); err != nil {
		return nil, err
	}

	d := &models.Deployment{
		ID:          resp.ID,
		Repository:  req.Repository,
		Environment: req.Environment,
		Ref:         req.Ref,
		Sha:         resp.Sha,
		Status:      models.DeploymentStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if user != nil {
		d.UserID = user.ID
	}
	return d, nil
}

// LastDeployment returns the most recent deployment of an environment
// as GitHub knows it, or nil when none exists.
func (c *Client) LastDeployment(ctx context.Context, user *models.User, repo models.Repository, environment string) (*models.Deployment, error) {
	targetURL := fmt.Sprintf("%s/repos/%s/deployments?environment=%s&per_page=1", c.base, repo, environment)
	var resp []deploymentResponse
	if err := c.do(ctx, user, "GET", targetURL, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	return &models.Deployment{
		ID:          resp[0].ID,
		Repository:  repo,
		Environment: environment,
		Ref:         resp[0].Ref,
		Sha:         resp[0].Sha,
		Status:      models.DeploymentStatusPending,
	}, nil
}

// DeploymentStatus returns the latest status of a deployment, pending
// when GitHub has recorded none yet.
func (c *Client) DeploymentStatus(ctx context.Context, repo models.Repository, deploymentID int64) (models.DeploymentStatus, error) {
	targetURL := fmt.Sprintf("%s/repos/%s/deployments/%d/statuses?per_page=1", c.base, repo, deploymentID)
	var resp []struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, nil, "GET", targetURL, nil, &resp); err != nil {
		return "", err
	}
	if len(resp) == 0 {
		return models.DeploymentStatusPending, nil
	}
	switch resp[0].State {
	case "success":
		return models.DeploymentStatusSuccess, nil
	case "failure":
		return models.DeploymentStatusFailure, nil
	case "error":
		return models.DeploymentStatusError, nil
	default:
		return models.DeploymentStatusPending, nil
	}
}

// CombinedStatus returns all known commit statuses for a sha.
func (c *Client) CombinedStatus(ctx context.Context, repo models.Repository, sha string) ([]models.CommitStatus, error) {
	targetURL := fmt.Sprintf("%s/repos/%s/commits/%s/status", c.base, repo, sha)
	var resp struct {
		Statuses []struct {
			Context   string    `json:"context"`
			State     string    `json:"state"`
			UpdatedAt time.Time `json:"updated_at"`
		} `json:"statuses"`
	}
	if err := c.do(ctx, nil, "GET", targetURL, nil, &resp); err != nil {
		return nil, err
	}

	statuses := make([]models.CommitStatus, 0, len(resp.Statuses))
	for _, s := range resp.Statuses {
		statuses = append(statuses, models.CommitStatus{
			Repository: repo,
			Sha:        sha,
			Context:    s.Context,
			State:      models.CommitStatusState(s.State),
			CreatedAt:  s.UpdatedAt,
		})
	}
	return statuses, nil
}

// RequiredContexts returns the status contexts branch protection
// requires on the given branch. An unprotected branch yields an empty
// list.
func (c *Client) RequiredContexts(ctx context.Context, repo models.Repository, branch string) ([]string, error) {
	targetURL := fmt.Sprintf("%s/repos/%s/branches/%s/protection/required_status_checks", c.base, repo, branch)
	var resp struct {
		Contexts []string `json:"contexts"`
	}
	err := c.do(ctx, nil, "GET", targetURL, nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Contexts, nil
}

// IsCollaborator reports whether the login has access to the repository.
func (c *Client) IsCollaborator(ctx context.Context, repo models.Repository, login string) (bool, error) {
	targetURL := fmt.Sprintf("%s/repos/%s/collaborators/%s", c.base, repo, login)
	err := c.do(ctx, nil, "GET", targetURL, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FileContent fetches a file from the repository at the given ref.
func (c *Client) FileContent(ctx context.Context, repo models.Repository, path, ref string) ([]byte, error) {
	targetURL := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s", c.base, repo, path, ref)
	req, err := http.NewRequestWithContext(ctx, "GET", targetURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	if err := c.authorize(ctx, req, nil); err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// do performs a JSON request. The user's token is preferred when
// present; otherwise the service credentials are used.
func (c *Client) do(ctx context.Context, user *models.User, method, targetURL string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	var req *http.Request
	var err error
	if reqBody != nil {
		req, err = http.NewRequestWithContext(ctx, method, targetURL, reqBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, targetURL, nil)
	}
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req, user); err != nil {
		return err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var ghErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&ghErr)
		return fmt.Errorf("github: %s (status %d)", ghErr.Message, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// authorize attaches a bearer token: the user's own token when linked,
// else the configured personal token, else a minted App installation token.
func (c *Client) authorize(ctx context.Context, req *http.Request, user *models.User) error {
	if user != nil && user.GitHubToken != "" {
		req.Header.Set("Authorization", "Bearer "+user.GitHubToken)
		return nil
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		return nil
	}

	token, err := c.installationToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// installationToken mints (and caches) a GitHub App installation token.
func (c *Client) installationToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.appToken != "" && time.Now().Before(c.appTokenExp) {
		return c.appToken, nil
	}

	// 1. Create JWT
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.cfg.PrivateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": fmt.Sprintf("%d", c.cfg.AppID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}

	// 2. Exchange JWT for installation token
	apiURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.base, c.cfg.InstallationID)
	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, nil)
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", "Bearer "+signedToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to get installation token: status %d", resp.StatusCode)
	}

	var tokenResp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}

	c.appToken = tokenResp.Token
	c.appTokenExp = tokenResp.ExpiresAt.Add(-1 * time.Minute)
	return c.appToken, nil
}

// transportError classifies network-level failures as ErrUnavailable.
func transportError(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
