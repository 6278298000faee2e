package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/narvanalabs/deploybot/internal/api/errors"
	"github.com/narvanalabs/deploybot/internal/autodeploy"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/notify"
	"github.com/narvanalabs/deploybot/internal/store"
)

// WebhookHandler receives GitHub webhook deliveries. Only two events
// matter to the core: "status" drives the auto-deployment state
// machine, "deployment_status" keeps the deployment mirror current.
type WebhookHandler struct {
	store    store.Store
	machine  *autodeploy.Machine
	notifier notify.Notifier
	secret   string
	logger   *slog.Logger
}

// NewWebhookHandler creates a new GitHub webhook handler.
func NewWebhookHandler(st store.Store, machine *autodeploy.Machine, notifier notify.Notifier, secret string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		store:    st,
		machine:  machine,
		notifier: notifier,
		secret:   secret,
		logger:   logger,
	}
}

type statusEventPayload struct {
	Sha        string    `json:"sha"`
	Context    string    `json:"context"`
	State      string    `json:"state"`
	UpdatedAt  time.Time `json:"updated_at"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type deploymentStatusEventPayload struct {
	Deployment struct {
		ID  int64  `json:"id"`
		Sha string `json:"sha"`
	} `json:"deployment"`
	DeploymentStatus struct {
		State string `json:"state"`
	} `json:"deployment_status"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// GitHub handles POST /webhooks/github.
func (h *WebhookHandler) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("unreadable body"))
		return
	}

	if !h.verifySignature(r, body) {
		apierrors.WriteError(w, apierrors.NewUnauthorizedError("invalid webhook signature"))
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "status":
		err = h.handleStatus(r, body)
	case "deployment_status":
		err = h.handleDeploymentStatus(r, body)
	case "ping":
		// Delivery test from GitHub.
	default:
		h.logger.Debug("ignoring webhook event", "event", event)
	}
	if err != nil {
		h.logger.Error("webhook processing failed",
			"event", event,
			"delivery", r.Header.Get("X-GitHub-Delivery"),
			"error", err)
		apierrors.WriteError(w, apierrors.NewInternalError("event processing failed"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) handleStatus(r *http.Request, body []byte) error {
	var payload statusEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return err
	}
	repo, err := models.ParseRepository(payload.Repository.FullName)
	if err != nil {
		return err
	}

	return h.machine.TrackContextStateChange(r.Context(), models.CommitStatus{
		Repository: repo,
		Sha:        payload.Sha,
		Context:    payload.Context,
		State:      models.CommitStatusState(payload.State),
		CreatedAt:  payload.UpdatedAt,
	})
}

func (h *WebhookHandler) handleDeploymentStatus(r *http.Request, body []byte) error {
	var payload deploymentStatusEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return err
	}

	ctx := r.Context()
	dep, err := h.store.Deployments().Get(ctx, payload.Deployment.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Deployment created outside this system; nothing to mirror.
		return nil
	}
	if err != nil {
		return err
	}

	status := models.DeploymentStatus(payload.DeploymentStatus.State)
	if dep.Status == status {
		return nil
	}
	if err := h.store.Deployments().SetStatus(ctx, dep.ID, status); err != nil {
		return err
	}

	if status.Resolved() {
		if creator, uerr := h.store.Users().Get(ctx, dep.UserID); uerr == nil {
			dep.Status = status
			notify.Best(ctx, h.notifier, h.logger, creator, notify.DeploymentResolved(dep))
		}
	}
	return nil
}

// verifySignature checks the X-Hub-Signature-256 HMAC.
func (h *WebhookHandler) verifySignature(r *http.Request, body []byte) bool {
	if h.secret == "" {
		return true
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(r.Header.Get("X-Hub-Signature-256")))
}
