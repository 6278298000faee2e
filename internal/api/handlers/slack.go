package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/narvanalabs/deploybot/internal/api/errors"
	"github.com/narvanalabs/deploybot/internal/auth"
	"github.com/narvanalabs/deploybot/internal/autodeploy"
	"github.com/narvanalabs/deploybot/internal/deployconfig"
	"github.com/narvanalabs/deploybot/internal/deployer"
	"github.com/narvanalabs/deploybot/internal/integrations/github"
	"github.com/narvanalabs/deploybot/internal/locker"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/store"
)

// maxSlackSkew is the widest accepted gap between the request timestamp
// header and now, limiting replay of captured payloads.
const maxSlackSkew = 5 * time.Minute

// SlackHandler handles Slack slash command requests. Command parsing
// here is deliberately minimal: a handful of fixed forms delegated
// straight to the orchestrator, lock manager, and state machine.
type SlackHandler struct {
	store         store.Store
	orchestrator  *deployer.Orchestrator
	locks         *locker.Manager
	machine       *autodeploy.Machine
	deployConfig  *deployconfig.Fetcher
	signingSecret string
	logger        *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewSlackHandler creates a new Slack slash command handler.
func NewSlackHandler(st store.Store, orch *deployer.Orchestrator, locks *locker.Manager, machine *autodeploy.Machine, deployConfig *deployconfig.Fetcher, signingSecret string, logger *slog.Logger) *SlackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackHandler{
		store:         st,
		orchestrator:  orch,
		locks:         locks,
		machine:       machine,
		deployConfig:  deployConfig,
		signingSecret: signingSecret,
		logger:        logger,
		now:           time.Now,
	}
}

// Command handles POST /slack/commands.
func (h *SlackHandler) Command(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("unreadable body"))
		return
	}

	if !h.verifySignature(r, body) {
		apierrors.WriteError(w, apierrors.NewUnauthorizedError("invalid slack signature"))
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		apierrors.WriteError(w, apierrors.NewValidationError("malformed form payload"))
		return
	}

	user, err := h.resolveUser(r.Context(), form.Get("user_id"))
	if err != nil {
		h.logger.Error("failed to resolve user", "error", err)
		apierrors.WriteError(w, apierrors.NewInternalError("cannot resolve user"))
		return
	}

	text := h.run(r.Context(), user, form.Get("text"))
	writeEphemeral(w, text)
}

// run executes one command line and returns the ephemeral reply.
func (h *SlackHandler) run(ctx context.Context, user *models.User, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || fields[0] == "help" {
		return helpText
	}

	if fields[0] == "unlock" && len(fields) == 2 && fields[1] == "all" {
		released, err := h.locks.ReleaseAll(ctx, user)
		if err != nil {
			return h.renderError(ctx, err)
		}
		return fmt.Sprintf("Released %d lock(s).", len(released))
	}

	repo, err := models.ParseRepository(fields[0])
	if err != nil {
		return "First argument must be a repository (owner/name)."
	}
	args := fields[1:]
	if len(args) == 0 {
		return helpText
	}

	switch args[0] {
	case "lock":
		return h.cmdLock(ctx, user, repo, args[1:], false)
	case "lock!":
		return h.cmdLock(ctx, user, repo, args[1:], true)
	case "unlock":
		return h.cmdUnlock(ctx, user, repo, args[1:])
	case "autodeploy":
		return h.cmdAutoDeploy(ctx, user, repo, args[1:])
	case "last":
		return h.cmdLast(ctx, user, repo, args[1:])
	default:
		return h.cmdDeploy(ctx, user, repo, args[0])
	}
}

// cmdDeploy handles `<env>[@<ref>][!]`. A trailing `!` forces: it skips
// the continuous delivery check and the commit status checks.
func (h *SlackHandler) cmdDeploy(ctx context.Context, user *models.User, repo models.Repository, spec string) string {
	force := strings.HasSuffix(spec, "!")
	spec = strings.TrimSuffix(spec, "!")

	envName, ref, _ := strings.Cut(spec, "@")
	if envName == "" {
		return "Which environment?"
	}

	env, err := h.resolveEnvironment(ctx, repo, envName)
	if err != nil {
		return h.renderError(ctx, err)
	}

	result, err := h.orchestrator.CreateDeployment(ctx, user, env, ref, deployer.Options{
		SkipCDCheck: force,
		Force:       force,
	})
	if err != nil {
		return h.renderError(ctx, err)
	}

	return fmt.Sprintf("Deploying `%s` to *%s* (%s). Deployment #%d.",
		result.Deployment.Ref, env.Name, repo, result.Deployment.ID)
}

func (h *SlackHandler) cmdLock(ctx context.Context, user *models.User, repo models.Repository, args []string, force bool) string {
	var strong bool
	if len(args) > 0 && args[0] == "--strong" {
		strong = true
		args = args[1:]
	}
	if len(args) == 0 {
		return "Which environment?"
	}

	env, err := h.resolveEnvironment(ctx, repo, args[0])
	if err != nil {
		return h.renderError(ctx, err)
	}
	message := strings.Join(args[1:], " ")

	lock, stolen, err := h.locks.Acquire(ctx, env, user, message, locker.Options{
		Force:  force,
		Strong: strong,
	})
	if err != nil {
		return h.renderError(ctx, err)
	}
	if stolen != nil {
		return fmt.Sprintf("Locked *%s* (%s), stealing the previous lock.", env.Name, repo)
	}
	if lock.Strong {
		return fmt.Sprintf("Locked *%s* (%s). Nobody can deploy until you unlock.", env.Name, repo)
	}
	return fmt.Sprintf("Locked *%s* (%s).", env.Name, repo)
}

func (h *SlackHandler) cmdUnlock(ctx context.Context, user *models.User, repo models.Repository, args []string) string {
	if len(args) == 0 {
		return "Which environment?"
	}
	env, err := h.resolveEnvironment(ctx, repo, args[0])
	if err != nil {
		return h.renderError(ctx, err)
	}
	if err := h.locks.Release(ctx, env); err != nil {
		return h.renderError(ctx, err)
	}
	return fmt.Sprintf("Unlocked *%s* (%s).", env.Name, repo)
}

func (h *SlackHandler) cmdAutoDeploy(ctx context.Context, user *models.User, repo models.Repository, args []string) string {
	if len(args) < 2 {
		return "Usage: <owner/repo> autodeploy <environment> <sha>"
	}
	env, err := h.resolveEnvironment(ctx, repo, args[0])
	if err != nil {
		return h.renderError(ctx, err)
	}

	ad, err := h.machine.Create(ctx, env, user, args[1])
	if err != nil {
		return h.renderError(ctx, err)
	}
	if !ad.Valid() {
		return "Invalid request: " + strings.Join(ad.Errs, "; ")
	}

	switch ad.State {
	case models.AutoDeploymentDone:
		return fmt.Sprintf("Checks for `%s` had already converged; handled immediately.", args[1])
	case models.AutoDeploymentFailed:
		return fmt.Sprintf("A required check for `%s` has already failed.", args[1])
	default:
		return fmt.Sprintf("Will deploy `%s` to *%s* (%s) once its checks pass.", args[1], env.Name, repo)
	}
}

func (h *SlackHandler) cmdLast(ctx context.Context, user *models.User, repo models.Repository, args []string) string {
	if len(args) == 0 {
		return "Which environment?"
	}
	env, err := h.resolveEnvironment(ctx, repo, args[0])
	if err != nil {
		return h.renderError(ctx, err)
	}

	last, err := h.orchestrator.LastDeployment(ctx, user, env)
	if err != nil {
		return h.renderError(ctx, err)
	}
	if last == nil {
		return fmt.Sprintf("No deployments of *%s* (%s) yet.", env.Name, repo)
	}
	return fmt.Sprintf("Last deployment of *%s* (%s): `%s`, status %s.",
		env.Name, repo, last.Ref, last.Status)
}

// resolveEnvironment loads the environment row and overlays the
// repository's .deploybot.yml configuration.
func (h *SlackHandler) resolveEnvironment(ctx context.Context, repo models.Repository, name string) (*models.Environment, error) {
	env, err := h.store.Environments().Get(ctx, repo, name)
	if err != nil {
		return nil, err
	}

	if h.deployConfig == nil {
		return env, nil
	}
	cfg, err := h.deployConfig.Get(ctx, repo)
	if err != nil {
		// Config fetch trouble must not block explicit commands.
		h.logger.Warn("deploy config unavailable", "repository", repo, "error", err)
		return env, nil
	}

	ec := cfg.Environment(name)
	changed := false
	if autoDeploy := ec.AutoDeployRef != ""; autoDeploy != env.AutoDeploy {
		env.AutoDeploy = autoDeploy
		changed = true
	}
	if ec.DefaultRef != "" && ec.DefaultRef != env.DefaultRef {
		env.DefaultRef = ec.DefaultRef
		changed = true
	}
	if len(ec.RequiredContexts) > 0 && !equalStrings(ec.RequiredContexts, env.RequiredContexts) {
		env.RequiredContexts = ec.RequiredContexts
		changed = true
	}
	if changed {
		if err := h.store.Environments().Update(ctx, env); err != nil {
			h.logger.Warn("failed to persist environment config", "environment_id", env.ID, "error", err)
		}
	}
	return env, nil
}

// resolveUser maps the Slack user to our user record, creating a stub
// on first contact so locks and deployments have an owner to attach to.
func (h *SlackHandler) resolveUser(ctx context.Context, slackUserID string) (*models.User, error) {
	if slackUserID == "" {
		return nil, fmt.Errorf("missing user_id")
	}
	user, err := h.store.Users().GetBySlackID(ctx, slackUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user = &models.User{SlackUserID: slackUserID}
	if err := h.store.Users().Upsert(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// renderError translates business errors into ephemeral reply text.
func (h *SlackHandler) renderError(ctx context.Context, err error) string {
	var lockedErr *locker.LockedError
	if errors.As(err, &lockedErr) {
		owner, uerr := h.store.Users().Get(ctx, lockedErr.Lock.UserID)
		if uerr == nil {
			return fmt.Sprintf("Environment is locked by <@%s>.", owner.SlackUserID)
		}
		return "Environment is locked."
	}

	var cdErr *deployer.AutoDeployConflictError
	if errors.As(err, &cdErr) {
		return fmt.Sprintf("*%s* is deployed automatically. Add `!` to deploy anyway.", cdErr.Environment.Name)
	}

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return "You don't have access to that repository."
	case errors.Is(err, locker.ErrLockFailed):
		return "Couldn't take the lock. Try again."
	case errors.Is(err, github.ErrUnavailable):
		return "GitHub isn't responding right now. Try again shortly."
	case errors.Is(err, deployer.ErrInvalidRequest):
		return "That request doesn't look right."
	}

	h.logger.Error("command failed", "error", err)
	return "Something went wrong."
}

// verifySignature checks Slack's v0 request signature.
func (h *SlackHandler) verifySignature(r *http.Request, body []byte) bool {
	if h.signingSecret == "" {
		return true
	}

	tsHeader := r.Header.Get("X-Slack-Request-Timestamp")
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(h.now().Sub(time.Unix(ts, 0)).Seconds()) > maxSlackSkew.Seconds() {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.signingSecret))
	fmt.Fprintf(mac, "v0:%s:%s", tsHeader, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(r.Header.Get("X-Slack-Signature")))
}

func writeEphemeral(w http.ResponseWriter, text string) {
	apierrors.WriteJSON(w, http.StatusOK, map[string]string{
		"response_type": "ephemeral",
		"text":          text,
	})
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const helpText = "Usage: `<owner/repo> <environment>[@ref][!]` to deploy, " +
	"`<owner/repo> lock[!] [--strong] <environment> [message]`, " +
	"`<owner/repo> unlock <environment>`, `unlock all`, " +
	"`<owner/repo> autodeploy <environment> <sha>`, " +
	"`<owner/repo> last <environment>`."
