// Package deployer is the façade the command surface talks to: it
// authorizes, validates, and dispatches deployment requests, composing
// the lock manager and the external deployment API. It guarantees
// at-most-one in-flight external deployment creation per request.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/narvanalabs/deploybot/internal/locker"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/notify"
	"github.com/narvanalabs/deploybot/internal/queue"
	"github.com/narvanalabs/deploybot/internal/store"
)

// Authorizer checks a user's access to a repository, failing closed.
type Authorizer interface {
	Authorize(ctx context.Context, user *models.User, repo models.Repository) error
}

// DeploymentAPI is the external system deployments are dispatched to.
type DeploymentAPI interface {
	CreateDeployment(ctx context.Context, user *models.User, req models.DeploymentRequest) (*models.Deployment, error)
	LastDeployment(ctx context.Context, user *models.User, repo models.Repository, environment string) (*models.Deployment, error)
}

// Options modify a deployment request.
type Options struct {
	// SkipCDCheck allows a manual deploy to an auto-deployed environment.
	SkipCDCheck bool
	// Force bypasses the external system's commit status checks.
	Force bool
}

// Result is what a successful orchestration returns: the new deployment
// and the previous one for caller context.
type Result struct {
	Deployment     *models.Deployment
	LastDeployment *models.Deployment
}

// Orchestrator coordinates deployment creation.
type Orchestrator struct {
	store      store.Store
	api        DeploymentAPI
	authorizer Authorizer
	notifier   notify.Notifier
	scheduler  queue.Scheduler
	checkDelay time.Duration
	logger     *slog.Logger
}

// NewOrchestrator creates a deployment orchestrator.
func NewOrchestrator(s store.Store, api DeploymentAPI, authorizer Authorizer, notifier notify.Notifier, scheduler queue.Scheduler, checkDelay time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      s,
		api:        api,
		authorizer: authorizer,
		notifier:   notifier,
		scheduler:  scheduler,
		checkDelay: checkDelay,
		logger:     logger,
	}
}

// CreateDeployment runs the manual deployment path: authorization, CD
// conflict check, lock check, then a single dispatch to the external
// system followed by watchdog scheduling.
func (o *Orchestrator) CreateDeployment(ctx context.Context, user *models.User, env *models.Environment, ref string, opts Options) (*Result, error) {
	if err := o.authorizer.Authorize(ctx, user, env.Repository); err != nil {
		return nil, err
	}

	if ref == "" {
		ref = env.Ref()
	}
	if !validRef(ref) {
		return nil, fmt.Errorf("%w: ref %q", ErrInvalidRequest, ref)
	}
	req := models.DeploymentRequest{
		Repository:  env.Repository,
		Environment: env.Name,
		Ref:         ref,
		Force:       opts.Force,
	}

	if env.AutoDeploy && !opts.SkipCDCheck {
		return nil, &AutoDeployConflictError{Environment: env}
	}

	lock, err := o.store.Locks().Active(ctx, env.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reading active lock: %w", err)
	}
	if lock != nil && (lock.UserID != user.ID || lock.Strong) {
		return nil, &locker.LockedError{Lock: lock}
	}

	last, err := o.store.Deployments().LastFor(ctx, env.Repository, env.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reading last deployment: %w", err)
	}

	deployment, err := o.dispatch(ctx, o.store, user, req)
	if err != nil {
		return nil, err
	}

	return &Result{Deployment: deployment, LastDeployment: last}, nil
}

// LastDeployment returns the most recent deployment of the environment,
// or nil when none is known.
func (o *Orchestrator) LastDeployment(ctx context.Context, user *models.User, env *models.Environment) (*models.Deployment, error) {
	if err := o.authorizer.Authorize(ctx, user, env.Repository); err != nil {
		return nil, err
	}

	last, err := o.store.Deployments().LastFor(ctx, env.Repository, env.Name)
	if errors.Is(err, store.ErrNotFound) {
		// Fall back to the external system; our mirror only knows what
		// went through us.
		return o.api.LastDeployment(ctx, user, env.Repository, env.Name)
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

// TriggerAutoDeploy is the internal auto-deploy path, invoked only by
// the auto-deployment state machine with the sha rows locked. The
// auto-deployment is finalized to done on every exit path: auto-deploy
// gating is a one-shot decision per sha, so neither a lock nor a failed
// dispatch re-arms it.
func (o *Orchestrator) TriggerAutoDeploy(ctx context.Context, s store.Store, ad *models.AutoDeployment, env *models.Environment) error {
	defer func() {
		if err := s.AutoDeployments().SetState(ctx, ad.ID, models.AutoDeploymentDone); err != nil {
			o.logger.Error("failed to finalize auto-deployment",
				"auto_deployment_id", ad.ID,
				"error", err,
			)
		}
	}()

	user, err := s.Users().Get(ctx, ad.UserID)
	if err != nil {
		return fmt.Errorf("reading auto-deploy user: %w", err)
	}

	lock, err := s.Locks().Active(ctx, env.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading active lock: %w", err)
	}
	if lock != nil {
		notify.Best(ctx, o.notifier, o.logger, user, notify.AutoDeployBlocked(env, ad.Sha, lock))
		o.logger.Info("auto-deploy blocked by lock",
			"auto_deployment_id", ad.ID,
			"environment_id", env.ID,
			"lock_id", lock.ID,
		)
		return nil
	}

	// Convergence of the required contexts was the trigger condition,
	// so the external system's own status re-check is bypassed.
	req := models.DeploymentRequest{
		Repository:  env.Repository,
		Environment: env.Name,
		Ref:         ad.Sha,
		Force:       true,
	}
	if _, err := o.dispatch(ctx, s, user, req); err != nil {
		o.logger.Error("auto-deploy dispatch failed",
			"auto_deployment_id", ad.ID,
			"error", err,
		)
	}
	return nil
}

// dispatch performs the single external deployment creation, mirrors
// it, and schedules the deployment watchdog.
func (o *Orchestrator) dispatch(ctx context.Context, s store.Store, user *models.User, req models.DeploymentRequest) (*models.Deployment, error) {
	deployment, err := o.api.CreateDeployment(ctx, user, req)
	if err != nil {
		return nil, fmt.Errorf("creating deployment: %w", err)
	}

	deployment.UserID = user.ID
	if err := s.Deployments().Record(ctx, deployment); err != nil {
		// The external deployment exists; losing the mirror row only
		// costs the watchdog, so log and carry on.
		o.logger.Error("failed to record deployment mirror",
			"deployment_id", deployment.ID,
			"error", err,
		)
		return deployment, nil
	}

	if o.scheduler != nil {
		entityID := strconv.FormatInt(deployment.ID, 10)
		if err := o.scheduler.Schedule(ctx, models.TaskDeploymentCheck, entityID, o.checkDelay); err != nil {
			o.logger.Warn("failed to schedule deployment watchdog",
				"deployment_id", deployment.ID,
				"error", err,
			)
		}
	}

	o.logger.Info("deployment dispatched",
		"deployment_id", deployment.ID,
		"repository", req.Repository,
		"environment", req.Environment,
		"ref", req.Ref,
		"force", req.Force,
	)
	return deployment, nil
}
