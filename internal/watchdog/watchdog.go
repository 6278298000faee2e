// Package watchdog runs the delayed reconciliation tasks that re-check
// state whose progress depends on an external system or on further
// asynchronous events. Every task body is idempotent: it re-reads
// current state and acts only if the supervised condition still holds,
// because the queue delivers at least once.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/notify"
	"github.com/narvanalabs/deploybot/internal/store"
)

// Reevaluator re-runs the auto-deployment gate for a commit.
type Reevaluator interface {
	EvaluateSha(ctx context.Context, repo models.Repository, sha string) error
}

// DeploymentStatusSource reports the external system's view of a deployment.
type DeploymentStatusSource interface {
	DeploymentStatus(ctx context.Context, repo models.Repository, deploymentID int64) (models.DeploymentStatus, error)
}

// Config holds the thresholds the task bodies act on.
type Config struct {
	// DeploymentStuckAfter is the age past which an unresolved
	// deployment is reported stuck.
	DeploymentStuckAfter time.Duration
}

// Runner executes watchdog tasks.
type Runner struct {
	store       store.Store
	reevaluator Reevaluator
	deployments DeploymentStatusSource
	notifier    notify.Notifier
	cfg         Config
	logger      *slog.Logger
}

// NewRunner creates a watchdog task runner.
func NewRunner(s store.Store, reevaluator Reevaluator, deployments DeploymentStatusSource, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:       s,
		reevaluator: reevaluator,
		deployments: deployments,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run executes one task. A returned error means the task should be
// retried with backoff; supervised entities that no longer need
// attention resolve to nil.
func (r *Runner) Run(ctx context.Context, task *models.Task) error {
	switch task.Kind {
	case models.TaskLockNag:
		return r.runLockNag(ctx, task.EntityID)
	case models.TaskAutoDeployCheck:
		return r.runAutoDeployCheck(ctx, task.EntityID)
	case models.TaskDeploymentCheck:
		return r.runDeploymentCheck(ctx, task.EntityID)
	default:
		// An unknown kind is a deploy-order bug, not a transient
		// failure; drop it rather than retry forever.
		r.logger.Error("unknown watchdog task kind", "kind", task.Kind, "task_id", task.ID)
		return nil
	}
}

// runLockNag reminds the owner when the lock is still active. A single
// nag: it does not reschedule itself.
func (r *Runner) runLockNag(ctx context.Context, lockID string) error {
	lock, err := r.store.Locks().Get(ctx, lockID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !lock.Active() {
		return nil
	}

	env, err := r.store.Environments().GetByID(ctx, lock.EnvironmentID)
	if err != nil {
		return err
	}
	owner, err := r.store.Users().Get(ctx, lock.UserID)
	if err != nil {
		return err
	}

	notify.Best(ctx, r.notifier, r.logger, owner, notify.LockNag(env, lock))
	return nil
}

// runAutoDeployCheck re-evaluates a still-pending auto-deployment. A
// status event that raced the timer may already have resolved it, in
// which case this is a no-op.
func (r *Runner) runAutoDeployCheck(ctx context.Context, adID string) error {
	ad, err := r.store.AutoDeployments().Get(ctx, adID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ad.State != models.AutoDeploymentPending {
		return nil
	}

	env, err := r.store.Environments().GetByID(ctx, ad.EnvironmentID)
	if err != nil {
		return err
	}

	return r.reevaluator.EvaluateSha(ctx, env.Repository, ad.Sha)
}

// runDeploymentCheck reconciles the mirror with the external system's
// view of a dispatched deployment. An unreachable external system is a
// retriable error, never treated as resolution.
func (r *Runner) runDeploymentCheck(ctx context.Context, entityID string) error {
	deploymentID, err := strconv.ParseInt(entityID, 10, 64)
	if err != nil {
		r.logger.Error("malformed deployment watchdog entity", "entity_id", entityID)
		return nil
	}

	d, err := r.store.Deployments().Get(ctx, deploymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status.Resolved() {
		return nil
	}

	status, err := r.deployments.DeploymentStatus(ctx, d.Repository, d.ID)
	if err != nil {
		return fmt.Errorf("querying deployment status: %w", err)
	}

	if status.Resolved() {
		if err := r.store.Deployments().SetStatus(ctx, d.ID, status); err != nil {
			return err
		}
		d.Status = status
		r.notifyCreator(ctx, d, notify.DeploymentResolved(d))
		return nil
	}

	if time.Since(d.CreatedAt) > r.cfg.DeploymentStuckAfter {
		r.notifyCreator(ctx, d, notify.DeploymentStuck(d))
	}
	return nil
}

func (r *Runner) notifyCreator(ctx context.Context, d *models.Deployment, text string) {
	user, err := r.store.Users().Get(ctx, d.UserID)
	if err != nil {
		r.logger.Warn("cannot notify deployment creator",
			"deployment_id", d.ID,
			"user_id", d.UserID,
			"error", err,
		)
		return
	}
	notify.Best(ctx, r.notifier, r.logger, user, text)
}
