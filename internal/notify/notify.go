// Package notify delivers direct messages to users about lock and
// deployment events. Delivery is best-effort: callers log failures and
// never let them fail the operation they accompany.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/deploybot/internal/models"
)

// Notifier sends a direct message to a user.
type Notifier interface {
	DirectMessage(ctx context.Context, user *models.User, text string) error
}

// Best sends a notification and logs instead of returning any failure.
// Every notification site in the coordination core goes through this.
func Best(ctx context.Context, n Notifier, logger *slog.Logger, user *models.User, text string) {
	if n == nil || user == nil {
		return
	}
	if err := n.DirectMessage(ctx, user, text); err != nil {
		logger.Warn("notification failed",
			"user_id", user.ID,
			"error", err,
		)
	}
}

// LockStolen tells the displaced owner who took their lock.
func LockStolen(env *models.Environment, byUser *models.User) string {
	return fmt.Sprintf("Your lock on *%s* (%s) was stolen by <@%s>.",
		env.Name, env.Repository, byUser.SlackUserID)
}

// LockNag reminds the owner a lock is still held.
func LockNag(env *models.Environment, lock *models.Lock) string {
	if lock.Message != "" {
		return fmt.Sprintf("You still have *%s* (%s) locked: %s. Unlock it when you're done.",
			env.Name, env.Repository, lock.Message)
	}
	return fmt.Sprintf("You still have *%s* (%s) locked. Unlock it when you're done.",
		env.Name, env.Repository)
}

// AutoDeployPending confirms an auto-deployment is waiting on checks.
func AutoDeployPending(env *models.Environment, sha string) string {
	return fmt.Sprintf("Waiting for commit checks on `%s` before deploying it to *%s* (%s).",
		short(sha), env.Name, env.Repository)
}

// AutoDeployFailed reports a failed required context.
func AutoDeployFailed(env *models.Environment, sha string) string {
	return fmt.Sprintf("Not deploying `%s` to *%s* (%s): a required commit check failed.",
		short(sha), env.Name, env.Repository)
}

// AutoDeployBlocked reports that the converged commit could not be
// deployed because the environment is locked.
func AutoDeployBlocked(env *models.Environment, sha string, lock *models.Lock) string {
	return fmt.Sprintf("`%s` is ready for *%s* (%s), but the environment is locked. Deploy it manually once unlocked.",
		short(sha), env.Name, env.Repository)
}

// DeploymentResolved reports the terminal status of a deployment.
func DeploymentResolved(d *models.Deployment) string {
	return fmt.Sprintf("Deployment of `%s` to *%s* (%s) finished: %s.",
		d.Ref, d.Environment, d.Repository, d.Status)
}

// DeploymentStuck reports a deployment the external system never resolved.
func DeploymentStuck(d *models.Deployment) string {
	return fmt.Sprintf("Deployment of `%s` to *%s* (%s) hasn't reported a status yet. It may be stuck.",
		d.Ref, d.Environment, d.Repository)
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
