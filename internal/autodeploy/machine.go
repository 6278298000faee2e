// Package autodeploy tracks requested auto-deployments of commits
// through their lifecycle, transitioning in response to commit status
// events. Per-sha transitions are serialized by row locks in the store
// so duplicate status deliveries cannot double-trigger a deploy.
package autodeploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/notify"
	"github.com/narvanalabs/deploybot/internal/queue"
	"github.com/narvanalabs/deploybot/internal/store"
)

// StatusSource supplies the current commit statuses and the required
// context list. The external system is authoritative: every evaluation
// re-fetches rather than trusting accumulated webhook payloads.
type StatusSource interface {
	CombinedStatus(ctx context.Context, repo models.Repository, sha string) ([]models.CommitStatus, error)
	RequiredContexts(ctx context.Context, repo models.Repository, branch string) ([]string, error)
}

// Trigger dispatches a ready auto-deployment. It runs with the sha's
// rows locked and must finalize the auto-deployment on every path.
type Trigger interface {
	TriggerAutoDeploy(ctx context.Context, s store.Store, ad *models.AutoDeployment, env *models.Environment) error
}

// Machine drives auto-deployments through pending → {ready, failed} → done.
type Machine struct {
	store      store.Store
	statuses   StatusSource
	trigger    Trigger
	notifier   notify.Notifier
	scheduler  queue.Scheduler
	checkDelay time.Duration
	logger     *slog.Logger
}

// NewMachine creates an auto-deployment state machine.
func NewMachine(s store.Store, statuses StatusSource, trigger Trigger, notifier notify.Notifier, scheduler queue.Scheduler, checkDelay time.Duration, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:      s,
		statuses:   statuses,
		trigger:    trigger,
		notifier:   notifier,
		scheduler:  scheduler,
		checkDelay: checkDelay,
		logger:     logger,
	}
}

// Create registers an auto-deployment of sha to the environment. A
// malformed sha or missing user yields an invalid value object, not an
// error; callers must check Valid before branching on State.
//
// The initial state is computed from the statuses already known: a
// commit whose checks converged before the request arrived is ready
// (and deploys synchronously within this call) or failed immediately.
func (m *Machine) Create(ctx context.Context, env *models.Environment, user *models.User, sha string) (*models.AutoDeployment, error) {
	var userID string
	if user != nil {
		userID = user.ID
	}
	ad := models.NewAutoDeployment(env.ID, sha, userID)
	if !ad.Valid() {
		return ad, nil
	}
	ad.ID = uuid.NewString()

	state, err := m.computeFor(ctx, env, sha)
	if err != nil {
		return nil, err
	}
	ad.State = state

	err = m.store.WithTx(ctx, func(s store.Store) error {
		if err := s.AutoDeployments().Create(ctx, ad); err != nil {
			return err
		}
		return m.act(ctx, s, ad, env, user)
	})
	if err != nil {
		return nil, err
	}
	return ad, nil
}

// TrackContextStateChange applies a new commit status: every active
// auto-deployment for the sha is re-evaluated against the full current
// status set, under row locks that serialize concurrent deliveries.
func (m *Machine) TrackContextStateChange(ctx context.Context, status models.CommitStatus) error {
	return m.EvaluateSha(ctx, status.Repository, status.Sha)
}

// EvaluateSha re-evaluates all active auto-deployments for a commit.
// Safe to run any number of times; a sha with no active auto-deployments
// is a no-op.
func (m *Machine) EvaluateSha(ctx context.Context, repo models.Repository, sha string) error {
	// Fetch outside the transaction so the row locks are held only for
	// the decision, not the status read.
	statuses, err := m.statuses.CombinedStatus(ctx, repo, sha)
	if err != nil {
		return fmt.Errorf("fetching combined status: %w", err)
	}

	return m.store.WithTx(ctx, func(s store.Store) error {
		ads, err := s.AutoDeployments().ActiveForSha(ctx, repo, sha)
		if err != nil {
			return err
		}

		for _, ad := range ads {
			env, err := s.Environments().GetByID(ctx, ad.EnvironmentID)
			if err != nil {
				return fmt.Errorf("reading environment %s: %w", ad.EnvironmentID, err)
			}

			required, err := m.required(ctx, env)
			if err != nil {
				return err
			}

			state := ComputeState(statuses, required)
			if state == models.AutoDeploymentPending {
				// Not converged. The scheduled watchdog re-polls.
				continue
			}
			ad.State = state

			var user *models.User
			if u, err := s.Users().Get(ctx, ad.UserID); err == nil {
				user = u
			}
			if err := m.act(ctx, s, ad, env, user); err != nil {
				return err
			}
		}
		return nil
	})
}

// act performs the side effects of an auto-deployment's current state
// and finalizes terminal outcomes. Unknown states are a programming
// invariant violation: crash loudly rather than strand a deployment.
func (m *Machine) act(ctx context.Context, s store.Store, ad *models.AutoDeployment, env *models.Environment, user *models.User) error {
	switch ad.State {
	case models.AutoDeploymentPending:
		notify.Best(ctx, m.notifier, m.logger, user, notify.AutoDeployPending(env, ad.Sha))
		m.scheduleCheck(ctx, ad)
		return nil

	case models.AutoDeploymentReady:
		if err := s.AutoDeployments().SetState(ctx, ad.ID, models.AutoDeploymentReady); err != nil {
			return err
		}
		return m.trigger.TriggerAutoDeploy(ctx, s, ad, env)

	case models.AutoDeploymentFailed:
		if err := s.AutoDeployments().SetState(ctx, ad.ID, models.AutoDeploymentFailed); err != nil {
			return err
		}
		notify.Best(ctx, m.notifier, m.logger, user, notify.AutoDeployFailed(env, ad.Sha))
		return s.AutoDeployments().SetState(ctx, ad.ID, models.AutoDeploymentDone)

	case models.AutoDeploymentDone:
		return nil

	default:
		panic(fmt.Sprintf("autodeploy: unknown state %q for %s", ad.State, ad.ID))
	}
}

// required resolves the environment's required contexts: an explicit
// per-environment list wins, else branch protection on the default ref.
func (m *Machine) required(ctx context.Context, env *models.Environment) ([]string, error) {
	if len(env.RequiredContexts) > 0 {
		return env.RequiredContexts, nil
	}
	required, err := m.statuses.RequiredContexts(ctx, env.Repository, env.Ref())
	if err != nil {
		return nil, fmt.Errorf("fetching required contexts: %w", err)
	}
	return required, nil
}

func (m *Machine) scheduleCheck(ctx context.Context, ad *models.AutoDeployment) {
	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.Schedule(ctx, models.TaskAutoDeployCheck, ad.ID, m.checkDelay); err != nil {
		m.logger.Warn("failed to schedule autodeploy watchdog",
			"auto_deployment_id", ad.ID,
			"error", err,
		)
	}
}

// computeFor evaluates the environment's gate for a sha right now.
func (m *Machine) computeFor(ctx context.Context, env *models.Environment, sha string) (models.AutoDeploymentState, error) {
	statuses, err := m.statuses.CombinedStatus(ctx, env.Repository, sha)
	if err != nil {
		return "", fmt.Errorf("fetching combined status: %w", err)
	}
	required, err := m.required(ctx, env)
	if err != nil {
		return "", err
	}
	return ComputeState(statuses, required), nil
}

// ComputeState derives an auto-deployment state from the known commit
// statuses and the required context list: ready when every required
// context reports success, failed when any required context reports
// failure, pending otherwise. An empty required list falls back to the
// full set of known contexts, so a commit with no statuses stays pending.
func ComputeState(statuses []models.CommitStatus, required []string) models.AutoDeploymentState {
	// Latest state per context wins.
	latest := make(map[string]models.CommitStatus, len(statuses))
	for _, s := range statuses {
		if prev, ok := latest[s.Context]; !ok || s.CreatedAt.After(prev.CreatedAt) {
			latest[s.Context] = s
		}
	}

	if len(required) == 0 {
		if len(latest) == 0 {
			return models.AutoDeploymentPending
		}
		required = make([]string, 0, len(latest))
		for name := range latest {
			required = append(required, name)
		}
	}

	ready := true
	for _, name := range required {
		s, ok := latest[name]
		if !ok || s.State == models.CommitStatusPending {
			ready = false
			continue
		}
		if s.State.Failed() {
			return models.AutoDeploymentFailed
		}
	}
	if ready {
		return models.AutoDeploymentReady
	}
	return models.AutoDeploymentPending
}
