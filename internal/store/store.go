// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/narvanalabs/deploybot/internal/models"
)

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrEnvironmentLocked is returned when creating a lock on an
	// environment that already holds an active lock. Concurrent
	// acquirers linearize at the database: the loser observes this
	// error, never a second active lock.
	ErrEnvironmentLocked = errors.New("environment already locked")
)

// EnvironmentStore defines operations for environment management.
type EnvironmentStore interface {
	// Get retrieves an environment by repository and name, creating it
	// with defaults on first reference.
	Get(ctx context.Context, repo models.Repository, name string) (*models.Environment, error)
	// GetByID retrieves an environment by ID.
	GetByID(ctx context.Context, id string) (*models.Environment, error)
	// Update persists the environment's mutable fields (auto-deploy
	// flag, default ref, required contexts).
	Update(ctx context.Context, env *models.Environment) error
	// ListForRepository retrieves all known environments of a repository.
	ListForRepository(ctx context.Context, repo models.Repository) ([]*models.Environment, error)
}

// LockStore defines operations for environment locks.
type LockStore interface {
	// Active returns the environment's active lock, or ErrNotFound.
	Active(ctx context.Context, environmentID string) (*models.Lock, error)
	// Create inserts a new active lock. Returns ErrEnvironmentLocked
	// when the environment already has an active lock.
	Create(ctx context.Context, lock *models.Lock) error
	// Get retrieves a lock by ID.
	Get(ctx context.Context, id string) (*models.Lock, error)
	// Release marks the environment's active lock released. Returns the
	// released lock, or ErrNotFound if no lock was active.
	Release(ctx context.Context, environmentID string) (*models.Lock, error)
	// ReleaseByUser releases every active lock owned by the user,
	// each release atomic with respect to concurrent acquires on the
	// same environment. Returns the released locks.
	ReleaseByUser(ctx context.Context, userID string) ([]*models.Lock, error)
}

// AutoDeploymentStore defines operations for auto-deployments.
type AutoDeploymentStore interface {
	// Create inserts a new auto-deployment.
	Create(ctx context.Context, ad *models.AutoDeployment) error
	// Get retrieves an auto-deployment by ID.
	Get(ctx context.Context, id string) (*models.AutoDeployment, error)
	// ActiveForSha returns the non-done auto-deployments for a commit,
	// locking the rows for the duration of the surrounding transaction.
	// Must be called inside WithTx.
	ActiveForSha(ctx context.Context, repo models.Repository, sha string) ([]*models.AutoDeployment, error)
	// SetState transitions an auto-deployment. The update is guarded so
	// a done auto-deployment never changes state again.
	SetState(ctx context.Context, id string, state models.AutoDeploymentState) error
}

// DeploymentStore defines operations for the local deployment mirror.
type DeploymentStore interface {
	// Record upserts the mirror row for an external deployment.
	Record(ctx context.Context, d *models.Deployment) error
	// Get retrieves a mirrored deployment by external ID.
	Get(ctx context.Context, id int64) (*models.Deployment, error)
	// LastFor returns the most recent deployment of an environment, or
	// ErrNotFound.
	LastFor(ctx context.Context, repo models.Repository, environment string) (*models.Deployment, error)
	// SetStatus updates the mirrored status.
	SetStatus(ctx context.Context, id int64, status models.DeploymentStatus) error
}

// UserStore defines operations for user management.
type UserStore interface {
	// Get retrieves a user by ID.
	Get(ctx context.Context, id string) (*models.User, error)
	// GetBySlackID retrieves a user by Slack user ID.
	GetBySlackID(ctx context.Context, slackUserID string) (*models.User, error)
	// Upsert creates or updates a user keyed by Slack user ID.
	Upsert(ctx context.Context, user *models.User) error
}

// Store is the main interface for database operations.
type Store interface {
	// Environments returns the EnvironmentStore.
	Environments() EnvironmentStore
	// Locks returns the LockStore.
	Locks() LockStore
	// AutoDeployments returns the AutoDeploymentStore.
	AutoDeployments() AutoDeploymentStore
	// Deployments returns the DeploymentStore.
	Deployments() DeploymentStore
	// Users returns the UserStore.
	Users() UserStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}
