// Package locker owns per-environment exclusive locks: acquire, steal,
// release, and bulk release. Lock operations on one environment are
// linearized by the store's partial unique index, not by anything in
// this process.
package locker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/notify"
	"github.com/narvanalabs/deploybot/internal/queue"
	"github.com/narvanalabs/deploybot/internal/store"
)

// ErrLockFailed is returned when lock creation neither succeeded nor
// surfaced a competing lock. Lock creation is fallible; callers must
// not assume a lock exists after an acquire that returned an error.
var ErrLockFailed = errors.New("lock creation failed")

// LockedError reports that an environment is locked by someone else.
// It carries the blocking lock so callers can name the owner or steal.
type LockedError struct {
	Lock *models.Lock
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("environment locked by user %s", e.Lock.UserID)
}

// Options modify an acquire.
type Options struct {
	// Force steals an active lock held by another user.
	Force bool
	// Strong makes the new lock exclude its own owner from deploys.
	Strong bool
}

// Manager coordinates environment locks.
type Manager struct {
	store     store.Store
	scheduler queue.Scheduler
	notifier  notify.Notifier
	nagDelay  time.Duration
	logger    *slog.Logger
}

// NewManager creates a lock manager.
func NewManager(s store.Store, scheduler queue.Scheduler, notifier notify.Notifier, nagDelay time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     s,
		scheduler: scheduler,
		notifier:  notifier,
		nagDelay:  nagDelay,
		logger:    logger,
	}
}

// Acquire locks the environment for the user. Re-acquiring a lock the
// user already holds is an idempotent no-op returning the existing
// lock. A foreign lock fails with LockedError unless opts.Force, in
// which case the foreign lock is released, its owner notified, and a
// fresh lock created; the stolen lock is returned alongside.
func (m *Manager) Acquire(ctx context.Context, env *models.Environment, user *models.User, message string, opts Options) (lock *models.Lock, stolen *models.Lock, err error) {
	active, err := m.store.Locks().Active(ctx, env.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("reading active lock: %w", err)
	}

	if active != nil {
		if active.UserID == user.ID {
			return active, nil, nil
		}
		if !opts.Force {
			return nil, nil, &LockedError{Lock: active}
		}
		return m.steal(ctx, env, user, message, opts)
	}

	lock, err = m.create(ctx, m.store, env, user, message, opts)
	if err == nil {
		m.scheduleNag(ctx, lock)
		return lock, nil, nil
	}
	if !errors.Is(err, store.ErrEnvironmentLocked) {
		return nil, nil, err
	}

	// Lost the race. Re-read under a fresh read and resolve the same way.
	active, rerr := m.store.Locks().Active(ctx, env.ID)
	if errors.Is(rerr, store.ErrNotFound) {
		// The winner vanished between the conflict and our read.
		return nil, nil, ErrLockFailed
	}
	if rerr != nil {
		return nil, nil, fmt.Errorf("re-reading active lock: %w", rerr)
	}
	if active.UserID == user.ID {
		return active, nil, nil
	}
	if !opts.Force {
		return nil, nil, &LockedError{Lock: active}
	}
	return m.steal(ctx, env, user, message, opts)
}

// steal releases the current lock and creates a new one in a single
// transaction, then notifies the displaced owner and schedules a nag.
func (m *Manager) steal(ctx context.Context, env *models.Environment, user *models.User, message string, opts Options) (*models.Lock, *models.Lock, error) {
	var newLock, oldLock *models.Lock

	err := m.store.WithTx(ctx, func(s store.Store) error {
		released, err := s.Locks().Release(ctx, env.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("releasing stolen lock: %w", err)
		}
		oldLock = released

		lock, err := m.create(ctx, s, env, user, message, opts)
		if err != nil {
			return err
		}
		newLock = lock
		return nil
	})
	if errors.Is(err, store.ErrEnvironmentLocked) {
		// Another forced acquire won between the release and the create.
		// Resolve against the winner's lock like a lost non-force race.
		active, rerr := m.store.Locks().Active(ctx, env.ID)
		if errors.Is(rerr, store.ErrNotFound) {
			return nil, nil, ErrLockFailed
		}
		if rerr != nil {
			return nil, nil, fmt.Errorf("re-reading active lock: %w", rerr)
		}
		if active.UserID == user.ID {
			return active, nil, nil
		}
		return nil, nil, &LockedError{Lock: active}
	}
	if err != nil {
		return nil, nil, err
	}

	if oldLock != nil && oldLock.UserID != user.ID {
		m.notifyStolen(ctx, env, oldLock, user)
	}
	m.scheduleNag(ctx, newLock)

	m.logger.Info("lock stolen",
		"environment_id", env.ID,
		"new_owner", user.ID,
		"previous_owner", ownerOf(oldLock),
	)
	return newLock, oldLock, nil
}

func (m *Manager) create(ctx context.Context, s store.Store, env *models.Environment, user *models.User, message string, opts Options) (*models.Lock, error) {
	lock := &models.Lock{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		UserID:        user.ID,
		Message:       message,
		Strong:        opts.Strong,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.Locks().Create(ctx, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// Release unlocks the environment. Releasing an unlocked environment
// is a no-op.
func (m *Manager) Release(ctx context.Context, env *models.Environment) error {
	_, err := m.store.Locks().Release(ctx, env.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// ReleaseAll releases every active lock the user holds, each release
// atomic with respect to concurrent acquires on its environment.
func (m *Manager) ReleaseAll(ctx context.Context, user *models.User) ([]*models.Lock, error) {
	released, err := m.store.Locks().ReleaseByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		m.logger.Info("released all locks", "user_id", user.ID, "count", len(released))
	}
	return released, nil
}

// Active returns the environment's active lock, or nil.
func (m *Manager) Active(ctx context.Context, env *models.Environment) (*models.Lock, error) {
	lock, err := m.store.Locks().Active(ctx, env.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return lock, err
}

func (m *Manager) notifyStolen(ctx context.Context, env *models.Environment, oldLock *models.Lock, byUser *models.User) {
	owner, err := m.store.Users().Get(ctx, oldLock.UserID)
	if err != nil {
		m.logger.Warn("cannot notify displaced lock owner",
			"user_id", oldLock.UserID,
			"error", err,
		)
		return
	}
	notify.Best(ctx, m.notifier, m.logger, owner, notify.LockStolen(env, byUser))
}

// scheduleNag is best-effort: a missed nag never fails the lock operation.
func (m *Manager) scheduleNag(ctx context.Context, lock *models.Lock) {
	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.Schedule(ctx, models.TaskLockNag, lock.ID, m.nagDelay); err != nil {
		m.logger.Warn("failed to schedule lock nag", "lock_id", lock.ID, "error", err)
	}
}

func ownerOf(lock *models.Lock) string {
	if lock == nil {
		return ""
	}
	return lock.UserID
}
