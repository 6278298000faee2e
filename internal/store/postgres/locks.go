package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/store"
)

// LockStore implements store.LockStore using PostgreSQL.
type LockStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *LockStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const lockColumns = `id, environment_id, user_id, message, strong, created_at, released_at`

// Active returns the environment's active lock.
func (s *LockStore) Active(ctx context.Context, environmentID string) (*models.Lock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM locks
		WHERE environment_id = $1 AND released_at IS NULL`

	lock, err := scanLock(s.conn().QueryRowContext(ctx, query, environmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting active lock: %w", err)
	}
	return lock, nil
}

// Create inserts a new active lock. The partial unique index on
// (environment_id) WHERE released_at IS NULL turns a lost race into a
// unique violation, surfaced as store.ErrEnvironmentLocked.
func (s *LockStore) Create(ctx context.Context, lock *models.Lock) error {
	query := `
		INSERT INTO locks (id, environment_id, user_id, message, strong, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if lock.CreatedAt.IsZero() {
		lock.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn().ExecContext(ctx, query,
		lock.ID,
		lock.EnvironmentID,
		lock.UserID,
		lock.Message,
		lock.Strong,
		lock.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrEnvironmentLocked
		}
		return fmt.Errorf("inserting lock: %w", err)
	}

	s.logger.Debug("created lock", "lock_id", lock.ID, "environment_id", lock.EnvironmentID)
	return nil
}

// Get retrieves a lock by ID.
func (s *LockStore) Get(ctx context.Context, id string) (*models.Lock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM locks
		WHERE id = $1`

	lock, err := scanLock(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting lock: %w", err)
	}
	return lock, nil
}

// Release marks the environment's active lock released. The conditional
// update is atomic with respect to concurrent acquires: it either
// releases the lock that was active at execution time or affects no row.
func (s *LockStore) Release(ctx context.Context, environmentID string) (*models.Lock, error) {
	query := `
		UPDATE locks
		SET released_at = $2
		WHERE environment_id = $1 AND released_at IS NULL
		RETURNING ` + lockColumns

	lock, err := scanLock(s.conn().QueryRowContext(ctx, query, environmentID, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("releasing lock: %w", err)
	}

	s.logger.Debug("released lock", "lock_id", lock.ID, "environment_id", environmentID)
	return lock, nil
}

// ReleaseByUser releases every active lock owned by the user.
func (s *LockStore) ReleaseByUser(ctx context.Context, userID string) ([]*models.Lock, error) {
	query := `
		UPDATE locks
		SET released_at = $2
		WHERE user_id = $1 AND released_at IS NULL
		RETURNING ` + lockColumns

	rows, err := s.conn().QueryContext(ctx, query, userID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("releasing locks by user: %w", err)
	}
	defer rows.Close()

	var released []*models.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning released lock: %w", err)
		}
		released = append(released, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating released locks: %w", err)
	}

	return released, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (*models.Lock, error) {
	lock := &models.Lock{}
	var releasedAt sql.NullTime

	err := row.Scan(
		&lock.ID,
		&lock.EnvironmentID,
		&lock.UserID,
		&lock.Message,
		&lock.Strong,
		&lock.CreatedAt,
		&releasedAt,
	)
	if err != nil {
		return nil, err
	}

	if releasedAt.Valid {
		lock.ReleasedAt = &releasedAt.Time
	}
	return lock, nil
}
