// Package postgres provides a PostgreSQL-backed implementation of the watchdog queue.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/queue"
)

// PostgresQueue implements queue.Queue using PostgreSQL.
type PostgresQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB, logger *slog.Logger) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{
		db:     db,
		logger: logger,
	}
}

// Enqueue schedules a task to run after the given delay.
func (q *PostgresQueue) Enqueue(ctx context.Context, task *models.Task, delay time.Duration) error {
	query := `
		INSERT INTO watchdog_tasks (id, kind, entity_id, status, attempts, run_at, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6)`

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.RunAt = now.Add(delay)
	task.CreatedAt = now

	_, err := q.db.ExecContext(ctx, query,
		task.ID,
		task.Kind,
		task.EntityID,
		task.Attempts,
		task.RunAt,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting task into queue: %w", err)
	}

	q.logger.Debug("enqueued watchdog task",
		"task_id", task.ID,
		"kind", task.Kind,
		"entity_id", task.EntityID,
		"run_at", task.RunAt,
	)
	return nil
}

// Dequeue claims the next due task.
// Uses SELECT FOR UPDATE SKIP LOCKED for concurrent worker safety.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, kind, entity_id, attempts, run_at, created_at
		FROM watchdog_tasks
		WHERE status = 'pending' AND run_at <= NOW()
		ORDER BY run_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	task := &models.Task{}
	err = tx.QueryRowContext(ctx, selectQuery).Scan(
		&task.ID,
		&task.Kind,
		&task.EntityID,
		&task.Attempts,
		&task.RunAt,
		&task.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoTasks
		}
		return nil, fmt.Errorf("selecting task from queue: %w", err)
	}

	updateQuery := `
		UPDATE watchdog_tasks
		SET status = 'processing', started_at = $2
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, updateQuery, task.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	q.logger.Debug("dequeued watchdog task", "task_id", task.ID, "kind", task.Kind)
	return task, nil
}

// Ack acknowledges successful processing of a task, removing it from the queue.
func (q *PostgresQueue) Ack(ctx context.Context, taskID string) error {
	query := `
		DELETE FROM watchdog_tasks
		WHERE id = $1 AND status = 'processing'`

	result, err := q.db.ExecContext(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("deleting task from queue: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return queue.ErrTaskNotFound
	}

	q.logger.Debug("acknowledged watchdog task", "task_id", taskID)
	return nil
}

// Nack reschedules a failed task to run again after backoff.
func (q *PostgresQueue) Nack(ctx context.Context, taskID string, backoff time.Duration) error {
	query := `
		UPDATE watchdog_tasks
		SET status = 'pending', started_at = NULL, attempts = attempts + 1, run_at = $2
		WHERE id = $1 AND status = 'processing'`

	result, err := q.db.ExecContext(ctx, query, taskID, time.Now().UTC().Add(backoff))
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return queue.ErrTaskNotFound
	}

	q.logger.Debug("nacked watchdog task", "task_id", taskID, "backoff", backoff)
	return nil
}
