package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/queue"
	pgstore "github.com/narvanalabs/deploybot/internal/store/postgres"
)

func setupTestQueue(t *testing.T) *PostgresQueue {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := pgstore.Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Exec("DELETE FROM watchdog_tasks")
		db.Close()
	})
	return NewPostgresQueue(db, nil)
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := &models.Task{Kind: models.TaskLockNag, EntityID: "lock-1"}
	if err := q.Enqueue(ctx, task, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ID != task.ID || got.Kind != models.TaskLockNag || got.EntityID != "lock-1" {
		t.Fatalf("unexpected task: %+v", got)
	}

	// A claimed task is invisible to other workers.
	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrNoTasks) {
		t.Fatalf("expected ErrNoTasks while processing, got %v", err)
	}

	if err := q.Ack(ctx, got.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrNoTasks) {
		t.Fatalf("acked task must be gone, got %v", err)
	}
}

func TestDelayedTaskIsNotDueEarly(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, &models.Task{Kind: models.TaskAutoDeployCheck, EntityID: "ad-1"}, time.Hour); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrNoTasks) {
		t.Fatalf("delayed task dequeued early: %v", err)
	}
}

func TestNackReschedulesWithAttemptCount(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, &models.Task{Kind: models.TaskDeploymentCheck, EntityID: "7"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Nack(ctx, first.ID, 0); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after Nack: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same task back, got %s", second.ID)
	}
	if second.Attempts != first.Attempts+1 {
		t.Fatalf("attempts = %d, want %d", second.Attempts, first.Attempts+1)
	}
}

func TestAckUnknownTask(t *testing.T) {
	q := setupTestQueue(t)

	if err := q.Ack(context.Background(), "00000000-0000-0000-0000-000000000000"); !errors.Is(err, queue.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
