// Package queue provides watchdog task queue interfaces and implementations.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/deploybot/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoTasks is returned when no tasks are due.
	ErrNoTasks = errors.New("no tasks due")
	// ErrTaskNotFound is returned when a task cannot be found.
	ErrTaskNotFound = errors.New("task not found")
)

// Queue defines the interface for the delayed watchdog task queue.
// Delivery is at-least-once: a task whose worker dies mid-run comes
// back, so task bodies must be idempotent.
type Queue interface {
	// Enqueue schedules a task to run after the given delay.
	Enqueue(ctx context.Context, task *models.Task, delay time.Duration) error

	// Dequeue claims the next due task. Returns ErrNoTasks when
	// nothing is due yet.
	Dequeue(ctx context.Context) (*models.Task, error)

	// Ack acknowledges successful processing, removing the task.
	Ack(ctx context.Context, taskID string) error

	// Nack reschedules a failed task to run again after backoff,
	// incrementing its attempt count.
	Nack(ctx context.Context, taskID string, backoff time.Duration) error
}
