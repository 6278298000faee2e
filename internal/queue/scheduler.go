package queue

import (
	"context"
	"time"

	"github.com/narvanalabs/deploybot/internal/models"
)

// Scheduler is the narrow scheduling view of the queue used by the
// coordination core: fire-and-forget watchdog scheduling keyed by the
// supervised entity.
type Scheduler interface {
	Schedule(ctx context.Context, kind models.TaskKind, entityID string, delay time.Duration) error
}

// scheduler adapts a Queue to the Scheduler interface.
type scheduler struct {
	q Queue
}

// NewScheduler returns a Scheduler backed by the queue.
func NewScheduler(q Queue) Scheduler {
	return scheduler{q: q}
}

func (s scheduler) Schedule(ctx context.Context, kind models.TaskKind, entityID string, delay time.Duration) error {
	return s.q.Enqueue(ctx, &models.Task{
		Kind:     kind,
		EntityID: entityID,
	}, delay)
}
