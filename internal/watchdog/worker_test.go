package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/queue"
	"github.com/narvanalabs/deploybot/internal/store/storetest"
)

// memQueue is a minimal in-memory queue for worker loop tests.
type memQueue struct {
	mu      sync.Mutex
	pending []*models.Task
	acked   []string
	nacked  []string
}

func (q *memQueue) Enqueue(ctx context.Context, task *models.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, task)
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, queue.ErrNoTasks
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	return task, nil
}

func (q *memQueue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, taskID)
	return nil
}

func (q *memQueue) Nack(ctx context.Context, taskID string, backoff time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, taskID)
	return nil
}

func (q *memQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *memQueue) nackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.nacked)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWorkerAcksSuccessfulTasks(t *testing.T) {
	q := &memQueue{}
	// A lock nag for a vanished lock resolves cleanly.
	_ = q.Enqueue(context.Background(), &models.Task{ID: "t1", Kind: models.TaskLockNag, EntityID: "gone"}, 0)

	runner := NewRunner(storetest.New(), &fakeReevaluator{}, &fakeDeploymentStatus{}, &fakeNotifier{}, Config{}, nil)
	w := NewWorker(q, runner, WorkerConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond}, nil)

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, func() bool { return q.ackedCount() == 1 })
	if q.nackedCount() != 0 {
		t.Fatalf("nacked = %d, want 0", q.nackedCount())
	}
}

func TestWorkerNacksFailedTasks(t *testing.T) {
	q := &memQueue{}
	st := storetest.New()
	user := st.SeedUser("U1", "alice")
	d := &models.Deployment{ID: 7, Repository: "acme/api", Environment: "production", Status: models.DeploymentStatusPending, UserID: user.ID}
	if err := st.Deployments().Record(context.Background(), d); err != nil {
		t.Fatalf("seeding deployment: %v", err)
	}
	_ = q.Enqueue(context.Background(), &models.Task{ID: "t1", Kind: models.TaskDeploymentCheck, EntityID: "7"}, 0)

	// The external system is unreachable, so the task must retry.
	statuses := &fakeDeploymentStatus{err: context.DeadlineExceeded}
	runner := NewRunner(st, &fakeReevaluator{}, statuses, &fakeNotifier{}, Config{DeploymentStuckAfter: time.Minute}, nil)
	w := NewWorker(q, runner, WorkerConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond, RetryBackoff: time.Millisecond}, nil)

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, func() bool { return q.nackedCount() >= 1 })
	if q.ackedCount() != 0 {
		t.Fatalf("acked = %d, want 0", q.ackedCount())
	}
}

func TestWorkerStopDrains(t *testing.T) {
	q := &memQueue{}
	runner := NewRunner(storetest.New(), &fakeReevaluator{}, &fakeDeploymentStatus{}, &fakeNotifier{}, Config{}, nil)
	w := NewWorker(q, runner, WorkerConfig{Concurrency: 4, PollInterval: 5 * time.Millisecond}, nil)

	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
