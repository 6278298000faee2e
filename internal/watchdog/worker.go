package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/deploybot/internal/queue"
)

// Worker processes watchdog tasks from the queue.
type Worker struct {
	queue  queue.Queue
	runner *Runner
	logger *slog.Logger

	concurrency  int
	pollInterval time.Duration
	retryBackoff time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// WorkerConfig holds configuration for the watchdog worker.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	RetryBackoff time.Duration
}

// NewWorker creates a watchdog worker.
func NewWorker(q queue.Queue, runner *Runner, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	return &Worker{
		queue:        q,
		runner:       runner,
		logger:       logger,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		retryBackoff: cfg.RetryBackoff,
		stopCh:       make(chan struct{}),
	}
}

// Start begins processing tasks from the queue.
// It spawns multiple goroutines based on the configured concurrency.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting watchdog worker", "concurrency", w.concurrency)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

// Stop gracefully stops the worker and waits for in-flight tasks.
func (w *Worker) Stop() {
	w.logger.Info("stopping watchdog worker")
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("watchdog worker stopped")
}

// loop is the main loop for a single worker goroutine.
func (w *Worker) loop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
			task, err := w.queue.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, queue.ErrNoTasks) {
					time.Sleep(w.pollInterval)
					continue
				}
				logger.Error("failed to dequeue task", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if err := w.runner.Run(ctx, task); err != nil {
				logger.Warn("watchdog task failed, rescheduling",
					"task_id", task.ID,
					"kind", task.Kind,
					"attempts", task.Attempts,
					"error", err,
				)
				if err := w.queue.Nack(ctx, task.ID, w.retryBackoff); err != nil {
					logger.Error("failed to nack task", "task_id", task.ID, "error", err)
				}
				continue
			}

			if err := w.queue.Ack(ctx, task.ID); err != nil {
				logger.Error("failed to ack task", "task_id", task.ID, "error", err)
			}
		}
	}
}
