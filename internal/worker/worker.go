// Package worker runs the pool of consumers that execute jobs.
//
// Every pool goroutine owns its own broker subscription with prefetch one, so
// the broker hands out the highest priority ready message to whichever
// goroutine frees up first.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobcore/internal/broker"
	"github.com/cuongbtq/jobcore/internal/notifier"
	"github.com/cuongbtq/jobcore/internal/retry"
	"github.com/cuongbtq/jobcore/internal/router"
	"github.com/google/uuid"
)

// ErrMisconfigured is returned by Start when a required dependency is missing
var ErrMisconfigured = errors.New("worker misconfigured")

// Journal durably records follow-up publishes between ack and publish
type Journal interface {
	Record(ctx context.Context, plan *retry.Plan) (string, error)
	Resolve(ctx context.Context, id string) error
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Consumer  broker.Consumer
	Publisher broker.Publisher
	Router    *router.Router
	Retry     *retry.Controller
	Notifier  notifier.Notifier

	// Journal is optional. Without it a follow-up publish that fails after
	// the ack is lost and only logged.
	Journal Journal

	Queue       string
	Concurrency int
	WorkerID    string

	// ResubscribeDelay is the pause before reopening a closed subscription.
	ResubscribeDelay time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger           *slog.Logger
	consumer         broker.Consumer
	publisher        broker.Publisher
	router           *router.Router
	retry            *retry.Controller
	notifier         notifier.Notifier
	journal          Journal
	queue            string
	concurrency      int
	workerID         string
	resubscribeDelay time.Duration
	wg               sync.WaitGroup
	stopChan         chan struct{}
	stopOnce         sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	resubscribeDelay := cfg.ResubscribeDelay
	if resubscribeDelay <= 0 {
		resubscribeDelay = time.Second
	}

	return &Worker{
		logger:           cfg.Logger,
		consumer:         cfg.Consumer,
		publisher:        cfg.Publisher,
		router:           cfg.Router,
		retry:            cfg.Retry,
		notifier:         cfg.Notifier,
		journal:          cfg.Journal,
		queue:            cfg.Queue,
		concurrency:      concurrency,
		workerID:         workerID,
		resubscribeDelay: resubscribeDelay,
		stopChan:         make(chan struct{}),
	}
}

func (w *Worker) validate() error {
	switch {
	case w.logger == nil:
		return fmt.Errorf("%w: logger is required", ErrMisconfigured)
	case w.consumer == nil:
		return fmt.Errorf("%w: consumer is required", ErrMisconfigured)
	case w.publisher == nil:
		return fmt.Errorf("%w: publisher is required", ErrMisconfigured)
	case w.router == nil:
		return fmt.Errorf("%w: router is required", ErrMisconfigured)
	case w.retry == nil:
		return fmt.Errorf("%w: retry controller is required", ErrMisconfigured)
	case w.queue == "":
		return fmt.Errorf("%w: queue is required", ErrMisconfigured)
	}
	return nil
}

// Start runs the pool until ctx is canceled or Stop is called, then waits for
// in-flight jobs to finish
func (w *Worker) Start(ctx context.Context) error {
	if err := w.validate(); err != nil {
		return err
	}

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.String("queue", w.queue),
		slog.Any("handlers", w.router.Names()),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
		w.logger.Info("Worker stop requested, stopping...")
	}

	cancel()
	w.wg.Wait()

	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
	w.wg.Wait()
}
