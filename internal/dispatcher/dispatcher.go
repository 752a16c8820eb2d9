// Package dispatcher is the caller-facing entry point: it publishes jobs and
// optionally waits for their terminal outcome.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobcore/internal/broker"
	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/cuongbtq/jobcore/internal/notifier"
	"github.com/cuongbtq/jobcore/shared/rabbitmq"
)

var (
	// ErrTransport wraps broker failures at publish time
	ErrTransport = errors.New("broker transport error")

	// ErrInvalidJob is returned for a job that cannot be built
	ErrInvalidJob = errors.New("invalid job")
)

// Defaults for the wait bridge
const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultWaitTimeout  = 30 * time.Second
)

// WaitStatus is the caller-visible result of a wait
type WaitStatus string

// Wait statuses
const (
	StatusCompleted WaitStatus = "COMPLETED"
	StatusFailed    WaitStatus = "FAILED"
	StatusTimeout   WaitStatus = "TIMEOUT"
)

// Result is what a caller sees after waiting on a job
type Result struct {
	JobID    string          `json:"job_id"`
	Status   WaitStatus      `json:"status"`
	Attempts int             `json:"attempts"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Config holds dispatcher configuration
type Config struct {
	Logger    *slog.Logger
	Publisher broker.Publisher
	Notifier  notifier.Notifier

	Queue                 string
	Priorities            job.PriorityMap
	DefaultFaultTolerance int
	PollInterval          time.Duration
	DefaultWaitTimeout    time.Duration
}

// Dispatcher publishes jobs and bridges callers to their outcomes
type Dispatcher struct {
	logger                *slog.Logger
	publisher             broker.Publisher
	notifier              notifier.Notifier
	queue                 string
	priorities            job.PriorityMap
	defaultFaultTolerance int
	pollInterval          time.Duration
	defaultWaitTimeout    time.Duration
}

// New creates a Dispatcher
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		logger:                cfg.Logger,
		publisher:             cfg.Publisher,
		notifier:              cfg.Notifier,
		queue:                 cfg.Queue,
		priorities:            cfg.Priorities,
		defaultFaultTolerance: cfg.DefaultFaultTolerance,
		pollInterval:          cfg.PollInterval,
		defaultWaitTimeout:    cfg.DefaultWaitTimeout,
	}
	if d.priorities == nil {
		d.priorities = job.DefaultPriorityMap()
	}
	if d.defaultFaultTolerance <= 0 {
		d.defaultFaultTolerance = job.DefaultFaultTolerance
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	if d.defaultWaitTimeout <= 0 {
		d.defaultWaitTimeout = DefaultWaitTimeout
	}
	return d
}

// Enqueue publishes a job and returns its id without waiting for it to run
func (d *Dispatcher) Enqueue(ctx context.Context, workerName string, payload any, opts job.Options) (string, error) {
	env, body, err := d.build(workerName, payload, opts)
	if err != nil {
		return "", err
	}
	if err := d.publish(ctx, env, body); err != nil {
		return "", err
	}
	return env.ID, nil
}

// EnqueueAndWait publishes a job and polls for its outcome until timeout.
// A timeout ends only the wait; the job keeps running and its outcome can
// still be read with Status. A non-positive timeout uses the default.
func (d *Dispatcher) EnqueueAndWait(ctx context.Context, workerName string, payload any, opts job.Options, timeout time.Duration) (Result, error) {
	env, body, err := d.build(workerName, payload, opts)
	if err != nil {
		return Result{}, err
	}

	// watch first so a fast worker cannot finish before the outcome is pinned
	if err := d.notifier.Watch(ctx, env.ID); err != nil {
		return Result{}, fmt.Errorf("failed to watch job: %w", err)
	}
	if err := d.publish(ctx, env, body); err != nil {
		d.unwatch(env.ID)
		return Result{}, err
	}

	return d.wait(ctx, env.ID, timeout)
}

// Status returns the recorded terminal outcome of a job without consuming it.
// The boolean is false while the job is still pending or once its outcome
// has expired.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (Result, bool, error) {
	o, ok, err := d.notifier.Peek(ctx, jobID)
	if err != nil {
		return Result{}, false, fmt.Errorf("failed to look up job outcome: %w", err)
	}
	if !ok {
		return Result{}, false, nil
	}
	return resultOf(o), true, nil
}

func (d *Dispatcher) build(workerName string, payload any, opts job.Options) (*job.Envelope, []byte, error) {
	if workerName == "" {
		return nil, nil, fmt.Errorf("%w: worker name is required", ErrInvalidJob)
	}

	raw, err := job.EncodePayload(payload)
	if err != nil {
		return nil, nil, err
	}

	env := job.New(workerName, raw, opts.Normalize(d.defaultFaultTolerance), time.Now())
	body, err := job.Encode(env)
	if err != nil {
		return nil, nil, err
	}
	return env, body, nil
}

func (d *Dispatcher) publish(ctx context.Context, env *job.Envelope, body []byte) error {
	err := d.publisher.Publish(ctx, d.queue, body, rabbitmq.Publishing{
		Priority:    d.priorities.Broker(env.Options.Priority),
		Persistent:  true,
		Delay:       env.Options.Delay,
		ContentType: job.ContentType,
		MessageID:   env.ID,
	})
	if err != nil {
		d.logger.Error("Failed to publish job",
			slog.String("job_id", env.ID),
			slog.String("worker_name", env.WorkerName),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	d.logger.Info("Job enqueued",
		slog.String("job_id", env.ID),
		slog.String("worker_name", env.WorkerName),
		slog.String("priority", env.Options.Priority.String()),
		slog.Int("fault_tolerance", env.Options.FaultTolerance),
		slog.Duration("delay", env.Options.Delay),
	)
	return nil
}

func (d *Dispatcher) wait(ctx context.Context, jobID string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = d.defaultWaitTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		o, ok, err := d.notifier.Take(ctx, jobID)
		if err != nil {
			d.logger.Warn("Failed to poll job outcome",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		} else if ok {
			return resultOf(o), nil
		}

		select {
		case <-ctx.Done():
			d.unwatch(jobID)
			return Result{}, ctx.Err()
		case <-deadline.C:
			d.unwatch(jobID)
			d.logger.Info("Timed out waiting for job",
				slog.String("job_id", jobID),
				slog.Duration("timeout", timeout),
			)
			return Result{JobID: jobID, Status: StatusTimeout}, nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) unwatch(jobID string) {
	// the caller's ctx may already be done
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.notifier.Unwatch(ctx, jobID); err != nil {
		d.logger.Warn("Failed to release job watcher",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func resultOf(o notifier.Outcome) Result {
	r := Result{
		JobID:    o.JobID,
		Status:   StatusFailed,
		Attempts: o.Attempts,
		Value:    o.Value,
		Error:    o.Error,
	}
	if o.Status == job.StatusCompleted {
		r.Status = StatusCompleted
	}
	return r
}
