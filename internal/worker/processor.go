package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/cuongbtq/jobcore/internal/notifier"
	"github.com/cuongbtq/jobcore/internal/retry"
	"github.com/cuongbtq/jobcore/internal/router"
	amqp "github.com/rabbitmq/amqp091-go"
)

// processDelivery runs one delivery to completion. It never returns an error:
// every failure ends in an ack plus a requeue or dead-letter publish.
func (w *Worker) processDelivery(ctx context.Context, d amqp.Delivery, consumerTag string) {
	env, err := job.Decode(d.Body)
	if err != nil {
		w.logger.Error("Failed to decode job envelope",
			slog.String("consumer_tag", consumerTag),
			slog.String("message_id", d.MessageId),
			slog.Any("error", err),
		)
		w.settle(ctx, d, consumerTag, "", w.retry.PlanRawDeadLetter(d.Body, err.Error()), nil)
		return
	}

	if err := env.Transition(job.StatusProcessing, time.Now()); err != nil {
		w.logger.Error("Received job in a state that cannot be processed",
			slog.String("consumer_tag", consumerTag),
			slog.String("job_id", env.ID),
			slog.String("status", string(env.Status)),
			slog.Any("error", err),
		)
		w.settle(ctx, d, consumerTag, env.ID, w.retry.PlanRawDeadLetter(d.Body, err.Error()), failedOutcome(env, err.Error()))
		return
	}

	w.logger.Info("Processing job",
		slog.String("consumer_tag", consumerTag),
		slog.String("job_id", env.ID),
		slog.String("worker_name", env.WorkerName),
		slog.Int("attempts", env.Attempts),
		slog.Int("fault_tolerance", env.Options.FaultTolerance),
	)

	result := w.router.Dispatch(ctx, env)

	plan, outcome, err := w.followUp(env, result)
	if err != nil {
		// the updated envelope could not be encoded; keep the original body
		w.logger.Error("Failed to build follow-up message",
			slog.String("job_id", env.ID),
			slog.Any("error", err),
		)
		plan = w.retry.PlanRawDeadLetter(d.Body, err.Error())
		outcome = failedOutcome(env, err.Error())
	}

	w.settle(ctx, d, consumerTag, env.ID, plan, outcome)
}

// followUp turns a handler result into the message to publish, if any, and
// the terminal outcome to report, if any
func (w *Worker) followUp(env *job.Envelope, result router.Result) (*retry.Plan, *notifier.Outcome, error) {
	now := time.Now()

	switch result.Kind {
	case router.KindSuccess:
		done := env.Clone()
		if err := done.Transition(job.StatusCompleted, now); err != nil {
			return nil, nil, err
		}
		return nil, outcomeOf(done, result.Value), nil

	case router.KindRetry:
		decision, plan, err := w.retry.PlanRetry(env, result.Reason, now)
		if err != nil {
			return nil, nil, err
		}
		w.logger.Warn("Job attempt failed",
			slog.String("job_id", env.ID),
			slog.String("worker_name", env.WorkerName),
			slog.String("reason", result.Reason),
			slog.Int("attempts", decision.Envelope.Attempts),
			slog.String("action", decision.Action.String()),
		)
		if decision.Envelope.Status.IsTerminal() {
			return plan, outcomeOf(decision.Envelope, nil), nil
		}
		return plan, nil, nil

	case router.KindFailed:
		failed := env.Clone()
		// no handler ran for an unknown worker, so no attempt is consumed
		if !result.UnknownWorker() {
			failed.Attempts++
		}
		failed.LastError = result.Reason
		if err := failed.Transition(job.StatusFailed, now); err != nil {
			return nil, nil, err
		}
		w.logger.Error("Job failed permanently",
			slog.String("job_id", env.ID),
			slog.String("worker_name", env.WorkerName),
			slog.String("reason", result.Reason),
			slog.Int("attempts", failed.Attempts),
		)
		plan, err := w.retry.PlanDeadLetter(failed, result.Reason)
		if err != nil {
			return nil, nil, err
		}
		return plan, outcomeOf(failed, nil), nil
	}

	return nil, nil, fmt.Errorf("unexpected result kind %s", result.Kind)
}

// settle journals the follow-up, acks the delivery, publishes the follow-up
// and reports the outcome, in that order
func (w *Worker) settle(ctx context.Context, d amqp.Delivery, consumerTag, jobID string, plan *retry.Plan, outcome *notifier.Outcome) {
	entryID := w.record(ctx, jobID, plan)

	if !w.ack(d, consumerTag, jobID) {
		// the broker will redeliver, so the follow-up must not go out
		w.resolve(ctx, entryID)
		return
	}

	if plan != nil {
		if err := w.publisher.Publish(ctx, plan.Queue, plan.Body, plan.Publishing); err != nil {
			attrs := []any{
				slog.String("job_id", jobID),
				slog.String("queue", plan.Queue),
				slog.Any("error", err),
			}
			if entryID != "" {
				w.logger.Error("Failed to publish follow-up message, left for journal relay", attrs...)
			} else {
				w.logger.Error("Failed to publish follow-up message, message lost", attrs...)
			}
		} else {
			w.resolve(ctx, entryID)
		}
	}

	if outcome == nil || !outcome.Status.IsTerminal() {
		return
	}

	w.logger.Info("Job finished",
		slog.String("consumer_tag", consumerTag),
		slog.String("job_id", outcome.JobID),
		slog.String("status", string(outcome.Status)),
		slog.Int("attempts", outcome.Attempts),
	)

	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, *outcome); err != nil {
		w.logger.Error("Failed to record job outcome",
			slog.String("job_id", outcome.JobID),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) record(ctx context.Context, jobID string, plan *retry.Plan) string {
	if plan == nil || w.journal == nil {
		return ""
	}
	entryID, err := w.journal.Record(ctx, plan)
	if err != nil {
		w.logger.Error("Failed to journal follow-up message",
			slog.String("job_id", jobID),
			slog.String("queue", plan.Queue),
			slog.Any("error", err),
		)
		return ""
	}
	return entryID
}

func (w *Worker) resolve(ctx context.Context, entryID string) {
	if entryID == "" {
		return
	}
	if err := w.journal.Resolve(ctx, entryID); err != nil {
		w.logger.Warn("Failed to resolve journal entry",
			slog.String("entry_id", entryID),
			slog.Any("error", err),
		)
	}
}

func outcomeOf(env *job.Envelope, value []byte) *notifier.Outcome {
	o := &notifier.Outcome{
		JobID:      env.ID,
		Status:     env.Status,
		Attempts:   env.Attempts,
		Value:      value,
		FinishedAt: env.UpdatedAt,
	}
	if env.Status == job.StatusFailed {
		o.Error = env.LastError
	}
	return o
}

// failedOutcome reports env as failed without a handler result, for envelopes
// the worker could not run or could not follow up on
func failedOutcome(env *job.Envelope, reason string) *notifier.Outcome {
	return &notifier.Outcome{
		JobID:      env.ID,
		Status:     job.StatusFailed,
		Attempts:   env.Attempts,
		Error:      reason,
		FinishedAt: time.Now().UTC(),
	}
}
