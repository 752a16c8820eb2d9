package worker

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// subscribe opens a subscription bound to subCtx, retrying until it succeeds
// or ctx ends
func (w *Worker) subscribe(ctx, subCtx context.Context, consumerTag string) (<-chan amqp.Delivery, bool) {
	for {
		deliveries, err := w.consumer.Consume(subCtx, w.queue, consumerTag)
		if err == nil {
			w.logger.Info("Consumer subscribed",
				slog.String("consumer_tag", consumerTag),
				slog.String("worker_id", w.workerID),
				slog.String("queue", w.queue),
			)
			return deliveries, true
		}

		w.logger.Error("Failed to subscribe to queue",
			slog.String("consumer_tag", consumerTag),
			slog.String("queue", w.queue),
			slog.Any("error", err),
			slog.Duration("retry_after", w.resubscribeDelay),
		)

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(w.resubscribeDelay):
		}
	}
}

// ack acknowledges d, logging on failure
func (w *Worker) ack(d amqp.Delivery, consumerTag, jobID string) bool {
	if err := d.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("consumer_tag", consumerTag),
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return false
	}
	return true
}
