package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine. Deliveries
// are handled synchronously, so when ctx ends nothing is in flight and the
// subscription can be closed.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	consumerTag := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("consumer_tag", consumerTag),
		slog.Int("worker_num", workerNum),
	)

	// The subscription outlives ctx until the loop returns, otherwise the
	// broker would requeue a delivery that is still being handled.
	subCtx, cancelSub := context.WithCancel(context.WithoutCancel(ctx))
	defer func() { cancelSub() }()

	deliveries, ok := w.subscribe(ctx, subCtx, consumerTag)
	if !ok {
		return
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("consumer_tag", consumerTag),
			)
			return

		case d, open := <-deliveries:
			if !open {
				w.logger.Warn("Delivery channel closed, resubscribing",
					slog.String("consumer_tag", consumerTag),
				)
				cancelSub()
				subCtx, cancelSub = context.WithCancel(context.WithoutCancel(ctx))
				if deliveries, ok = w.subscribe(ctx, subCtx, consumerTag); !ok {
					return
				}
				continue
			}

			w.processDelivery(context.WithoutCancel(ctx), d, consumerTag)
		}
	}
}
