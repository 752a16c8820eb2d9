package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cuongbtq/jobcore/internal/job"
)

// meterName is the instrumentation scope for handler metrics
const meterName = "github.com/cuongbtq/jobcore/router"

// Next invokes the rest of the chain
type Next func(ctx context.Context) Result

// Middleware wraps a handler invocation
type Middleware func(ctx context.Context, env *job.Envelope, next Next) Result

// Chain composes middleware; the first one is the outermost wrapper.
//
//	Chain(logging, metrics, recover) runs logging → metrics → recover → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, env *job.Envelope, next Next) Result {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) Result {
				return mw(ctx, env, prev)
			}
		}
		return h(ctx)
	}
}

// Recover turns a handler panic into a Retry result
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *job.Envelope, next Next) (res Result) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Job handler panicked",
					slog.String("job_id", env.ID),
					slog.String("worker_name", env.WorkerName),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				res = Retry(fmt.Sprintf("panic: %v", r))
			}
		}()
		return next(ctx)
	}
}

// Logging logs every handler result with its duration
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *job.Envelope, next Next) Result {
		start := time.Now()
		res := next(ctx)

		attrs := []any{
			slog.String("job_id", env.ID),
			slog.String("worker_name", env.WorkerName),
			slog.Int("attempts", env.Attempts),
			slog.String("result", res.Kind.String()),
			slog.Duration("duration", time.Since(start)),
		}
		if res.Reason != "" {
			attrs = append(attrs, slog.String("reason", res.Reason))
		}

		if res.Kind == KindSuccess {
			logger.Info("Job handler finished", attrs...)
		} else {
			logger.Warn("Job handler finished", attrs...)
		}
		return res
	}
}

// Metrics records handler executions with the global OTel MeterProvider
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter records handler executions with meter.
//
// Instruments:
//   - jobcore.handler.duration (Float64Histogram, seconds)
//   - jobcore.handler.executions (Int64Counter)
//
// both with attributes worker_name and result.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the OTel API hands back noop instruments.
	duration, _ := meter.Float64Histogram(
		"jobcore.handler.duration",
		metric.WithDescription("Duration of job handler execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"jobcore.handler.executions",
		metric.WithDescription("Total number of job handler executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, env *job.Envelope, next Next) Result {
		start := time.Now()
		res := next(ctx)

		attrs := metric.WithAttributes(
			attribute.String("worker_name", env.WorkerName),
			attribute.String("result", res.Kind.String()),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)

		return res
	}
}
