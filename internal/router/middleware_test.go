package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cuongbtq/jobcore/internal/job"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(ctx context.Context, _ *job.Envelope, next Next) Result {
			order = append(order, name+":before")
			res := next(ctx)
			order = append(order, name+":after")
			return res
		}
	}

	res := Chain(mark("a"), mark("b"))(context.Background(), envelope("w", ""), func(context.Context) Result {
		order = append(order, "handler")
		return Success(nil)
	})

	assert.Equal(t, KindSuccess, res.Kind)
	assert.Equal(t, []string{"a:before", "b:before", "handler", "b:after", "a:after"}, order)
}

func TestRouter_MiddlewareSeesRecoveredPanic(t *testing.T) {
	r := New(nil, testLogger())
	var seen Kind
	r.Use(func(ctx context.Context, _ *job.Envelope, next Next) Result {
		res := next(ctx)
		seen = res.Kind
		return res
	})
	require.NoError(t, r.Register("w", HandlerFunc(func(context.Context, json.RawMessage, *Resources) Result {
		panic("boom")
	})))

	r.Dispatch(context.Background(), envelope("w", ""))
	assert.Equal(t, KindRetry, seen)
}

func TestMetricsWithMeter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	r := New(nil, testLogger())
	r.Use(Logging(testLogger()), MetricsWithMeter(provider.Meter("test")))
	require.NoError(t, r.Register("w", HandlerFunc(func(context.Context, json.RawMessage, *Resources) Result {
		return Retry("later")
	})))

	r.Dispatch(context.Background(), envelope("w", ""))
	r.Dispatch(context.Background(), envelope("w", ""))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "jobcore.handler.executions" {
				continue
			}
			found = true
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
				v, _ := dp.Attributes.Value("result")
				assert.Equal(t, "retry", v.AsString())
			}
		}
	}
	assert.True(t, found)
	assert.Equal(t, int64(2), total)
}
