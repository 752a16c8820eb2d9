package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/jobcore/internal/broker"
	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/cuongbtq/jobcore/internal/journal"
	"github.com/cuongbtq/jobcore/internal/notifier"
	"github.com/cuongbtq/jobcore/internal/retry"
	"github.com/cuongbtq/jobcore/internal/router"
	"github.com/cuongbtq/jobcore/shared/rabbitmq"
	"github.com/jmoiron/sqlx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const (
	mainQueue = "jobs"
	dlqQueue  = "jobs.dlq"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	mem      *broker.Memory
	router   *router.Router
	notifier *notifier.Memory
	retry    *retry.Controller
	worker   *Worker
	done     chan error
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, concurrency int, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		mem:      broker.NewMemory(),
		router:   router.New(nil, testLogger()),
		notifier: notifier.NewMemory(time.Minute, testLogger()),
		retry:    retry.NewController(mainQueue, dlqQueue, job.DefaultPriorityMap()),
	}

	cfg := &Config{
		Logger:           testLogger(),
		Consumer:         h.mem,
		Publisher:        h.mem,
		Router:           h.router,
		Retry:            h.retry,
		Notifier:         h.notifier,
		Queue:            mainQueue,
		Concurrency:      concurrency,
		WorkerID:         "test",
		ResubscribeDelay: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(cfg)
	}
	h.worker = NewWorker(cfg)

	t.Cleanup(func() {
		if h.cancel != nil {
			h.cancel()
			<-h.done
		}
		_ = h.mem.Close()
	})
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.worker.Start(ctx) }()
}

func (h *harness) enqueue(t *testing.T, workerName string, payload any, opts job.Options) *job.Envelope {
	t.Helper()
	raw, err := job.EncodePayload(payload)
	require.NoError(t, err)
	env := job.New(workerName, raw, opts, time.Now())
	body, err := job.Encode(env)
	require.NoError(t, err)
	require.NoError(t, h.mem.Publish(context.Background(), mainQueue, body, rabbitmq.Publishing{
		Priority:    job.DefaultPriorityMap().Broker(opts.Priority),
		Persistent:  true,
		ContentType: job.ContentType,
		MessageID:   env.ID,
	}))
	return env
}

func (h *harness) waitOutcome(t *testing.T, id string) notifier.Outcome {
	t.Helper()
	var got notifier.Outcome
	require.Eventually(t, func() bool {
		o, ok, err := h.notifier.Peek(context.Background(), id)
		if err != nil || !ok {
			return false
		}
		got = o
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func (h *harness) deadLetters(t *testing.T) []*job.Envelope {
	t.Helper()
	var out []*job.Envelope
	for _, m := range h.mem.Messages(dlqQueue) {
		env, err := job.Decode(m.Body)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestWorker_Success(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, router.RegisterFunc(h.router, "echo", func(_ context.Context, payload json.RawMessage, _ *router.Resources) (any, error) {
		return payload, nil
	}))
	h.start()

	env := h.enqueue(t, "echo", map[string]int{"n": 7}, job.DefaultOptions())
	o := h.waitOutcome(t, env.ID)

	assert.Equal(t, job.StatusCompleted, o.Status)
	assert.Zero(t, o.Attempts)
	assert.JSONEq(t, `{"n":7}`, string(o.Value))
	assert.Empty(t, o.Error)
	assert.Zero(t, h.mem.Len(dlqQueue))
}

func TestWorker_RetryUntilFaultTolerance(t *testing.T) {
	h := newHarness(t, 1)
	var invocations atomic.Int32
	require.NoError(t, h.router.Register("flaky", router.HandlerFunc(func(context.Context, json.RawMessage, *router.Resources) router.Result {
		invocations.Add(1)
		return router.Retry("downstream unavailable")
	})))
	h.start()

	env := h.enqueue(t, "flaky", nil, job.NewOptions(job.WithFaultTolerance(3)))
	o := h.waitOutcome(t, env.ID)

	assert.Equal(t, job.StatusFailed, o.Status)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, "downstream unavailable", o.Error)
	assert.Equal(t, int32(3), invocations.Load())

	dead := h.deadLetters(t)
	require.Len(t, dead, 1)
	assert.Equal(t, env.ID, dead[0].ID)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, job.StatusFailed, dead[0].Status)
	assert.Zero(t, h.mem.Len(mainQueue))
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, 1)
	var invocations atomic.Int32
	require.NoError(t, router.RegisterFunc(h.router, "second_time", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		if invocations.Add(1) == 1 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	}))
	h.start()

	env := h.enqueue(t, "second_time", nil, job.DefaultOptions())
	o := h.waitOutcome(t, env.ID)

	assert.Equal(t, job.StatusCompleted, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.JSONEq(t, `"ok"`, string(o.Value))
	assert.Zero(t, h.mem.Len(dlqQueue))
}

func TestWorker_FatalFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 1)
	var invocations atomic.Int32
	require.NoError(t, router.RegisterFunc(h.router, "fatal", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		invocations.Add(1)
		return nil, router.Permanent(errors.New("bad input"))
	}))
	h.start()

	env := h.enqueue(t, "fatal", nil, job.NewOptions(job.WithFaultTolerance(5)))
	o := h.waitOutcome(t, env.ID)

	assert.Equal(t, job.StatusFailed, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, int32(1), invocations.Load())

	dead := h.deadLetters(t)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestWorker_UnknownWorker(t *testing.T) {
	h := newHarness(t, 1)
	h.start()

	env := h.enqueue(t, "nobody_home", nil, job.DefaultOptions())
	o := h.waitOutcome(t, env.ID)

	assert.Equal(t, job.StatusFailed, o.Status)
	assert.Zero(t, o.Attempts)
	assert.Equal(t, router.ErrUnknownWorker.Error(), o.Error)

	msgs := h.mem.Messages(dlqQueue)
	require.Len(t, msgs, 1)
	assert.Equal(t, router.ErrUnknownWorker.Error(), msgs[0].Headers[broker.HeaderError])

	dead := h.deadLetters(t)
	assert.Zero(t, dead[0].Attempts)
}

func TestWorker_MalformedBody(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, router.RegisterFunc(h.router, "echo", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		return nil, nil
	}))
	h.start()

	require.NoError(t, h.mem.Publish(context.Background(), mainQueue, []byte("{not json"), rabbitmq.Publishing{}))

	require.Eventually(t, func() bool { return h.mem.Len(dlqQueue) == 1 }, 2*time.Second, 5*time.Millisecond)
	msgs := h.mem.Messages(dlqQueue)
	assert.Equal(t, []byte("{not json"), msgs[0].Body)
	assert.NotEmpty(t, msgs[0].Headers[broker.HeaderError])

	// the worker keeps going after a bad delivery
	env := h.enqueue(t, "echo", nil, job.DefaultOptions())
	o := h.waitOutcome(t, env.ID)
	assert.Equal(t, job.StatusCompleted, o.Status)
}

func TestWorker_UnprocessableStatusIsReported(t *testing.T) {
	h := newHarness(t, 1)
	var invocations atomic.Int32
	require.NoError(t, router.RegisterFunc(h.router, "echo", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		invocations.Add(1)
		return nil, nil
	}))
	h.start()

	env := job.New("echo", nil, job.DefaultOptions(), time.Now())
	env.Status = job.StatusCompleted
	body, err := job.Encode(env)
	require.NoError(t, err)
	require.NoError(t, h.mem.Publish(context.Background(), mainQueue, body, rabbitmq.Publishing{MessageID: env.ID}))

	o := h.waitOutcome(t, env.ID)
	assert.Equal(t, job.StatusFailed, o.Status)
	assert.NotEmpty(t, o.Error)
	assert.Zero(t, invocations.Load())

	msgs := h.mem.Messages(dlqQueue)
	require.Len(t, msgs, 1)
	assert.Equal(t, body, msgs[0].Body)
}

func TestWorker_NonTerminalOutcomeIsNotReported(t *testing.T) {
	h := newHarness(t, 1)
	env := job.New("echo", nil, job.DefaultOptions(), time.Now())

	h.worker.settle(context.Background(), amqp.Delivery{Acknowledger: nopAcker{}}, "test", env.ID, nil, outcomeOf(env, nil))

	_, ok, err := h.notifier.Peek(context.Background(), env.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorker_PanicIsRetried(t *testing.T) {
	h := newHarness(t, 1)
	var invocations atomic.Int32
	require.NoError(t, h.router.Register("panicky", router.HandlerFunc(func(context.Context, json.RawMessage, *router.Resources) router.Result {
		if invocations.Add(1) == 1 {
			panic("nil map")
		}
		return router.Success(nil)
	})))
	h.start()

	env := h.enqueue(t, "panicky", nil, job.DefaultOptions())
	o := h.waitOutcome(t, env.ID)

	assert.Equal(t, job.StatusCompleted, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, int32(2), invocations.Load())
}

func TestWorker_PriorityOrdering(t *testing.T) {
	h := newHarness(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, router.RegisterFunc(h.router, "block", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		close(started)
		<-release
		return nil, nil
	}))

	var mu sync.Mutex
	var order []string
	require.NoError(t, router.RegisterTyped(h.router, "record", func(_ context.Context, name string, _ *router.Resources) (any, error) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return nil, nil
	}))
	h.start()

	h.enqueue(t, "block", nil, job.DefaultOptions())
	<-started

	h.enqueue(t, "record", "fifo", job.NewOptions(job.WithPriority(job.Fifo)))
	h.enqueue(t, "record", "critical", job.NewOptions(job.WithPriority(job.Critical)))
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"critical", "fifo"}, order)
}

func TestWorker_Concurrency(t *testing.T) {
	const n = 4
	h := newHarness(t, n)

	var running, peak atomic.Int32
	gate := make(chan struct{})
	require.NoError(t, router.RegisterFunc(h.router, "slow", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-gate
		running.Add(-1)
		return nil, nil
	}))
	h.start()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, h.enqueue(t, "slow", nil, job.DefaultOptions()).ID)
	}

	require.Eventually(t, func() bool { return peak.Load() == n }, 2*time.Second, 5*time.Millisecond)
	close(gate)

	for _, id := range ids {
		assert.Equal(t, job.StatusCompleted, h.waitOutcome(t, id).Status)
	}
}

type failingPublisher struct {
	broker.Publisher
	failQueue string
}

func (p *failingPublisher) Publish(ctx context.Context, queue string, body []byte, pub rabbitmq.Publishing) error {
	if queue == p.failQueue {
		return errors.New("channel closed")
	}
	return p.Publisher.Publish(ctx, queue, body, pub)
}

func TestWorker_JournalClosesPublishGap(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := journal.NewStore(db, testLogger())
	require.NoError(t, store.EnsureSchema(context.Background()))

	var pub *failingPublisher
	h := newHarness(t, 1, func(cfg *Config) {
		pub = &failingPublisher{Publisher: cfg.Publisher, failQueue: dlqQueue}
		cfg.Publisher = pub
		cfg.Journal = store
	})
	require.NoError(t, router.RegisterFunc(h.router, "fatal", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		return nil, router.Permanent(errors.New("no"))
	}))
	h.start()

	h.enqueue(t, "fatal", nil, job.DefaultOptions())

	var pending []journal.Entry
	require.Eventually(t, func() bool {
		pending, err = store.Pending(context.Background(), time.Now().Add(time.Second), 10)
		return err == nil && len(pending) == 1 && h.mem.Len(mainQueue) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.mem.Len(dlqQueue), "the dead-letter publish failed")

	relay := journal.NewRelay(store, h.mem, journal.RelayConfig{}, testLogger())
	n, err := relay.ReplayOnce(context.Background(), time.Now().Add(journal.DefaultRelayMinAge+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dead := h.deadLetters(t)
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestWorker_JournalResolvedOnSuccess(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := journal.NewStore(db, testLogger())
	require.NoError(t, store.EnsureSchema(context.Background()))

	h := newHarness(t, 1, func(cfg *Config) { cfg.Journal = store })
	require.NoError(t, h.router.Register("flaky", router.HandlerFunc(func(context.Context, json.RawMessage, *router.Resources) router.Result {
		return router.Retry("again")
	})))
	h.start()

	env := h.enqueue(t, "flaky", nil, job.NewOptions(job.WithFaultTolerance(2)))
	h.waitOutcome(t, env.ID)

	pending, err := store.Pending(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWorker_StartValidates(t *testing.T) {
	w := NewWorker(&Config{Logger: testLogger()})
	err := w.Start(context.Background())
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestWorker_Stop(t *testing.T) {
	h := newHarness(t, 2)
	h.start()

	h.worker.Stop()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	h.cancel()
	h.cancel = nil
}

type nopAcker struct{}

func (nopAcker) Ack(uint64, bool) error        { return nil }
func (nopAcker) Nack(uint64, bool, bool) error { return nil }
func (nopAcker) Reject(uint64, bool) error     { return nil }
