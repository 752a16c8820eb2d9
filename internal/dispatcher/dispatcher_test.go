package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/jobcore/internal/broker"
	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/cuongbtq/jobcore/internal/notifier"
	"github.com/cuongbtq/jobcore/internal/retry"
	"github.com/cuongbtq/jobcore/internal/router"
	"github.com/cuongbtq/jobcore/internal/worker"
	"github.com/cuongbtq/jobcore/shared/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mainQueue = "jobs"
	dlqQueue  = "jobs.dlq"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stack struct {
	mem        *broker.Memory
	notifier   *notifier.Memory
	router     *router.Router
	dispatcher *Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		mem:      broker.NewMemory(),
		notifier: notifier.NewMemory(time.Minute, testLogger()),
		router:   router.New(nil, testLogger()),
	}
	s.dispatcher = New(&Config{
		Logger:       testLogger(),
		Publisher:    s.mem,
		Notifier:     s.notifier,
		Queue:        mainQueue,
		PollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.mem.Close() })
	return s
}

// runWorkers starts a worker pool against the stack's broker and notifier
func (s *stack) runWorkers(t *testing.T, concurrency int) {
	t.Helper()
	w := worker.NewWorker(&worker.Config{
		Logger:      testLogger(),
		Consumer:    s.mem,
		Publisher:   s.mem,
		Router:      s.router,
		Retry:       retry.NewController(mainQueue, dlqQueue, nil),
		Notifier:    s.notifier,
		Queue:       mainQueue,
		Concurrency: concurrency,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEnqueue_PublishesEnvelope(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	id, err := s.dispatcher.Enqueue(ctx, "echo", map[string]string{"msg": "hi"}, job.NewOptions(job.WithPriority(job.High), job.WithFaultTolerance(0)))
	require.NoError(t, err)

	msgs := s.mem.Messages(mainQueue)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint8(8), msgs[0].Priority)
	assert.Equal(t, id, msgs[0].MessageID)
	assert.Equal(t, job.ContentType, msgs[0].ContentType)

	env, err := job.Decode(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, id, env.ID)
	assert.Equal(t, "echo", env.WorkerName)
	assert.Equal(t, job.StatusPending, env.Status)
	assert.Zero(t, env.Attempts)
	assert.Equal(t, job.DefaultFaultTolerance, env.Options.FaultTolerance)
	assert.JSONEq(t, `{"msg":"hi"}`, string(env.Payload))
}

func TestEnqueue_UniqueIDsWithoutWorkers(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	seen := make(map[string]struct{})
	start := time.Now()
	for i := 0; i < 100; i++ {
		id, err := s.dispatcher.Enqueue(ctx, "echo", i, job.DefaultOptions())
		require.NoError(t, err)
		require.NotEmpty(t, id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}

	assert.Less(t, time.Since(start), time.Second, "enqueue does not wait for execution")
	assert.Equal(t, 100, s.mem.Len(mainQueue))
}

func TestEnqueue_Delay(t *testing.T) {
	s := newStack(t)

	_, err := s.dispatcher.Enqueue(context.Background(), "echo", nil, job.NewOptions(job.WithDelay(30*time.Millisecond)))
	require.NoError(t, err)

	assert.Zero(t, s.mem.Len(mainQueue))
	require.Eventually(t, func() bool { return s.mem.Len(mainQueue) == 1 }, time.Second, 5*time.Millisecond)
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, string, []byte, rabbitmq.Publishing) error {
	return errors.New("connection refused")
}

func TestEnqueue_Errors(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.dispatcher.Enqueue(ctx, "", nil, job.DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = s.dispatcher.Enqueue(ctx, "echo", make(chan int), job.DefaultOptions())
	assert.ErrorIs(t, err, job.ErrSerialization)

	_, err = s.dispatcher.Enqueue(ctx, "echo", json.RawMessage(`{broken`), job.DefaultOptions())
	assert.ErrorIs(t, err, job.ErrSerialization)
	assert.Zero(t, s.mem.Len(mainQueue), "no job is created on error")

	broken := New(&Config{Logger: testLogger(), Publisher: brokenPublisher{}, Notifier: s.notifier, Queue: mainQueue})
	_, err = broken.Enqueue(ctx, "echo", nil, job.DefaultOptions())
	assert.ErrorIs(t, err, ErrTransport)

	_, err = broken.EnqueueAndWait(ctx, "echo", nil, job.DefaultOptions(), time.Second)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Zero(t, s.notifier.Len(), "watcher released after publish failure")
}

func TestEnqueueAndWait_Completed(t *testing.T) {
	s := newStack(t)
	require.NoError(t, router.RegisterFunc(s.router, "instant_ok", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		return map[string]bool{"ok": true}, nil
	}))
	s.runWorkers(t, 2)

	start := time.Now()
	res, err := s.dispatcher.EnqueueAndWait(context.Background(), "instant_ok", nil, job.DefaultOptions(), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Value))
	assert.Less(t, time.Since(start), time.Second)

	_, found, err := s.dispatcher.Status(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.False(t, found, "a collected outcome is consumed")
}

func TestEnqueueAndWait_Failed(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.router.Register("always_retry", router.HandlerFunc(func(context.Context, json.RawMessage, *router.Resources) router.Result {
		return router.Retry("try later")
	})))
	s.runWorkers(t, 1)

	res, err := s.dispatcher.EnqueueAndWait(context.Background(), "always_retry", nil, job.NewOptions(job.WithFaultTolerance(3)), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "try later", res.Error)
	assert.Equal(t, 1, s.mem.Len(dlqQueue))
}

func TestEnqueueAndWait_UnknownWorker(t *testing.T) {
	s := newStack(t)
	s.runWorkers(t, 1)

	res, err := s.dispatcher.EnqueueAndWait(context.Background(), "missing", nil, job.DefaultOptions(), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Zero(t, res.Attempts)
	assert.Equal(t, 1, s.mem.Len(dlqQueue))
}

func TestEnqueueAndWait_TimeoutDoesNotCancel(t *testing.T) {
	s := newStack(t)
	release := make(chan struct{})
	require.NoError(t, router.RegisterFunc(s.router, "slow", func(context.Context, json.RawMessage, *router.Resources) (any, error) {
		<-release
		return "late", nil
	}))
	s.runWorkers(t, 1)

	res, err := s.dispatcher.EnqueueAndWait(context.Background(), "slow", nil, job.DefaultOptions(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	require.NotEmpty(t, res.JobID)

	close(release)

	var status Result
	require.Eventually(t, func() bool {
		r, found, err := s.dispatcher.Status(context.Background(), res.JobID)
		status = r
		return err == nil && found
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.JSONEq(t, `"late"`, string(status.Value))
}

func TestEnqueueAndWait_ContextCanceled(t *testing.T) {
	s := newStack(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.dispatcher.EnqueueAndWait(ctx, "nobody", nil, job.DefaultOptions(), time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.notifier.Len())
}
