package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfirmation struct {
	acked bool
	err   error
}

func (f fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.acked, nil
}

type blockingConfirmation struct{}

func (blockingConfirmation) WaitContext(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestAwaitConfirm(t *testing.T) {
	t.Run("ack", func(t *testing.T) {
		assert.NoError(t, awaitConfirm(context.Background(), fakeConfirmation{acked: true}))
	})

	t.Run("nack is a publish error", func(t *testing.T) {
		err := awaitConfirm(context.Background(), fakeConfirmation{acked: false})
		assert.ErrorIs(t, err, ErrPublishNacked)
	})

	t.Run("channel closed while waiting", func(t *testing.T) {
		closed := errors.New("channel closed")
		err := awaitConfirm(context.Background(), fakeConfirmation{err: closed})
		assert.ErrorIs(t, err, closed)
	})

	t.Run("context ends before the broker answers", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := awaitConfirm(ctx, blockingConfirmation{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDelayRoute(t *testing.T) {
	name, args := delayRoute("jobs.delay", "jobs", 1500*time.Millisecond)

	assert.Equal(t, "jobs.delay.1500", name)
	assert.Equal(t, int64(1500), args["x-message-ttl"])
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, "jobs", args["x-dead-letter-routing-key"])

	expires, ok := args["x-expires"].(int64)
	require.True(t, ok)
	assert.Greater(t, expires, int64(1500), "queue must outlive its messages")
}

func TestDelayRoute_SeparatesDurations(t *testing.T) {
	short, _ := delayRoute("jobs.delay", "jobs", time.Second)
	long, _ := delayRoute("jobs.delay", "jobs", time.Minute)
	assert.NotEqual(t, short, long)
}

func TestDelayRoute_SubMillisecondRoundsUp(t *testing.T) {
	name, args := delayRoute("jobs.delay", "jobs", time.Microsecond)
	assert.Equal(t, "jobs.delay.1", name)
	assert.Equal(t, int64(1), args["x-message-ttl"])
}
