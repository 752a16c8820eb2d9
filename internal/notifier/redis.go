package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "jobcore:"

// outcomeKey returns the key holding a job outcome: jobcore:outcome:{id}
func outcomeKey(id string) string { return keyPrefix + "outcome:" + id }

// watchKey returns the marker key of an awaited job: jobcore:watch:{id}
func watchKey(id string) string { return keyPrefix + "watch:" + id }

// Redis is a Notifier shared between processes through a Redis server, so a
// caller in the API process can wait on outcomes written by workers elsewhere.
type Redis struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed notifier. A non-positive ttl uses DefaultTTL.
func NewRedis(client *goredis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// notifyScript stores an outcome only if none exists and pins it when the job
// is watched, in one server-side step so a concurrent Unwatch cannot slip in
// between the write and the watch check.
// KEYS[1] outcome key, KEYS[2] watch key, ARGV[1] outcome, ARGV[2] ttl in ms.
var notifyScript = goredis.NewScript(`
if not redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
	redis.call("PERSIST", KEYS[1])
end
return 1
`)

// Notify stores o so the first outcome wins. A watched outcome does not expire.
func (r *Redis) Notify(ctx context.Context, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	keys := []string{outcomeKey(o.JobID), watchKey(o.JobID)}
	if err := notifyScript.Run(ctx, r.client, keys, data, r.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}
	return nil
}

// Watch sets the watch marker for jobID. The marker expires with the TTL so a
// crashed waiter cannot pin outcomes forever.
func (r *Redis) Watch(ctx context.Context, jobID string) error {
	if err := r.client.Set(ctx, watchKey(jobID), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to watch job: %w", err)
	}
	return nil
}

// Unwatch drops the watch marker and lets a stored outcome expire
func (r *Redis) Unwatch(ctx context.Context, jobID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, watchKey(jobID))
	pipe.Expire(ctx, outcomeKey(jobID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unwatch job: %w", err)
	}
	return nil
}

// Take returns and deletes the outcome for jobID with GETDEL
func (r *Redis) Take(ctx context.Context, jobID string) (Outcome, bool, error) {
	data, err := r.client.GetDel(ctx, outcomeKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return Outcome{}, false, nil
		}
		return Outcome{}, false, fmt.Errorf("failed to take outcome: %w", err)
	}
	if err := r.client.Del(ctx, watchKey(jobID)).Err(); err != nil {
		return Outcome{}, false, fmt.Errorf("failed to clear watch marker: %w", err)
	}
	return decodeOutcome(data)
}

// Peek returns the outcome for jobID without deleting it
func (r *Redis) Peek(ctx context.Context, jobID string) (Outcome, bool, error) {
	data, err := r.client.Get(ctx, outcomeKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return Outcome{}, false, nil
		}
		return Outcome{}, false, fmt.Errorf("failed to peek outcome: %w", err)
	}
	return decodeOutcome(data)
}

func decodeOutcome(data []byte) (Outcome, bool, error) {
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return Outcome{}, false, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}
	return o, true, nil
}
