// Package notifier records terminal job outcomes so a waiting caller can
// collect them. Workers write every terminal outcome; callers that block on a
// job register interest with Watch and poll with Take.
package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobcore/internal/job"
)

// Outcome is the terminal result of one job
type Outcome struct {
	JobID      string          `json:"job_id"`
	Status     job.Status      `json:"status"`
	Attempts   int             `json:"attempts"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Notifier stores outcomes keyed by job id.
//
// Notify keeps the first outcome written for an id. Take returns and removes
// an outcome. Peek returns it without removing it. Watched ids are kept until
// taken or unwatched; unwatched outcomes expire after a TTL.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
	Watch(ctx context.Context, jobID string) error
	Unwatch(ctx context.Context, jobID string) error
	Take(ctx context.Context, jobID string) (Outcome, bool, error)
	Peek(ctx context.Context, jobID string) (Outcome, bool, error)
}

var (
	_ Notifier = (*Memory)(nil)
	_ Notifier = (*Redis)(nil)
)
