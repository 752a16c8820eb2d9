// Package retry decides whether a failed job is requeued or dead-lettered.
//
// The attempt counter lives in the envelope, not in broker redelivery
// metadata: every retry is a fresh publish of the updated envelope after the
// original delivery has been acknowledged. Requeues carry no delay.
package retry

import (
	"fmt"
	"time"

	"github.com/cuongbtq/jobcore/internal/broker"
	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/cuongbtq/jobcore/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Action is what happens to a failed envelope
type Action int

// Actions
const (
	Requeue Action = iota + 1
	DeadLetter
)

func (a Action) String() string {
	switch a {
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the result of Decide. Envelope is the updated copy to publish.
type Decision struct {
	Action   Action
	Envelope *job.Envelope
}

// Decide consumes one attempt of env's budget. With a = attempts and
// f = fault tolerance: a+1 >= f dead-letters the job as Failed, otherwise it
// is requeued as Retrying. Either way attempts becomes a+1, which bounds the
// total handler invocations at f. env itself is not modified.
func Decide(env *job.Envelope, reason string, now time.Time) Decision {
	next := env.Clone()
	next.Attempts = env.Attempts + 1
	next.LastError = reason
	next.UpdatedAt = now.UTC()

	if next.Attempts >= env.Options.FaultTolerance {
		next.Status = job.StatusFailed
		return Decision{Action: DeadLetter, Envelope: next}
	}

	next.Status = job.StatusRetrying
	return Decision{Action: Requeue, Envelope: next}
}

// Plan is a ready-to-publish follow-up message
type Plan struct {
	Queue      string
	Body       []byte
	Publishing rabbitmq.Publishing
	Envelope   *job.Envelope
}

// Controller turns decisions into publish plans for a fixed queue topology
type Controller struct {
	mainQueue       string
	deadLetterQueue string
	priorities      job.PriorityMap
}

// NewController creates a Controller
func NewController(mainQueue, deadLetterQueue string, priorities job.PriorityMap) *Controller {
	if priorities == nil {
		priorities = job.DefaultPriorityMap()
	}
	return &Controller{
		mainQueue:       mainQueue,
		deadLetterQueue: deadLetterQueue,
		priorities:      priorities,
	}
}

// PlanRetry decides and builds the follow-up for a retryable failure
func (c *Controller) PlanRetry(env *job.Envelope, reason string, now time.Time) (Decision, *Plan, error) {
	d := Decide(env, reason, now)

	var plan *Plan
	var err error
	if d.Action == DeadLetter {
		plan, err = c.PlanDeadLetter(d.Envelope, reason)
	} else {
		plan, err = c.plan(c.mainQueue, d.Envelope, nil)
	}
	return d, plan, err
}

// PlanDeadLetter builds the dead-letter publish for an envelope whose status
// and attempts are already final
func (c *Controller) PlanDeadLetter(env *job.Envelope, reason string) (*Plan, error) {
	return c.plan(c.deadLetterQueue, env, amqp.Table{broker.HeaderError: reason})
}

// PlanRawDeadLetter dead-letters a body that could not be decoded
func (c *Controller) PlanRawDeadLetter(body []byte, reason string) *Plan {
	return &Plan{
		Queue: c.deadLetterQueue,
		Body:  body,
		Publishing: rabbitmq.Publishing{
			Persistent: true,
			Headers:    amqp.Table{broker.HeaderError: reason},
		},
	}
}

func (c *Controller) plan(queue string, env *job.Envelope, headers amqp.Table) (*Plan, error) {
	body, err := job.Encode(env)
	if err != nil {
		return nil, err
	}

	p := rabbitmq.Publishing{
		Persistent:  true,
		ContentType: job.ContentType,
		MessageID:   env.ID,
		Headers:     headers,
	}
	// the dead-letter queue is FIFO; priority only matters on the main queue
	if queue == c.mainQueue {
		p.Priority = c.priorities.Broker(env.Options.Priority)
	}

	return &Plan{Queue: queue, Body: body, Publishing: p, Envelope: env}, nil
}
