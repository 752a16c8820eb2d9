package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job envelope
type Status string

// Job status constants
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
)

// transitions lists the allowed next states for every status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusRetrying},
	StatusRetrying:   {StatusProcessing},
	StatusCompleted:  nil,
	StatusFailed:     nil,
}

// IsTerminal reports whether no further transition is possible from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Envelope is the serialized unit of work carried through the broker
type Envelope struct {
	ID         string          `json:"id"`
	WorkerName string          `json:"worker_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Options    Options         `json:"options"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// New creates a pending envelope with a fresh id
func New(workerName string, payload json.RawMessage, opts Options, now time.Time) *Envelope {
	now = now.UTC()
	return &Envelope{
		ID:         uuid.New().String(),
		WorkerName: workerName,
		Payload:    payload,
		Options:    opts,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the envelope to next, refusing reversals out of terminal states
func (e *Envelope) Transition(next Status, now time.Time) error {
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = now.UTC()
	return nil
}

// Clone returns a copy that can be mutated without touching e
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}
