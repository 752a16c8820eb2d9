package router

import (
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/jobcore/internal/job"
)

// Kind classifies a handler result
type Kind int

// Result kinds
const (
	KindSuccess Kind = iota + 1
	KindRetry
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetry:
		return "retry"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one handler invocation. It is exactly one of
// Success, Retry or Failed.
type Result struct {
	Kind   Kind
	Value  json.RawMessage
	Reason string

	unknownWorker bool
}

// Success reports a completed job. value is JSON-encoded; a value that cannot
// be encoded turns the result into a non-retryable failure.
func Success(value any) Result {
	raw, err := job.EncodePayload(value)
	if err != nil {
		return Failed(fmt.Sprintf("encode result: %v", err))
	}
	return Result{Kind: KindSuccess, Value: raw}
}

// Retry reports a transient failure that consumes one attempt
func Retry(reason string) Result {
	return Result{Kind: KindRetry, Reason: reason}
}

// Failed reports a permanent failure that goes straight to the dead-letter queue
func Failed(reason string) Result {
	return Result{Kind: KindFailed, Reason: reason}
}

func unknownWorker() Result {
	return Result{Kind: KindFailed, Reason: ErrUnknownWorker.Error(), unknownWorker: true}
}

// UnknownWorker reports whether the result comes from a missing registration,
// in which case no handler ran and no attempt is consumed
func (r Result) UnknownWorker() bool {
	return r.unknownWorker
}
