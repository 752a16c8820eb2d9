package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobcore/internal/job"
	"github.com/jmoiron/sqlx"
)

// Resources are shared handles lent to every handler invocation. Handlers
// must not close them.
type Resources struct {
	DB     *sqlx.DB
	Logger *slog.Logger
}

// Handler processes one job payload
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage, res *Resources) Result
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, payload json.RawMessage, res *Resources) Result

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage, res *Resources) Result {
	return f(ctx, payload, res)
}

// fromError maps a (value, error) pair onto a Result
func fromError(value any, err error) Result {
	switch {
	case err == nil:
		return Success(value)
	case IsPermanent(err):
		return Failed(err.Error())
	default:
		return Retry(err.Error())
	}
}

// RegisterFunc registers an error-returning handler. Errors wrapped with
// Permanent fail the job; any other error is retried.
func RegisterFunc(r *Router, name string, fn func(ctx context.Context, payload json.RawMessage, res *Resources) (any, error)) error {
	return r.Register(name, HandlerFunc(func(ctx context.Context, payload json.RawMessage, res *Resources) Result {
		return fromError(fn(ctx, payload, res))
	}))
}

// RegisterTyped registers a handler whose payload is decoded into T first.
// A payload that does not decode fails the job without retry.
func RegisterTyped[T any](r *Router, name string, fn func(ctx context.Context, payload T, res *Resources) (any, error)) error {
	return r.Register(name, HandlerFunc(func(ctx context.Context, raw json.RawMessage, res *Resources) Result {
		var payload T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return Failed(fmt.Errorf("%w: decode payload for %q: %v", job.ErrSerialization, name, err).Error())
			}
		}
		return fromError(fn(ctx, payload, res))
	}))
}
