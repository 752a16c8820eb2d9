// Package handlers holds the demonstration job handlers shipped with the
// worker service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobcore/internal/router"
	"github.com/cuongbtq/jobcore/shared/postgresql"
)

// Handler names
const (
	Echo   = "echo"
	Sleep  = "sleep"
	Fail   = "fail"
	DBPing = "db_ping"
)

// ErrNoDatabase is returned by db_ping when the worker runs without a database
var ErrNoDatabase = errors.New("no database configured")

// SleepPayload is the payload of the sleep handler
type SleepPayload struct {
	DurationMS int `json:"duration_ms"`
}

// FailPayload is the payload of the fail handler
type FailPayload struct {
	Reason string `json:"reason"`
	Fatal  bool   `json:"fatal"`
}

// Register adds every demonstration handler to r
func Register(r *router.Router) error {
	if err := router.RegisterFunc(r, Echo, echo); err != nil {
		return err
	}
	if err := router.RegisterTyped(r, Sleep, sleep); err != nil {
		return err
	}
	if err := router.RegisterTyped(r, Fail, fail); err != nil {
		return err
	}
	return router.RegisterFunc(r, DBPing, dbPing)
}

// echo returns its payload unchanged
func echo(_ context.Context, payload json.RawMessage, _ *router.Resources) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

// sleep waits for the requested duration, returning early with a retryable
// error if the worker shuts down
func sleep(ctx context.Context, p SleepPayload, _ *router.Resources) (any, error) {
	if p.DurationMS < 0 {
		return nil, router.Permanent(fmt.Errorf("negative duration %d", p.DurationMS))
	}

	d := time.Duration(p.DurationMS) * time.Millisecond
	select {
	case <-time.After(d):
		return map[string]int{"slept_ms": p.DurationMS}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(_ context.Context, p FailPayload, _ *router.Resources) (any, error) {
	reason := p.Reason
	if reason == "" {
		reason = "requested failure"
	}
	if p.Fatal {
		return nil, router.Permanent(errors.New(reason))
	}
	return nil, errors.New(reason)
}

// dbPing checks the borrowed database pool
func dbPing(ctx context.Context, _ json.RawMessage, res *router.Resources) (any, error) {
	if res == nil || res.DB == nil {
		return nil, router.Permanent(ErrNoDatabase)
	}

	start := time.Now()
	if err := postgresql.HealthCheck(ctx, res.DB); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if res.Logger != nil {
		res.Logger.Debug("Database ping succeeded", slog.Duration("latency", elapsed))
	}

	stats := res.DB.Stats()
	return map[string]any{
		"latency_ms":       elapsed.Milliseconds(),
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
	}, nil
}
