package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobcore/internal/dispatcher"
	"github.com/cuongbtq/jobcore/internal/job"
)

// Dispatcher is the job submission surface the handlers call
type Dispatcher interface {
	Enqueue(ctx context.Context, workerName string, payload any, opts job.Options) (string, error)
	EnqueueAndWait(ctx context.Context, workerName string, payload any, opts job.Options, timeout time.Duration) (dispatcher.Result, error)
	Status(ctx context.Context, jobID string) (dispatcher.Result, bool, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Dispatcher  Dispatcher
	ServiceName string

	// Ready reports whether the service can accept jobs; nil means always.
	Ready func() error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	dispatcher Dispatcher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
	}
}
