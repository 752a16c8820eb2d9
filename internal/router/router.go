// Package router maps worker names to job handlers and runs them through a
// middleware chain.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/jobcore/internal/job"
)

// Router is a registry of worker name -> handler. It is safe for concurrent use.
type Router struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
	resources  *Resources
	logger     *slog.Logger
}

// New creates an empty router lending resources to every handler
func New(resources *Resources, logger *slog.Logger) *Router {
	if resources == nil {
		resources = &Resources{}
	}
	if resources.Logger == nil {
		resources.Logger = logger
	}
	return &Router{
		handlers:  make(map[string]Handler),
		resources: resources,
		logger:    logger,
	}
}

// Use appends middleware. The first middleware added is the outermost.
func (r *Router) Use(mws ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mws...)
}

// Register binds name to h
func (r *Router) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("worker name is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, name)
	}
	r.handlers[name] = h

	r.logger.Debug("Worker registered", slog.String("worker_name", name))
	return nil
}

// Lookup returns the handler for name
func (r *Router) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered worker names, sorted
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered for env.WorkerName. An unregistered
// name yields a Failed result with UnknownWorker set and runs nothing.
func (r *Router) Dispatch(ctx context.Context, env *job.Envelope) Result {
	r.mu.RLock()
	h, ok := r.handlers[env.WorkerName]
	mws := r.middleware
	r.mu.RUnlock()

	if !ok {
		return unknownWorker()
	}

	terminal := func(ctx context.Context) Result {
		return h.Handle(ctx, env.Payload, r.resources)
	}

	// Recover is always innermost so a panic is reported to outer middleware as a Retry.
	chain := append(append([]Middleware(nil), mws...), Recover(r.logger))
	return Chain(chain...)(ctx, env, terminal)
}
