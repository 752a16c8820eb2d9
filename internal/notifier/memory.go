package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long an unwatched outcome is kept
const DefaultTTL = time.Hour

type memEntry struct {
	outcome  *Outcome
	watched  bool
	storedAt time.Time
}

// Memory is an in-process Notifier guarded by a single mutex. The lock is
// held only for map operations.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	ttl     time.Duration
	logger  *slog.Logger
}

// NewMemory creates an in-process notifier. A non-positive ttl uses DefaultTTL.
func NewMemory(ttl time.Duration, logger *slog.Logger) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[string]*memEntry),
		ttl:     ttl,
		logger:  logger,
	}
}

// Notify stores o unless an outcome for the same job already exists
func (m *Memory) Notify(_ context.Context, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[o.JobID]
	if !ok {
		e = &memEntry{}
		m.entries[o.JobID] = e
	}
	if e.outcome != nil {
		return nil
	}
	stored := o
	e.outcome = &stored
	e.storedAt = time.Now()
	return nil
}

// Watch marks jobID as awaited so its outcome is not swept
func (m *Memory) Watch(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[jobID]
	if !ok {
		e = &memEntry{}
		m.entries[jobID] = e
	}
	e.watched = true
	return nil
}

// Unwatch releases interest in jobID. A stored outcome stays until it expires.
func (m *Memory) Unwatch(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[jobID]
	if !ok {
		return nil
	}
	if e.outcome == nil {
		delete(m.entries, jobID)
		return nil
	}
	e.watched = false
	return nil
}

// Take returns and removes the outcome for jobID
func (m *Memory) Take(_ context.Context, jobID string) (Outcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[jobID]
	if !ok || e.outcome == nil {
		return Outcome{}, false, nil
	}
	delete(m.entries, jobID)
	return *e.outcome, true, nil
}

// Peek returns the outcome for jobID without removing it
func (m *Memory) Peek(_ context.Context, jobID string) (Outcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[jobID]
	if !ok || e.outcome == nil {
		return Outcome{}, false, nil
	}
	return *e.outcome, true, nil
}

// Sweep removes unwatched outcomes stored more than the TTL before now and
// returns how many were removed
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if e.watched || e.outcome == nil {
			continue
		}
		if now.Sub(e.storedAt) > m.ttl {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked job ids
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run sweeps expired outcomes every interval until ctx is done
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 && m.logger != nil {
				m.logger.Debug("Swept expired job outcomes", slog.Int("count", n))
			}
		}
	}
}
