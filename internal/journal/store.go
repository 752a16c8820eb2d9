// Package journal keeps a write-ahead record of follow-up publishes.
//
// A worker acknowledges a delivery before it republishes the retry or
// dead-letter message. Recording the follow-up first and resolving it after
// the publish lets Relay replay anything lost in between, at the cost of a
// possible duplicate publish.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobcore/internal/retry"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_journal (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	queue        TEXT NOT NULL,
	priority     INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	body         BYTEA NOT NULL,
	error        TEXT,
	created_at   BIGINT NOT NULL,
	published_at BIGINT
)`

const pendingIndex = `CREATE INDEX IF NOT EXISTS idx_job_journal_pending ON job_journal (published_at, created_at)`

// Entry is one recorded follow-up publish
type Entry struct {
	ID          string         `db:"id"`
	JobID       string         `db:"job_id"`
	Queue       string         `db:"queue"`
	Priority    int            `db:"priority"`
	ContentType string         `db:"content_type"`
	Body        []byte         `db:"body"`
	Error       sql.NullString `db:"error"`
	CreatedAt   int64          `db:"created_at"`
	PublishedAt sql.NullInt64  `db:"published_at"`
}

// Store handles all journal database operations
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the journal table if it does not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, pendingIndex); err != nil {
		return fmt.Errorf("failed to create journal index: %w", err)
	}
	return nil
}

// Record stores plan as an unresolved entry and returns its id
func (s *Store) Record(ctx context.Context, plan *retry.Plan) (string, error) {
	entry := Entry{
		ID:          uuid.New().String(),
		Queue:       plan.Queue,
		Priority:    int(plan.Publishing.Priority),
		ContentType: plan.Publishing.ContentType,
		Body:        plan.Body,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if plan.Envelope != nil {
		entry.JobID = plan.Envelope.ID
	}
	if reason, ok := plan.Publishing.Headers[headerError].(string); ok {
		entry.Error = sql.NullString{String: reason, Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO job_journal (id, job_id, queue, priority, content_type, body, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.JobID,
		entry.Queue,
		entry.Priority,
		entry.ContentType,
		entry.Body,
		entry.Error,
		entry.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record journal entry: %w", err)
	}

	s.logger.Debug("Journal entry recorded",
		slog.String("entry_id", entry.ID),
		slog.String("job_id", entry.JobID),
		slog.String("queue", entry.Queue),
	)

	return entry.ID, nil
}

// Resolve marks an entry as published
func (s *Store) Resolve(ctx context.Context, id string) error {
	query := s.db.Rebind(`
		UPDATE job_journal
		SET published_at = ?
		WHERE id = ? AND published_at IS NULL
	`)

	if _, err := s.db.ExecContext(ctx, query, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to resolve journal entry: %w", err)
	}
	return nil
}

// Pending returns up to limit unresolved entries created before olderThan,
// oldest first
func (s *Store) Pending(ctx context.Context, olderThan time.Time, limit int) ([]Entry, error) {
	query := s.db.Rebind(`
		SELECT id, job_id, queue, priority, content_type, body, error, created_at, published_at
		FROM job_journal
		WHERE published_at IS NULL AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`)

	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, olderThan.UnixMilli(), limit); err != nil {
		return nil, fmt.Errorf("failed to list pending journal entries: %w", err)
	}
	return entries, nil
}

// Purge deletes resolved entries published before the given time
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	query := s.db.Rebind(`
		DELETE FROM job_journal
		WHERE published_at IS NOT NULL AND published_at < ?
	`)

	result, err := s.db.ExecContext(ctx, query, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge journal: %w", err)
	}
	return result.RowsAffected()
}
