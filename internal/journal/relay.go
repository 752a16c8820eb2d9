package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobcore/internal/broker"
	"github.com/cuongbtq/jobcore/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Relay defaults
const (
	DefaultRelayInterval  = 30 * time.Second
	DefaultRelayBatchSize = 100
	DefaultRelayRetention = 24 * time.Hour

	// DefaultRelayMinAge outlasts a worker's publish retries, so the relay
	// never races a follow-up publish that is still in flight.
	DefaultRelayMinAge = 10 * time.Second
)

// RelayConfig configures a Relay
type RelayConfig struct {
	// Interval between replay passes.
	Interval time.Duration

	// BatchSize caps the entries replayed per pass.
	BatchSize int

	// MinAge skips entries younger than this so an in-flight worker
	// publish is not duplicated. Zero means DefaultRelayMinAge.
	MinAge time.Duration

	// Retention is how long resolved entries are kept.
	Retention time.Duration
}

// Relay republishes journal entries whose follow-up publish never resolved
type Relay struct {
	store     *Store
	publisher broker.Publisher
	config    RelayConfig
	logger    *slog.Logger
}

// NewRelay creates a Relay
func NewRelay(store *Store, publisher broker.Publisher, config RelayConfig, logger *slog.Logger) *Relay {
	if config.Interval <= 0 {
		config.Interval = DefaultRelayInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultRelayBatchSize
	}
	if config.MinAge <= 0 {
		config.MinAge = DefaultRelayMinAge
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRelayRetention
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// Run replays once immediately and then every interval until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Journal relay started",
		slog.Duration("interval", r.config.Interval),
		slog.Int("batch_size", r.config.BatchSize),
	)

	r.tick(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Journal relay stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	if _, err := r.ReplayOnce(ctx, time.Now()); err != nil {
		r.logger.Error("Failed to replay journal", slog.Any("error", err))
	}
	if _, err := r.store.Purge(ctx, time.Now().Add(-r.config.Retention)); err != nil {
		r.logger.Error("Failed to purge journal", slog.Any("error", err))
	}
}

// ReplayOnce publishes one batch of unresolved entries and returns how many
// were republished
func (r *Relay) ReplayOnce(ctx context.Context, now time.Time) (int, error) {
	entries, err := r.store.Pending(ctx, now.Add(-r.config.MinAge), r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range entries {
		p := rabbitmq.Publishing{
			Priority:    uint8(e.Priority),
			Persistent:  true,
			ContentType: e.ContentType,
			MessageID:   e.JobID,
		}
		if e.Error.Valid {
			p.Headers = amqp.Table{headerError: e.Error.String}
		}

		if err := r.publisher.Publish(ctx, e.Queue, e.Body, p); err != nil {
			r.logger.Error("Failed to replay journal entry",
				slog.String("entry_id", e.ID),
				slog.String("job_id", e.JobID),
				slog.Any("error", err),
			)
			continue
		}

		if err := r.store.Resolve(ctx, e.ID); err != nil {
			r.logger.Error("Failed to resolve replayed journal entry",
				slog.String("entry_id", e.ID),
				slog.Any("error", err),
			)
			continue
		}

		r.logger.Warn("Replayed unresolved follow-up publish",
			slog.String("entry_id", e.ID),
			slog.String("job_id", e.JobID),
			slog.String("queue", e.Queue),
		)
		replayed++
	}

	return replayed, nil
}
