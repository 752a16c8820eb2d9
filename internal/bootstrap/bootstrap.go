// Package bootstrap builds the clients and job core components shared by the
// api and worker services from a loaded config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobcore/internal/broker"
	"github.com/cuongbtq/jobcore/internal/config"
	"github.com/cuongbtq/jobcore/internal/dispatcher"
	"github.com/cuongbtq/jobcore/internal/handlers"
	"github.com/cuongbtq/jobcore/internal/journal"
	"github.com/cuongbtq/jobcore/internal/notifier"
	"github.com/cuongbtq/jobcore/internal/retry"
	"github.com/cuongbtq/jobcore/internal/router"
	"github.com/cuongbtq/jobcore/internal/worker"
	"github.com/cuongbtq/jobcore/shared/logger"
	"github.com/cuongbtq/jobcore/shared/postgresql"
	"github.com/cuongbtq/jobcore/shared/rabbitmq"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Service:      service,
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// OpenDatabase opens the configured SQL pool. It returns nil without error
// when no database is configured.
func OpenDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	return postgresql.NewClient(&postgresql.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// Broker is an opened broker with its lifecycle hooks
type Broker struct {
	broker.Broker

	local bool
	ready func() error
	close func() error
}

// Local reports whether the broker lives in this process
func (b *Broker) Local() bool { return b.local }

// Ready returns an error while the broker cannot accept publishes
func (b *Broker) Ready() error { return b.ready() }

// Close releases the broker connection
func (b *Broker) Close() error { return b.close() }

// OpenBroker connects to RabbitMQ, or creates an in-process broker when the
// memory driver is configured
func OpenBroker(cfg *config.RabbitMQConfig, logger *slog.Logger) (*Broker, error) {
	if cfg.Driver == config.BrokerMemory {
		mem := broker.NewMemory()
		logger.Warn("Using in-memory broker; jobs are lost on exit")
		return &Broker{
			Broker: mem,
			local:  true,
			ready:  func() error { return nil },
			close:  mem.Close,
		}, nil
	}

	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		MainQueue:          cfg.Queues.Main,
		DeadLetterQueue:    cfg.Queues.DeadLetter,
		DelayQueue:         cfg.Queues.Delay,
		MaxPriority:        cfg.MaxPriority,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Broker{
		Broker: client,
		ready: func() error {
			if !client.IsConnected() {
				return fmt.Errorf("not connected to RabbitMQ")
			}
			return nil
		},
		close: client.Close,
	}, nil
}

// Notifier is an opened completion notifier with its lifecycle hooks
type Notifier struct {
	notifier.Notifier

	memory *notifier.Memory
	client *goredis.Client
	sweep  time.Duration
}

// Shared reports whether outcomes are visible to other processes
func (n *Notifier) Shared() bool { return n.client != nil }

// Run sweeps expired in-memory outcomes until ctx is done. It returns at once
// for the redis backend, where keys expire on their own.
func (n *Notifier) Run(ctx context.Context) error {
	if n.memory == nil {
		return nil
	}
	n.memory.Run(ctx, n.sweep)
	return nil
}

// Close releases the redis client, if any
func (n *Notifier) Close() error {
	if n.client == nil {
		return nil
	}
	return n.client.Close()
}

// OpenNotifier creates the configured completion notifier
func OpenNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Notifier, error) {
	ttl := cfg.Notifier.TTL
	if ttl <= 0 {
		ttl = notifier.DefaultTTL
	}

	if cfg.Notifier.Backend != config.NotifierRedis {
		sweep := cfg.Notifier.SweepInterval
		if sweep <= 0 {
			sweep = time.Minute
		}
		mem := notifier.NewMemory(ttl, logger)
		return &Notifier{Notifier: mem, memory: mem, sweep: sweep}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis", slog.String("addr", cfg.Redis.Addr))
	return &Notifier{Notifier: notifier.NewRedis(client, ttl), client: client}, nil
}

// NewJobRouter builds the handler registry with the standard middleware and
// the bundled handlers. db may be nil.
func NewJobRouter(db *sqlx.DB, logger *slog.Logger) (*router.Router, error) {
	r := router.New(&router.Resources{DB: db, Logger: logger}, logger)
	// Dispatch adds Recover innermost itself
	r.Use(router.Logging(logger), router.Metrics())

	if err := handlers.Register(r); err != nil {
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}
	return r, nil
}

// OpenJournal creates the journal store and its table. It returns nil when
// the journal is disabled.
func OpenJournal(ctx context.Context, cfg *config.JournalConfig, db *sqlx.DB, logger *slog.Logger) (*journal.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if db == nil {
		return nil, fmt.Errorf("journal requires a database")
	}

	store := journal.NewStore(db, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// NewRelay creates the journal relay publishing through b
func NewRelay(cfg *config.JournalConfig, store *journal.Store, b broker.Publisher, logger *slog.Logger) *journal.Relay {
	return journal.NewRelay(store, b, journal.RelayConfig{
		Interval:  cfg.RelayInterval,
		BatchSize: cfg.BatchSize,
		MinAge:    cfg.MinAge,
		Retention: cfg.Retention,
	}, logger)
}

// WorkerDeps are the components a worker pool is built from
type WorkerDeps struct {
	Broker   broker.Broker
	Router   *router.Router
	Notifier notifier.Notifier

	// Journal may be nil.
	Journal *journal.Store
}

// NewWorker builds a worker pool consuming the main queue
func NewWorker(cfg *config.Config, deps WorkerDeps, logger *slog.Logger) (*worker.Worker, error) {
	priorities, err := cfg.PriorityMap()
	if err != nil {
		return nil, fmt.Errorf("invalid job priorities: %w", err)
	}

	wc := &worker.Config{
		Logger:      logger,
		Consumer:    deps.Broker,
		Publisher:   deps.Broker,
		Router:      deps.Router,
		Retry:       retry.NewController(cfg.RabbitMQ.Queues.Main, cfg.RabbitMQ.Queues.DeadLetter, priorities),
		Notifier:    deps.Notifier,
		Queue:       cfg.RabbitMQ.Queues.Main,
		Concurrency: cfg.Worker.Concurrency,
		WorkerID:    cfg.Worker.ID,
	}
	// a nil *journal.Store must not become a non-nil interface
	if deps.Journal != nil {
		wc.Journal = deps.Journal
	}

	return worker.NewWorker(wc), nil
}

// NewDispatcher builds the dispatcher publishing to the main queue
func NewDispatcher(cfg *config.Config, b broker.Publisher, n notifier.Notifier, logger *slog.Logger) (*dispatcher.Dispatcher, error) {
	priorities, err := cfg.PriorityMap()
	if err != nil {
		return nil, fmt.Errorf("invalid job priorities: %w", err)
	}

	return dispatcher.New(&dispatcher.Config{
		Logger:                logger,
		Publisher:             b,
		Notifier:              n,
		Queue:                 cfg.RabbitMQ.Queues.Main,
		Priorities:            priorities,
		DefaultFaultTolerance: cfg.Job.DefaultFaultTolerance,
		PollInterval:          cfg.Dispatcher.PollInterval,
		DefaultWaitTimeout:    cfg.Dispatcher.DefaultWaitTimeout,
	}), nil
}
