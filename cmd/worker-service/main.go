package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/jobcore/internal/bootstrap"
	"github.com/cuongbtq/jobcore/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RabbitMQ.Driver == config.BrokerMemory {
		return fmt.Errorf("invalid config: the worker service needs a shared broker; run the api service for in-memory mode")
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := bootstrap.OpenDatabase(&cfg.Database, appLogger.Component("database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	var db *sqlx.DB
	if dbClient != nil {
		defer dbClient.Close()
		db = dbClient.GetDB()
		appLogger.Info("Database connection established")
	}

	brk, err := bootstrap.OpenBroker(&cfg.RabbitMQ, appLogger.Component("broker"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer brk.Close()

	outcomes, err := bootstrap.OpenNotifier(ctx, cfg, appLogger.Component("notifier"))
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	defer outcomes.Close()

	store, err := bootstrap.OpenJournal(ctx, &cfg.Journal, db, appLogger.Component("journal"))
	if err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}

	jobs, err := bootstrap.NewJobRouter(db, appLogger.Component("handlers"))
	if err != nil {
		return err
	}

	w, err := bootstrap.NewWorker(cfg, bootstrap.WorkerDeps{
		Broker:   brk,
		Router:   jobs,
		Notifier: outcomes,
		Journal:  store,
	}, appLogger.Component("worker"))
	if err != nil {
		return err
	}

	// A failing member cancels gctx and stops the others.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Start(gctx)
	})
	if store != nil {
		relay := bootstrap.NewRelay(&cfg.Journal, store, brk, appLogger.Component("relay"))
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		return outcomes.Run(gctx)
	})

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Any("handlers", jobs.Names()),
		slog.Bool("journal", store != nil),
	)

	<-gctx.Done()
	if ctx.Err() != nil {
		appLogger.Info("Received signal, shutting down gracefully")
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Worker service stopped with error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
