package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/jobcore/internal/api/handler"
	"github.com/cuongbtq/jobcore/internal/api/router"
	"github.com/cuongbtq/jobcore/internal/bootstrap"
	"github.com/cuongbtq/jobcore/internal/config"
	"github.com/cuongbtq/jobcore/shared/postgresql"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("broker", cfg.RabbitMQ.Driver),
		slog.String("notifier", cfg.Notifier.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brk, err := bootstrap.OpenBroker(&cfg.RabbitMQ, appLogger.Component("broker"))
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	defer brk.Close()

	outcomes, err := bootstrap.OpenNotifier(ctx, cfg, appLogger.Component("notifier"))
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	defer outcomes.Close()
	go outcomes.Run(ctx)

	if !brk.Local() && !outcomes.Shared() {
		appLogger.Warn("Notifier is in-memory while workers run elsewhere; waits will time out",
			slog.String("hint", "set notifier.backend to redis"),
		)
	}

	// With the memory broker, jobs are executed by a worker pool in this process.
	var localDone <-chan struct{}
	if brk.Local() {
		done, err := startLocalWorkers(ctx, cfg, brk, outcomes, appLogger.Logger)
		if err != nil {
			return err
		}
		localDone = done
	}

	d, err := bootstrap.NewDispatcher(cfg, brk, outcomes, appLogger.Component("dispatcher"))
	if err != nil {
		return err
	}

	r := initRouter(cfg, &handler.Dependencies{
		Logger:      appLogger.Component("http"),
		Dispatcher:  d,
		ServiceName: cfg.App.Name,
		Ready:       brk.Ready,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if localDone != nil {
		select {
		case <-localDone:
			appLogger.Info("Local workers stopped")
		case <-shutdownCtx.Done():
			appLogger.Warn("Local worker shutdown timeout exceeded, forcing exit")
		}
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// startLocalWorkers runs a worker pool against the in-process broker until
// ctx is done. The returned channel closes once the pool has drained.
func startLocalWorkers(ctx context.Context, cfg *config.Config, brk *bootstrap.Broker, outcomes *bootstrap.Notifier, logger *slog.Logger) (<-chan struct{}, error) {
	dbClient, err := bootstrap.OpenDatabase(&cfg.Database, logger.With(slog.String("component", "database")))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var db *sqlx.DB
	if dbClient != nil {
		db = dbClient.GetDB()
	}

	jobs, err := bootstrap.NewJobRouter(db, logger.With(slog.String("component", "handlers")))
	if err != nil {
		closeDB(dbClient)
		return nil, err
	}

	w, err := bootstrap.NewWorker(cfg, bootstrap.WorkerDeps{
		Broker:   brk,
		Router:   jobs,
		Notifier: outcomes,
	}, logger.With(slog.String("component", "worker")))
	if err != nil {
		closeDB(dbClient)
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer closeDB(dbClient)
		if err := w.Start(ctx); err != nil {
			logger.Error("Local worker pool failed", slog.Any("error", err))
		}
	}()

	logger.Info("Local worker pool started",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Any("handlers", jobs.Names()),
	)
	return done, nil
}

func closeDB(c *postgresql.Client) {
	if c != nil {
		_ = c.Close()
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{
		AllowedOrigins:    cfg.Server.CORS.AllowedOrigins,
		RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
		Burst:             cfg.Server.RateLimit.Burst,
	})
}
