/**
 * @description
 * This is the main entry point for the donor-service.
 * It initializes and wires together all the components of the application:
 * configuration, database connection and migrations, repository, service,
 * extension hooks, the RabbitMQ event producer, and the HTTP router.
 * Finally, it starts the HTTP server to listen for incoming requests.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/donorops/donor-service/database"
	"github.com/donorops/donor-service/internal/api"
	"github.com/donorops/donor-service/internal/app"
	"github.com/donorops/donor-service/internal/config"
	"github.com/donorops/donor-service/internal/domain"
	"github.com/donorops/donor-service/internal/store"
	"github.com/donorops/donor-service/pkg/rabbitmq"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load application configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up channel to listen for OS signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Apply schema migrations before the pool is handed out
	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Establish connection to the PostgreSQL database with connection pool configuration
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = 20
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	// Simple protocol keeps the service compatible with transaction-pooling
	// proxies like PgBouncer.
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Donor mutation events fan out to RabbitMQ; fall back to a no-op
	// publisher when the broker is unreachable so the admin API stays up.
	var producer rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		producer, err = rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("rabbitmq unavailable, donor events will not be published", "error", err)
			producer = &rabbitmq.EventProducerFallback{}
		}
	} else {
		producer = &rabbitmq.EventProducerFallback{}
	}
	defer producer.Close()

	// Initialize application layers
	hooks := app.NewHooks()
	hooks.Register(func(ctx context.Context, ev domain.Event) {
		logger.Info("donor event", "event", ev.Name, "donor_id", ev.DonorID)
	})
	hooks.Register(func(ctx context.Context, ev domain.Event) {
		// Only completed mutations leave the process.
		if !strings.Contains(ev.Name, ".post_") {
			return
		}
		if err := producer.PublishDonorEvent(ctx, cfg.DonorEventsExchange, ev); err != nil {
			logger.Warn("donor event publish failed", "event", ev.Name, "error", err)
		}
	})

	repository := store.NewPostgresRepository(dbpool)
	service := app.NewService(repository, hooks, logger)
	nonces := api.NewNonceManager(cfg.NonceSecret, time.Duration(cfg.NonceTTLSeconds)*time.Second)
	handler := api.NewHandler(service, nonces)
	router := api.NewRouter(handler, cfg.AuthTokenSecret)

	// Configure and start the HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for an OS signal
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
