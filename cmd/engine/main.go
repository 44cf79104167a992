package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohamedkhairy/trading-rules/internal/api"
	"github.com/mohamedkhairy/trading-rules/internal/config"
	"github.com/mohamedkhairy/trading-rules/internal/engine"
	"github.com/mohamedkhairy/trading-rules/internal/pubsub"
	"github.com/mohamedkhairy/trading-rules/internal/rules"
	"github.com/mohamedkhairy/trading-rules/internal/storage"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting trading rule engine",
		logger.Int("port", cfg.API.Port),
		logger.String("store", cfg.Engine.StoreType),
		logger.Int("rate_limit_rps", cfg.API.RateLimitRPS),
		logger.Int("workers", cfg.Engine.WorkerCount),
	)

	checks := make(map[string]api.Pinger)

	// Initialize rule and settings stores
	var ruleStore rules.RuleStore
	var settingsStore rules.SettingsStore
	switch cfg.Engine.StoreType {
	case config.StoreTypePostgres:
		db, err := rules.OpenDatabase(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to initialize rule store",
				logger.ErrorField(err),
			)
		}
		store := rules.NewDatabaseRuleStore(db)
		defer store.Close()

		ruleStore = store
		settingsStore = store
		checks["database"] = store
	default:
		logger.Warn("Using in-memory rule store; rules and executions are lost on restart")
		ruleStore = rules.NewInMemoryRuleStore()
		settingsStore = rules.NewInMemorySettingsStore()
	}

	driverConfig := engine.DriverConfig{
		StoreTimeout:  cfg.Engine.StoreTimeout,
		MaxRetries:    cfg.Engine.MaxRetries,
		RetryDelay:    cfg.Engine.RetryDelay,
		MaxRetryDelay: cfg.Engine.MaxRetryDelay,
		WorkerCount:   cfg.Engine.WorkerCount,
	}
	var opts []engine.Option

	// Initialize Redis client for idempotency keys and the engine streams
	var redisClient storage.RedisClient
	if cfg.Redis.Enabled {
		redisClient, err = pubsub.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to initialize Redis client",
				logger.ErrorField(err),
			)
		}
		defer redisClient.Close()
		checks["redis"] = redisClient

		if cfg.Engine.DedupeEnabled {
			opts = append(opts, engine.WithDeduplicator(engine.NewDeduplicator(redisClient, cfg.Engine.DedupeTTL)))
		}
		if cfg.Engine.ExecutionStream != "" {
			opts = append(opts, engine.WithPublisher(engine.NewPublisher(redisClient, cfg.Engine.ExecutionStream, cfg.Engine.PublishTimeout)))
			logger.Info("Publishing executions",
				logger.String("stream", cfg.Engine.ExecutionStream),
			)
		}
	}

	driver := engine.NewDriver(ruleStore, driverConfig, opts...)

	// Tick observations arriving on the Redis stream
	var consumer *pubsub.ObservationConsumer
	if cfg.Engine.ObservationStream != "" {
		consumer = pubsub.NewObservationConsumer(redisClient, driver, pubsub.DefaultStreamConsumerConfig(
			cfg.Engine.ObservationStream,
			cfg.Engine.ConsumerGroup,
			cfg.Engine.ConsumerName,
		))
		if err := consumer.Start(); err != nil {
			logger.Fatal("Failed to start observation consumer",
				logger.ErrorField(err),
			)
		}
	}

	router := api.NewRouter(api.RouterDeps{
		RuleStore:     ruleStore,
		SettingsStore: settingsStore,
		Driver:        driver,
		Checks:        checks,
	})

	// Start HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      api.NewHandler(router, cfg.API),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server",
			logger.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server",
				logger.ErrorField(err),
			)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down trading rule engine")

	if consumer != nil {
		consumer.Stop()
	}

	// In-flight ticks finish before the stores are closed
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down HTTP server",
			logger.ErrorField(err),
		)
	}

	logger.Info("Trading rule engine stopped")
}
