// Package main is the entry point for the otwatch monitoring backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"otwatch/internal/assets"
	"otwatch/internal/broadcast"
	"otwatch/internal/config"
	"otwatch/internal/consumer"
	"otwatch/internal/correlation"
	"otwatch/internal/enrich"
	"otwatch/internal/ingest"
	"otwatch/internal/kafka"
	"otwatch/internal/logging"
	"otwatch/internal/poller"
	"otwatch/internal/queue"
	"otwatch/internal/schema"
	"otwatch/internal/stats"
	"otwatch/internal/threatstore"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"redis_enabled", cfg.Stats.RedisEnabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"dtls_enabled", cfg.Ingest.DTLS.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize components
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	intakeQueue := queue.NewRingBuffer(cfg.Queue.Size)

	hub := broadcast.NewHub(cfg.Broadcast)
	sse := broadcast.NewSSEHandler(hub, cfg.Stream.SubscriberTimeout)

	// Select the threat and analysis stores
	var (
		store    threatstore.ThreatStore
		analyses threatstore.AnalysisStore
		chClient *threatstore.ClickHouseClient
	)

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = threatstore.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		migrator := threatstore.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		store = threatstore.NewClickHouseStore(chClient)
		analyses = threatstore.NewClickHouseAnalysisStore(chClient)
		slog.Info("storage initialized successfully")
	} else {
		slog.Info("storage disabled, using in-memory stores")
		store = threatstore.NewMemoryStore()
		analyses = threatstore.NewMemoryAnalysisStore()
	}

	// Asset inventory for enrichment
	registry := assets.NewRegistry()
	var assetSource poller.AssetSource
	if cfg.Assets.Inventory != "" {
		source := assets.NewFileSource(cfg.Assets.Inventory)
		if loaded, err := source.FetchAssets(ctx); err != nil {
			slog.Warn("asset inventory unavailable", "path", cfg.Assets.Inventory, "error", err)
		} else {
			registry.Replace(loaded)
			slog.Info("asset inventory loaded", "path", cfg.Assets.Inventory, "assets", registry.Len())
		}
		assetSource = source
	}
	enricher := enrich.New(registry)

	// Correlation engine binding analysis results to threats
	engine := correlation.NewEngine(cfg.Correlation, store, analyses, hub)

	// Stats service with its snapshot cache
	var cache stats.Cache
	if cfg.Stats.RedisEnabled {
		redisCache, err := stats.NewRedisCache(cfg.Stats.Redis)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		cache = redisCache
		slog.Info("redis snapshot cache connected", "addr", cfg.Stats.Redis.Addr)
	} else {
		cache = stats.NewMemoryCache()
	}
	statsSvc := stats.NewService(stats.Config{CacheTTL: cfg.Stats.CacheTTL}, store, analyses, cache).
		WithRegistry(registry)

	// Queue consumer persists threats. The hub is nil here: the poller
	// is the publisher of record for the live streams.
	queueConsumer := consumer.New(intakeQueue, store, enricher, nil, cfg.Consumer)

	// Optional downstream threat topic
	var threatPublisher *kafka.ThreatPublisher
	if cfg.Kafka.Enabled && cfg.Kafka.ThreatTopic != "" {
		threatPublisher, err = kafka.NewThreatPublisher(cfg.Kafka.Stream, cfg.Kafka.ThreatTopic, logger)
		if err != nil {
			slog.Error("failed to create threat publisher", "error", err)
			os.Exit(1)
		}
		queueConsumer.WithSink(threatPublisher)
		slog.Info("downstream threat topic enabled", "topic", cfg.Kafka.ThreatTopic)
	}

	queueConsumer.Start(ctx)

	// Poller streams new threats, stats, and heartbeats to subscribers
	threatPoller := poller.New(cfg.Poller, store, statsSvc, hub, registry, assetSource)
	if err := threatPoller.Start(ctx); err != nil {
		slog.Error("failed to start poller", "error", err)
		os.Exit(1)
	}

	// Optional DTLS sensor listener
	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(dtlsServerConfig(cfg.Ingest.DTLS), validator, store, intakeQueue, logger)
		if err != nil {
			slog.Error("failed to create DTLS listener", "error", err)
			os.Exit(1)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			slog.Error("failed to start DTLS listener", "error", err)
			os.Exit(1)
		}
	}

	// Optional Kafka analysis stream
	var analysisStream *kafka.AnalysisStream
	if cfg.Kafka.Enabled {
		analysisStream, err = kafka.NewAnalysisStream(cfg.Kafka.Stream, engine, logger)
		if err != nil {
			slog.Error("failed to create analysis stream", "error", err)
			os.Exit(1)
		}
		ensureCtx, ensureCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := analysisStream.EnsureTopic(ensureCtx); err != nil {
			slog.Warn("could not ensure analysis topic, consuming anyway", "error", err)
		}
		ensureCancel()
		if err := analysisStream.Start(); err != nil {
			slog.Error("failed to start analysis stream", "error", err)
			os.Exit(1)
		}
		slog.Info("analysis stream started",
			"brokers", cfg.Kafka.Stream.Brokers,
			"topic", cfg.Kafka.Stream.Topic,
		)
	}

	// HTTP surface
	handler := ingest.NewHandler(validator, intakeQueue, store, engine).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		WithStats(statsSvc).
		WithAssets(registry)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(handler.Router(sse), cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting otwatch server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if analysisStream != nil {
		if err := analysisStream.Stop(); err != nil {
			slog.Error("analysis stream stop error", "error", err)
		}
	}

	if dtlsServer != nil {
		dtlsServer.Stop()
	}

	cancel()
	threatPoller.Wait()
	queueConsumer.Stop()

	if threatPublisher != nil {
		if err := threatPublisher.Close(); err != nil {
			slog.Error("threat publisher close error", "error", err)
		}
	}

	if err := cache.Close(); err != nil {
		slog.Error("cache close error", "error", err)
	}

	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	intakeQueue.Close()

	// Log final metrics
	queueMetrics := intakeQueue.Metrics()
	consumerMetrics := queueConsumer.Metrics()
	slog.Info("shutdown complete",
		"threats_pushed", queueMetrics.Pushed,
		"threats_popped", queueMetrics.Popped,
		"threats_dropped", queueMetrics.Dropped,
		"threats_stored", consumerMetrics.Consumed,
		"store_errors", consumerMetrics.Errors,
	)
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: logging.RedactAttr}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// dtlsServerConfig maps the file config onto the listener config.
func dtlsServerConfig(cfg config.DTLSConfig) ingest.DTLSServerConfig {
	return ingest.DTLSServerConfig{
		Address:           cfg.Address,
		CertFile:          cfg.CertFile,
		KeyFile:           cfg.KeyFile,
		CAFile:            cfg.CAFile,
		RequireClientCert: cfg.RequireClientCert,
		Workers:           cfg.Workers,
		MaxMessageSize:    cfg.MaxMessageSize,
		ConnectionTimeout: cfg.ConnectionTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		AllowInsecure:     cfg.AllowInsecure,
	}
}
