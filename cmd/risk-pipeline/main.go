// Package main is the entry point for the risk scoring pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"risk-pipeline/internal/ai"
	"risk-pipeline/internal/alerting"
	"risk-pipeline/internal/analysis"
	"risk-pipeline/internal/analysis/behavior"
	"risk-pipeline/internal/analysis/graph"
	"risk-pipeline/internal/analysis/mev"
	"risk-pipeline/internal/analysis/pattern"
	"risk-pipeline/internal/analysis/score"
	"risk-pipeline/internal/api"
	"risk-pipeline/internal/cache"
	"risk-pipeline/internal/config"
	"risk-pipeline/internal/consumer"
	"risk-pipeline/internal/history"
	"risk-pipeline/internal/ingest"
	"risk-pipeline/internal/ingest/evm"
	"risk-pipeline/internal/kafka"
	"risk-pipeline/internal/logging"
	"risk-pipeline/internal/monitor"
	"risk-pipeline/internal/pipeline"
	"risk-pipeline/internal/profile"
	"risk-pipeline/internal/queue"
	"risk-pipeline/internal/schema"
	"risk-pipeline/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		TimestampFormat: cfg.Logging.TimestampFormat,
	}, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"strict_mode", cfg.Pipeline.StrictMode,
		"queue_size", cfg.Pipeline.QueueSize,
		"workers", cfg.Pipeline.Workers,
		"profile_api", logging.MaskURL(cfg.Profile.APIURL),
		"ai_mode", cfg.AI.Mode,
		"redis_enabled", cfg.Redis.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"evm_enabled", cfg.EVM.Enabled,
	)

	// Sources stop on cancel; the workers get their own context so that
	// queued events can drain after the sources are gone.
	ctx, cancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(context.Background())

	// Cache
	var cacheClient cache.Client
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisClient(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			logger.Error("failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		cacheClient = rc
		logger.Info("redis cache connected", "addr", cfg.Redis.Addr)
	} else {
		cacheClient = cache.NewMemoryClient()
	}

	// Storage
	var (
		chClient     *storage.ClickHouseClient
		batchWriter  *storage.BatchWriter
		eventRepo    *storage.EventRepository
		analysisRepo *storage.AnalysisRepository
		profileRepo  *storage.ProfileRepository
	)
	if cfg.Storage.Enabled {
		logger.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(ctx, cfg.Storage.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		logger.Info("running database migrations")
		if err := storage.NewMigrator(chClient, logger).Run(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		batchWriter = storage.NewBatchWriter(chClient, storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		}, logger)
		eventRepo = storage.NewEventRepository(chClient, cacheClient, logger)
		analysisRepo = storage.NewAnalysisRepository(chClient, cacheClient, logger)
		profileRepo = storage.NewProfileRepository(chClient, cacheClient, logger)
		logger.Info("storage initialized successfully")
	}

	// History
	var store history.Store = history.NewMemoryStore(history.DefaultMaxPerAddress)
	if cfg.Storage.HistoryBackend == "clickhouse" {
		store = eventRepo
	}

	// Profiles
	profiler := buildProfiler(cfg, cacheClient, profileRepo, logger)

	// Monitoring
	registry := monitor.NewRegistry(cfg.Monitoring.MetricsPrefix, cfg.Monitoring.MetricsBuckets)
	mon := monitor.New(registry, monitor.Config{
		Interval: cfg.Monitoring.MetricsInterval,
		Webhooks: monitor.Webhooks{
			Slack:    cfg.Monitoring.Webhooks.Slack,
			DingTalk: cfg.Monitoring.Webhooks.DingTalk,
			Feishu:   cfg.Monitoring.Webhooks.Feishu,
		},
	}, logger)
	if cfg.Monitoring.Enabled {
		mon.Start(ctx)
	}

	// Analysis
	analyzer, err := buildAnalyzer(cfg, store, profiler, mon, logger)
	if err != nil {
		logger.Error("failed to build risk analyzer", "error", err)
		os.Exit(1)
	}

	// Notification
	var producer *kafka.Producer
	if cfg.Kafka.Enabled && cfg.Kafka.AlertsTopic != "" {
		producer, err = kafka.NewProducer(&cfg.Kafka.Config, logger)
		if err != nil {
			logger.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
	}
	delivery := alerting.DefaultDeliveryConfig()
	delivery.MaxRetries = cfg.MaxRetries
	delivery.InitialBackoff = cfg.RetryDelay
	router := alerting.NewRouter(buildChannels(cfg, producer, logger), delivery, logger)

	// Pipeline
	deps := pipeline.Deps{
		Normalizer: ingest.NewNormalizer(schema.NewValidator()),
		Profiler:   profiler,
		Analyzer:   analyzer,
		Monitor:    mon,
		Notifier:   router,
		Store:      store,
	}
	if batchWriter != nil {
		deps.Sink = batchWriter
	}
	pipe, err := pipeline.New(pipeline.Config{
		StrictMode:            cfg.Pipeline.StrictMode,
		EventTimeout:          cfg.Pipeline.EventTimeout,
		ProfileTimeout:        cfg.Profile.FetchTimeout,
		ForceRefreshRiskScore: cfg.Profile.ForceRefreshRiskScore,
		Notification:          cfg.Notification,
	}, deps, logger)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	// Queue and workers
	eventQueue := queue.NewRingBuffer(cfg.Pipeline.QueueSize)
	var flusher consumer.Flusher
	if batchWriter != nil {
		flusher = batchWriter
	}
	workers := consumer.New(eventQueue, pipe, flusher, consumer.Config{
		Workers:      cfg.Pipeline.Workers,
		PollInterval: cfg.Pipeline.PollInterval,
		ShutdownWait: cfg.Pipeline.ShutdownWait,
	}, logger)
	workers.Start(workCtx)

	// Kafka source
	var kafkaConsumer *kafka.Consumer
	kafkaDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		if cfg.Kafka.EnsureTopics {
			admin, err := kafka.NewAdmin(&cfg.Kafka.Config, logger)
			if err != nil {
				logger.Error("failed to create kafka admin", "error", err)
				os.Exit(1)
			}
			if err := admin.EnsureTopics(ctx); err != nil {
				logger.Error("failed to ensure kafka topics", "error", err)
				os.Exit(1)
			}
		}
		if cfg.Kafka.Topic != "" {
			kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka.Config,
				kafka.EnvelopeHandler(eventQueue, cfg.Kafka.EnqueueBackoff), logger)
			if err != nil {
				logger.Error("failed to create kafka consumer", "error", err)
				os.Exit(1)
			}
			go func() {
				defer close(kafkaDone)
				if err := kafkaConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("kafka consumer stopped", "error", err)
				}
			}()
		}
	}
	if kafkaConsumer == nil {
		close(kafkaDone)
	}

	// EVM source
	var poller *evm.Poller
	if cfg.EVM.Enabled {
		poller = evm.NewPoller(cfg.EVM, eventQueue, logger)
		poller.Start(ctx)
	}

	// HTTP
	handler := api.NewHandler(eventQueue, logger).
		WithMaxPayload(cfg.Server.MaxPayloadSize).
		WithMaxBatch(cfg.Server.MaxBatch).
		WithProcessor(pipe).
		WithRegistry(registry)
	var (
		eventStore    api.EventStore
		analysisStore api.AnalysisStore
	)
	if cfg.Storage.HistoryBackend == "clickhouse" {
		eventStore = eventRepo
	}
	if analysisRepo != nil {
		analysisStore = analysisRepo
	}
	handler.WithStores(eventStore, analysisStore)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	alerting.NewHandler(router).RegisterRoutes(mux)

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.WithMiddleware(mux, api.MiddlewareConfig{
			APIKeys:      cfg.Server.APIKeys,
			APIKeyHeader: cfg.Server.APIKeyHeader,
			RateLimit:    cfg.Server.RateLimit,
			Logger:       logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	var metricsServer *http.Server
	if cfg.Monitoring.Enabled && cfg.Monitoring.MetricsPort > 0 && cfg.Monitoring.MetricsPort != cfg.Server.HTTPPort {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", mon.Handler())
		metricsServer = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort),
			Handler:     metricsMux,
			ReadTimeout: cfg.Server.ReadTimeout,
		}
		go func() {
			logger.Info("starting metrics server", "address", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownWait+10*time.Second)
	defer shutdownCancel()

	// Stop accepting events
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	cancel()
	if poller != nil {
		poller.Stop()
	}
	<-kafkaDone
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Close(); err != nil {
			logger.Error("kafka consumer close error", "error", err)
		}
	}

	// Drain queued events, then stop the workers
	eventQueue.Close()
	waitForDrain(eventQueue, cfg.Pipeline.ShutdownWait)
	router.Dispatcher().Stop()
	workers.Stop(shutdownCtx)
	workCancel()

	if batchWriter != nil {
		if err := batchWriter.Close(shutdownCtx); err != nil {
			logger.Error("batch writer close error", "error", err)
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("kafka producer close error", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	mon.Stop()
	registry.Shutdown()
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	}
	if err := cacheClient.Close(); err != nil {
		logger.Error("cache close error", "error", err)
	}

	queueMetrics := eventQueue.Metrics()
	workerMetrics := workers.Metrics()
	logger.Info("shutdown complete",
		"queue_pushed", queueMetrics.Pushed,
		"queue_popped", queueMetrics.Popped,
		"queue_dropped", queueMetrics.Dropped,
		"processed", workerMetrics.Consumed,
		"dropped", workerMetrics.Dropped,
		"errors", workerMetrics.Errors,
	)
}

// buildProfiler prefers the profiling service, then the profiles table,
// then an empty static profiler.
func buildProfiler(cfg *config.Config, c cache.Client, repo *storage.ProfileRepository, logger *slog.Logger) profile.BatchProfiler {
	switch {
	case cfg.Profile.APIURL != "":
		remote := profile.NewHTTPProfiler(profile.Config{
			APIURL:        cfg.Profile.APIURL,
			FetchTimeout:  cfg.Profile.FetchTimeout,
			FetchRetries:  cfg.Profile.FetchRetries,
			MinRetryDelay: cfg.Profile.MinRetryDelay,
			MaxRetryDelay: cfg.Profile.MaxRetryDelay,
			BatchSize:     cfg.Profile.BatchSize,
		}, logger)
		return profile.NewCachedProfiler(remote, c, cfg.Profile.CacheTTL, logger)
	case repo != nil:
		return repo
	default:
		logger.Warn("no profile source configured, addresses get empty profiles")
		return profile.NewStaticProfiler()
	}
}

func buildAnalyzer(cfg *config.Config, store history.Store, profiles profile.BatchProfiler, errs analysis.ErrorRecorder, logger *slog.Logger) (*analysis.RiskAnalyzer, error) {
	weights := make(map[schema.Dimension]float64, len(cfg.Scoring.DimensionWeights))
	for name, w := range cfg.Scoring.DimensionWeights {
		d, err := schema.ParseDimension(name)
		if err != nil {
			return nil, err
		}
		weights[d] = w
	}

	model, err := ai.New(ai.Config{
		Mode:           cfg.AI.Mode,
		Provider:       cfg.AI.Provider,
		Model:          cfg.AI.Model,
		MaxTokens:      cfg.AI.MaxTokens,
		Temperature:    cfg.AI.Temperature,
		LocalModelPath: cfg.AI.LocalModelPath,
		APIURL:         cfg.AI.APIURL,
		APIKey:         cfg.AI.APIKey,
		Timeout:        cfg.AI.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("ai model: %w", err)
	}

	detector := mev.NewDetector(cfg.MEV.KnownBots, logger)
	return analysis.NewRiskAnalyzer(analysis.Config{
		CallTimeout: cfg.Analysis.CallTimeout,
		FailClosed:  cfg.Analysis.FailClosed,
		GraphDepth:  cfg.Analysis.GraphDepth,
	}, analysis.Deps{
		Store:      store,
		MEV:        detector,
		Behavior:   behavior.NewAnalyzer(store, cfg.Behavior, logger),
		Pattern:    pattern.NewAnalyzer(store, detector, logger),
		Graph:      graph.NewAnalyzer(store, profiles, logger),
		Model:      model,
		Calculator: score.NewCalculator(weights, cfg.Scoring.TagWeights),
		Errors:     errs,
	}, logger), nil
}

// buildChannels creates every notification channel the configuration
// supplies credentials for. The log channel is always present.
func buildChannels(cfg *config.Config, producer *kafka.Producer, logger *slog.Logger) []alerting.NotificationChannel {
	channels := []alerting.NotificationChannel{alerting.NewLogChannel(logger)}

	if url := cfg.Monitoring.Webhooks.Slack; url != "" {
		channels = append(channels, alerting.NewSlackChannel(url, cfg.Channels.SlackChannel, cfg.Channels.SlackUsername))
	}
	if url := cfg.Monitoring.Webhooks.DingTalk; url != "" {
		channels = append(channels, alerting.NewDingTalkChannel(url))
	}
	if url := cfg.Monitoring.Webhooks.Feishu; url != "" {
		channels = append(channels, alerting.NewFeishuChannel(url))
	}
	if url := cfg.Channels.WebhookURL; url != "" {
		channels = append(channels, alerting.NewWebhookChannel("webhook", url, cfg.Channels.WebhookHeader))
	}
	if cfg.Channels.TelegramToken != "" && cfg.Channels.TelegramChat != "" {
		channels = append(channels, alerting.NewTelegramChannel(cfg.Channels.TelegramToken, cfg.Channels.TelegramChat))
	}
	if producer != nil {
		channels = append(channels, alerting.NewKafkaChannel(producer))
	}

	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name()
	}
	logger.Info("notification channels configured", "channels", names)
	return channels
}

// waitForDrain blocks until the closed queue is empty or timeout passes.
func waitForDrain(q *queue.RingBuffer, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
