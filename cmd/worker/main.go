package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"content-job-engine/internal/config"
	"content-job-engine/internal/content"
	"content-job-engine/internal/degrade"
	"content-job-engine/internal/events"
	"content-job-engine/internal/pipeline"
	"content-job-engine/internal/queue"
	"content-job-engine/internal/ratelimit"
	"content-job-engine/internal/retry"
	"content-job-engine/internal/spool"
	"content-job-engine/internal/store"
	"content-job-engine/internal/sweeper"
	"content-job-engine/internal/telemetry"
	"content-job-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
	}

	sinks := []events.Sink{events.LogSink{Logger: logger}, events.MetricsSink{}}
	if rdb != nil {
		sinks = append(sinks, events.RedisSink{Client: rdb, Channel: cfg.EventsRedisChannel})
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("content-worker-"+cfg.WorkerID))
		if err != nil {
			logger.Error("connect nats", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		sinks = append(sinks, events.NATSSink{Conn: nc, Subject: cfg.NATSSubject})
	}
	emitter := events.NewEmitter(cfg.EventBuffer, logger, sinks...)

	table, err := degrade.DefaultTable().WithOverrides(cfg.DegradeStrategies)
	if err != nil {
		logger.Error("degradation table", "error", err)
		os.Exit(1)
	}
	backoff, err := retry.NewBackoff(cfg.BackoffKind, cfg.BackoffInitial, cfg.BackoffMax)
	if err != nil {
		logger.Error("backoff", "error", err)
		os.Exit(1)
	}

	var tmplSrc string
	if cfg.FallbackTemplate != "" {
		raw, err := os.ReadFile(cfg.FallbackTemplate)
		if err != nil {
			logger.Error("read fallback template", "error", err)
			os.Exit(1)
		}
		tmplSrc = string(raw)
	}
	renderer, err := content.NewTemplateRenderer(tmplSrc)
	if err != nil {
		logger.Error("parse fallback template", "error", err)
		os.Exit(1)
	}
	sp, err := spool.New(ctx, cfg)
	if err != nil {
		logger.Error("manual publish spool", "error", err)
		os.Exit(1)
	}

	var generator content.Generator = content.NewRateLimitedGenerator(
		content.NewHTTPGenerator(cfg.GeneratorURL, cfg.CollaboratorTimeout),
		cfg.GenerationRatePerSec, cfg.GenerationBurst)
	var publisher content.Publisher = content.NewHTTPPublisher(cfg.PublisherURL, cfg.CollaboratorTimeout)
	if rdb != nil {
		bucket := ratelimit.NewTokenBucket(rdb, cfg.PublishRateCapacity, cfg.PublishRateRefillPerSec, time.Hour)
		publisher = ratelimit.NewThrottledPublisher(publisher, bucket, "")
	}
	rules := content.Rules{MinWords: cfg.ValidatorMinWords, RequireTitle: true}

	engine, err := degrade.NewEngine(table, degrade.Deps{
		Generator:         generator,
		Validator:         content.BasicValidator{},
		Renderer:          renderer,
		Spool:             sp,
		Rules:             rules,
		AlternateProfile:  cfg.AlternateProfile,
		DefaultCategories: cfg.DefaultCategories,
	}, logger)
	if err != nil {
		logger.Error("degradation engine", "error", err)
		os.Exit(1)
	}
	p := &pipeline.Pipeline{
		Generator: generator,
		Validator: content.BasicValidator{},
		Taxonomy:  content.NewHTTPTaxonomy(cfg.TaxonomyURL, cfg.CollaboratorTimeout),
		Publisher: publisher,
		Rules:     rules,
	}
	executor := worker.NewExecutor(st, p, retry.NewController(backoff, table), engine, logger,
		worker.WithEvents(emitter),
		worker.WithJobTimeout(cfg.JobTimeout),
	)

	var poolOpts []worker.PoolOption
	var sweepOpts []sweeper.Option
	if rdb != nil {
		ready := queue.NewRedisSignal(rdb, "")
		poolOpts = append(poolOpts, worker.WithWaiter(ready))
		sweepOpts = append(sweepOpts, sweeper.WithNotifier(ready))
	}
	pool := worker.NewPool(cfg, st, executor, emitter, logger, poolOpts...)
	sw := sweeper.New(cfg, st, emitter, logger, sweepOpts...)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	if err := sw.Start(ctx); err != nil {
		logger.Error("start sweeper", "error", err)
		os.Exit(1)
	}
	pool.Start(ctx)
	logger.Info("worker started",
		"worker_id", cfg.WorkerID, "concurrency", cfg.WorkerConcurrency, "max_retries", cfg.MaxRetries,
		"backoff", cfg.BackoffKind, "stale_threshold", cfg.StaleThreshold)

	<-ctx.Done()
	logger.Info("shutting down", "grace", cfg.ShutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("worker pool stopped with in-flight jobs", "error", err)
	}
	if err := sw.Stop(shutdownCtx); err != nil {
		logger.Warn("sweeper stop", "error", err)
	}
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Warn("event emitter close", "error", err, "dropped", emitter.Dropped())
	}
	_ = metricsServer.Shutdown(shutdownCtx)
}
