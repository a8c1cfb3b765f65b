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

	"content-job-engine/internal/admin"
	api "content-job-engine/internal/api"
	"content-job-engine/internal/config"
	"content-job-engine/internal/events"
	"content-job-engine/internal/queue"
	"content-job-engine/internal/store"
	"content-job-engine/internal/telemetry"
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

	hub := events.NewHub(logger)
	defer hub.Close()
	sinks := []events.Sink{events.LogSink{Logger: logger}, events.MetricsSink{}}
	relayed := false

	var opts []api.Option
	var adminOpts []admin.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		ready := queue.NewRedisSignal(rdb, "")
		opts = append(opts, api.WithNotifier(ready))
		adminOpts = append(adminOpts, admin.WithNotifier(ready))
		sinks = append(sinks, events.RedisSink{Client: rdb, Channel: cfg.EventsRedisChannel})

		// worker and API events both reach WebSocket clients through the shared channel
		relayed = true
		go func() {
			if err := events.RelayRedis(ctx, rdb, cfg.EventsRedisChannel, hub, logger); err != nil {
				logger.Error("event relay stopped", "error", err)
			}
		}()
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("content-api"))
		if err != nil {
			logger.Error("connect nats", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		sinks = append(sinks, events.NATSSink{Conn: nc, Subject: cfg.NATSSubject})
		if !relayed {
			if _, err := events.RelayNATS(nc, cfg.NATSSubject, hub, logger); err != nil {
				logger.Error("nats relay", "error", err)
			} else {
				relayed = true
			}
		}
	}
	if !relayed {
		sinks = append(sinks, hub)
	}
	emitter := events.NewEmitter(cfg.EventBuffer, logger, sinks...)

	adminSvc := admin.NewService(st, emitter, logger, adminOpts...)
	opts = append(opts, api.WithLogger(logger), api.WithEventStream(hub))
	server := api.New(cfg, st, adminSvc, opts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := emitter.Close(shutdownCtx); err != nil {
		logger.Warn("event emitter close", "error", err, "dropped", emitter.Dropped())
	}
}
