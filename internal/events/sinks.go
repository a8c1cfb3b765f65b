package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"content-job-engine/internal/telemetry"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Handle(ctx context.Context, ev Event) error {
	attrs := []any{"kind", ev.Kind, "job_id", ev.JobID, "retry_count", ev.RetryCount}
	if ev.WorkerID != "" {
		attrs = append(attrs, "worker_id", ev.WorkerID)
	}
	if ev.Category != "" {
		attrs = append(attrs, "category", ev.Category)
	}
	if ev.Strategy != "" {
		attrs = append(attrs, "strategy", ev.Strategy)
	}
	if ev.Action != "" {
		attrs = append(attrs, "action", ev.Action, "actor", ev.Actor)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}
	s.Logger.InfoContext(ctx, "job event", attrs...)
	return nil
}

// MetricsSink counts events in the Prometheus collectors.
type MetricsSink struct{}

func (MetricsSink) Name() string { return "metrics" }

func (MetricsSink) Handle(_ context.Context, ev Event) error {
	switch ev.Kind {
	case KindClaimed:
		telemetry.JobsClaimed.Inc()
	case KindRequeued:
		telemetry.JobsRequeued.WithLabelValues(string(ev.Category)).Inc()
	case KindDegraded:
		telemetry.JobsDegraded.WithLabelValues(ev.Strategy, ev.Result).Inc()
	case KindCompleted:
		telemetry.JobsCompleted.WithLabelValues(strconv.FormatBool(ev.Strategy != "")).Inc()
	case KindTerminal:
		telemetry.JobsTerminal.WithLabelValues(string(ev.Category)).Inc()
	case KindSwept:
		telemetry.JobsSwept.WithLabelValues(string(ev.Status)).Inc()
	case KindAdminAction:
		telemetry.AdminActions.WithLabelValues(string(ev.Action)).Inc()
	}
	return nil
}

// RedisSink publishes events as JSON on a Redis channel.
type RedisSink struct {
	Client  redis.Cmdable
	Channel string
}

func (RedisSink) Name() string { return "redis" }

func (s RedisSink) Handle(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.Client.Publish(ctx, s.Channel, data).Err()
}

// NATSSink publishes events on <Subject>.<kind>.
type NATSSink struct {
	Conn    *nats.Conn
	Subject string
}

func (NATSSink) Name() string { return "nats" }

func (s NATSSink) Handle(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.Conn.Publish(s.Subject+"."+string(ev.Kind), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
