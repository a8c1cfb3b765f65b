package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// RelayRedis feeds events published on a Redis channel by other processes
// into sink until ctx is done. The API uses it to stream worker events to
// WebSocket clients.
func RelayRedis(ctx context.Context, client *redis.Client, channel string, sink Sink, logger *slog.Logger) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			relay(ctx, []byte(msg.Payload), sink, logger)
		}
	}
}

// RelayNATS subscribes to every event kind under subject and feeds sink.
// The returned subscription must be drained by the caller.
func RelayNATS(nc *nats.Conn, subject string, sink Sink, logger *slog.Logger) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject+".>", func(msg *nats.Msg) {
		relay(context.Background(), msg.Data, sink, logger)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func relay(ctx context.Context, data []byte, sink Sink, logger *slog.Logger) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Warn("dropping malformed event", "error", err)
		return
	}
	if err := sink.Handle(ctx, ev); err != nil {
		logger.Warn("relay sink failed", "sink", sink.Name(), "error", err)
	}
}
