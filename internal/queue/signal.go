// Package queue wakes idle workers when jobs become claimable. The job store
// remains the source of truth; a lost or duplicated signal only changes how
// soon a worker polls.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier announces that a job became pending.
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// Waiter blocks until a job is announced or the timeout elapses.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// maxSignals bounds the ready list when no worker is consuming it.
const maxSignals = 1000

// RedisSignal is a Redis list of ready job ids used as a wakeup channel.
type RedisSignal struct {
	client redis.Cmdable
	key    string
}

func NewRedisSignal(client redis.Cmdable, key string) *RedisSignal {
	if key == "" {
		key = "queue:ready"
	}
	return &RedisSignal{client: client, key: key}
}

// Notify pushes jobID onto the ready list, trimming the oldest entries.
func (s *RedisSignal) Notify(ctx context.Context, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key, jobID)
	pipe.LTrim(ctx, s.key, -maxSignals, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait pops one signal, blocking up to timeout. It reports whether a signal
// was received.
func (s *RedisSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := s.client.BLPop(ctx, timeout, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
