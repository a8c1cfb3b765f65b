// Package events fans job lifecycle events out to observability sinks without
// ever blocking the caller.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"content-job-engine/internal/models"
	"content-job-engine/internal/telemetry"
)

// Kind is the type of a lifecycle event.
type Kind string

const (
	KindClaimed     Kind = "claimed"
	KindRequeued    Kind = "requeued"
	KindDegraded    Kind = "degraded"
	KindCompleted   Kind = "completed"
	KindTerminal    Kind = "terminal"
	KindSwept       Kind = "swept"
	KindAdminAction Kind = "admin_action"
)

// Event describes one lifecycle transition.
type Event struct {
	Kind       Kind                   `json:"kind"`
	JobID      string                 `json:"job_id"`
	WorkerID   string                 `json:"worker_id,omitempty"`
	Status     models.Status          `json:"status,omitempty"`
	RetryCount int                    `json:"retry_count"`
	Category   models.FailureCategory `json:"category,omitempty"`
	Strategy   string                 `json:"strategy,omitempty"`
	Result     string                 `json:"result,omitempty"`
	Action     models.AdminAction     `json:"action,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Delay      time.Duration          `json:"delay,omitempty"`
	At         time.Time              `json:"at"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Emit(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Sink receives events from the emitter's delivery goroutine.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Emitter buffers events and delivers them to sinks in the background. When
// the buffer is full new events are dropped and counted.
type Emitter struct {
	ch      chan Event
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewEmitter creates an emitter and starts its delivery goroutine.
func NewEmitter(buffer int, logger *slog.Logger, sinks ...Sink) *Emitter {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		ch:      make(chan Event, buffer),
		sinks:   sinks,
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
		telemetry.EventsDropped.Inc()
	}
}

// Dropped is the number of events discarded because the buffer was full.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Close stops accepting events and waits until buffered ones are delivered
// or ctx expires.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	e.mu.Unlock()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.ch {
		for _, s := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			if err := s.Handle(ctx, ev); err != nil {
				e.logger.Warn("event sink failed", "sink", s.Name(), "kind", ev.Kind, "job_id", ev.JobID, "error", err)
			}
			cancel()
		}
	}
}
