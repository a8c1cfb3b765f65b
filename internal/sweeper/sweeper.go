// Package sweeper reclaims jobs whose worker stopped heartbeating.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"content-job-engine/internal/config"
	"content-job-engine/internal/events"
	"content-job-engine/internal/models"
	"content-job-engine/internal/queue"
	"content-job-engine/internal/store"
)

// Result counts what one sweep did.
type Result struct {
	Requeued int
	Failed   int
	Skipped  int
}

// Sweeper moves stale processing jobs back to pending, or to error once the
// retry budget is spent. Every move is conditioned on the exact claim it
// observed, so a worker that heartbeats or finishes in between keeps the job.
type Sweeper struct {
	store     store.Store
	events    events.Publisher
	notifier  queue.Notifier
	logger    *slog.Logger
	interval  time.Duration
	threshold time.Duration
	batch     int
	now       func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithNotifier(n queue.Notifier) Option {
	return func(s *Sweeper) { s.notifier = n }
}

// WithClock overrides the time source used for requeued run_at values.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(cfg config.Config, st store.Store, pub events.Publisher, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	s := &Sweeper{
		store:     st,
		events:    pub,
		notifier:  queue.Nop{},
		logger:    logger,
		interval:  cfg.SweepInterval,
		threshold: cfg.StaleThreshold,
		batch:     cfg.SweepBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules SweepOnce every interval. Runs never overlap.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	base := context.WithoutCancel(ctx)
	c := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.SweepOnce(base); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("stale sweeper started", "interval", s.interval, "threshold", s.threshold)
	return nil
}

// Stop halts scheduling and waits for a running sweep, up to ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info("stale sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepOnce reclaims up to one batch of stale jobs.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result
	stale, err := s.store.ListStale(ctx, s.threshold, s.batch)
	if err != nil {
		return res, fmt.Errorf("list stale jobs: %w", err)
	}
	for _, job := range stale {
		to, err := s.reclaim(ctx, job)
		switch {
		case errors.Is(err, store.ErrStateConflict), errors.Is(err, store.ErrJobNotFound):
			res.Skipped++
		case err != nil:
			return res, fmt.Errorf("reclaim job %s: %w", job.ID, err)
		case to == models.StatusPending:
			res.Requeued++
		default:
			res.Failed++
		}
	}
	if len(stale) > 0 {
		s.logger.Info("sweep finished", "stale", len(stale), "requeued", res.Requeued, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res, nil
}

func (s *Sweeper) reclaim(ctx context.Context, job models.Job) (models.Status, error) {
	if job.ClaimedBy == nil || job.ClaimedAt == nil {
		return "", store.ErrStateConflict
	}
	holder := *job.ClaimedBy
	tr := store.Transition{
		JobID:         job.ID,
		From:          []models.Status{models.StatusProcessing},
		ClaimedBy:     holder,
		ClaimedAt:     job.ClaimedAt,
		StaleFor:      s.threshold,
		ClearClaim:    true,
		RetryOverride: ptr(false),
	}
	lastErr := &models.JobError{
		Category: models.CategoryStale,
		Message:  fmt.Sprintf("claim by %s expired without heartbeat", holder),
	}
	if job.RetryCount < job.MaxRetries {
		tr.To = models.StatusPending
		tr.RetryCount = ptr(job.RetryCount + 1)
		tr.RunAt = ptr(s.now())
		lastErr.Retryable = true
	} else {
		tr.To = models.StatusError
	}
	tr.LastError = lastErr

	updated, err := s.store.Transition(ctx, tr)
	if err != nil {
		return "", err
	}
	s.logger.Warn("reclaimed stale job", "job_id", job.ID, "worker_id", holder, "status", updated.Status, "retry_count", updated.RetryCount)
	s.events.Emit(events.Event{
		Kind: events.KindSwept, JobID: job.ID, WorkerID: holder, Status: updated.Status,
		RetryCount: updated.RetryCount, Category: models.CategoryStale, Message: lastErr.Message,
	})
	if updated.Status == models.StatusPending {
		if err := s.notifier.Notify(ctx, job.ID); err != nil {
			s.logger.Debug("ready signal failed", "job_id", job.ID, "error", err)
		}
	}
	return updated.Status, nil
}

func ptr[T any](v T) *T { return &v }
