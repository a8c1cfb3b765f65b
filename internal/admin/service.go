// Package admin implements operator overrides of the job state machine.
// Every accepted call is a single conditional update that also appends an
// audit entry.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"content-job-engine/internal/events"
	"content-job-engine/internal/models"
	"content-job-engine/internal/queue"
	"content-job-engine/internal/store"
)

var (
	// ErrInvalidTransition is returned when the requested change is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRetryLimitReached is returned when retrying a job whose retry budget is
	// spent without overriding the limit.
	ErrRetryLimitReached = errors.New("retry limit reached")
	ErrReasonRequired    = errors.New("reason is required")
	ErrActorRequired     = errors.New("actor is required")
)

// conflictRetries bounds how often a call re-reads a job that changed
// between the read and the conditional write.
const conflictRetries = 3

// Request identifies who asks for a change and why.
type Request struct {
	Actor  string
	Reason string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Actor) == "" {
		return ErrActorRequired
	}
	if strings.TrimSpace(r.Reason) == "" {
		return ErrReasonRequired
	}
	return nil
}

// BulkResult is the outcome of one id in a BulkRetry call.
type BulkResult struct {
	JobID string      `json:"job_id"`
	Job   *models.Job `json:"job,omitempty"`
	Err   error       `json:"-"`
	Error string      `json:"error,omitempty"`
}

// Service applies admin actions.
type Service struct {
	store    store.Store
	events   events.Publisher
	notifier queue.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithNotifier signals idle workers when a job is put back to pending.
func WithNotifier(n queue.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, pub events.Publisher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	s := &Service{
		store:    st,
		events:   pub,
		notifier: queue.Nop{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retry puts a pending, error or cancelled job back to pending, runnable
// now. The degradation sequence restarts and retry_count is kept. When the
// retry budget is spent the call needs overrideLimit, which grants exactly one
// more attempt.
func (s *Service) Retry(ctx context.Context, id string, req Request, overrideLimit bool) (models.Job, error) {
	return s.retry(ctx, id, req, overrideLimit, models.ActionRetry)
}

// BulkRetry retries each job independently; one failure does not stop the rest.
func (s *Service) BulkRetry(ctx context.Context, ids []string, req Request) ([]BulkResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	out := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		res := BulkResult{JobID: id}
		job, err := s.retry(ctx, id, req, false, models.ActionBulkRetry)
		if err != nil {
			res.Err, res.Error = err, err.Error()
		} else {
			res.Job = &job
		}
		out = append(out, res)
	}
	return out, nil
}

// Cancel moves a pending or processing job to cancelled. A worker running the
// job is not interrupted; its final write is rejected.
func (s *Service) Cancel(ctx context.Context, id string, req Request) (models.Job, error) {
	return s.apply(ctx, id, req, models.ActionCancel, func(job models.Job) (store.Transition, error) {
		if !allowed(models.ActionCancel, job.Status, models.StatusCancelled) {
			return store.Transition{}, invalid(job.Status, models.StatusCancelled)
		}
		return store.Transition{
			To:            models.StatusCancelled,
			ClearClaim:    true,
			RetryOverride: ptr(false),
		}, nil
	})
}

// SetStatus forces a job into status to, within the admin state machine.
func (s *Service) SetStatus(ctx context.Context, id string, to models.Status, req Request) (models.Job, error) {
	if !to.Valid() {
		return models.Job{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	return s.apply(ctx, id, req, models.ActionSetStatus, func(job models.Job) (store.Transition, error) {
		if !allowed(models.ActionSetStatus, job.Status, to) {
			return store.Transition{}, invalid(job.Status, to)
		}
		tr := store.Transition{To: to, ClearClaim: true, RetryOverride: ptr(false)}
		if to == models.StatusPending {
			tr.RunAt = ptr(s.now())
		}
		return tr, nil
	})
}

func (s *Service) retry(ctx context.Context, id string, req Request, overrideLimit bool, action models.AdminAction) (models.Job, error) {
	return s.apply(ctx, id, req, action, func(job models.Job) (store.Transition, error) {
		if !allowed(models.ActionRetry, job.Status, models.StatusPending) {
			return store.Transition{}, invalid(job.Status, models.StatusPending)
		}
		override := false
		if job.RetryCount >= job.MaxRetries {
			if !overrideLimit {
				return store.Transition{}, fmt.Errorf("%w: retry_count %d of %d", ErrRetryLimitReached, job.RetryCount, job.MaxRetries)
			}
			override = true
		}
		return store.Transition{
			To:               models.StatusPending,
			RunAt:            ptr(s.now()),
			ClearClaim:       true,
			ResetDegradation: true,
			RetryOverride:    ptr(override),
		}, nil
	})
}

// apply reads the job, lets plan validate the change against the observed
// status, and writes it conditioned on that status. A concurrent change is
// re-read and re-validated.
func (s *Service) apply(ctx context.Context, id string, req Request, action models.AdminAction, plan func(models.Job) (store.Transition, error)) (models.Job, error) {
	if err := req.validate(); err != nil {
		return models.Job{}, err
	}
	var lastErr error
	for i := 0; i < conflictRetries; i++ {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		tr, err := plan(job)
		if err != nil {
			return models.Job{}, err
		}
		tr.JobID = id
		tr.From = []models.Status{job.Status}
		tr.Audit = &models.AdminAuditEntry{
			Actor:         req.Actor,
			Action:        action,
			JobID:         id,
			Reason:        req.Reason,
			FromStatus:    job.Status,
			ToStatus:      tr.To,
			LimitOverride: tr.RetryOverride != nil && *tr.RetryOverride,
		}

		updated, err := s.store.Transition(ctx, tr)
		if errors.Is(err, store.ErrStateConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return models.Job{}, fmt.Errorf("%s job %s: %w", action, id, err)
		}
		s.logger.Info("admin action applied",
			"job_id", id, "action", action, "actor", req.Actor, "from", job.Status, "to", updated.Status,
			"limit_overridden", tr.Audit.LimitOverride, "reason", req.Reason)
		s.events.Emit(events.Event{
			Kind: events.KindAdminAction, JobID: id, Status: updated.Status, RetryCount: updated.RetryCount,
			Action: action, Actor: req.Actor, Message: req.Reason,
		})
		if updated.Status == models.StatusPending {
			if err := s.notifier.Notify(ctx, id); err != nil {
				s.logger.Debug("ready signal failed", "job_id", id, "error", err)
			}
		}
		return updated, nil
	}
	return models.Job{}, fmt.Errorf("%s job %s: %w", action, id, lastErr)
}

func invalid(from, to models.Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func ptr[T any](v T) *T { return &v }
