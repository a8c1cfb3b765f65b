package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"content-job-engine/internal/degrade"
	"content-job-engine/internal/events"
	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
	"content-job-engine/internal/pipeline"
	"content-job-engine/internal/retry"
	"content-job-engine/internal/store"
	"content-job-engine/internal/telemetry"
)

// errClaimLost stops the pipeline once the job was cancelled or reclaimed
// while this worker was still running it.
var errClaimLost = errors.New("claim no longer held")

// errJobTimeout marks a stage or strategy that did not return within the job
// timeout.
var errJobTimeout = errors.New("job timeout exceeded")

// finishTimeout bounds the store writes made after an attempt, which run
// even when the worker is shutting down.
const finishTimeout = 10 * time.Second

// Executor runs one claimed job to a single outcome.
type Executor struct {
	store      store.Store
	pipeline   *pipeline.Pipeline
	controller *retry.Controller
	engine     *degrade.Engine
	events     events.Publisher
	tracer     trace.Tracer
	logger     *slog.Logger
	timeout    time.Duration
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p events.Publisher) ExecutorOption {
	return func(e *Executor) { e.events = p }
}

// WithJobTimeout bounds each pipeline pass and each degradation strategy of
// an execution.
func WithJobTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

func NewExecutor(st store.Store, p *pipeline.Pipeline, c *retry.Controller, eng *degrade.Engine, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:      st,
		pipeline:   p,
		controller: c,
		engine:     eng,
		events:     events.Nop{},
		tracer:     telemetry.Tracer(nil),
		logger:     logger,
		timeout:    2 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// attempt accumulates what one execution did.
type attempt struct {
	job        models.Job
	workerID   string
	run        models.JobRun
	work       *pipeline.Work
	strategies []string
}

// Execute runs job, which must be claimed by workerID, and applies the
// resulting transition. ctx is the worker's lifetime: when it is cancelled
// mid-run the job is abandoned in processing for the sweeper to reclaim.
func (e *Executor) Execute(ctx context.Context, job models.Job, workerID string) models.RunOutcome {
	ctx, span := e.tracer.Start(ctx, "content.job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("worker.id", workerID),
		attribute.Int("job.retry_count", job.RetryCount),
		attribute.Int("job.attempt", job.AttemptIndex()),
	))
	defer span.End()

	a := &attempt{
		job:      job,
		workerID: workerID,
		run: models.JobRun{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			WorkerID:  workerID,
			Attempt:   job.AttemptIndex(),
			StartedAt: e.now(),
		},
	}
	if err := e.store.StartRun(ctx, a.run); err != nil {
		e.logger.Error("start run failed", "job_id", job.ID, "worker_id", workerID, "error", err)
	}

	outcome, runErr := e.execute(ctx, a)

	span.SetAttributes(attribute.String("job.outcome", string(outcome)))
	if runErr != nil {
		span.RecordError(runErr)
		if outcome == models.OutcomeTerminal || outcome == models.OutcomeRequeued {
			span.SetStatus(codes.Error, runErr.Error())
		}
	}
	e.finishRun(ctx, a, outcome, runErr)
	return outcome
}

func (e *Executor) execute(ctx context.Context, a *attempt) (models.RunOutcome, error) {
	w, err := pipeline.NewWork(a.job)
	if err != nil {
		return e.apply(ctx, a, e.controller.OnFailure(a.job, err))
	}
	a.work = w

	from := pipeline.StageGenerate
	for {
		stage, err := e.runStages(ctx, a, from)
		if err == nil {
			return e.complete(ctx, a)
		}
		if errors.Is(err, errClaimLost) {
			e.logger.Info("job claim lost mid-run", "job_id", a.job.ID, "worker_id", a.workerID, "stage", stage.String())
			return models.OutcomeNoop, err
		}
		if ctx.Err() != nil {
			e.logger.Warn("job abandoned on shutdown", "job_id", a.job.ID, "worker_id", a.workerID, "stage", stage.String())
			return models.OutcomeAbandoned, err
		}

		action := e.controller.OnFailure(a.job, err)
		e.logger.Info("job attempt failed",
			"job_id", a.job.ID, "worker_id", a.workerID, "attempt", a.run.Attempt,
			"stage", stage.String(), "category", action.Failure.Category,
			"retryable", action.Failure.Retryable, "action", action.Kind, "error", err)
		if action.Kind != retry.Degrade {
			return e.apply(ctx, a, action)
		}

		cat := action.Failure.Category
		out := e.runStrategy(ctx, a, cat)
		if ctx.Err() != nil {
			return models.OutcomeAbandoned, ctx.Err()
		}
		a.run.Decisions = append(a.run.Decisions, out.Decision)
		e.events.Emit(events.Event{
			Kind: events.KindDegraded, JobID: a.job.ID, WorkerID: a.workerID, RetryCount: a.job.RetryCount,
			Category: cat, Strategy: string(out.Strategy), Result: string(out.Decision.Result),
		})
		switch {
		case out.Succeeded():
			a.strategies = append(a.strategies, string(out.Strategy))
			from = stage + 1
		case out.Exhausted():
			action.Kind = retry.Terminal
			return e.apply(ctx, a, action)
		default:
			next := e.controller.AfterStrategyFailure(a.job, cat, errors.New(out.Decision.Error))
			return e.apply(ctx, a, next)
		}
	}
}

// runStages runs the pipeline from `from` under the job timeout. A stage that
// outlives the timeout, even one whose collaborator ignores ctx, fails with
// errJobTimeout in that stage's category.
func (e *Executor) runStages(ctx context.Context, a *attempt, from pipeline.Stage) (pipeline.Stage, error) {
	jobCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var current atomic.Int32
	current.Store(int32(from))
	claimed := e.checkpoint(a)
	check := func(ctx context.Context, done pipeline.Stage) error {
		current.Store(int32(done + 1))
		return claimed(ctx, done)
	}

	res, ok := bounded(jobCtx, a.work, func(w *pipeline.Work) stageResult {
		stage, err := e.pipeline.Run(jobCtx, w, from, check)
		return stageResult{stage: stage, err: err}
	})
	if ok {
		return res.stage, res.err
	}
	stage := pipeline.Stage(current.Load())
	if ctx.Err() == nil {
		e.logger.Warn("stage outlived job timeout", "job_id", a.job.ID, "worker_id", a.workerID, "stage", stage.String(), "timeout", e.timeout)
	}
	return stage, failure.Transient(stage.Category(), fmt.Errorf("%s stage: %w", stage, errJobTimeout))
}

// runStrategy gives the selected strategy its own timeout, since the job's
// may already be spent when the failure was a timeout.
func (e *Executor) runStrategy(ctx context.Context, a *attempt, cat models.FailureCategory) degrade.Outcome {
	attemptIdx := a.job.AttemptIndex()
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, ok := bounded(sctx, a.work, func(w *pipeline.Work) degrade.Outcome {
		return e.engine.Degrade(sctx, cat, attemptIdx, w)
	})
	if ok {
		return out
	}
	name, _ := e.engine.Select(cat, attemptIdx)
	e.logger.Warn("degradation strategy outlived job timeout", "job_id", a.job.ID, "strategy", name, "timeout", e.timeout)
	return degrade.Outcome{Strategy: name, Decision: models.DegradationDecision{
		Category: cat,
		Attempt:  attemptIdx,
		Strategy: string(name),
		Result:   models.DegradeFailed,
		Error:    errJobTimeout.Error(),
	}}
}

type stageResult struct {
	stage pipeline.Stage
	err   error
}

// bounded runs fn on a copy of w and waits for it or for ctx. The copy
// replaces w only when fn returns first, so a call left running past the
// deadline never writes to w again.
func bounded[T any](ctx context.Context, w *pipeline.Work, fn func(*pipeline.Work) T) (T, bool) {
	cp := *w
	cp.Categories = slices.Clone(w.Categories)
	done := make(chan T, 1)
	go func() { done <- fn(&cp) }()

	select {
	case res := <-done:
		*w = cp
		return res, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// checkpoint re-reads the job after each stage so a cancellation issued while
// an external call was in flight stops the run.
func (e *Executor) checkpoint(a *attempt) pipeline.Checkpoint {
	return func(ctx context.Context, _ pipeline.Stage) error {
		current, err := e.store.GetJob(ctx, a.job.ID)
		if err != nil {
			// the final conditional update still rejects a lost claim
			e.logger.Warn("checkpoint read failed", "job_id", a.job.ID, "error", err)
			return nil
		}
		if !a.holds(current) {
			return errClaimLost
		}
		return nil
	}
}

// holds reports whether current still carries the claim this attempt started
// with. Executor ids repeat across processes sharing a hostname, so the claim
// time is compared too.
func (a *attempt) holds(current models.Job) bool {
	if !current.ClaimedByWorker(a.workerID) {
		return false
	}
	if a.job.ClaimedAt == nil {
		return true
	}
	return current.ClaimedAt != nil && current.ClaimedAt.Equal(*a.job.ClaimedAt)
}

func (e *Executor) complete(ctx context.Context, a *attempt) (models.RunOutcome, error) {
	result := a.work.Result()
	tr := store.Transition{
		JobID:          a.job.ID,
		From:           []models.Status{models.StatusProcessing},
		ClaimedBy:      a.workerID,
		ClaimedAt:      a.job.ClaimedAt,
		To:             models.StatusCompleted,
		ClearClaim:     true,
		ClearLastError: true,
		Result:         &result,
		RetryOverride:  ptr(false),
	}
	outcome := models.OutcomeCompleted
	if len(a.strategies) > 0 {
		used := strings.Join(a.strategies, ",")
		tr.StrategyUsed = &used
		outcome = models.OutcomeDegraded
	}
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if _, err := e.store.Transition(wctx, tr); err != nil {
		return e.transitionFailed(a, err)
	}
	e.logger.Info("job completed", "job_id", a.job.ID, "worker_id", a.workerID, "attempt", a.run.Attempt, "strategy", strings.Join(a.strategies, ","))
	e.events.Emit(events.Event{
		Kind: events.KindCompleted, JobID: a.job.ID, WorkerID: a.workerID, Status: models.StatusCompleted,
		RetryCount: a.job.RetryCount, Strategy: strings.Join(a.strategies, ","),
	})
	return outcome, nil
}

// apply persists a Requeue or Terminal action.
func (e *Executor) apply(ctx context.Context, a *attempt, action retry.Action) (models.RunOutcome, error) {
	ferr := action.Failure
	tr := store.Transition{
		JobID:      a.job.ID,
		From:       []models.Status{models.StatusProcessing},
		ClaimedBy:  a.workerID,
		ClaimedAt:  a.job.ClaimedAt,
		ClearClaim: true,
		LastError:  ferr.JobError(),
	}
	if action.ConsumeOverride {
		tr.RetryOverride = ptr(false)
	}

	var (
		outcome models.RunOutcome
		ev      events.Event
	)
	switch action.Kind {
	case retry.Requeue:
		runAt := e.now().Add(action.Delay)
		tr.To = models.StatusPending
		tr.RunAt = &runAt
		tr.RetryCount = ptr(action.RetryCount)
		if action.DegradeAttempts != a.job.DegradeAttempts {
			tr.DegradeAttempts = ptr(action.DegradeAttempts)
			tr.DegradeCategory = &ferr.Category
		}
		outcome = models.OutcomeRequeued
		ev = events.Event{Kind: events.KindRequeued, Status: models.StatusPending, RetryCount: action.RetryCount, Delay: action.Delay}
	default:
		tr.To = models.StatusError
		outcome = models.OutcomeTerminal
		ev = events.Event{Kind: events.KindTerminal, Status: models.StatusError, RetryCount: action.RetryCount}
	}

	wctx, cancel := writeContext(ctx)
	defer cancel()
	if _, err := e.store.Transition(wctx, tr); err != nil {
		return e.transitionFailed(a, err)
	}
	e.logger.Info("job transitioned", "job_id", a.job.ID, "worker_id", a.workerID, "status", tr.To,
		"retry_count", action.RetryCount, "degrade_attempts", action.DegradeAttempts, "category", ferr.Category, "delay", action.Delay)

	ev.JobID, ev.WorkerID, ev.Category, ev.Message = a.job.ID, a.workerID, ferr.Category, ferr.Error()
	e.events.Emit(ev)
	return outcome, ferr
}

// transitionFailed handles a rejected final write. A state conflict means an
// admin or the sweeper moved the job first, and their transition stands.
func (e *Executor) transitionFailed(a *attempt, err error) (models.RunOutcome, error) {
	if errors.Is(err, store.ErrStateConflict) {
		e.logger.Info("completion discarded, job changed under worker", "job_id", a.job.ID, "worker_id", a.workerID)
		return models.OutcomeNoop, err
	}
	e.logger.Error("job transition failed", "job_id", a.job.ID, "worker_id", a.workerID, "error", err)
	return models.OutcomeAbandoned, err
}

func (e *Executor) finishRun(ctx context.Context, a *attempt, outcome models.RunOutcome, runErr error) {
	finished := e.now()
	a.run.FinishedAt = &finished
	a.run.Outcome = &outcome
	a.run.Duration = finished.Sub(a.run.StartedAt)
	if runErr != nil {
		a.run.Error = failure.Classify(runErr, models.CategoryGeneration).JobError()
	}
	telemetry.RunDuration.WithLabelValues(string(outcome)).Observe(a.run.Duration.Seconds())

	wctx, cancel := writeContext(ctx)
	defer cancel()
	if err := e.store.FinishRun(wctx, a.run); err != nil {
		e.logger.Error("finish run failed", "job_id", a.job.ID, "run_id", a.run.ID, "error", err)
	}
}

func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
}

func ptr[T any](v T) *T { return &v }
