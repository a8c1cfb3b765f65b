package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"content-job-engine/internal/config"
	"content-job-engine/internal/events"
	"content-job-engine/internal/models"
	"content-job-engine/internal/queue"
	"content-job-engine/internal/store"
	"content-job-engine/internal/telemetry"
)

// Pool runs a fixed number of executor loops that claim and execute jobs.
type Pool struct {
	store             store.Store
	executor          *Executor
	events            events.Publisher
	logger            *slog.Logger
	workerID          string
	concurrency       int
	pollInterval      time.Duration
	maxIdle           time.Duration
	heartbeatInterval time.Duration
	waiter            queue.Waiter

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopCtx  context.Context
	stopWait context.CancelFunc
	wg       sync.WaitGroup
	hbWG     sync.WaitGroup
	cancel   context.CancelFunc

	activeMu sync.Mutex
	active   map[string]string // job id -> executor id
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWaiter lets idle loops block on ready signals instead of sleeping.
func WithWaiter(w queue.Waiter) PoolOption {
	return func(p *Pool) { p.waiter = w }
}

// NewPool builds a pool from configuration. Executor loops are named
// <WorkerID>-<n> so each claim identifies the exact loop holding it.
func NewPool(cfg config.Config, st store.Store, ex *Executor, pub events.Publisher, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{
		store:             st,
		executor:          ex,
		events:            pub,
		logger:            logger,
		workerID:          cfg.WorkerID,
		concurrency:       concurrency,
		pollInterval:      poll,
		maxIdle:           8 * poll,
		heartbeatInterval: cfg.HeartbeatInterval,
		active:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the executor loops and the heartbeat loop. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stopCtx, p.stopWait = context.WithCancel(context.WithoutCancel(ctx))

	// jobs run under their own context so Stop can let them finish past ctx
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.logger.Info("worker pool starting", "worker_id", p.workerID, "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(runCtx, fmt.Sprintf("%s-%d", p.workerID, i))
	}
	if p.heartbeatInterval > 0 {
		p.hbWG.Add(1)
		go p.heartbeatLoop(runCtx)
	}
}

// Stop stops claiming new work and waits for in-flight jobs. When ctx expires
// first, in-flight jobs are cancelled and left in processing for the sweeper.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.stopWait()
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", "worker_id", p.workerID)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("shutdown grace period elapsed, abandoning in-flight jobs", "jobs", p.activeCount())
		p.cancel()
		<-done
		err = ctx.Err()
	}
	p.cancel()
	p.hbWG.Wait()
	return err
}

func (p *Pool) loop(ctx context.Context, executorID string) {
	defer p.wg.Done()
	idle := p.pollInterval
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.store.ClaimNext(ctx, executorID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.logger.Error("claim failed", "worker_id", executorID, "error", err)
			}
			if !p.sleep(idle) {
				return
			}
			continue
		}
		if job == nil {
			if !p.idle(idle) {
				return
			}
			idle = min(idle*2, p.maxIdle)
			continue
		}
		idle = p.pollInterval

		p.run(ctx, *job, executorID)
	}
}

func (p *Pool) run(ctx context.Context, job models.Job, executorID string) {
	p.track(job.ID, executorID)
	defer p.untrack(job.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	p.logger.Info("job claimed", "job_id", job.ID, "worker_id", executorID, "attempt", job.AttemptIndex(), "retry_count", job.RetryCount)
	p.events.Emit(events.Event{Kind: events.KindClaimed, JobID: job.ID, WorkerID: executorID, Status: models.StatusProcessing, RetryCount: job.RetryCount})

	p.executor.Execute(ctx, job, executorID)
}

// idle waits for a ready signal, or d when no waiter is configured. It
// reports false when stopping.
func (p *Pool) idle(d time.Duration) bool {
	if p.waiter == nil {
		return p.sleep(d)
	}
	if _, err := p.waiter.Wait(p.stopCtx, d); err != nil {
		if p.stopCtx.Err() != nil {
			return false
		}
		p.logger.Warn("ready signal wait failed", "error", err)
		return p.sleep(d)
	}
	select {
	case <-p.stopCh:
		return false
	default:
		return true
	}
}

// sleep waits d or until Stop; it reports false when stopping.
func (p *Pool) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.hbWG.Done()
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for jobID, executorID := range p.snapshot() {
				if err := p.store.Heartbeat(ctx, jobID, executorID); err != nil && !errors.Is(err, context.Canceled) {
					p.logger.Debug("heartbeat rejected", "job_id", jobID, "worker_id", executorID, "error", err)
				}
			}
		}
	}
}

func (p *Pool) track(jobID, executorID string) {
	p.activeMu.Lock()
	p.active[jobID] = executorID
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID string) {
	p.activeMu.Lock()
	delete(p.active, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) activeCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func (p *Pool) snapshot() map[string]string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	out := make(map[string]string, len(p.active))
	for k, v := range p.active {
		out[k] = v
	}
	return out
}
