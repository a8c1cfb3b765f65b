package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"content-job-engine/internal/config"
	"content-job-engine/internal/degrade"
	"content-job-engine/internal/models"
	"content-job-engine/internal/store"
)

func poolConfig(concurrency int) config.Config {
	return config.Config{
		WorkerID:           "w",
		WorkerConcurrency:  concurrency,
		WorkerPollInterval: 10 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPoolCompletesEveryJobOnce(t *testing.T) {
	h := newHarness(t, degrade.DefaultTable(), &scriptedGenerator{}, &stubPublisher{})
	const jobs = 20
	for i := 0; i < jobs; i++ {
		h.submit(t, topic(), 1)
	}

	pool := NewPool(poolConfig(4), h.store, h.exec, nil, quietLogger())
	pool.Start(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		done, _ := h.store.ListJobs(context.Background(), store.ListParams{Status: models.StatusCompleted, Limit: 100})
		return len(done) == jobs
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	seen := make(map[string]int)
	for _, a := range h.pub.published {
		seen[a.JobID]++
	}
	if len(seen) != jobs {
		t.Fatalf("expected %d published jobs, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s published %d times", id, n)
		}
	}
}

func TestPoolStopAbandonsAfterGrace(t *testing.T) {
	gen := &scriptedGenerator{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, degrade.DefaultTable(), gen, &stubPublisher{})
	job := h.submit(t, topic(), 1)

	pool := NewPool(poolConfig(1), h.store, h.exec, nil, quietLogger())
	pool.Start(context.Background())
	<-gen.started

	// heartbeats keep the claim fresh while the job runs
	waitFor(t, 2*time.Second, func() bool {
		return h.job(t, job.ID).HeartbeatAt != nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	got := h.job(t, job.ID)
	if got.Status != models.StatusProcessing || got.ClaimedBy == nil || *got.ClaimedBy != "w-0" {
		t.Fatalf("expected job left claimed by w-0, got %+v", got)
	}
}

func TestPoolStopWaitsForInFlightJob(t *testing.T) {
	gen := &scriptedGenerator{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, degrade.DefaultTable(), gen, &stubPublisher{})
	job := h.submit(t, topic(), 1)

	pool := NewPool(poolConfig(1), h.store, h.exec, nil, quietLogger())
	pool.Start(context.Background())
	<-gen.started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gen.release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := h.job(t, job.ID); got.Status != models.StatusCompleted {
		t.Fatalf("expected completed after graceful stop, got %s", got.Status)
	}
}

type chanWaiter struct{ ch chan struct{} }

func (w chanWaiter) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	select {
	case <-w.ch:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestPoolWakesOnSignal(t *testing.T) {
	h := newHarness(t, degrade.DefaultTable(), &scriptedGenerator{}, &stubPublisher{})
	cfg := poolConfig(1)
	cfg.WorkerPollInterval = time.Hour

	waiter := chanWaiter{ch: make(chan struct{}, 1)}
	pool := NewPool(cfg, h.store, h.exec, nil, quietLogger(), WithWaiter(waiter))
	pool.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	// let the loop find the queue empty and block on the waiter
	time.Sleep(50 * time.Millisecond)
	job := h.submit(t, topic(), 1)
	waiter.ch <- struct{}{}

	waitFor(t, 2*time.Second, func() bool {
		return h.job(t, job.ID).Status == models.StatusCompleted
	})
}
