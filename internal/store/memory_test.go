package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"content-job-engine/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemory() (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemory(WithClock(clock.Now)), clock
}

func submit(t *testing.T, s Store, p SubmitParams) models.Job {
	t.Helper()
	if p.Payload.Topic == "" {
		p.Payload.Topic = "golang"
	}
	job, _, err := s.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory()
	for i := 0; i < 50; i++ {
		submit(t, s, SubmitParams{MaxRetries: 2})
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
		dupes   int
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, worker)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if _, ok := claimed[job.ID]; ok {
					dupes++
				}
				claimed[job.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if dupes != 0 {
		t.Fatalf("expected no duplicate claims, got %d", dupes)
	}
	if len(claimed) != 50 {
		t.Fatalf("expected 50 claimed jobs, got %d", len(claimed))
	}
	for id, worker := range claimed {
		job, _ := s.GetJob(ctx, id)
		if !job.ClaimedByWorker(worker) {
			t.Fatalf("job %s not held by %s", id, worker)
		}
	}
}

func TestSubmitIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory()
	first, reused, err := s.Submit(ctx, SubmitParams{IdempotencyKey: "k1", Payload: models.Payload{Topic: "a"}})
	if err != nil || reused {
		t.Fatalf("first submit: reused=%v err=%v", reused, err)
	}
	second, reused, err := s.Submit(ctx, SubmitParams{IdempotencyKey: "k1", Payload: models.Payload{Topic: "b"}})
	if err != nil || !reused {
		t.Fatalf("second submit: reused=%v err=%v", reused, err)
	}
	if first.ID != second.ID || second.Payload.Topic != "a" {
		t.Fatalf("expected original job back, got %+v", second)
	}
}

func TestClaimOrdering(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestMemory()
	low := submit(t, s, SubmitParams{Priority: 1})
	clock.Advance(time.Second)
	high := submit(t, s, SubmitParams{Priority: 5})
	clock.Advance(time.Second)
	submit(t, s, SubmitParams{Priority: 9, RunAt: clock.Now().Add(time.Hour)})

	job, _ := s.ClaimNext(ctx, "w")
	if job == nil || job.ID != high.ID {
		t.Fatalf("expected high priority job first, got %+v", job)
	}
	job, _ = s.ClaimNext(ctx, "w")
	if job == nil || job.ID != low.ID {
		t.Fatalf("expected low priority job second, got %+v", job)
	}
	if job, _ = s.ClaimNext(ctx, "w"); job != nil {
		t.Fatalf("future job must not be claimable yet, got %s", job.ID)
	}
	clock.Advance(2 * time.Hour)
	if job, _ = s.ClaimNext(ctx, "w"); job == nil {
		t.Fatalf("expected delayed job once run_at passed")
	}
}

func TestTransitionPreconditions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory()
	job := submit(t, s, SubmitParams{})
	claimed, _ := s.ClaimNext(ctx, "w1")

	cases := []struct {
		name string
		tr   Transition
		want error
	}{
		{"missing job", Transition{JobID: "nope", From: []models.Status{models.StatusProcessing}}, ErrJobNotFound},
		{"wrong status", Transition{JobID: job.ID, From: []models.Status{models.StatusPending}}, ErrStateConflict},
		{"wrong worker", Transition{JobID: job.ID, From: []models.Status{models.StatusProcessing}, ClaimedBy: "w2"}, ErrStateConflict},
		{"old claim", Transition{JobID: job.ID, From: []models.Status{models.StatusProcessing}, ClaimedAt: ptr(claimed.ClaimedAt.Add(-time.Second))}, ErrStateConflict},
		{"not stale", Transition{JobID: job.ID, From: []models.Status{models.StatusProcessing}, StaleFor: time.Minute}, ErrStateConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.tr.To = models.StatusPending
			if _, err := s.Transition(ctx, tc.tr); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	done, err := s.Transition(ctx, Transition{
		JobID:      job.ID,
		From:       []models.Status{models.StatusProcessing},
		ClaimedBy:  "w1",
		To:         models.StatusCompleted,
		ClearClaim: true,
		Result:     &models.Result{Title: "t", WordCount: 10},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.ClaimedBy != nil || done.Result == nil {
		t.Fatalf("unexpected completed job %+v", done)
	}
}

func TestTransitionWritesAudit(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory()
	job := submit(t, s, SubmitParams{})
	_, err := s.Transition(ctx, Transition{
		JobID: job.ID,
		From:  []models.Status{models.StatusPending},
		To:    models.StatusCancelled,
		Audit: &models.AdminAuditEntry{Actor: "ops", Action: models.ActionCancel, JobID: job.ID, FromStatus: models.StatusPending, ToStatus: models.StatusCancelled},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	entries, _ := s.ListAudit(ctx, job.ID, 10)
	if len(entries) != 1 || entries[0].Actor != "ops" || entries[0].ID == "" {
		t.Fatalf("unexpected audit entries %+v", entries)
	}

	// a rejected transition leaves no audit trail
	_, err = s.Transition(ctx, Transition{
		JobID: job.ID,
		From:  []models.Status{models.StatusPending},
		To:    models.StatusCancelled,
		Audit: &models.AdminAuditEntry{Actor: "ops", Action: models.ActionCancel, JobID: job.ID},
	})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if entries, _ = s.ListAudit(ctx, "", 10); len(entries) != 1 {
		t.Fatalf("expected single audit entry, got %d", len(entries))
	}
}

func TestHeartbeatAndStaleListing(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestMemory()
	a := submit(t, s, SubmitParams{})
	b := submit(t, s, SubmitParams{})
	s.ClaimNext(ctx, "w1")
	s.ClaimNext(ctx, "w2")

	clock.Advance(4 * time.Minute)
	if err := s.Heartbeat(ctx, b.ID, "w2"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := s.Heartbeat(ctx, b.ID, "w1"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected conflict for foreign heartbeat, got %v", err)
	}
	clock.Advance(2 * time.Minute)

	stale, err := s.ListStale(ctx, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != a.ID {
		t.Fatalf("expected only %s stale, got %+v", a.ID, stale)
	}

	if _, err := s.Transition(ctx, Transition{
		JobID:      a.ID,
		From:       []models.Status{models.StatusProcessing},
		ClaimedBy:  "w1",
		ClaimedAt:  stale[0].ClaimedAt,
		StaleFor:   5 * time.Minute,
		To:         models.StatusPending,
		ClearClaim: true,
	}); err != nil {
		t.Fatalf("reclaim stale: %v", err)
	}
}

func TestRunsAreImmutableOnceFinished(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestMemory()
	job := submit(t, s, SubmitParams{})
	run := models.JobRun{ID: "run-1", JobID: job.ID, WorkerID: "w", StartedAt: clock.Now()}
	if err := s.StartRun(ctx, run); err != nil {
		t.Fatalf("start run: %v", err)
	}
	outcome := models.OutcomeCompleted
	run.Outcome = &outcome
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	terminal := models.OutcomeTerminal
	run.Outcome = &terminal
	if err := s.FinishRun(ctx, run); !errors.Is(err, ErrRunClosed) {
		t.Fatalf("expected ErrRunClosed, got %v", err)
	}
	runs, _ := s.ListRuns(ctx, job.ID)
	if len(runs) != 1 || *runs[0].Outcome != models.OutcomeCompleted {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func ptr[T any](v T) *T { return &v }
