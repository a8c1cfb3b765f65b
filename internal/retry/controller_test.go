package retry

import (
	"errors"
	"testing"
	"time"

	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
)

type table map[models.FailureCategory]int

func (t table) HasStrategy(cat models.FailureCategory, attempt int) bool {
	return attempt >= 0 && attempt < t[cat]
}

var genStrategies = table{models.CategoryGeneration: 3, models.CategoryPublish: 1}

func newController() *Controller {
	return NewController(Exponential{Initial: time.Second, Max: time.Minute}, genStrategies)
}

func TestOnFailure(t *testing.T) {
	transient := failure.Transient(models.CategoryGeneration, errors.New("timeout"))
	cases := []struct {
		name      string
		job       models.Job
		err       error
		want      Kind
		wantCount int
	}{
		{"permanent is terminal", models.Job{MaxRetries: 3}, failure.Permanent(models.CategoryInput, errors.New("bad topic")), Terminal, 0},
		{"first retry", models.Job{MaxRetries: 2}, transient, Requeue, 1},
		{"last retry", models.Job{MaxRetries: 2, RetryCount: 1}, transient, Requeue, 2},
		{"exhausted with strategy", models.Job{MaxRetries: 2, RetryCount: 2}, transient, Degrade, 2},
		{"exhausted past strategies", models.Job{MaxRetries: 2, RetryCount: 2, DegradeAttempts: 1}, transient, Terminal, 2},
		{"exhausted no strategies", models.Job{MaxRetries: 1, RetryCount: 1}, failure.Transient(models.CategoryTaxonomy, errors.New("503")), Terminal, 1},
		{"untagged error is transient generation", models.Job{MaxRetries: 1}, errors.New("connection reset"), Requeue, 1},
		{"override attempt skips requeue", models.Job{MaxRetries: 2, RetryCount: 2, RetryOverride: true}, transient, Degrade, 2},
	}
	c := newController()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.OnFailure(tc.job, tc.err)
			if got.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Kind)
			}
			if got.RetryCount != tc.wantCount {
				t.Fatalf("expected retry_count %d, got %d", tc.wantCount, got.RetryCount)
			}
			if got.RetryCount > tc.job.MaxRetries && !tc.job.RetryOverride {
				t.Fatalf("retry_count %d exceeds max %d", got.RetryCount, tc.job.MaxRetries)
			}
			if got.ConsumeOverride != tc.job.RetryOverride {
				t.Fatalf("override consumption mismatch")
			}
		})
	}
}

func TestRetryBoundWithoutStrategies(t *testing.T) {
	c := NewController(Constant{Interval: time.Second}, table{})
	job := models.Job{MaxRetries: 3}
	err := failure.Transient(models.CategoryPublish, errors.New("unavailable"))
	attempts := 0
	for {
		attempts++
		a := c.OnFailure(job, err)
		if a.Kind != Requeue {
			if a.Kind != Terminal {
				t.Fatalf("expected terminal, got %s", a.Kind)
			}
			break
		}
		job.RetryCount = a.RetryCount
	}
	if attempts != 4 || job.RetryCount != 3 {
		t.Fatalf("expected 4 attempts and retry_count 3, got %d and %d", attempts, job.RetryCount)
	}
}

func TestRequeueDelaysAreNonDecreasing(t *testing.T) {
	backoffs := map[string]Backoff{
		"exponential":          Exponential{Initial: 2 * time.Second, Max: 5 * time.Minute},
		"exponential uncapped": Exponential{Initial: 2 * time.Second},
		"linear":               Linear{Initial: time.Hour, Max: 24 * time.Hour},
		"linear uncapped":      Linear{Initial: time.Hour},
	}
	err := failure.Transient(models.CategoryGeneration, errors.New("429"))
	for name, b := range backoffs {
		c := NewController(b, genStrategies)
		// far past the point where 2s*2^(n-1) exceeds the int64 range
		job := models.Job{MaxRetries: 200}
		var last time.Duration
		for i := 0; i < 200; i++ {
			a := c.OnFailure(job, err)
			if a.Kind != Requeue {
				t.Fatalf("%s: expected requeue at attempt %d, got %s", name, i, a.Kind)
			}
			if a.Delay < last || a.Delay <= 0 {
				t.Fatalf("%s: delay at attempt %d is %s after %s", name, i+1, a.Delay, last)
			}
			last = a.Delay
			job.RetryCount = a.RetryCount
		}
	}
}

func TestExponentialSaturates(t *testing.T) {
	b := Exponential{Initial: 2 * time.Second, Max: 5 * time.Minute}
	for _, n := range []int{9, 34, 64, 1 << 20} {
		if got := b.Delay(n); got != 5*time.Minute {
			t.Fatalf("attempt %d: expected the 5m cap, got %s", n, got)
		}
	}
	if got := (Exponential{Initial: time.Second}).Delay(80); got != maxDelay {
		t.Fatalf("expected uncapped backoff to stop at %s, got %s", maxDelay, got)
	}
}

func TestAfterStrategyFailure(t *testing.T) {
	c := newController()
	job := models.Job{MaxRetries: 1, RetryCount: 1}
	a := c.AfterStrategyFailure(job, models.CategoryGeneration, errors.New("alternate profile failed"))
	if a.Kind != Requeue || a.DegradeAttempts != 1 || a.RetryCount != 1 {
		t.Fatalf("expected requeue to next strategy, got %+v", a)
	}

	job.DegradeAttempts = 1
	a = c.AfterStrategyFailure(job, models.CategoryGeneration, errors.New("simplified failed"))
	if a.Kind != Terminal {
		t.Fatalf("expected terminal once the list is used up, got %s", a.Kind)
	}
	if a.Failure.Retryable {
		t.Fatalf("terminal strategy failure must not be retryable")
	}
}

func TestBackoffKinds(t *testing.T) {
	cases := []struct {
		kind    string
		attempt int
		want    time.Duration
	}{
		{"exponential", 1, time.Second},
		{"exponential", 4, 8 * time.Second},
		{"exponential", 20, 30 * time.Second},
		{"linear", 3, 3 * time.Second},
		{"linear", 100, 30 * time.Second},
		{"constant", 7, time.Second},
	}
	for _, tc := range cases {
		b, err := NewBackoff(tc.kind, time.Second, 30*time.Second)
		if err != nil {
			t.Fatalf("new backoff %s: %v", tc.kind, err)
		}
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Fatalf("%s attempt %d: expected %s, got %s", tc.kind, tc.attempt, tc.want, got)
		}
	}
	if _, err := NewBackoff("fibonacci", time.Second, time.Second); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
