package retry

import (
	"fmt"
	"math"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed). Every
// implementation here is non-decreasing in n.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Linear waits Initial*attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := maxDelay
	if l.Max > 0 && l.Max < limit {
		limit = l.Max
	}
	if l.Initial > 0 && time.Duration(attempt) > limit/l.Initial {
		return limit
	}
	return l.Initial * time.Duration(attempt)
}

// Exponential waits Initial*2^(attempt-1), capped at Max. Without a Max it
// saturates at maxDelay.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// maxDelay is the ceiling for uncapped backoffs. It stays well inside the
// range where time.Time arithmetic on run_at is exact.
const maxDelay = 100 * 365 * 24 * time.Hour

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := maxDelay
	if e.Max > 0 && e.Max < limit {
		limit = e.Max
	}
	// compare as float64: converting anything at or above 2^63 back to
	// Duration wraps negative
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// NewBackoff builds a backoff by kind: "exponential", "linear" or "constant".
func NewBackoff(kind string, initial, max time.Duration) (Backoff, error) {
	switch kind {
	case "", "exponential":
		return Exponential{Initial: initial, Max: max}, nil
	case "linear":
		return Linear{Initial: initial, Max: max}, nil
	case "constant":
		return Constant{Interval: initial}, nil
	default:
		return nil, fmt.Errorf("unknown backoff kind %q", kind)
	}
}
