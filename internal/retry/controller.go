// Package retry decides what happens to a job after a failed attempt.
package retry

import (
	"errors"
	"time"

	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
)

// Kind is the decision taken for a failed attempt.
type Kind string

const (
	Requeue  Kind = "requeue"
	Degrade  Kind = "degrade"
	Terminal Kind = "terminal"
)

// Action is the result of OnFailure. RetryCount and DegradeAttempts hold the
// values the job must carry after the transition.
type Action struct {
	Kind            Kind
	Delay           time.Duration
	RetryCount      int
	DegradeAttempts int
	// ConsumeOverride is set when the job's one-shot admin override was spent
	// by this attempt and must be cleared.
	ConsumeOverride bool
	Failure         *failure.Error
}

// StrategyTable reports whether a degradation strategy exists for a failure
// category at a given attempt index.
type StrategyTable interface {
	HasStrategy(category models.FailureCategory, attempt int) bool
}

// Controller applies the retry budget and backoff policy.
type Controller struct {
	backoff    Backoff
	strategies StrategyTable
}

func NewController(backoff Backoff, strategies StrategyTable) *Controller {
	return &Controller{backoff: backoff, strategies: strategies}
}

// OnFailure classifies err and returns the action for job. Errors that are
// not already tagged are attributed to the generation stage.
func (c *Controller) OnFailure(job models.Job, err error) Action {
	ferr := failure.Classify(err, models.CategoryGeneration)
	if ferr == nil {
		ferr = failure.Transient(models.CategoryGeneration, errors.New("unspecified failure"))
	}
	action := Action{
		RetryCount:      job.RetryCount,
		DegradeAttempts: job.DegradeAttempts,
		ConsumeOverride: job.RetryOverride,
		Failure:         ferr,
	}
	if !ferr.Retryable {
		action.Kind = Terminal
		return action
	}
	// An armed override marks this run as the extra attempt an admin granted
	// beyond the ceiling; it never buys a further requeue.
	if job.RetryCount < job.MaxRetries && !job.RetryOverride {
		action.Kind = Requeue
		action.RetryCount = job.RetryCount + 1
		action.Delay = c.backoff.Delay(action.RetryCount)
		return action
	}
	if c.strategies != nil && c.strategies.HasStrategy(ferr.Category, job.AttemptIndex()) {
		action.Kind = Degrade
		return action
	}
	action.Kind = Terminal
	return action
}

// AfterStrategyFailure decides what follows a degradation strategy that ran
// and failed: requeue for the next strategy in the category's list, or give up.
func (c *Controller) AfterStrategyFailure(job models.Job, category models.FailureCategory, err error) Action {
	ferr := failure.Permanent(category, err)
	action := Action{
		Kind:            Terminal,
		RetryCount:      job.RetryCount,
		DegradeAttempts: job.DegradeAttempts,
		ConsumeOverride: job.RetryOverride,
		Failure:         ferr,
	}
	if c.strategies != nil && c.strategies.HasStrategy(category, job.AttemptIndex()+1) {
		action.Kind = Requeue
		action.DegradeAttempts = job.DegradeAttempts + 1
		action.Delay = c.backoff.Delay(job.AttemptIndex() + 1)
		action.Failure = failure.Transient(category, err)
	}
	return action
}
