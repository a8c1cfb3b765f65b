// Package failure classifies errors raised during a job attempt into the
// retryable / terminal taxonomy before any state transition is applied.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"content-job-engine/internal/models"
)

// Error is an error tagged with a failure category and a retryability verdict.
type Error struct {
	Category  models.FailureCategory
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s failure", kind, e.Category)
	}
	return fmt.Sprintf("%s %s failure: %v", kind, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// JobError converts the failure into its persisted form.
func (e *Error) JobError() *models.JobError {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &models.JobError{Category: e.Category, Message: msg, Retryable: e.Retryable}
}

// Transient wraps err as a retryable failure of the given category.
func Transient(cat models.FailureCategory, err error) *Error {
	return &Error{Category: cat, Retryable: true, Err: err}
}

// Permanent wraps err as a non-retryable failure of the given category.
func Permanent(cat models.FailureCategory, err error) *Error {
	return &Error{Category: cat, Retryable: false, Err: err}
}

// StatusError is returned by HTTP collaborators for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Classify maps err into the taxonomy. Errors already tagged keep their tag;
// everything else is attributed to stage. Timeouts, rate limiting, 5xx and
// network errors are retryable; other 4xx responses are not. Unknown errors
// are treated as transient I/O.
func Classify(err error, stage models.FailureCategory) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(stage, err)
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests, se.Code == http.StatusRequestTimeout, se.Code >= 500:
			return Transient(stage, err)
		case se.Code >= 400:
			return Permanent(stage, err)
		}
	}
	return Transient(stage, err)
}
