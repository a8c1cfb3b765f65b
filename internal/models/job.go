package models

import (
	"time"
)

// Status enumerates job lifecycle states persisted in the jobs table.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// FailureCategory is the closed set of failure classes a job attempt can end with.
type FailureCategory string

const (
	CategoryGeneration FailureCategory = "generation"
	CategoryValidation FailureCategory = "validation"
	CategoryTaxonomy   FailureCategory = "taxonomy"
	CategoryPublish    FailureCategory = "publish"
	CategoryInput      FailureCategory = "input"
	CategoryStale      FailureCategory = "stale_claim"
	CategoryCancelled  FailureCategory = "cancelled"
)

// Payload holds the topic and generation parameters of a job.
type Payload struct {
	Topic     string         `json:"topic"`
	Keywords  []string       `json:"keywords,omitempty"`
	Tone      string         `json:"tone,omitempty"`
	WordCount int            `json:"word_count,omitempty"`
	Profile   string         `json:"profile,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result references the output of a completed job.
type Result struct {
	ExternalID       string   `json:"external_id,omitempty"`
	Title            string   `json:"title"`
	WordCount        int      `json:"word_count"`
	Categories       []string `json:"categories,omitempty"`
	ManualPublishRef string   `json:"manual_publish_ref,omitempty"`
	NeedsReview      bool     `json:"needs_review,omitempty"`
	TemplateBased    bool     `json:"template_based,omitempty"`
}

// JobError is the structured last error of a job.
type JobError struct {
	Category  FailureCategory `json:"category"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

// Job represents a content job persisted in Postgres.
type Job struct {
	ID             string    `json:"id"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	Status         Status    `json:"status"`
	Priority       int       `json:"priority"`
	Payload        Payload   `json:"payload"`
	Result         *Result   `json:"result,omitempty"`
	RetryCount     int       `json:"retry_count"`
	MaxRetries     int       `json:"max_retries"`
	RetryOverride  bool      `json:"retry_override"`
	RunAt          time.Time `json:"run_at"`

	ClaimedBy   *string    `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	LastError *JobError `json:"last_error,omitempty"`

	DegradeCategory         *FailureCategory `json:"degrade_category,omitempty"`
	DegradeAttempts         int              `json:"degrade_attempts"`
	DegradationStrategyUsed *string          `json:"degradation_strategy_used,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job reached a state no automatic transition leaves.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusCancelled || j.Status == StatusError
}

// ClaimedByWorker reports whether workerID holds the active claim.
func (j Job) ClaimedByWorker(workerID string) bool {
	return j.Status == StatusProcessing && j.ClaimedBy != nil && *j.ClaimedBy == workerID
}

// AttemptIndex is the zero-based number of attempts already made for this job.
func (j Job) AttemptIndex() int {
	return j.RetryCount + j.DegradeAttempts
}

// RunOutcome records how a single execution attempt ended.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeDegraded  RunOutcome = "degraded"
	OutcomeRequeued  RunOutcome = "requeued"
	OutcomeTerminal  RunOutcome = "terminal"
	OutcomeAbandoned RunOutcome = "abandoned"
	OutcomeNoop      RunOutcome = "noop"
)

// DegradationResult is the result of a single degradation decision.
type DegradationResult string

const (
	DegradeSucceeded DegradationResult = "succeeded_degraded"
	DegradeFailed    DegradationResult = "strategy_failed"
	DegradeExhausted DegradationResult = "exhausted"
)

// DegradationDecision records which strategy was chosen for a failure and how it ended.
type DegradationDecision struct {
	Category FailureCategory   `json:"category"`
	Attempt  int               `json:"attempt"`
	Strategy string            `json:"strategy,omitempty"`
	Result   DegradationResult `json:"result"`
	Error    string            `json:"error,omitempty"`
}

// JobRun is one execution attempt of a job. It is immutable once FinishedAt is set.
type JobRun struct {
	ID         string                `json:"id"`
	JobID      string                `json:"job_id"`
	WorkerID   string                `json:"worker_id"`
	Attempt    int                   `json:"attempt"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Outcome    *RunOutcome           `json:"outcome,omitempty"`
	Duration   time.Duration         `json:"duration"`
	Error      *JobError             `json:"error,omitempty"`
	Decisions  []DegradationDecision `json:"degradation,omitempty"`
}

// AdminAction names an administrative operation.
type AdminAction string

const (
	ActionRetry     AdminAction = "retry"
	ActionBulkRetry AdminAction = "bulk_retry"
	ActionCancel    AdminAction = "cancel"
	ActionSetStatus AdminAction = "set_status"
)

// AdminAuditEntry is an append-only record of an administrative action.
type AdminAuditEntry struct {
	ID            string      `json:"id"`
	Actor         string      `json:"actor"`
	Action        AdminAction `json:"action"`
	JobID         string      `json:"job_id"`
	Reason        string      `json:"reason"`
	FromStatus    Status      `json:"from_status"`
	ToStatus      Status      `json:"to_status"`
	LimitOverride bool        `json:"limit_overridden"`
	RecordedAt    time.Time   `json:"recorded_at"`
}
