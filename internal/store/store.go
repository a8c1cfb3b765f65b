package store

import (
	"context"
	"errors"
	"time"

	"content-job-engine/internal/models"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrStateConflict is returned when a conditional transition finds the job
	// in a different state than the caller expected.
	ErrStateConflict = errors.New("job state conflict")
	// ErrRunClosed is returned when closing a job run that is already closed.
	ErrRunClosed = errors.New("job run already closed")
)

// Store is the job store shared by workers, the sweeper and the admin
// service. All writes to a job's coordination fields go through ClaimNext or
// Transition, each a single conditional update keyed on the current state.
type Store interface {
	// Submit inserts a pending job. When the idempotency key is already taken
	// the existing job is returned with reused=true.
	Submit(ctx context.Context, p SubmitParams) (job models.Job, reused bool, err error)
	// ClaimNext moves one eligible pending job to processing for workerID.
	// It returns nil when nothing is eligible and never waits on locked rows.
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, p ListParams) ([]models.Job, error)
	// Transition applies t atomically if the job still matches its
	// preconditions, appending t.Audit in the same transaction.
	Transition(ctx context.Context, t Transition) (models.Job, error)
	// Heartbeat refreshes heartbeat_at while workerID holds the claim.
	Heartbeat(ctx context.Context, jobID, workerID string) error
	// ListStale returns processing jobs whose last sign of life is older than threshold.
	ListStale(ctx context.Context, threshold time.Duration, limit int) ([]models.Job, error)

	StartRun(ctx context.Context, run models.JobRun) error
	FinishRun(ctx context.Context, run models.JobRun) error
	ListRuns(ctx context.Context, jobID string) ([]models.JobRun, error)

	ListAudit(ctx context.Context, jobID string, limit int) ([]models.AdminAuditEntry, error)

	Close()
}

// SubmitParams collects inputs required to insert a job.
type SubmitParams struct {
	IdempotencyKey string
	Priority       int
	Payload        models.Payload
	MaxRetries     int
	RunAt          time.Time
}

// ListParams filters ListJobs.
type ListParams struct {
	Status models.Status
	Limit  int
}

// Transition is a conditional update of one job.
//
// Preconditions: the job status must be one of From; ClaimedBy and ClaimedAt,
// when set, must match the stored claim exactly; StaleFor, when positive,
// requires COALESCE(heartbeat_at, claimed_at) to be older than now-StaleFor.
type Transition struct {
	JobID     string
	From      []models.Status
	ClaimedBy string
	ClaimedAt *time.Time
	StaleFor  time.Duration

	To               models.Status
	RetryCount       *int
	RetryOverride    *bool
	RunAt            *time.Time
	ClearClaim       bool
	LastError        *models.JobError
	ClearLastError   bool
	Result           *models.Result
	StrategyUsed     *string
	DegradeCategory  *models.FailureCategory
	DegradeAttempts  *int
	ResetDegradation bool

	Audit *models.AdminAuditEntry
}

func (t Transition) allows(status models.Status) bool {
	for _, s := range t.From {
		if s == status {
			return true
		}
	}
	return false
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func defaultLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}
