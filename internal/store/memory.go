package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"content-job-engine/internal/models"
)

// Memory is an in-process Store. It mirrors the Postgres semantics (one
// conditional update per transition) under a single mutex and is meant for
// tests and local development.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	jobs  map[string]*models.Job
	keys  map[string]string
	runs  map[string]*models.JobRun
	order []string
	audit []models.AdminAuditEntry
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:  func() time.Time { return time.Now().UTC() },
		jobs: make(map[string]*models.Job),
		keys: make(map[string]string),
		runs: make(map[string]*models.JobRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Close() {}

func (m *Memory) Submit(_ context.Context, p SubmitParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		if id, ok := m.keys[p.IdempotencyKey]; ok {
			return cloneJob(m.jobs[id]), true, nil
		}
	}
	now := m.now()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	job := &models.Job{
		ID:             uuid.New().String(),
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		Status:         models.StatusPending,
		Priority:       p.Priority,
		Payload:        p.Payload,
		MaxRetries:     p.MaxRetries,
		RunAt:          runAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	if p.IdempotencyKey != "" {
		m.keys[p.IdempotencyKey] = job.ID
	}
	return cloneJob(job), false, nil
}

func (m *Memory) ClaimNext(_ context.Context, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *models.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status != models.StatusPending || j.RunAt.After(now) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = models.StatusProcessing
	best.ClaimedBy = &workerID
	claimedAt := now
	best.ClaimedAt = &claimedAt
	best.HeartbeatAt = nil
	best.UpdatedAt = now
	out := cloneJob(best)
	return &out, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, p ListParams) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := defaultLimit(p.Limit)
	var out []models.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if p.Status != "" && j.Status != p.Status {
			continue
		}
		out = append(out, cloneJob(j))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Transition(_ context.Context, t Transition) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[t.JobID]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	now := m.now()
	if !t.allows(j.Status) {
		return models.Job{}, ErrStateConflict
	}
	if t.ClaimedBy != "" && (j.ClaimedBy == nil || *j.ClaimedBy != t.ClaimedBy) {
		return models.Job{}, ErrStateConflict
	}
	if t.ClaimedAt != nil && (j.ClaimedAt == nil || !j.ClaimedAt.Equal(*t.ClaimedAt)) {
		return models.Job{}, ErrStateConflict
	}
	if t.StaleFor > 0 {
		last := lastSignOfLife(j)
		if last == nil || !last.Before(now.Add(-t.StaleFor)) {
			return models.Job{}, ErrStateConflict
		}
	}

	j.Status = t.To
	j.UpdatedAt = now
	if t.RetryCount != nil {
		j.RetryCount = *t.RetryCount
	}
	if t.RetryOverride != nil {
		j.RetryOverride = *t.RetryOverride
	}
	if t.RunAt != nil {
		j.RunAt = *t.RunAt
	}
	if t.ClearClaim {
		j.ClaimedBy, j.ClaimedAt, j.HeartbeatAt = nil, nil, nil
	}
	switch {
	case t.LastError != nil:
		e := *t.LastError
		j.LastError = &e
	case t.ClearLastError:
		j.LastError = nil
	}
	if t.Result != nil {
		r := *t.Result
		j.Result = &r
	}
	if t.StrategyUsed != nil {
		s := *t.StrategyUsed
		j.DegradationStrategyUsed = &s
	}
	if t.ResetDegradation {
		j.DegradeCategory = nil
		j.DegradeAttempts = 0
	}
	if t.DegradeCategory != nil {
		c := *t.DegradeCategory
		j.DegradeCategory = &c
	}
	if t.DegradeAttempts != nil {
		j.DegradeAttempts = *t.DegradeAttempts
	}

	if t.Audit != nil {
		a := *t.Audit
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		a.RecordedAt = now
		m.audit = append(m.audit, a)
	}
	return cloneJob(j), nil
}

func (m *Memory) Heartbeat(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !j.ClaimedByWorker(workerID) {
		return ErrStateConflict
	}
	now := m.now()
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *Memory) ListStale(_ context.Context, threshold time.Duration, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-threshold)
	var out []models.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status != models.StatusProcessing {
			continue
		}
		if last := lastSignOfLife(j); last != nil && last.Before(cutoff) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ClaimedAt.Before(*out[b].ClaimedAt) })
	if l := defaultLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (m *Memory) StartRun(_ context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := run
	r.FinishedAt, r.Outcome = nil, nil
	m.runs[run.ID] = &r
	return nil
}

func (m *Memory) FinishRun(_ context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[run.ID]
	if !ok || r.FinishedAt != nil {
		return ErrRunClosed
	}
	finished := m.now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	r.FinishedAt = &finished
	r.Outcome = run.Outcome
	r.Duration = run.Duration
	r.Error = run.Error
	r.Decisions = append([]models.DegradationDecision(nil), run.Decisions...)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, jobID string) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobRun
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out, nil
}

func (m *Memory) ListAudit(_ context.Context, jobID string, limit int) ([]models.AdminAuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := defaultLimit(limit)
	var out []models.AdminAuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(out) < l; i-- {
		if jobID == "" || m.audit[i].JobID == jobID {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}

func lastSignOfLife(j *models.Job) *time.Time {
	if j.HeartbeatAt != nil {
		return j.HeartbeatAt
	}
	return j.ClaimedAt
}

// cloneJob copies the pointer fields so callers never alias stored state.
func cloneJob(j *models.Job) models.Job {
	out := *j
	if j.IdempotencyKey != nil {
		k := *j.IdempotencyKey
		out.IdempotencyKey = &k
	}
	if j.ClaimedBy != nil {
		w := *j.ClaimedBy
		out.ClaimedBy = &w
	}
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		out.ClaimedAt = &t
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		out.HeartbeatAt = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		out.LastError = &e
	}
	if j.Result != nil {
		r := *j.Result
		r.Categories = append([]string(nil), j.Result.Categories...)
		out.Result = &r
	}
	if j.DegradeCategory != nil {
		c := *j.DegradeCategory
		out.DegradeCategory = &c
	}
	if j.DegradationStrategyUsed != nil {
		s := *j.DegradationStrategyUsed
		out.DegradationStrategyUsed = &s
	}
	out.Payload.Keywords = append([]string(nil), j.Payload.Keywords...)
	return out
}
