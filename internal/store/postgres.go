package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-job-engine/internal/models"
)

// claimAttempts bounds how often ClaimNext retries after a serialization or
// deadlock error before giving up for this poll.
const claimAttempts = 3

const jobColumns = `id, idempotency_key, status, priority, payload, result, retry_count, max_retries,
	retry_override, run_at, claimed_by, claimed_at, heartbeat_at, last_error,
	degrade_category, degrade_attempts, degradation_strategy_used, created_at, updated_at`

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Submit inserts a job row, honoring the idempotency key if provided.
func (s *Postgres) Submit(ctx context.Context, p SubmitParams) (models.Job, bool, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, idempotency_key, status, priority, payload, max_retries, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+jobColumns,
		uuid.New().String(), emptyToNil(p.IdempotencyKey), models.StatusPending, p.Priority, payloadJSON, p.MaxRetries, p.RunAt,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || p.IdempotencyKey == "" {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	// The key is taken; resolve to the job that owns it.
	existing, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, p.IdempotencyKey))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("load job for idempotency key: %w", err)
	}
	return existing, true, nil
}

// ClaimNext locks the oldest highest-priority pending row, skipping rows
// locked by concurrent claimers, and flips it to processing in the same
// statement.
func (s *Postgres) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	var lastErr error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		job, err := s.claimOnce(ctx, workerID)
		if err == nil {
			return job, nil
		}
		if !isRetryableTxError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("claim job: %w", lastErr)
}

func (s *Postgres) claimOnce(ctx context.Context, workerID string) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, claimed_by = $2, claimed_at = NOW(), heartbeat_at = NULL, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3 AND run_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $3
		RETURNING `+jobColumns,
		models.StatusProcessing, workerID, models.StatusPending,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs ordered by creation time, optionally filtered by status.
func (s *Postgres) ListJobs(ctx context.Context, p ListParams) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if p.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, p.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT %d`, defaultLimit(p.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// Transition applies a conditional update and, when t.Audit is set, writes
// the audit row in the same transaction.
func (s *Postgres) Transition(ctx context.Context, t Transition) (models.Job, error) {
	if len(t.From) == 0 {
		return models.Job{}, fmt.Errorf("transition %s: no allowed source states", t.JobID)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	query, args, err := buildTransition(t)
	if err != nil {
		return models.Job{}, err
	}
	job, err := scanJob(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, t.JobID).Scan(&exists); err != nil {
			return models.Job{}, fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, ErrStateConflict
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("transition job: %w", err)
	}

	if t.Audit != nil {
		a := *t.Audit
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO admin_audit (id, actor, action, job_id, reason, from_status, to_status, limit_overridden, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		`, a.ID, a.Actor, a.Action, a.JobID, a.Reason, a.FromStatus, a.ToStatus, a.LimitOverride); err != nil {
			return models.Job{}, fmt.Errorf("insert audit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func buildTransition(t Transition) (string, []any, error) {
	args := []any{t.JobID, statusStrings(t.From)}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"status = " + arg(t.To), "updated_at = NOW()"}
	if t.RetryCount != nil {
		sets = append(sets, "retry_count = "+arg(*t.RetryCount))
	}
	if t.RetryOverride != nil {
		sets = append(sets, "retry_override = "+arg(*t.RetryOverride))
	}
	if t.RunAt != nil {
		sets = append(sets, "run_at = "+arg(*t.RunAt))
	}
	if t.ClearClaim {
		sets = append(sets, "claimed_by = NULL", "claimed_at = NULL", "heartbeat_at = NULL")
	}
	switch {
	case t.LastError != nil:
		b, err := json.Marshal(t.LastError)
		if err != nil {
			return "", nil, fmt.Errorf("marshal last error: %w", err)
		}
		sets = append(sets, "last_error = "+arg(b))
	case t.ClearLastError:
		sets = append(sets, "last_error = NULL")
	}
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return "", nil, fmt.Errorf("marshal result: %w", err)
		}
		sets = append(sets, "result = "+arg(b))
	}
	if t.StrategyUsed != nil {
		sets = append(sets, "degradation_strategy_used = "+arg(*t.StrategyUsed))
	}
	if t.ResetDegradation {
		sets = append(sets, "degrade_category = NULL", "degrade_attempts = 0")
	}
	if t.DegradeCategory != nil {
		sets = append(sets, "degrade_category = "+arg(string(*t.DegradeCategory)))
	}
	if t.DegradeAttempts != nil {
		sets = append(sets, "degrade_attempts = "+arg(*t.DegradeAttempts))
	}

	conds := []string{"id = $1", "status = ANY($2)"}
	if t.ClaimedBy != "" {
		conds = append(conds, "claimed_by = "+arg(t.ClaimedBy))
	}
	if t.ClaimedAt != nil {
		conds = append(conds, "claimed_at = "+arg(*t.ClaimedAt))
	}
	if t.StaleFor > 0 {
		conds = append(conds, "COALESCE(heartbeat_at, claimed_at) < NOW() - make_interval(secs => "+arg(t.StaleFor.Seconds())+")")
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(conds, " AND ") +
		" RETURNING " + jobColumns
	return query, args, nil
}

// Heartbeat refreshes heartbeat_at while workerID still owns the claim.
func (s *Postgres) Heartbeat(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2 AND claimed_by = $3
	`, jobID, models.StatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// ListStale returns processing jobs with no claim or heartbeat newer than threshold.
func (s *Postgres) ListStale(ctx context.Context, threshold time.Duration, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		  AND COALESCE(heartbeat_at, claimed_at) < NOW() - make_interval(secs => $2)
		ORDER BY claimed_at ASC
		LIMIT $3
	`, models.StatusProcessing, threshold.Seconds(), defaultLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// StartRun opens a job run record.
func (s *Postgres) StartRun(ctx context.Context, run models.JobRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_id, worker_id, attempt, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.JobID, run.WorkerID, run.Attempt, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// FinishRun closes a run. A closed run is never rewritten.
func (s *Postgres) FinishRun(ctx context.Context, run models.JobRun) error {
	var errJSON, decisionsJSON []byte
	var err error
	if run.Error != nil {
		if errJSON, err = json.Marshal(run.Error); err != nil {
			return fmt.Errorf("marshal run error: %w", err)
		}
	}
	if len(run.Decisions) > 0 {
		if decisionsJSON, err = json.Marshal(run.Decisions); err != nil {
			return fmt.Errorf("marshal run decisions: %w", err)
		}
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	var outcome *string
	if run.Outcome != nil {
		o := string(*run.Outcome)
		outcome = &o
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET finished_at = $2, outcome = $3, duration_ms = $4, error = $5, degradation = $6
		WHERE id = $1 AND finished_at IS NULL
	`, run.ID, finished, outcome, run.Duration.Milliseconds(), errJSON, decisionsJSON)
	if err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunClosed
	}
	return nil
}

// ListRuns returns the runs of a job, oldest first.
func (s *Postgres) ListRuns(ctx context.Context, jobID string) ([]models.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, worker_id, attempt, started_at, finished_at, outcome, duration_ms, error, degradation
		FROM job_runs WHERE job_id = $1 ORDER BY started_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		var (
			run           models.JobRun
			outcome       pgtype.Text
			durationMS    int64
			errJSON       []byte
			decisionsJSON []byte
		)
		if err := rows.Scan(&run.ID, &run.JobID, &run.WorkerID, &run.Attempt, &run.StartedAt, &run.FinishedAt,
			&outcome, &durationMS, &errJSON, &decisionsJSON); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		if outcome.Valid {
			o := models.RunOutcome(outcome.String)
			run.Outcome = &o
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		if len(errJSON) > 0 {
			run.Error = &models.JobError{}
			if err := json.Unmarshal(errJSON, run.Error); err != nil {
				return nil, fmt.Errorf("unmarshal run error: %w", err)
			}
		}
		if len(decisionsJSON) > 0 {
			if err := json.Unmarshal(decisionsJSON, &run.Decisions); err != nil {
				return nil, fmt.Errorf("unmarshal run decisions: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListAudit returns audit entries, newest first, optionally for one job.
func (s *Postgres) ListAudit(ctx context.Context, jobID string, limit int) ([]models.AdminAuditEntry, error) {
	query := `SELECT id, actor, action, job_id, reason, from_status, to_status, limit_overridden, recorded_at FROM admin_audit`
	args := []any{}
	if jobID != "" {
		query += ` WHERE job_id = $1`
		args = append(args, jobID)
	}
	query += fmt.Sprintf(` ORDER BY recorded_at DESC LIMIT %d`, defaultLimit(limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AdminAuditEntry
	for rows.Next() {
		var a models.AdminAuditEntry
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.JobID, &a.Reason, &a.FromStatus, &a.ToStatus,
			&a.LimitOverride, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job           models.Job
		idem          pgtype.Text
		claimedBy     pgtype.Text
		degradeCat    pgtype.Text
		strategy      pgtype.Text
		payloadJSON   []byte
		resultJSON    []byte
		lastErrorJSON []byte
	)
	if err := row.Scan(&job.ID, &idem, &job.Status, &job.Priority, &payloadJSON, &resultJSON,
		&job.RetryCount, &job.MaxRetries, &job.RetryOverride, &job.RunAt,
		&claimedBy, &job.ClaimedAt, &job.HeartbeatAt, &lastErrorJSON,
		&degradeCat, &job.DegradeAttempts, &strategy, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = &models.Result{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(lastErrorJSON) > 0 {
		job.LastError = &models.JobError{}
		if err := json.Unmarshal(lastErrorJSON, job.LastError); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal last error: %w", err)
		}
	}
	job.IdempotencyKey = textPtr(idem)
	job.ClaimedBy = textPtr(claimedBy)
	job.DegradationStrategyUsed = textPtr(strategy)
	if degradeCat.Valid {
		c := models.FailureCategory(degradeCat.String)
		job.DegradeCategory = &c
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// isRetryableTxError reports serialization failures and deadlocks, which a
// racing claimer resolves by simply trying the next candidate.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
