package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/olegsm/document-processor/internal/core/domain"
)

// JobRepository stores jobs in Postgres. Every worker-side mutation is a
// single conditional UPDATE whose WHERE clause names the expected status
// and lease owner, so a fenced worker (lease expired and reclaimed)
// matches zero rows instead of clobbering the new owner's state.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026031002)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	blob_key TEXT NOT NULL,
	filename TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	stage TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	priority INT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL,
	worker_id TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT NOT NULL DEFAULT '',
	result_ref TEXT NOT NULL DEFAULT '',
	config JSONB NOT NULL DEFAULT '{}'::jsonb,
	version INT NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON jobs(status, available_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const jobColumns = `id, document_id, blob_key, filename, owner_id, status, stage, progress,
priority, retry_count, max_retries, worker_id, lease_expires_at, cancel_requested,
error_message, result_ref, config, version, created_at, started_at, completed_at, updated_at`

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO jobs (id, document_id, blob_key, filename, owner_id, status, stage, progress,
	priority, retry_count, max_retries, worker_id, lease_expires_at, cancel_requested,
	error_message, result_ref, config, version, available_at, created_at, started_at,
	completed_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
`, job.ID, job.DocumentID, job.BlobKey, job.Filename, job.OwnerID, string(job.Status),
		string(job.Stage), job.Progress, job.Priority, job.RetryCount, job.MaxRetries,
		job.WorkerID, job.LeaseExpiresAt, job.CancelRequested, job.ErrorMessage,
		job.ResultRef, cfg, job.Version, job.CreatedAt, job.CreatedAt, job.StartedAt,
		job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE id = $1
`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get job", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

func (r *JobRepository) Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*domain.Job, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = $3, worker_id = $2, lease_expires_at = $4, stage = $5, progress = 0,
	started_at = COALESCE(started_at, $6), version = version + 1, updated_at = $6
WHERE id = $1 AND status = $7 AND available_at <= $6
RETURNING `+jobColumns,
		jobID, workerID, string(domain.JobRunning), now.Add(lease),
		string(domain.StageValidate), now, string(domain.JobQueued))

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	// No claimable row. Distinguish a missing job from a lost race so the
	// caller can drop the message without logging noise.
	if _, err := r.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, domain.WrapError(domain.ErrAlreadyClaimed, "claim job", fmt.Errorf("id=%s worker=%s", jobID, workerID))
}

func (r *JobRepository) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET lease_expires_at = $3, version = version + 1, updated_at = $4
WHERE id = $1 AND worker_id = $2 AND status = $5
`, jobID, workerID, now.Add(lease), now, string(domain.JobRunning))
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend lease rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotOwner, "extend lease", fmt.Errorf("id=%s worker=%s", jobID, workerID))
	}
	return nil
}

func (r *JobRepository) UpdateProgress(ctx context.Context, jobID, workerID string, stage domain.Stage, progress float64) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET stage = $3, progress = $4, version = version + 1, updated_at = $5
WHERE id = $1 AND worker_id = $2 AND status = $6
`, jobID, workerID, string(stage), domain.ClampProgress(progress), time.Now().UTC(), string(domain.JobRunning))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update progress rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotOwner, "update progress", fmt.Errorf("id=%s worker=%s", jobID, workerID))
	}
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, jobID, workerID, resultRef string) (bool, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = $3, stage = $4, progress = 1, result_ref = $5, error_message = '',
	lease_expires_at = NULL, completed_at = $6, version = version + 1, updated_at = $6
WHERE id = $1 AND worker_id = $2 AND status = $7
`, jobID, workerID, string(domain.JobCompleted), string(domain.StageDone), resultRef, now, string(domain.JobRunning))
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete job rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *JobRepository) FailTerminal(ctx context.Context, jobID, workerID, errMessage string) (bool, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = $3, error_message = $4, lease_expires_at = NULL, completed_at = $5,
	version = version + 1, updated_at = $5
WHERE id = $1 AND worker_id = $2 AND status = $6
`, jobID, workerID, string(domain.JobFailed), errMessage, now, string(domain.JobRunning))
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail job rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *JobRepository) Requeue(ctx context.Context, jobID, workerID, errMessage string, availableAt time.Time) (bool, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = $3, stage = $4, progress = 0, retry_count = retry_count + 1,
	worker_id = '', lease_expires_at = NULL, error_message = $5, available_at = $6,
	version = version + 1, updated_at = $7
WHERE id = $1 AND worker_id = $2 AND status = $8
`, jobID, workerID, string(domain.JobQueued), string(domain.StageValidate), errMessage,
		availableAt.UTC(), now, string(domain.JobRunning))
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue job rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *JobRepository) RequestCancel(ctx context.Context, jobID string) (*domain.Job, error) {
	now := time.Now().UTC()

	// Queued jobs cancel outright; nothing holds them.
	row := r.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = $2, completed_at = $3, version = version + 1, updated_at = $3
WHERE id = $1 AND status = $4
RETURNING `+jobColumns,
		jobID, string(domain.JobCancelled), now, string(domain.JobQueued))
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cancel queued job: %w", err)
	}

	// Running jobs are flagged; the lease holder observes the flag and
	// finalizes via MarkCancelled.
	row = r.db.QueryRowContext(ctx, `
UPDATE jobs
SET cancel_requested = TRUE, version = version + 1, updated_at = $2
WHERE id = $1 AND status = $3
RETURNING `+jobColumns,
		jobID, now, string(domain.JobRunning))
	job, err = scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag running job: %w", err)
	}

	// Already terminal (or missing). Return as observed.
	return r.GetByID(ctx, jobID)
}

func (r *JobRepository) MarkCancelled(ctx context.Context, jobID, workerID string) (bool, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status = $3, lease_expires_at = NULL, completed_at = $4, version = version + 1, updated_at = $4
WHERE id = $1 AND worker_id = $2 AND status = $5
`, jobID, workerID, string(domain.JobCancelled), now, string(domain.JobRunning))
	if err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark cancelled rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *JobRepository) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := r.db.QueryRowContext(ctx, `
SELECT cancel_requested FROM jobs WHERE id = $1
`, jobID).Scan(&requested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.WrapError(domain.ErrNotFound, "check cancel flag", fmt.Errorf("id=%s", jobID))
		}
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return requested, nil
}

func (r *JobRepository) RequeueExpired(ctx context.Context, limit int) ([]*domain.Job, error) {
	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	requeued, err := queryJobs(ctx, tx, `
UPDATE jobs
SET status = $2, stage = $3, progress = 0, retry_count = retry_count + 1,
	worker_id = '', lease_expires_at = NULL, error_message = $4, available_at = $1,
	version = version + 1, updated_at = $1
WHERE id IN (
	SELECT id FROM jobs
	WHERE status = $5 AND lease_expires_at < $1 AND retry_count < max_retries
	ORDER BY lease_expires_at
	LIMIT $6
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns,
		now, string(domain.JobQueued), string(domain.StageValidate),
		"worker lease expired", string(domain.JobRunning), limit)
	if err != nil {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	}

	dead, err := queryJobs(ctx, tx, `
UPDATE jobs
SET status = $2, lease_expires_at = NULL, error_message = $3, completed_at = $1,
	version = version + 1, updated_at = $1
WHERE id IN (
	SELECT id FROM jobs
	WHERE status = $4 AND lease_expires_at < $1 AND retry_count >= max_retries
	ORDER BY lease_expires_at
	LIMIT $5
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns,
		now, string(domain.JobFailed), "worker lease expired; retry budget exhausted",
		string(domain.JobRunning), limit)
	if err != nil {
		return nil, fmt.Errorf("fail expired leases: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep tx: %w", err)
	}
	return append(requeued, dead...), nil
}

// ReannounceStale bumps and returns queued jobs that have been claimable
// since before cutoff without being picked up. The updated_at bump keeps
// concurrent sweepers from returning the same rows every interval.
func (r *JobRepository) ReannounceStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	now := time.Now().UTC()
	jobs, err := queryJobs(ctx, r.db, `
UPDATE jobs
SET version = version + 1, updated_at = $1
WHERE id IN (
	SELECT id FROM jobs
	WHERE status = $2 AND available_at <= $1 AND updated_at < $3
	ORDER BY updated_at
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns,
		now, string(domain.JobQueued), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("reannounce stale queued: %w", err)
	}
	return jobs, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryJobs(ctx context.Context, q querier, query string, args ...interface{}) ([]*domain.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type jobScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row jobScanner) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
		stage  string
		cfg    []byte
	)
	err := row.Scan(
		&job.ID,
		&job.DocumentID,
		&job.BlobKey,
		&job.Filename,
		&job.OwnerID,
		&status,
		&stage,
		&job.Progress,
		&job.Priority,
		&job.RetryCount,
		&job.MaxRetries,
		&job.WorkerID,
		&job.LeaseExpiresAt,
		&job.CancelRequested,
		&job.ErrorMessage,
		&job.ResultRef,
		&cfg,
		&job.Version,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Stage = domain.Stage(stage)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &job.Config); err != nil {
			return nil, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	return &job, nil
}
