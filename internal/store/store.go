// Package store is the sqlx data access layer for members, societies,
// jobs and the job log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/memberhost/memberq/internal/jobs"
	"github.com/memberhost/memberq/shared/postgresql"
)

// Store handles all database operations.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store on top of the shared PostgreSQL client.
func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// DB exposes the underlying handle for transaction-scoped work.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const insertJobQuery = `
	INSERT INTO jobs (owner, state, state_message, type, args, environment)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING job_id, created_at
`

// CreateJob inserts the job and fills in its store-assigned id and
// created_at. If the job starts queued, committing the insert makes the
// jobs_insert trigger notify listeners with the new id.
func (s *Store) CreateJob(ctx context.Context, j *jobs.Job) error {
	err := s.db.QueryRowContext(ctx, insertJobQuery,
		j.Owner, j.State, j.StateMessage, j.Type, j.Args, j.Environment,
	).Scan(&j.JobID, &j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.Int64("job_id", j.JobID),
		slog.String("type", j.Type),
		slog.String("state", j.State.String()),
	)

	return nil
}

// CreateJobTx is CreateJob inside a caller-owned transaction. If the
// transaction rolls back, the queued-job notification is never delivered.
func (s *Store) CreateJobTx(ctx context.Context, tx *sqlx.Tx, j *jobs.Job) error {
	err := tx.QueryRowContext(ctx, insertJobQuery,
		j.Owner, j.State, j.StateMessage, j.Type, j.Args, j.Environment,
	).Scan(&j.JobID, &j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*jobs.Job, error) {
	query := `
		SELECT job_id, owner, state, state_message, created_at, type, args, environment
		FROM jobs
		WHERE job_id = $1
	`

	var j jobs.Job
	if err := s.db.GetContext(ctx, &j, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &j, nil
}

// JobFilter narrows ListJobs. AfterID is the pagination cursor: only
// jobs with a smaller id are returned (listing is newest first).
type JobFilter struct {
	Owner    string
	Society  string
	State    jobs.State
	PageSize int
	AfterID  int64
}

// ListJobs returns jobs newest first. Fetches one row beyond PageSize so
// the caller can tell whether another page exists.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]jobs.Job, error) {
	query := `
		SELECT job_id, owner, state, state_message, created_at, type, args, environment
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, filter.Owner)
		argIdx++
	}

	if filter.Society != "" {
		query += fmt.Sprintf(" AND args->>'society' = $%d", argIdx)
		args = append(args, filter.Society)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.AfterID > 0 {
		query += fmt.Sprintf(" AND job_id < $%d", argIdx)
		args = append(args, filter.AfterID)
		argIdx++
	}

	query += " ORDER BY job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var result []jobs.Job
	if err := s.db.SelectContext(ctx, &result, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return result, nil
}

// QueuedJobIDs returns the ids of all currently queued jobs, oldest
// first. The runner scans this at startup and on reconnect to pick up
// work whose notification it missed.
func (s *Store) QueuedJobIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	query := `SELECT job_id FROM jobs WHERE state = $1 ORDER BY job_id`
	if err := s.db.SelectContext(ctx, &ids, query, jobs.StateQueued); err != nil {
		return nil, fmt.Errorf("failed to scan queued jobs: %w", err)
	}
	return ids, nil
}

// UpdateJobState moves a job from one state to another, guarded by the
// current state so concurrent actors cannot race each other. Moving a
// job back into queued fires the notification trigger on commit.
func (s *Store) UpdateJobState(ctx context.Context, jobID int64, from, to jobs.State, message string) error {
	query := `
		UPDATE jobs
		SET state = $1, state_message = $2
		WHERE job_id = $3 AND state = $4
	`

	var msg sql.NullString
	if message != "" {
		msg = sql.NullString{String: message, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query, to, msg, jobID, from)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: job %d is not %s", jobs.ErrInvalidAction, jobID, from)
	}

	s.logger.Info("Job state updated",
		slog.Int64("job_id", jobID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)

	return nil
}

// SetJobState sets the state unconditionally. The runner uses this for
// done/failed once it owns the job.
func (s *Store) SetJobState(ctx context.Context, jobID int64, state jobs.State, message string) error {
	var msg sql.NullString
	if message != "" {
		msg = sql.NullString{String: message, Valid: true}
	}

	query := `UPDATE jobs SET state = $1, state_message = $2 WHERE job_id = $3`
	if _, err := s.db.ExecContext(ctx, query, state, msg, jobID); err != nil {
		return fmt.Errorf("failed to set job state: %w", err)
	}
	return nil
}

// ClaimJob atomically moves a queued job to running and returns it.
// Returns ErrJobNotQueued if another runner claimed it first or an
// operator cancelled it in the meantime.
func (s *Store) ClaimJob(ctx context.Context, jobID int64, message string) (*jobs.Job, error) {
	query := `
		UPDATE jobs
		SET state = $1, state_message = $2
		WHERE job_id = $3 AND state = $4
		RETURNING job_id, owner, state, state_message, created_at, type, args, environment
	`

	var j jobs.Job
	err := s.db.QueryRowxContext(ctx, query,
		jobs.StateRunning, message, jobID, jobs.StateQueued,
	).StructScan(&j)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - not queued",
				slog.Int64("job_id", jobID),
			)
			return nil, jobs.ErrJobNotQueued
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.Int64("job_id", jobID),
		slog.String("type", j.Type),
	)

	return &j, nil
}

// runnerLockID identifies the runner's advisory lock. One arbitrary
// number shared by every runner build.
const runnerLockID = 0x6d656d6271

// AcquireRunnerLock takes the session-level advisory lock that keeps a
// second runner from processing the same queue. The returned connection
// must stay open for as long as the lock is needed; closing it releases
// the lock.
func (s *Store) AcquireRunnerLock(ctx context.Context) (*sqlx.Conn, bool, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open lock connection: %w", err)
	}

	var locked bool
	err = conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, runnerLockID).Scan(&locked)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to take advisory lock: %w", err)
	}

	if !locked {
		conn.Close()
		return nil, false, nil
	}

	return conn, true, nil
}
