package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Log entry types, matching the log_type enum.
const (
	LogCreated  = "created"
	LogStarted  = "started"
	LogProgress = "progress"
	LogOutput   = "output"
	LogDone     = "done"
	LogFailed   = "failed"
	LogNote     = "note"
)

// Log levels, matching the log_level enum.
const (
	LevelDebug    = "debug"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// LogEntry is a row of the job_log table. Raw carries captured command
// output or stack traces; Message is the human-readable line.
type LogEntry struct {
	LogID   int64          `db:"log_id"`
	JobID   int64          `db:"job_id"`
	Time    sql.NullTime   `db:"time"`
	Type    sql.NullString `db:"type"`
	Level   sql.NullString `db:"level"`
	Message sql.NullString `db:"message"`
	Raw     sql.NullString `db:"raw"`
}

// AppendJobLog writes one job_log row. Log failures are reported to the
// caller but runners treat them as non-fatal: losing a log line must not
// fail the job.
func (s *Store) AppendJobLog(ctx context.Context, jobID int64, logType, level, message, raw string) error {
	query := `
		INSERT INTO job_log (job_id, time, type, level, message, raw)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var rawVal sql.NullString
	if raw != "" {
		rawVal = sql.NullString{String: raw, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query, jobID, time.Now(), logType, level, message, rawVal)
	if err != nil {
		s.logger.Error("Failed to append job log",
			slog.Int64("job_id", jobID),
			slog.String("type", logType),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to append job log: %w", err)
	}

	return nil
}

// ListJobLog returns a job's log entries in insertion order.
func (s *Store) ListJobLog(ctx context.Context, jobID int64) ([]LogEntry, error) {
	query := `
		SELECT log_id, job_id, time, type, level, message, raw
		FROM job_log
		WHERE job_id = $1
		ORDER BY log_id
	`

	var entries []LogEntry
	if err := s.db.SelectContext(ctx, &entries, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list job log: %w", err)
	}

	return entries, nil
}
