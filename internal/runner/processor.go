package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memberhost/memberq/internal/jobs"
	"github.com/memberhost/memberq/internal/store"
)

// processJob claims and executes one job. Notifications are hints, not
// commands: the claim re-checks the state, so a duplicate or stale id is
// simply dropped.
func (r *Runner) processJob(ctx context.Context, jobID int64, workerName string) {
	claimMsg := fmt.Sprintf("Running (host: %s)", r.runnerID)

	job, err := r.store.ClaimJob(ctx, jobID, claimMsg)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotQueued) {
			r.logger.Debug("Skipping job - no longer queued",
				slog.Int64("job_id", jobID),
				slog.String("worker_name", workerName),
			)
			return
		}
		r.logger.Error("Failed to claim job",
			slog.Int64("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	_ = r.store.AppendJobLog(ctx, job.JobID, store.LogStarted, store.LevelInfo, claimMsg, job.String())

	jobCtx, cancel := context.WithTimeout(ctx, r.jobTimeout)
	defer cancel()

	deps := &jobs.Deps{
		Logger:    r.logger.With(slog.Int64("job_id", job.JobID), slog.String("job_type", job.Type)),
		Directory: r.store,
	}

	message, err := r.registry.Run(jobCtx, job, deps)
	if err != nil {
		r.finishFailed(ctx, job, err)
		return
	}

	if message == "" {
		message = "Completed"
	}

	if err := r.store.SetJobState(ctx, job.JobID, jobs.StateDone, message); err != nil {
		r.logger.Error("Failed to mark job done",
			slog.Int64("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}

	_ = r.store.AppendJobLog(ctx, job.JobID, store.LogDone, store.LevelInfo, message, "")

	r.logger.Info("Job completed",
		slog.Int64("job_id", job.JobID),
		slog.String("job_type", job.Type),
		slog.String("worker_name", workerName),
	)
}

// finishFailed records a failure and mails the sysadmins. An expected
// JobFailed keeps its reason and raw output; anything else is reported
// verbatim.
func (r *Runner) finishFailed(ctx context.Context, job *jobs.Job, runErr error) {
	message := runErr.Error()
	raw := ""
	level := store.LevelError

	var failed *jobs.JobFailed
	if errors.As(runErr, &failed) {
		if failed.Reason != "" {
			message = failed.Reason
		} else {
			message = "Aborted"
		}
		raw = failed.Raw
		level = store.LevelWarning
	}

	r.logger.Error("Job failed",
		slog.Int64("job_id", job.JobID),
		slog.String("job_type", job.Type),
		slog.String("error", message),
	)

	if err := r.store.SetJobState(ctx, job.JobID, jobs.StateFailed, message); err != nil {
		r.logger.Error("Failed to mark job failed",
			slog.Int64("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	_ = r.store.AppendJobLog(ctx, job.JobID, store.LogFailed, level, message, raw)

	subject := fmt.Sprintf("[memberq] Job #%d failed", job.JobID)
	body := message
	if raw != "" {
		body = fmt.Sprintf("%s\n\n%s", message, raw)
	}
	if err := r.mailer.Send(ctx, subject, body); err != nil {
		r.logger.Warn("Failed to mail failure notice",
			slog.Int64("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}
