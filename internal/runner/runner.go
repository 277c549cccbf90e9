// Package runner executes queued jobs. It wakes on jobs_insert
// notifications and reconciles against the jobs table at startup and
// after reconnects, since notification delivery is best effort.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memberhost/memberq/internal/jobs"
	"github.com/memberhost/memberq/internal/mail"
	"github.com/memberhost/memberq/internal/notify"
	"github.com/memberhost/memberq/internal/store"
)

// ErrRunnerLocked means another runner already holds the advisory lock
// on this database.
var ErrRunnerLocked = errors.New("another job runner is active")

// Config holds runner configuration.
type Config struct {
	Logger      *slog.Logger
	Store       *store.Store
	Listener    *notify.Listener
	Registry    *jobs.Registry
	Mailer      mail.Mailer
	Concurrency int
	JobTimeout  time.Duration
	Environment string
}

// Runner is the job-processing daemon.
type Runner struct {
	logger      *slog.Logger
	store       *store.Store
	listener    *notify.Listener
	registry    *jobs.Registry
	mailer      mail.Mailer
	concurrency int
	jobTimeout  time.Duration
	environment string

	runnerID string
	jobsChan chan int64
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewRunner creates a runner instance.
func NewRunner(cfg *Config) *Runner {
	hostname, _ := os.Hostname()
	return &Runner{
		logger:      cfg.Logger,
		store:       cfg.Store,
		listener:    cfg.Listener,
		registry:    cfg.Registry,
		mailer:      cfg.Mailer,
		concurrency: cfg.Concurrency,
		jobTimeout:  cfg.JobTimeout,
		environment: cfg.Environment,
		runnerID:    fmt.Sprintf("%s/%d/%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		jobsChan:    make(chan int64),
		stopChan:    make(chan struct{}),
	}
}

// Start takes the runner advisory lock, subscribes to notifications,
// spawns the worker pool and dispatches job ids until the context is
// cancelled. Returns ErrRunnerLocked if another runner is active.
func (r *Runner) Start(ctx context.Context) error {
	lockConn, locked, err := r.store.AcquireRunnerLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire runner lock: %w", err)
	}
	if !locked {
		return ErrRunnerLocked
	}
	defer lockConn.Close()

	r.logger.Info("Starting job runner",
		slog.String("runner_id", r.runnerID),
		slog.Int("concurrency", r.concurrency),
		slog.Duration("job_timeout", r.jobTimeout),
	)

	// Subscribe before the catch-up scan: a job committed between the
	// two is then seen at least once (possibly twice, which is fine).
	if err := r.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	r.spawnWorkers(ctx)

	if err := r.dispatch(ctx); err != nil {
		return err
	}

	return nil
}

// Stop waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.logger.Info("Stopping job runner...")
	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info("Job runner stopped")
}

// dispatch feeds the worker pool: first the catch-up scan of rows
// already queued, then live notifications. A resync event repeats the
// scan. Ids can be delivered twice; claiming is what deduplicates.
func (r *Runner) dispatch(ctx context.Context) error {
	if err := r.enqueueQueued(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Dispatcher stopped - context canceled")
			return nil

		case event, ok := <-r.listener.Events():
			if !ok {
				r.logger.Info("Dispatcher stopped - listener closed")
				return nil
			}

			if event.Resync {
				if err := r.enqueueQueued(ctx); err != nil {
					r.logger.Error("Resync scan failed",
						slog.Any("error", err),
					)
				}
				continue
			}

			select {
			case r.jobsChan <- event.JobID:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Runner) enqueueQueued(ctx context.Context) error {
	ids, err := r.store.QueuedJobIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan queued jobs: %w", err)
	}

	if len(ids) > 0 {
		r.logger.Info("Reconciliation scan found queued jobs",
			slog.Int("count", len(ids)),
		)
	}

	for _, id := range ids {
		select {
		case r.jobsChan <- id:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (r *Runner) spawnWorkers(ctx context.Context) {
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}

	r.logger.Info("Worker pool spawned",
		slog.Int("worker_count", r.concurrency),
	)
}

func (r *Runner) workerLoop(ctx context.Context, workerNum int) {
	defer r.wg.Done()

	workerName := fmt.Sprintf("%s-%d", r.runnerID, workerNum)

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Worker stopping",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			return

		case jobID, ok := <-r.jobsChan:
			if !ok {
				return
			}
			r.processJob(ctx, jobID, workerName)
		}
	}
}
