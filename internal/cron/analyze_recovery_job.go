package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/bodyscan-backend/internal/analyze"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"go.uber.org/multierr"
)

const (
	recoveryEvery             = time.Minute
	defaultQueuedStaleAfter   = 15 * time.Minute
	defaultRunningStaleAfter  = 30 * time.Minute
	recoveryBatchSize         = 100
	interruptedJobErrorDetail = "dispatch worker stopped before the job finished"
)

type staleJobRepo interface {
	ListStale(ctx context.Context, status enums.AnalyzeJobStatus, before time.Time, limit int) ([]models.AnalyzeJob, error)
	MarkFailed(ctx context.Context, jobID, code, detail string, now time.Time) (bool, error)
}

type taskEnqueuer interface {
	Enqueue(ctx context.Context, task analyze.Task) error
}

type AnalyzeRecoveryJobParams struct {
	Logger            *logger.Logger
	Jobs              staleJobRepo
	Queue             taskEnqueuer
	Settler           holdSettler
	QueuedStaleAfter  time.Duration
	RunningStaleAfter time.Duration
	BatchSize         int
}

// NewAnalyzeRecoveryJob re-enqueues started jobs stuck in QUEUED and fails
// jobs stuck in RUNNING, releasing their holds.
func NewAnalyzeRecoveryJob(params AnalyzeRecoveryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Jobs == nil {
		return nil, fmt.Errorf("analyze repository required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("dispatch queue required")
	}
	if params.Settler == nil {
		return nil, fmt.Errorf("reservation service required")
	}
	queued := params.QueuedStaleAfter
	if queued <= 0 {
		queued = defaultQueuedStaleAfter
	}
	running := params.RunningStaleAfter
	if running <= 0 {
		running = defaultRunningStaleAfter
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = recoveryBatchSize
	}
	return &analyzeRecoveryJob{
		logg:         params.Logger,
		jobs:         params.Jobs,
		queue:        params.Queue,
		settler:      params.Settler,
		queuedAfter:  queued,
		runningAfter: running,
		batch:        batch,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

type analyzeRecoveryJob struct {
	logg         *logger.Logger
	jobs         staleJobRepo
	queue        taskEnqueuer
	settler      holdSettler
	queuedAfter  time.Duration
	runningAfter time.Duration
	batch        int
	now          func() time.Time
}

func (j *analyzeRecoveryJob) Name() string { return "analyze-recovery" }

func (j *analyzeRecoveryJob) Every() time.Duration { return recoveryEvery }

func (j *analyzeRecoveryJob) Run(ctx context.Context) error {
	now := j.now()
	requeued, errQueued := j.requeue(ctx, now.Add(-j.queuedAfter))
	failed, errRunning := j.failInterrupted(ctx, now, now.Add(-j.runningAfter))

	recordItems(ctx, "requeued", requeued)
	recordItems(ctx, "failed", failed)
	return multierr.Combine(errQueued, errRunning)
}

func (j *analyzeRecoveryJob) requeue(ctx context.Context, before time.Time) (int, error) {
	jobs, err := j.jobs.ListStale(ctx, enums.AnalyzeJobStatusQueued, before, j.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale queued jobs: %w", err)
	}
	var errs error
	count := 0
	for _, job := range jobs {
		if err := j.queue.Enqueue(ctx, analyze.Task{JobID: job.JobID}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("requeue %s: %w", job.JobID, err))
			continue
		}
		count++
	}
	return count, errs
}

func (j *analyzeRecoveryJob) failInterrupted(ctx context.Context, now, before time.Time) (int, error) {
	jobs, err := j.jobs.ListStale(ctx, enums.AnalyzeJobStatusRunning, before, j.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale running jobs: %w", err)
	}
	var errs error
	count := 0
	for _, job := range jobs {
		updated, err := j.jobs.MarkFailed(ctx, job.JobID, analyze.ErrorCodeDispatchInterrupted, interruptedJobErrorDetail, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fail %s: %w", job.JobID, err))
			continue
		}
		if !updated || job.TicketType == nil {
			continue
		}
		if _, err := j.settler.Release(ctx, job.AccountID, *job.TicketType, job.JobID); err != nil {
			// the reconcile sweep releases it later
			j.logg.Warn(j.logg.WithJobID(ctx, job.JobID), "cron.release_deferred")
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", job.JobID, err))
		}
		count++
	}
	return count, errs
}
