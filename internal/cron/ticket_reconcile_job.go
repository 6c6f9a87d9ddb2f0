package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	reconcileEvery     = 5 * time.Minute
	reconcileGrace     = 2 * time.Minute
	reconcileBatchSize = 100
)

type unsettledJobLister interface {
	ListUnsettled(ctx context.Context, status enums.AnalyzeJobStatus, before time.Time, limit int) ([]models.AnalyzeJob, error)
}

type holdSettler interface {
	Consume(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (*ledger.ApplyResult, error)
	Release(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (*ledger.ApplyResult, error)
}

type TicketReconcileJobParams struct {
	Logger    *logger.Logger
	Jobs      unsettledJobLister
	Settler   holdSettler
	Grace     time.Duration
	BatchSize int
}

// NewTicketReconcileJob settles holds left open by terminal jobs: COMPLETED
// jobs are consumed and FAILED jobs are released.
func NewTicketReconcileJob(params TicketReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Jobs == nil {
		return nil, fmt.Errorf("analyze repository required")
	}
	if params.Settler == nil {
		return nil, fmt.Errorf("reservation service required")
	}
	grace := params.Grace
	if grace <= 0 {
		grace = reconcileGrace
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = reconcileBatchSize
	}
	return &ticketReconcileJob{
		logg:    params.Logger,
		jobs:    params.Jobs,
		settler: params.Settler,
		grace:   grace,
		batch:   batch,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

type ticketReconcileJob struct {
	logg    *logger.Logger
	jobs    unsettledJobLister
	settler holdSettler
	grace   time.Duration
	batch   int
	now     func() time.Time
}

func (j *ticketReconcileJob) Name() string { return "ticket-reconcile" }

func (j *ticketReconcileJob) Every() time.Duration { return reconcileEvery }

func (j *ticketReconcileJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.grace)
	consumed, errConsume := j.settle(ctx, enums.AnalyzeJobStatusCompleted, cutoff)
	released, errRelease := j.settle(ctx, enums.AnalyzeJobStatusFailed, cutoff)

	recordItems(ctx, "consumed", consumed)
	recordItems(ctx, "released", released)
	return multierr.Combine(errConsume, errRelease)
}

func (j *ticketReconcileJob) settle(ctx context.Context, status enums.AnalyzeJobStatus, cutoff time.Time) (int, error) {
	jobs, err := j.jobs.ListUnsettled(ctx, status, cutoff, j.batch)
	if err != nil {
		return 0, fmt.Errorf("list unsettled %s jobs: %w", status, err)
	}
	var errs error
	settled := 0
	for _, job := range jobs {
		if job.TicketType == nil {
			continue
		}
		var err error
		if status == enums.AnalyzeJobStatusCompleted {
			_, err = j.settler.Consume(ctx, job.AccountID, *job.TicketType, job.JobID)
		} else {
			_, err = j.settler.Release(ctx, job.AccountID, *job.TicketType, job.JobID)
		}
		if err != nil {
			j.logg.Warn(j.logg.WithJobID(ctx, job.JobID), "cron.settle_failed")
			errs = multierr.Append(errs, fmt.Errorf("settle %s: %w", job.JobID, err))
			continue
		}
		settled++
	}
	return settled, errs
}
