package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
)

const (
	retentionEvery        = time.Hour
	defaultPhotoRetention = 24 * time.Hour
	defaultModelRetention = 365 * 24 * time.Hour
	defaultRetentionBatch = 200
)

type retentionService interface {
	ScrubInputPhotos(ctx context.Context, photoCutoff, modelCutoff time.Time, limit int) (int, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type AnalyzeRetentionJobParams struct {
	Logger         *logger.Logger
	Service        retentionService
	PhotoRetention time.Duration
	ModelRetention time.Duration
	BatchSize      int
}

// NewAnalyzeRetentionJob drops input photos after the photo retention window
// and whole jobs after the model retention window.
func NewAnalyzeRetentionJob(params AnalyzeRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Service == nil {
		return nil, fmt.Errorf("analyze service required")
	}
	photo := params.PhotoRetention
	if photo <= 0 {
		photo = defaultPhotoRetention
	}
	model := params.ModelRetention
	if model <= 0 {
		model = defaultModelRetention
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultRetentionBatch
	}
	return &analyzeRetentionJob{
		logg:  params.Logger,
		svc:   params.Service,
		photo: photo,
		model: model,
		batch: batch,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

type analyzeRetentionJob struct {
	logg  *logger.Logger
	svc   retentionService
	photo time.Duration
	model time.Duration
	batch int
	now   func() time.Time
}

func (j *analyzeRetentionJob) Name() string { return "analyze-retention" }

func (j *analyzeRetentionJob) Every() time.Duration { return retentionEvery }

func (j *analyzeRetentionJob) Run(ctx context.Context) error {
	now := j.now()
	photoCutoff := now.Add(-j.photo)
	modelCutoff := now.Add(-j.model)

	deleted, err := j.svc.DeleteCompletedBefore(ctx, modelCutoff, j.batch)
	if err != nil {
		return fmt.Errorf("analyze retention: %w", err)
	}
	recordItems(ctx, "deleted", int(deleted))

	scrubbed, err := j.svc.ScrubInputPhotos(ctx, photoCutoff, modelCutoff, j.batch)
	if err != nil {
		return fmt.Errorf("analyze retention: %w", err)
	}
	recordItems(ctx, "scrubbed", scrubbed)

	if int(deleted) >= j.batch || scrubbed >= j.batch {
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"photo_cutoff": photoCutoff,
			"model_cutoff": modelCutoff,
			"batch":        j.batch,
		}), "cron.retention_backlog")
	}
	return nil
}
