package analyze

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/angelmondragon/bodyscan-backend/internal/inference"
	"github.com/angelmondragon/bodyscan-backend/internal/reservation"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/angelmondragon/bodyscan-backend/pkg/metrics"
)

// Error codes recorded on jobs that fail outside the upstream call.
const (
	ErrorCodeAnalyzeFailed       = "analyze_failed"
	ErrorCodeCallFailed          = "modal_call_failed"
	ErrorCodeSignFailed          = "storage_sign_failed"
	ErrorCodeDispatchPanic       = "dispatch_panic"
	ErrorCodeDispatchInterrupted = "dispatch_interrupted"

	maxErrorDetail = 2000
)

// InferenceClient runs one measurement call.
type InferenceClient interface {
	Analyze(ctx context.Context, payload inference.Payload) (*inference.Result, error)
}

type ProcessorParams struct {
	Repo        Repository
	Reservation reservation.Service
	Storage     ObjectStorage
	Inference   InferenceClient
	Metrics     *metrics.DispatchMetrics
	Logger      *logger.Logger
}

// Processor moves one job from QUEUED to a terminal state and settles its hold.
type Processor struct {
	repo        Repository
	reservation reservation.Service
	storage     ObjectStorage
	inference   InferenceClient
	metrics     *metrics.DispatchMetrics
	logg        *logger.Logger
	now         func() time.Time
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("analyze repository required")
	}
	if params.Reservation == nil {
		return nil, fmt.Errorf("reservation service required")
	}
	if params.Storage == nil {
		return nil, fmt.Errorf("object storage required")
	}
	if params.Inference == nil {
		return nil, fmt.Errorf("inference client required")
	}
	return &Processor{
		repo:        params.Repo,
		reservation: params.Reservation,
		storage:     params.Storage,
		inference:   params.Inference,
		metrics:     params.Metrics,
		logg:        params.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process claims the job and runs it. A lost claim is not an error. Errors
// are returned only when the task should be redelivered.
func (p *Processor) Process(ctx context.Context, jobID string) (err error) {
	if p.logg != nil {
		ctx = p.logg.WithJobID(ctx, jobID)
	}

	claimed, err := p.repo.ClaimRunning(ctx, jobID, p.now())
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		p.metrics.IncOutcome(metrics.DispatchOutcomeSkipped)
		return nil
	}

	job, err := p.repo.FindByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load claimed job %s: %w", jobID, err)
	}
	if job == nil || job.TicketType == nil {
		return fmt.Errorf("claimed job %s disappeared", jobID)
	}

	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, job, ErrorCodeDispatchPanic, fmt.Sprint(r))
			err = nil
		}
	}()

	payload, err := p.buildPayload(ctx, job)
	if err != nil {
		p.fail(ctx, job, ErrorCodeSignFailed, err.Error())
		return nil
	}

	started := time.Now()
	result, err := p.inference.Analyze(ctx, payload)
	p.metrics.ObserveInference(time.Since(started))
	if err != nil {
		code := ErrorCodeCallFailed
		if upstream, ok := inference.AsError(err); ok {
			code = upstream.Code
		}
		p.fail(ctx, job, code, err.Error())
		return nil
	}
	if !result.Success {
		code := result.Error
		if code == "" {
			code = ErrorCodeAnalyzeFailed
		}
		detail := result.Detail
		if detail == "" {
			detail = string(result.Raw)
		}
		p.fail(ctx, job, code, detail)
		return nil
	}

	p.complete(ctx, job, string(result.Raw))
	return nil
}

func (p *Processor) buildPayload(ctx context.Context, job *models.AnalyzeJob) (inference.Payload, error) {
	if job.FrontImageKey == nil || *job.FrontImageKey == "" {
		return inference.Payload{}, fmt.Errorf("front image missing")
	}
	front, err := p.storage.SignedGetURL(ctx, *job.FrontImageKey)
	if err != nil {
		return inference.Payload{}, fmt.Errorf("sign front image: %w", err)
	}
	var side *string
	if job.SideImageKey != nil && *job.SideImageKey != "" {
		u, err := p.storage.SignedGetURL(ctx, *job.SideImageKey)
		if err != nil {
			return inference.Payload{}, fmt.Errorf("sign side image: %w", err)
		}
		side = &u
	}
	glb, err := p.storage.SignedPutURL(ctx, job.GlbObjectKey, glbContentType)
	if err != nil {
		return inference.Payload{}, fmt.Errorf("sign glb upload: %w", err)
	}

	var gender *string
	if job.Gender != nil {
		g := string(*job.Gender)
		gender = &g
	}
	pose := outputPose
	if job.OutputPose != nil && *job.OutputPose != "" {
		pose = *job.OutputPose
	}

	return inference.Payload{
		Mode:              string(job.Mode),
		MeasurementModel:  string(job.MeasurementModel),
		FrontImageURL:     front,
		SideImageURL:      side,
		GLBUploadURL:      glb,
		HeightCm:          job.HeightCm,
		WeightKg:          job.WeightKg,
		Gender:            gender,
		JobID:             job.JobID,
		QualityMode:       job.QualityMode,
		NormalizeWithAnny: job.NormalizeWithAnny,
		OutputPose:        pose,
	}, nil
}

// complete records the result first, then consumes the hold. A consume failure
// leaves the job COMPLETED for the reconcile sweep to settle.
func (p *Processor) complete(ctx context.Context, job *models.AnalyzeJob, resultJSON string) {
	ctx = context.WithoutCancel(ctx)
	updated, err := p.repo.MarkCompleted(ctx, job.JobID, resultJSON, p.now())
	if err != nil {
		p.logError(ctx, "mark job completed failed", err)
		return
	}
	if !updated {
		p.metrics.IncOutcome(metrics.DispatchOutcomeSkipped)
		return
	}
	p.metrics.IncOutcome(metrics.DispatchOutcomeCompleted)

	if _, err := p.reservation.Consume(ctx, job.AccountID, *job.TicketType, job.JobID); err != nil {
		p.metrics.IncConsumeFailure()
		p.logError(ctx, "ticket consume failed", err)
	}
}

// fail records the failure, then releases the hold.
func (p *Processor) fail(ctx context.Context, job *models.AnalyzeJob, code, detail string) {
	ctx = context.WithoutCancel(ctx)
	updated, err := p.repo.MarkFailed(ctx, job.JobID, code, truncate(detail, maxErrorDetail), p.now())
	if err != nil {
		p.logError(ctx, "mark job failed failed", err)
		return
	}
	if !updated {
		p.metrics.IncOutcome(metrics.DispatchOutcomeSkipped)
		return
	}
	p.metrics.IncOutcome(metrics.DispatchOutcomeFailed)
	if p.logg != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error_code", code), "analyze job failed")
	}

	if _, err := p.reservation.Release(ctx, job.AccountID, *job.TicketType, job.JobID); err != nil {
		p.metrics.IncReleaseFailure()
		if p.logg != nil {
			p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "ticket release failed")
		}
	}
}

func (p *Processor) logError(ctx context.Context, msg string, err error) {
	if p.logg != nil {
		p.logg.Error(ctx, msg, err)
	}
}

// truncate cuts value to at most limit bytes without splitting a rune;
// error_detail is a text column and must stay valid UTF-8.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	for limit > 0 && !utf8.RuneStart(value[limit]) {
		limit--
	}
	return value[:limit]
}
