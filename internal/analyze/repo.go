package analyze

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists analyze jobs. Status transitions are conditional updates
// so concurrent writers cannot both move the same job.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, job *models.AnalyzeJob) error
	FindByID(ctx context.Context, jobID string) (*models.AnalyzeJob, error)
	FindForAccount(ctx context.Context, accountID uuid.UUID, jobID string) (*models.AnalyzeJob, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.AnalyzeJob, error)
	UpdateQueuedInputs(ctx context.Context, job *models.AnalyzeJob) (bool, error)
	ClaimRunning(ctx context.Context, jobID string, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, jobID, resultJSON string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, jobID, code, detail string, now time.Time) (bool, error)
	ListStale(ctx context.Context, status enums.AnalyzeJobStatus, before time.Time, limit int) ([]models.AnalyzeJob, error)
	ListUnsettled(ctx context.Context, status enums.AnalyzeJobStatus, before time.Time, limit int) ([]models.AnalyzeJob, error)
	ListPhotoPurgeTargets(ctx context.Context, photoCutoff, modelCutoff time.Time, limit int) ([]models.AnalyzeJob, error)
	ClearInputKeys(ctx context.Context, jobIDs []string) error
	ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.AnalyzeJob, error)
	DeleteByIDs(ctx context.Context, jobIDs []string) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an analyze job repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, job *models.AnalyzeJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// FindByID returns nil without error when the job does not exist.
func (r *repository) FindByID(ctx context.Context, jobID string) (*models.AnalyzeJob, error) {
	var job models.AnalyzeJob
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *repository) FindForAccount(ctx context.Context, accountID uuid.UUID, jobID string) (*models.AnalyzeJob, error) {
	var job models.AnalyzeJob
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND account_id = ?", jobID, accountID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *repository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.AnalyzeJob, error) {
	var jobs []models.AnalyzeJob
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateQueuedInputs writes the start inputs while the job is still QUEUED.
func (r *repository) UpdateQueuedInputs(ctx context.Context, job *models.AnalyzeJob) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.AnalyzeJob{}).
		Where("job_id = ? AND status = ?", job.JobID, enums.AnalyzeJobStatusQueued).
		Updates(map[string]any{
			"ticket_type":         job.TicketType,
			"measurement_model":   job.MeasurementModel,
			"height_cm":           job.HeightCm,
			"weight_kg":           job.WeightKg,
			"gender":              job.Gender,
			"quality_mode":        job.QualityMode,
			"normalize_with_anny": job.NormalizeWithAnny,
			"output_pose":         job.OutputPose,
			"queued_at":           job.QueuedAt,
			"error_code":          nil,
			"error_detail":        nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimRunning moves a started QUEUED job to RUNNING. Only one caller wins.
func (r *repository) ClaimRunning(ctx context.Context, jobID string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.AnalyzeJob{}).
		Where("job_id = ? AND status = ? AND ticket_type IS NOT NULL", jobID, enums.AnalyzeJobStatusQueued).
		Updates(map[string]any{
			"status":     enums.AnalyzeJobStatusRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) MarkCompleted(ctx context.Context, jobID, resultJSON string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.AnalyzeJob{}).
		Where("job_id = ? AND status = ?", jobID, enums.AnalyzeJobStatusRunning).
		Updates(map[string]any{
			"status":       enums.AnalyzeJobStatusCompleted,
			"result_json":  resultJSON,
			"error_code":   nil,
			"error_detail": nil,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) MarkFailed(ctx context.Context, jobID, code, detail string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.AnalyzeJob{}).
		Where("job_id = ? AND status = ?", jobID, enums.AnalyzeJobStatusRunning).
		Updates(map[string]any{
			"status":       enums.AnalyzeJobStatusFailed,
			"error_code":   code,
			"error_detail": detail,
			"completed_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStale returns started jobs in status whose last update is before the cutoff.
func (r *repository) ListStale(ctx context.Context, status enums.AnalyzeJobStatus, before time.Time, limit int) ([]models.AnalyzeJob, error) {
	var jobs []models.AnalyzeJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND ticket_type IS NOT NULL AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListUnsettled returns terminal jobs that took a hold which was never consumed
// or released.
func (r *repository) ListUnsettled(ctx context.Context, status enums.AnalyzeJobStatus, before time.Time, limit int) ([]models.AnalyzeJob, error) {
	var jobs []models.AnalyzeJob
	err := r.db.WithContext(ctx).
		Where("analyze_jobs.status = ? AND analyze_jobs.ticket_type IS NOT NULL AND analyze_jobs.completed_at < ?", status, before).
		Where(`EXISTS (SELECT 1 FROM ticket_ledger l WHERE l.account_id = analyze_jobs.account_id
			AND l.ticket_type = analyze_jobs.ticket_type AND l.ref_id = analyze_jobs.job_id AND l.reason = ?)`,
			enums.LedgerReasonHold).
		Where(`NOT EXISTS (SELECT 1 FROM ticket_ledger l WHERE l.account_id = analyze_jobs.account_id
			AND l.ticket_type = analyze_jobs.ticket_type AND l.ref_id = analyze_jobs.job_id AND l.reason IN (?, ?))`,
			enums.LedgerReasonConsume, enums.LedgerReasonRelease).
		Order("analyze_jobs.completed_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListPhotoPurgeTargets returns finished jobs past the photo cutoff that still
// reference input images and are not yet due for deletion.
func (r *repository) ListPhotoPurgeTargets(ctx context.Context, photoCutoff, modelCutoff time.Time, limit int) ([]models.AnalyzeJob, error) {
	var jobs []models.AnalyzeJob
	if err := r.db.WithContext(ctx).
		Where("completed_at < ? AND completed_at >= ?", photoCutoff, modelCutoff).
		Where("front_image_key IS NOT NULL OR side_image_key IS NOT NULL").
		Order("completed_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repository) ClearInputKeys(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.AnalyzeJob{}).
		Where("job_id IN ?", jobIDs).
		Updates(map[string]any{
			"front_image_key": nil,
			"side_image_key":  nil,
		}).Error
}

func (r *repository) ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.AnalyzeJob, error) {
	var jobs []models.AnalyzeJob
	if err := r.db.WithContext(ctx).
		Where("completed_at < ?", cutoff).
		Order("completed_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repository) DeleteByIDs(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("job_id IN ?", jobIDs).Delete(&models.AnalyzeJob{})
	return res.RowsAffected, res.Error
}
