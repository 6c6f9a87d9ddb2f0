package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
)

// AnalyzeJob tracks one measurement run. JobID doubles as the ticket
// reservation reference id.
type AnalyzeJob struct {
	JobID             string                 `gorm:"column:job_id;type:varchar(32);primaryKey"`
	AccountID         uuid.UUID              `gorm:"column:account_id;type:uuid;not null;index:idx_analyze_jobs_account_created,priority:1"`
	Mode              enums.AnalyzeMode      `gorm:"column:mode;type:analyze_mode_enum;not null"`
	Status            enums.AnalyzeJobStatus `gorm:"column:status;type:analyze_job_status_enum;not null;index:idx_analyze_jobs_status_updated,priority:1"`
	TicketType        *enums.TicketType      `gorm:"column:ticket_type;type:ticket_type_enum"`
	MeasurementModel  enums.MeasurementModel `gorm:"column:measurement_model;type:text;not null"`
	FrontImageKey     *string                `gorm:"column:front_image_key;type:text"`
	SideImageKey      *string                `gorm:"column:side_image_key;type:text"`
	GlbObjectKey      string                 `gorm:"column:glb_object_key;type:text;not null"`
	HeightCm          *float64               `gorm:"column:height_cm"`
	WeightKg          *float64               `gorm:"column:weight_kg"`
	Gender            *enums.Gender          `gorm:"column:gender;type:text"`
	QualityMode       *string                `gorm:"column:quality_mode;type:text"`
	NormalizeWithAnny bool                   `gorm:"column:normalize_with_anny;not null"`
	OutputPose        *string                `gorm:"column:output_pose;type:text"`
	ResultJSON        *string                `gorm:"column:result_json;type:text"`
	ErrorCode         *string                `gorm:"column:error_code;type:text"`
	ErrorDetail       *string                `gorm:"column:error_detail;type:text"`
	QueuedAt          *time.Time             `gorm:"column:queued_at"`
	StartedAt         *time.Time             `gorm:"column:started_at"`
	CompletedAt       *time.Time             `gorm:"column:completed_at"`
	CreatedAt         time.Time              `gorm:"column:created_at;autoCreateTime;index:idx_analyze_jobs_account_created,priority:2"`
	UpdatedAt         time.Time              `gorm:"column:updated_at;autoUpdateTime;index:idx_analyze_jobs_status_updated,priority:2"`
}

func (AnalyzeJob) TableName() string { return "analyze_jobs" }
