package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/bodyscan-backend/internal/reservation"
	"github.com/angelmondragon/bodyscan-backend/pkg/auth"
	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultListSize    = 20
	maxListSize        = 50
	outputPose         = "PHOTO_POSE"
	defaultFrontendURL = "http://localhost:3000"
)

// ObjectStorage signs object URLs and deletes objects by key.
type ObjectStorage interface {
	SignedPutURL(ctx context.Context, object, contentType string) (string, error)
	SignedGetURL(ctx context.Context, object string) (string, error)
	Delete(ctx context.Context, object string) error
}

// Recommender turns a measurement result into recommendations.
type Recommender interface {
	Recommend(ctx context.Context, accountID uuid.UUID, measurements json.RawMessage) (json.RawMessage, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the analyze job lifecycle exposed to the API and cron jobs.
type Service interface {
	IssueUploadTargets(ctx context.Context, accountID uuid.UUID, input UploadInput) (*UploadTargets, error)
	Start(ctx context.Context, accountID uuid.UUID, jobID string, input StartInput) (*StartResult, error)
	Get(ctx context.Context, accountID uuid.UUID, jobID string) (*JobView, error)
	List(ctx context.Context, accountID uuid.UUID, size int) ([]JobListItem, error)
	IssueShareLink(ctx context.Context, accountID uuid.UUID, jobID string) (*ShareLink, error)
	GetShared(ctx context.Context, token string) (*SharedJobView, error)
	Recommend(ctx context.Context, accountID uuid.UUID, jobID string) (json.RawMessage, error)
	ScrubInputPhotos(ctx context.Context, photoCutoff, modelCutoff time.Time, limit int) (int, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// UploadInput requests presigned upload targets for a new job.
type UploadInput struct {
	Mode          string `json:"mode" validate:"required,analyze_mode"`
	FrontFilename string `json:"front_filename" validate:"required,image_filename"`
	SideFilename  string `json:"side_filename,omitempty" validate:"omitempty,image_filename"`
}

type UploadTarget struct {
	ObjectKey string `json:"object_key"`
	PutURL    string `json:"put_url"`
}

type UploadTargets struct {
	JobID  string                 `json:"job_id"`
	Mode   enums.AnalyzeMode      `json:"mode"`
	Status enums.AnalyzeJobStatus `json:"status"`
	Front  UploadTarget           `json:"front"`
	Side   *UploadTarget          `json:"side,omitempty"`
	Output UploadTarget           `json:"output"`
}

type StartResult struct {
	JobID    string                 `json:"job_id"`
	Mode     enums.AnalyzeMode      `json:"mode"`
	Status   enums.AnalyzeJobStatus `json:"status"`
	QueuedAt *time.Time             `json:"queued_at"`
}

// JobView is the owner's view of a job.
type JobView struct {
	JobID             string                 `json:"job_id"`
	Mode              enums.AnalyzeMode      `json:"mode"`
	Status            enums.AnalyzeJobStatus `json:"status"`
	FrontImageKey     *string                `json:"front_image_key"`
	SideImageKey      *string                `json:"side_image_key"`
	GlbObjectKey      string                 `json:"glb_object_key"`
	GlbDownloadURL    *string                `json:"glb_download_url"`
	HeightCm          *float64               `json:"height_cm"`
	WeightKg          *float64               `json:"weight_kg"`
	Gender            *enums.Gender          `json:"gender"`
	QualityMode       *string                `json:"quality_mode"`
	NormalizeWithAnny bool                   `json:"normalize_with_anny"`
	MeasurementModel  enums.MeasurementModel `json:"measurement_model"`
	OutputPose        *string                `json:"output_pose"`
	ErrorCode         *string                `json:"error_code"`
	ErrorDetail       *string                `json:"error_detail"`
	Result            json.RawMessage        `json:"result"`
	QueuedAt          *time.Time             `json:"queued_at"`
	StartedAt         *time.Time             `json:"started_at"`
	CompletedAt       *time.Time             `json:"completed_at"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

type JobListItem struct {
	JobID        string                 `json:"job_id"`
	Mode         enums.AnalyzeMode      `json:"mode"`
	Status       enums.AnalyzeJobStatus `json:"status"`
	GlbObjectKey string                 `json:"glb_object_key"`
	CreatedAt    time.Time              `json:"created_at"`
	CompletedAt  *time.Time             `json:"completed_at"`
}

type ShareLink struct {
	Token     string    `json:"token"`
	ShareURL  string    `json:"share_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SharedJobView is what a share-link holder can see.
type SharedJobView struct {
	JobID            string                 `json:"job_id"`
	Mode             enums.AnalyzeMode      `json:"mode"`
	Status           enums.AnalyzeJobStatus `json:"status"`
	GlbDownloadURL   *string                `json:"glb_download_url"`
	HeightCm         *float64               `json:"height_cm"`
	WeightKg         *float64               `json:"weight_kg"`
	Gender           *enums.Gender          `json:"gender"`
	MeasurementModel enums.MeasurementModel `json:"measurement_model"`
	Result           json.RawMessage        `json:"result"`
	CompletedAt      *time.Time             `json:"completed_at"`
	CreatedAt        time.Time              `json:"created_at"`
}

type ServiceParams struct {
	Repo        Repository
	Reservation reservation.Service
	Tx          txRunner
	Storage     ObjectStorage
	Queue       Queue
	JWT         config.JWTConfig
	FrontendURL string
	Recommender Recommender
	Logger      *logger.Logger
}

type service struct {
	repo        Repository
	reservation reservation.Service
	tx          txRunner
	storage     ObjectStorage
	queue       Queue
	jwt         config.JWTConfig
	frontendURL string
	recommender Recommender
	logg        *logger.Logger
	now         func() time.Time
}

// NewService wires the analyze job lifecycle.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("analyze repository required")
	}
	if params.Reservation == nil {
		return nil, fmt.Errorf("reservation service required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Storage == nil {
		return nil, fmt.Errorf("object storage required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("dispatch queue required")
	}
	frontend := strings.TrimRight(strings.TrimSpace(params.FrontendURL), "/")
	if frontend == "" {
		frontend = defaultFrontendURL
	}
	return &service{
		repo:        params.Repo,
		reservation: params.Reservation,
		tx:          params.Tx,
		storage:     params.Storage,
		queue:       params.Queue,
		jwt:         params.JWT,
		frontendURL: frontend,
		recommender: params.Recommender,
		logg:        params.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// IssueUploadTargets creates a QUEUED job without a hold and returns signed
// PUT URLs for its inputs and output.
func (s *service) IssueUploadTargets(ctx context.Context, accountID uuid.UUID, input UploadInput) (*UploadTargets, error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "account identity missing")
	}
	mode, err := enums.ParseAnalyzeMode(input.Mode)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "mode must be one of QUICK_1VIEW, STANDARD_2VIEW")
	}
	if strings.TrimSpace(input.FrontFilename) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "front_filename is required")
	}
	if mode.RequiresSideView() && strings.TrimSpace(input.SideFilename) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "STANDARD_2VIEW requires side_filename")
	}

	jobID := newJobID()
	prefix := jobPrefix(accountID, jobID)

	front, err := s.signUpload(ctx, inputObjectKey(prefix, input.FrontFilename))
	if err != nil {
		return nil, err
	}
	var side *UploadTarget
	if mode.RequiresSideView() {
		target, err := s.signUpload(ctx, inputObjectKey(prefix, input.SideFilename))
		if err != nil {
			return nil, err
		}
		side = &target
	}
	output, err := s.signUpload(ctx, outputObjectKey(prefix))
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &models.AnalyzeJob{
		JobID:             jobID,
		AccountID:         accountID,
		Mode:              mode,
		Status:            enums.AnalyzeJobStatusQueued,
		MeasurementModel:  mode.DefaultMeasurementModel(),
		FrontImageKey:     &front.ObjectKey,
		GlbObjectKey:      output.ObjectKey,
		NormalizeWithAnny: true,
		QueuedAt:          &now,
	}
	if side != nil {
		job.SideImageKey = &side.ObjectKey
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist analyze job")
	}

	return &UploadTargets{
		JobID:  jobID,
		Mode:   mode,
		Status: job.Status,
		Front:  front,
		Side:   side,
		Output: output,
	}, nil
}

func (s *service) signUpload(ctx context.Context, key string) (UploadTarget, error) {
	putURL, err := s.storage.SignedPutURL(ctx, key, contentTypeFor(key))
	if err != nil {
		return UploadTarget{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign upload url")
	}
	return UploadTarget{ObjectKey: key, PutURL: putURL}, nil
}

// Start holds one ticket and queues the job in a single transaction, then
// enqueues the dispatch task. Restarting a QUEUED job reuses its hold.
func (s *service) Start(ctx context.Context, accountID uuid.UUID, jobID string, input StartInput) (*StartResult, error) {
	job, err := s.loadOwned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case enums.AnalyzeJobStatusRunning:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "job is already running")
	case enums.AnalyzeJobStatusCompleted, enums.AnalyzeJobStatusFailed:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "job has finished; request new upload targets to retry")
	}
	if job.Mode.RequiresSideView() && (job.SideImageKey == nil || *job.SideImageKey == "") {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "STANDARD_2VIEW requires a side image")
	}

	profile, err := normalizeStartInput(job.Mode, input)
	if err != nil {
		return nil, err
	}
	kind := profile.model.TicketType()
	if job.TicketType != nil && *job.TicketType != kind {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "job already holds a different ticket type")
	}

	now := s.now()
	qualityMode := profile.model.QualityMode()
	pose := outputPose
	job.TicketType = &kind
	job.MeasurementModel = profile.model
	job.HeightCm = &profile.heightCm
	job.WeightKg = profile.weightKg
	job.Gender = &profile.gender
	job.QualityMode = &qualityMode
	job.NormalizeWithAnny = profile.model == enums.MeasurementModelPremium
	job.OutputPose = &pose
	job.QueuedAt = &now

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.reservation.WithTx(tx).Hold(ctx, accountID, kind, job.JobID); err != nil {
			return err
		}
		updated, err := s.repo.WithTx(tx).UpdateQueuedInputs(ctx, job)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "queue analyze job")
		}
		if !updated {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "job is no longer queued")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, Task{JobID: job.JobID}); err != nil && s.logg != nil {
		// the recovery sweep re-enqueues stale QUEUED jobs
		s.logg.Error(s.logg.WithJobID(ctx, job.JobID), "enqueue dispatch task failed", err)
	}

	return &StartResult{JobID: job.JobID, Mode: job.Mode, Status: enums.AnalyzeJobStatusQueued, QueuedAt: job.QueuedAt}, nil
}

func (s *service) Get(ctx context.Context, accountID uuid.UUID, jobID string) (*JobView, error) {
	job, err := s.loadOwned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}

	view := &JobView{
		JobID:             job.JobID,
		Mode:              job.Mode,
		Status:            job.Status,
		FrontImageKey:     job.FrontImageKey,
		SideImageKey:      job.SideImageKey,
		GlbObjectKey:      job.GlbObjectKey,
		HeightCm:          job.HeightCm,
		WeightKg:          job.WeightKg,
		Gender:            job.Gender,
		QualityMode:       job.QualityMode,
		NormalizeWithAnny: job.NormalizeWithAnny,
		MeasurementModel:  job.MeasurementModel,
		OutputPose:        job.OutputPose,
		ErrorCode:         job.ErrorCode,
		ErrorDetail:       job.ErrorDetail,
		Result:            s.resultOf(ctx, job),
		QueuedAt:          job.QueuedAt,
		StartedAt:         job.StartedAt,
		CompletedAt:       job.CompletedAt,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
	if job.Status == enums.AnalyzeJobStatusCompleted && job.GlbObjectKey != "" {
		view.GlbDownloadURL = s.downloadURL(ctx, job.GlbObjectKey)
	}
	return view, nil
}

func (s *service) List(ctx context.Context, accountID uuid.UUID, size int) ([]JobListItem, error) {
	jobs, err := s.repo.ListByAccount(ctx, accountID, clampListSize(size))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list analyze jobs")
	}
	items := make([]JobListItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, JobListItem{
			JobID:        job.JobID,
			Mode:         job.Mode,
			Status:       job.Status,
			GlbObjectKey: job.GlbObjectKey,
			CreatedAt:    job.CreatedAt,
			CompletedAt:  job.CompletedAt,
		})
	}
	return items, nil
}

// IssueShareLink mints a share token for a completed job with a result.
func (s *service) IssueShareLink(ctx context.Context, accountID uuid.UUID, jobID string) (*ShareLink, error) {
	job, err := s.loadOwned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	if !shareable(job) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only completed results can be shared")
	}

	token, expiresAt, err := auth.MintShareToken(s.jwt, s.now(), accountID, job.JobID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mint share token")
	}
	return &ShareLink{
		Token:     token,
		ShareURL:  s.frontendURL + "/share/result/" + url.PathEscape(token),
		ExpiresAt: expiresAt,
	}, nil
}

func (s *service) GetShared(ctx context.Context, token string) (*SharedJobView, error) {
	claims, err := auth.ParseShareToken(s.jwt, strings.TrimSpace(token))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid share token")
	}
	job, err := s.repo.FindByID(ctx, claims.JobID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load shared job")
	}
	if job == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "shared result not found")
	}
	if !shareable(job) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "result is not shareable")
	}
	result := s.resultOf(ctx, job)
	if result == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "shared result is corrupted")
	}

	view := &SharedJobView{
		JobID:            job.JobID,
		Mode:             job.Mode,
		Status:           job.Status,
		HeightCm:         job.HeightCm,
		WeightKg:         job.WeightKg,
		Gender:           job.Gender,
		MeasurementModel: job.MeasurementModel,
		Result:           result,
		CompletedAt:      job.CompletedAt,
		CreatedAt:        job.CreatedAt,
	}
	if job.GlbObjectKey != "" {
		view.GlbDownloadURL = s.downloadURL(ctx, job.GlbObjectKey)
	}
	return view, nil
}

// Recommend forwards a completed job's measurements to the recommender.
func (s *service) Recommend(ctx context.Context, accountID uuid.UUID, jobID string) (json.RawMessage, error) {
	if s.recommender == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "recommendations are not configured")
	}
	job, err := s.loadOwned(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	if !shareable(job) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "recommendations need a completed result")
	}
	out, err := s.recommender.Recommend(ctx, accountID, json.RawMessage(*job.ResultJSON))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "recommendation call failed")
	}
	return out, nil
}

// ScrubInputPhotos deletes input images of jobs finished before photoCutoff
// and clears their keys. Object deletes are best effort.
func (s *service) ScrubInputPhotos(ctx context.Context, photoCutoff, modelCutoff time.Time, limit int) (int, error) {
	jobs, err := s.repo.ListPhotoPurgeTargets(ctx, photoCutoff, modelCutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list photo purge targets: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		s.safeDelete(ctx, job.FrontImageKey)
		s.safeDelete(ctx, job.SideImageKey)
		ids = append(ids, job.JobID)
	}
	if err := s.repo.ClearInputKeys(ctx, ids); err != nil {
		return 0, fmt.Errorf("clear input keys: %w", err)
	}
	return len(ids), nil
}

// DeleteCompletedBefore removes up to limit jobs finished before cutoff along
// with their objects.
func (s *service) DeleteCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	jobs, err := s.repo.ListCompletedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		s.safeDelete(ctx, job.FrontImageKey)
		s.safeDelete(ctx, job.SideImageKey)
		glb := job.GlbObjectKey
		s.safeDelete(ctx, &glb)
		ids = append(ids, job.JobID)
	}
	deleted, err := s.repo.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return deleted, nil
}

func (s *service) safeDelete(ctx context.Context, key *string) {
	if key == nil || *key == "" {
		return
	}
	if err := s.storage.Delete(ctx, *key); err != nil && s.logg != nil {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"object_key": *key, "error": err.Error()}), "object delete failed")
	}
}

func (s *service) loadOwned(ctx context.Context, accountID uuid.UUID, jobID string) (*models.AnalyzeJob, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "job id is required")
	}
	job, err := s.repo.FindForAccount(ctx, accountID, jobID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load analyze job")
	}
	if job == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "analyze job not found")
	}
	return job, nil
}

func (s *service) resultOf(ctx context.Context, job *models.AnalyzeJob) json.RawMessage {
	if job.ResultJSON == nil || *job.ResultJSON == "" {
		return nil
	}
	if !json.Valid([]byte(*job.ResultJSON)) {
		if s.logg != nil {
			s.logg.Warn(s.logg.WithJobID(ctx, job.JobID), "stored result json is invalid")
		}
		return nil
	}
	return json.RawMessage(*job.ResultJSON)
}

func (s *service) downloadURL(ctx context.Context, key string) *string {
	u, err := s.storage.SignedGetURL(ctx, key)
	if err != nil {
		if s.logg != nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"object_key": key, "error": err.Error()}), "sign download url failed")
		}
		return nil
	}
	return &u
}

func shareable(job *models.AnalyzeJob) bool {
	return job.Status == enums.AnalyzeJobStatusCompleted && job.ResultJSON != nil && *job.ResultJSON != ""
}

func clampListSize(size int) int {
	if size <= 0 {
		return defaultListSize
	}
	if size > maxListSize {
		return maxListSize
	}
	return size
}
