package generations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
)

// Repository persists generation jobs.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, job *models.GenerationJob) error
	FindByJobID(ctx context.Context, jobID string) (*models.GenerationJob, error)
	FindForUser(ctx context.Context, userID uuid.UUID, jobID string) (*models.GenerationJob, error)
	FindByRequestID(ctx context.Context, userID uuid.UUID, requestID string) (*models.GenerationJob, error)
	Transition(ctx context.Context, jobID string, update transitionUpdate) (bool, error)
	SetAsset(ctx context.Context, jobID string, assetID uuid.UUID, now time.Time) error
	SetPersistError(ctx context.Context, jobID, message string, now time.Time) error
	ListStaleProcessing(ctx context.Context, createdBefore time.Time, limit int) ([]models.GenerationJob, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a generation job repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

// transitionUpdate moves a processing job into a terminal status.
type transitionUpdate struct {
	Status       enums.GenerationStatus
	ResultURL    string
	ErrorMessage string
	At           time.Time
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Create(ctx context.Context, job *models.GenerationJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *repositoryImpl) FindByJobID(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	return r.first(r.db.WithContext(ctx).Where("job_id = ?", jobID))
}

func (r *repositoryImpl) FindForUser(ctx context.Context, userID uuid.UUID, jobID string) (*models.GenerationJob, error) {
	return r.first(r.db.WithContext(ctx).Where("job_id = ? AND user_id = ?", jobID, userID))
}

func (r *repositoryImpl) FindByRequestID(ctx context.Context, userID uuid.UUID, requestID string) (*models.GenerationJob, error) {
	return r.first(r.db.WithContext(ctx).Where("user_id = ? AND request_id = ?", userID, requestID))
}

func (r *repositoryImpl) first(query *gorm.DB) (*models.GenerationJob, error) {
	var job models.GenerationJob
	err := query.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Transition applies the update only while the job is still processing and
// reports whether this call performed the transition.
func (r *repositoryImpl) Transition(ctx context.Context, jobID string, update transitionUpdate) (bool, error) {
	values := map[string]any{
		"status":       update.Status,
		"updated_at":   update.At,
		"completed_at": update.At,
	}
	if update.ResultURL != "" {
		values["result_url"] = update.ResultURL
	}
	if update.ErrorMessage != "" {
		values["error_message"] = update.ErrorMessage
	}
	res := r.db.WithContext(ctx).
		Model(&models.GenerationJob{}).
		Where("job_id = ? AND status = ?", jobID, enums.GenerationStatusProcessing).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repositoryImpl) SetAsset(ctx context.Context, jobID string, assetID uuid.UUID, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.GenerationJob{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{"asset_id": assetID, "persist_error": nil, "updated_at": now}).Error
}

func (r *repositoryImpl) SetPersistError(ctx context.Context, jobID, message string, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.GenerationJob{}).
		Where("job_id = ? AND asset_id IS NULL", jobID).
		Updates(map[string]any{"persist_error": message, "updated_at": now}).Error
}

func (r *repositoryImpl) ListStaleProcessing(ctx context.Context, createdBefore time.Time, limit int) ([]models.GenerationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []models.GenerationJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", enums.GenerationStatusProcessing, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
