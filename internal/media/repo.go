package media

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/pagination"
)

// Repository exposes media asset persistence operations.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Upsert(ctx context.Context, asset *models.MediaAsset) (*models.MediaAsset, bool, error)
	FindByJobID(ctx context.Context, jobID string) (*models.MediaAsset, error)
	FindForUser(ctx context.Context, userID, id uuid.UUID) (*models.MediaAsset, error)
	List(ctx context.Context, query listQuery) ([]models.MediaAsset, error)
	Delete(ctx context.Context, userID, id uuid.UUID) (int64, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository constructs a media repository bound to the provided GORM DB.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

type listQuery struct {
	userID uuid.UUID
	limit  int
	cursor *pagination.Cursor
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

// Upsert inserts the asset unless a row for the same job already exists, in
// which case the existing row is returned and created is false.
func (r *repositoryImpl) Upsert(ctx context.Context, asset *models.MediaAsset) (*models.MediaAsset, bool, error) {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(asset)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return asset, true, nil
	}
	existing, err := r.FindByJobID(ctx, asset.JobID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("media asset conflict without existing row")
	}
	return existing, false, nil
}

func (r *repositoryImpl) FindByJobID(ctx context.Context, jobID string) (*models.MediaAsset, error) {
	var asset models.MediaAsset
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *repositoryImpl) FindForUser(ctx context.Context, userID, id uuid.UUID) (*models.MediaAsset, error) {
	var asset models.MediaAsset
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *repositoryImpl) List(ctx context.Context, query listQuery) ([]models.MediaAsset, error) {
	q := r.db.WithContext(ctx).Model(&models.MediaAsset{}).Where("user_id = ?", query.userID)
	var assets []models.MediaAsset
	if err := pagination.Keyset(q, query.cursor, query.limit).Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

func (r *repositoryImpl) Delete(ctx context.Context, userID, id uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.MediaAsset{})
	return res.RowsAffected, res.Error
}
