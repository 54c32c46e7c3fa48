package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/outbox"
	"github.com/stefna/stefna-backend/pkg/outbox/payloads"
	"github.com/stefna/stefna-backend/pkg/storage/cloudinary"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type cdnClient interface {
	Upload(ctx context.Context, params cloudinary.UploadParams) (*cloudinary.UploadResult, error)
	Folder() string
}

type notifier interface {
	NotifyTx(ctx context.Context, tx *gorm.DB, input notifications.NotifyInput) (*models.Notification, error)
}

type pollCacheEvicter interface {
	EvictPollResult(ctx context.Context, jobID string) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service persists generation outputs and exposes the user's library.
type Service interface {
	Persist(ctx context.Context, input PersistInput) (*models.MediaAsset, error)
	List(ctx context.Context, params ListParams) (*ListResult, error)
	Delete(ctx context.Context, userID, mediaID uuid.UUID) error
}

// ServiceParams wires media dependencies.
type ServiceParams struct {
	DB            txRunner
	Repository    Repository
	CDN           cdnClient
	Notifications notifier
	Outbox        eventEmitter
	PollCache     pollCacheEvicter
	Logger        *logger.Logger
	Now           func() time.Time
}

type service struct {
	db     txRunner
	repo   Repository
	cdn    cdnClient
	notify notifier
	outbox eventEmitter
	cache  pollCacheEvicter
	logg   *logger.Logger
	now    func() time.Time
}

// PersistInput identifies a finished generation to store.
type PersistInput struct {
	UserID    uuid.UUID
	JobID     string
	ResultURL string
	MediaType enums.MediaType
	Prompt    string
	PresetKey *string
	Model     string
	Tier      string
}

type assetMeta struct {
	Model     string  `json:"model,omitempty"`
	Tier      string  `json:"tier,omitempty"`
	SourceURL string  `json:"source_url"`
	Format    string  `json:"format,omitempty"`
	Bytes     int64   `json:"bytes,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

// NewService constructs the media service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("media repository required")
	}
	if params.CDN == nil {
		return nil, fmt.Errorf("cdn client required")
	}
	if params.Notifications == nil {
		return nil, fmt.Errorf("notifications service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		db:     params.DB,
		repo:   params.Repository,
		cdn:    params.CDN,
		notify: params.Notifications,
		outbox: params.Outbox,
		cache:  params.PollCache,
		logg:   params.Logger,
		now:    now,
	}, nil
}

// Persist copies the vendor result to the CDN and records the asset. A job
// that was already persisted returns its existing asset without re-uploading.
func (s *service) Persist(ctx context.Context, input PersistInput) (*models.MediaAsset, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	jobID := strings.TrimSpace(input.JobID)
	if jobID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "job id required")
	}
	if strings.TrimSpace(input.ResultURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "result url required")
	}
	mediaType := input.MediaType
	if mediaType == "" {
		mediaType = enums.MediaTypeVideo
	}
	if !mediaType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid media type")
	}

	if s.logg != nil {
		ctx = s.logg.WithJobID(ctx, jobID)
	}

	existing, err := s.repo.FindByJobID(ctx, jobID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistenceFailed, err, "lookup media asset")
	}
	if existing != nil {
		return existing, nil
	}

	resourceType := resourceTypeFor(mediaType)
	tags := []string{"stefna", "generated"}
	if tier := strings.TrimSpace(input.Tier); tier != "" {
		tags = append(tags, tier)
	}
	uploaded, err := s.cdn.Upload(ctx, cloudinary.UploadParams{
		FileURL:      input.ResultURL,
		PublicID:     cloudinary.PublicID(s.cdn.Folder(), input.UserID.String(), jobID),
		ResourceType: resourceType,
		Tags:         tags,
		Context:      map[string]string{"job_id": jobID, "user_id": input.UserID.String()},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistenceFailed, err, "upload to cdn")
	}

	meta, err := json.Marshal(assetMeta{
		Model:     input.Model,
		Tier:      input.Tier,
		SourceURL: input.ResultURL,
		Format:    uploaded.Format,
		Bytes:     uploaded.Bytes,
		Width:     uploaded.Width,
		Height:    uploaded.Height,
		Duration:  uploaded.Duration,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode media meta")
	}

	candidate := &models.MediaAsset{
		ID:        uuid.New(),
		UserID:    input.UserID,
		JobID:     jobID,
		FinalURL:  uploaded.SecureURL,
		PublicID:  uploaded.PublicID,
		MediaType: mediaType,
		Status:    enums.MediaStatusReady,
		PresetKey: input.PresetKey,
		Prompt:    strings.TrimSpace(input.Prompt),
		Meta:      datatypes.JSON(meta),
		CreatedAt: s.now(),
	}

	var stored *models.MediaAsset
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		asset, created, err := s.repo.WithTx(tx).Upsert(ctx, candidate)
		if err != nil {
			return err
		}
		stored = asset
		if !created {
			return nil
		}

		link := "/media/" + asset.ID.String()
		if _, err := s.notify.NotifyTx(ctx, tx, notifications.NotifyInput{
			UserID:  input.UserID,
			Type:    enums.NotificationTypeGenerationCompleted,
			Title:   "Your video is ready",
			Message: "Your generation finished and was saved to your library.",
			Link:    &link,
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventMediaAssetSaved,
			AggregateType: enums.AggregateMediaAsset,
			AggregateID:   asset.ID,
			Actor:         &outbox.ActorRef{UserID: input.UserID},
			Data: payloads.MediaAssetSavedEvent{
				AssetID:   asset.ID,
				UserID:    input.UserID,
				JobID:     jobID,
				FinalURL:  asset.FinalURL,
				MediaType: string(asset.MediaType),
				Tier:      input.Tier,
			},
			Version:    1,
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistenceFailed, err, "record media asset")
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"asset_id": stored.ID.String(), "public_id": stored.PublicID})
		s.logg.Info(logCtx, "media asset persisted")
	}
	return stored, nil
}

// Delete removes the asset row and queues a media_asset_deleted event in the
// same transaction. The media-deleted worker destroys the CDN object.
func (s *service) Delete(ctx context.Context, userID, mediaID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if mediaID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "media id required")
	}

	asset, err := s.repo.FindForUser(ctx, userID, mediaID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup media asset")
	}
	if asset == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "media not found")
	}

	var deleted int64
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		n, err := s.repo.WithTx(tx).Delete(ctx, userID, mediaID)
		if err != nil || n == 0 {
			deleted = n
			return err
		}
		deleted = n
		// Dropping result_url too keeps the poller from persisting the asset again.
		if err := tx.WithContext(ctx).Model(&models.GenerationJob{}).
			Where("job_id = ? AND asset_id = ?", asset.JobID, asset.ID).
			Updates(map[string]any{"asset_id": nil, "result_url": nil, "updated_at": s.now()}).Error; err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventMediaAssetDeleted,
			AggregateType: enums.AggregateMediaAsset,
			AggregateID:   asset.ID,
			Actor:         &outbox.ActorRef{UserID: userID},
			Data: payloads.MediaAssetDeletedEvent{
				AssetID:      asset.ID,
				UserID:       userID,
				JobID:        asset.JobID,
				PublicID:     asset.PublicID,
				ResourceType: resourceTypeFor(asset.MediaType),
			},
			Version:    1,
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete media asset")
	}
	if deleted == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "media not found")
	}

	if s.cache != nil {
		if err := s.cache.EvictPollResult(ctx, asset.JobID); err != nil && s.logg != nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"job_id": asset.JobID, "error": err.Error()}), "failed to evict poll cache")
		}
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"media_id": mediaID.String(), "public_id": asset.PublicID})
		s.logg.Info(logCtx, "media asset deleted")
	}
	return nil
}

func resourceTypeFor(mediaType enums.MediaType) string {
	if mediaType == enums.MediaTypeImage {
		return cloudinary.ResourceImage
	}
	return cloudinary.ResourceVideo
}
