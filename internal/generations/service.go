package generations

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/internal/media"
	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/aiml"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/metrics"
	"github.com/stefna/stefna-backend/pkg/outbox"
)

// Fps and duration bounds accepted by the vendor.
const (
	MinFPS          = 8
	MaxFPS          = 30
	DefaultFPS      = 24
	MinDuration     = 3
	MaxDuration     = 10
	DefaultDuration = 5
)

// Service starts vendor generations and drives them to a terminal state.
type Service interface {
	Start(ctx context.Context, input StartInput) (*StartResult, error)
	Poll(ctx context.Context, input PollInput) (*PollResult, error)
	SweepStale(ctx context.Context, olderThan time.Time, limit int) (*SweepResult, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type creditLedger interface {
	Reserve(ctx context.Context, input credits.ReserveInput) (*credits.ReserveResult, error)
	Finalize(ctx context.Context, input credits.FinalizeInput) (*credits.FinalizeResult, error)
	ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]models.CreditLedgerEntry, error)
}

type vendorClient interface {
	Start(ctx context.Context, req aiml.StartRequest) (*aiml.StartResult, error)
	Status(ctx context.Context, model, jobID string) (*aiml.StatusResult, error)
}

type assetPersister interface {
	Persist(ctx context.Context, input media.PersistInput) (*models.MediaAsset, error)
}

type pollCache interface {
	CachePollResult(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error
	GetPollResult(ctx context.Context, jobID string) ([]byte, error)
}

type notifier interface {
	NotifyTx(ctx context.Context, tx *gorm.DB, input notifications.NotifyInput) (*models.Notification, error)
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ServiceParams wires the generation service.
type ServiceParams struct {
	DB            txRunner
	Repository    Repository
	Credits       creditLedger
	Vendor        vendorClient
	Persister     assetPersister
	Cache         pollCache
	Notifications notifier
	Outbox        eventEmitter
	Metrics       *metrics.GenerationMetrics
	VendorConfig  config.VendorConfig
	CreditsConfig config.CreditsConfig
	CDNConfig     config.CloudinaryConfig
	PollCacheTTL  time.Duration
	Logger        *logger.Logger
	Now           func() time.Time
}

type service struct {
	db        txRunner
	repo      Repository
	credits   creditLedger
	vendor    vendorClient
	persister assetPersister
	cache     pollCache
	notify    notifier
	outbox    eventEmitter
	metrics   *metrics.GenerationMetrics
	vendorCfg config.VendorConfig
	costs     config.CreditsConfig
	cdnCfg    config.CloudinaryConfig
	cacheTTL  time.Duration
	logg      *logger.Logger
	now       func() time.Time
}

// NewService validates dependencies and builds the generation service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("generations repository required")
	}
	if params.Credits == nil {
		return nil, fmt.Errorf("credits service required")
	}
	if params.Vendor == nil {
		return nil, fmt.Errorf("vendor client required")
	}
	if params.Persister == nil {
		return nil, fmt.Errorf("asset persister required")
	}
	if params.Notifications == nil {
		return nil, fmt.Errorf("notifications service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := params.PollCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &service{
		db:        params.DB,
		repo:      params.Repository,
		credits:   params.Credits,
		vendor:    params.Vendor,
		persister: params.Persister,
		cache:     params.Cache,
		notify:    params.Notifications,
		outbox:    params.Outbox,
		metrics:   params.Metrics,
		vendorCfg: params.VendorConfig,
		costs:     params.CreditsConfig,
		cdnCfg:    params.CDNConfig,
		cacheTTL:  ttl,
		logg:      params.Logger,
		now:       now,
	}, nil
}

func (s *service) jobContext(ctx context.Context, userID uuid.UUID, jobID string) context.Context {
	fields := map[string]any{"user_id": userID.String()}
	if jobID != "" {
		fields["job_id"] = jobID
	}
	return s.logg.WithFields(ctx, fields)
}

func clamp(value *int, min, max, def int) int {
	if value == nil {
		return def
	}
	v := *value
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
