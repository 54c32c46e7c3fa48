// Package app assembles the domain services shared by the api and the
// cron worker.
package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/internal/generations"
	"github.com/stefna/stefna-backend/internal/media"
	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/aiml"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/metrics"
	"github.com/stefna/stefna-backend/pkg/outbox"
	"github.com/stefna/stefna-backend/pkg/redis"
	"github.com/stefna/stefna-backend/pkg/storage/cloudinary"
)

type ServicesParams struct {
	Config     *config.Config
	DB         *db.Client
	Redis      *redis.Client
	Logger     *logger.Logger
	Registerer prometheus.Registerer
}

// Services holds the wired domain services and the repositories the
// background jobs reach directly.
type Services struct {
	Credits           credits.Service
	Generations       generations.Service
	Media             media.Service
	Notifications     notifications.Service
	NotificationsRepo notifications.Repository
	OutboxRepo        *outbox.Repository
}

func NewServices(params ServicesParams) (*Services, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	if params.Redis == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg := params.Config
	conn := params.DB.DB()

	notificationsRepo := notifications.NewRepository(conn)
	notificationsService, err := notifications.NewService(notificationsRepo)
	if err != nil {
		return nil, fmt.Errorf("notifications service: %w", err)
	}
	outboxRepo := outbox.NewRepository(conn)
	outboxService := outbox.NewService(outboxRepo, params.Logger)

	creditsService, err := credits.NewService(credits.ServiceParams{
		DB:            params.DB,
		Repository:    credits.NewRepository(conn),
		Notifications: notificationsService,
		Outbox:        outboxService,
		Config:        cfg.Credits,
		Logger:        params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("credits service: %w", err)
	}

	cdn, err := cloudinary.NewClient(cfg.Cloudinary, params.Logger)
	if err != nil {
		return nil, fmt.Errorf("cloudinary client: %w", err)
	}
	mediaService, err := media.NewService(media.ServiceParams{
		DB:            params.DB,
		Repository:    media.NewRepository(conn),
		CDN:           cdn,
		Notifications: notificationsService,
		Outbox:        outboxService,
		PollCache:     params.Redis,
		Logger:        params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("media service: %w", err)
	}

	vendor, err := aiml.NewClient(cfg.Vendor)
	if err != nil {
		return nil, fmt.Errorf("vendor client: %w", err)
	}

	var generationMetrics *metrics.GenerationMetrics
	if params.Registerer != nil {
		generationMetrics = metrics.NewGenerationMetrics(params.Registerer)
	}
	generationsService, err := generations.NewService(generations.ServiceParams{
		DB:            params.DB,
		Repository:    generations.NewRepository(conn),
		Credits:       creditsService,
		Vendor:        vendor,
		Persister:     mediaService,
		Cache:         params.Redis,
		Notifications: notificationsService,
		Outbox:        outboxService,
		Metrics:       generationMetrics,
		VendorConfig:  cfg.Vendor,
		CreditsConfig: cfg.Credits,
		CDNConfig:     cfg.Cloudinary,
		PollCacheTTL:  cfg.RateLimit.PollCacheTTL,
		Logger:        params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("generations service: %w", err)
	}

	return &Services{
		Credits:           creditsService,
		Generations:       generationsService,
		Media:             mediaService,
		Notifications:     notificationsService,
		NotificationsRepo: notificationsRepo,
		OutboxRepo:        outboxRepo,
	}, nil
}
