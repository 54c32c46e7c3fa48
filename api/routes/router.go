package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stefna/stefna-backend/api/controllers"
	"github.com/stefna/stefna-backend/api/middleware"
	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/internal/generations"
	"github.com/stefna/stefna-backend/internal/media"
	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/redis"
)

// redisStore is the slice of the redis client the HTTP layer needs.
type redisStore interface {
	redis.IdempotencyStore
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
	Ping(ctx context.Context) error
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	store redisStore,
	generationsService generations.Service,
	creditsService credits.Service,
	mediaService media.Service,
	notificationsService notifications.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.Recoverer(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	generationPolicy := middleware.NewRateLimitPolicy(
		"generations",
		cfg.RateLimit.GenerationWindow,
		cfg.RateLimit.GenerationLimit,
	)

	// A nil store must reach the middleware as a nil interface.
	var idempotencyStore redis.IdempotencyStore
	var limiterStore interface {
		FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
	}
	var redisPinger interface{ Ping(ctx context.Context) error }
	if store != nil {
		idempotencyStore = store
		limiterStore = store
		redisPinger = store
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisPinger))
	})
	if cfg.FeatureFlags.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth, logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Get("/ping", controllers.PrivatePing())

		r.Route("/v1/generations", func(r chi.Router) {
			r.With(middleware.RateLimit(generationPolicy, limiterStore, logg)).
				Post("/", controllers.StartGeneration(generationsService, logg))
			r.Get("/poll", controllers.PollGeneration(generationsService, logg))
		})

		r.Route("/v1/credits", func(r chi.Router) {
			r.Get("/", controllers.GetCredits(creditsService, logg))
			r.Get("/daily-cap", controllers.CreditsDailyCap(creditsService, logg))
		})

		r.Route("/v1/media", func(r chi.Router) {
			r.Get("/", controllers.ListMedia(mediaService, logg))
			r.Delete("/{mediaId}", controllers.DeleteMedia(mediaService, logg))
		})

		r.Route("/v1/notifications", func(r chi.Router) {
			r.Get("/", controllers.ListNotifications(notificationsService, logg))
			r.Post("/{notificationId}/read", controllers.MarkNotificationRead(notificationsService, logg))
			r.Post("/read-all", controllers.MarkAllNotificationsRead(notificationsService, logg))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, cfg.Auth.AdminRole))
			r.Get("/ping", controllers.AdminPing())
			r.Route("/v1/credits", func(r chi.Router) {
				r.Post("/grant", controllers.AdminGrantCredits(creditsService, logg))
				r.Post("/reserve", controllers.AdminReserveCredits(creditsService, logg))
				r.Post("/finalize", controllers.AdminFinalizeCredits(creditsService, logg))
			})
		})
	})

	return r
}
