package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/stefna/stefna-backend/internal/app"
	"github.com/stefna/stefna-backend/internal/cron"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db"
	"github.com/stefna/stefna-backend/pkg/env"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/metrics"
	"github.com/stefna/stefna-backend/pkg/migrate"
	"github.com/stefna/stefna-backend/pkg/redis"
)

const serviceKind = "cron-worker"

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)
	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	requireResource(ctx, logg, "dev migrations", migrate.MaybeRunDev(ctx, cfg, logg, dbClient))

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)

	defer func() {
		if err := multierr.Combine(redisClient.Close(), dbClient.Close()); err != nil {
			logg.Error(ctx, "failed to close cron worker clients", err)
		}
	}()

	services, err := app.NewServices(app.ServicesParams{
		Config:     cfg,
		DB:         dbClient,
		Redis:      redisClient,
		Logger:     logg,
		Registerer: prometheus.DefaultRegisterer,
	})
	requireResource(ctx, logg, "services", err)

	jobs, err := buildJobs(cfg, logg, dbClient, services)
	requireResource(ctx, logg, "cron jobs", err)

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(serviceKind), 0)
	requireResource(ctx, logg, "cron lock", err)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Jobs:     jobs,
		Lock:     lock,
		Metrics:  metrics.NewSweepMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	requireResource(ctx, logg, "cron service", err)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"instance":    env.InstanceID(),
		"interval":    cfg.Cron.Interval.String(),
	})
	logg.Info(runCtx, "cron worker ready")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "cron worker shut down")
}

// buildJobs returns the sweeps run each cycle, stale reservations first so
// refunds are not delayed by the retention purges.
func buildJobs(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, services *app.Services) ([]cron.Job, error) {
	stale, err := cron.NewStaleGenerationJob(cron.StaleGenerationJobParams{
		Logger:  logg,
		Sweeper: services.Generations,
		MaxAge:  cfg.Credits.ReservationTTL,
	})
	if err != nil {
		return nil, err
	}
	notifications, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Name:      "notification-cleanup",
		Logger:    logg,
		DB:        dbClient,
		Retention: time.Duration(cfg.Cron.NotificationRetention) * 24 * time.Hour,
		Purge:     cron.NotificationPurge(services.NotificationsRepo),
	})
	if err != nil {
		return nil, err
	}
	outboxRows, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Name:      "outbox-retention",
		Logger:    logg,
		DB:        dbClient,
		Retention: cfg.Outbox.Retention,
		Purge:     cron.OutboxPurge(services.OutboxRepo),
	})
	if err != nil {
		return nil, err
	}
	return []cron.Job{stale, notifications, outboxRows}, nil
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
