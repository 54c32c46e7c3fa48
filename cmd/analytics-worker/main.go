package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/stefna/stefna-backend/internal/analytics"
	"github.com/stefna/stefna-backend/pkg/bigquery"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/env"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/pubsub"
	"github.com/stefna/stefna-backend/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "analytics-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "analytics-worker"

	logg = logger.New(logger.Options{
		ServiceName: cfg.Service.Kind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)

	bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
	requireResource(ctx, logg, "bigquery client", err)

	defer func() {
		if err := multierr.Combine(bqClient.Close(), pubsubClient.Close(), redisClient.Close()); err != nil {
			logg.Error(ctx, "failed to close analytics worker clients", err)
		}
	}()

	requireResource(ctx, logg, "analytics subscription", pubsubClient.EnsureSubscription(ctx, cfg.PubSub.AnalyticsSubscription))
	subscriber := pubsubClient.AnalyticsSubscriber()
	if subscriber == nil {
		requireResource(ctx, logg, "analytics subscription", errors.New("subscriber not configured"))
	}

	worker, err := analytics.NewWorker(subscriber, bqClient, redisClient, logg, analytics.Options{
		Table:        cfg.BigQuery.GenerationEventsTable,
		ProcessedTTL: cfg.BigQuery.ProcessedTTL,
	})
	requireResource(ctx, logg, "analytics worker", err)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    env.InstanceID(),
	})
	logg.Info(runCtx, "analytics worker ready")

	if err := worker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "analytics worker failed", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
