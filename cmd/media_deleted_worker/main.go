package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/stefna/stefna-backend/internal/media"
	"github.com/stefna/stefna-backend/internal/media/consumer"
	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/db"
	"github.com/stefna/stefna-backend/pkg/env"
	"github.com/stefna/stefna-backend/pkg/logger"
	"github.com/stefna/stefna-backend/pkg/pubsub"
	"github.com/stefna/stefna-backend/pkg/storage/cloudinary"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "media-deleted-worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "media-deleted-worker"

	logg = logger.New(logger.Options{
		ServiceName: cfg.Service.Kind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer pubsubClient.Close()

	requireResource(ctx, logg, "media deleted subscription", pubsubClient.EnsureSubscription(ctx, cfg.PubSub.MediaDeletedSubscription))
	subscriber := pubsubClient.MediaDeletedSubscriber()
	if subscriber == nil {
		requireResource(ctx, logg, "media deleted subscription", errors.New("subscriber not configured"))
	}

	cdn, err := cloudinary.NewClient(cfg.Cloudinary, logg)
	requireResource(ctx, logg, "cloudinary", err)

	deletionConsumer, err := consumer.NewDeletionConsumer(
		media.NewRepository(dbClient.DB()),
		cdn,
		subscriber,
		logg,
	)
	requireResource(ctx, logg, "media deletion consumer", err)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"serviceKind": cfg.Service.Kind,
		"env":         cfg.App.Env,
		"instance":    env.InstanceID(),
	})
	logg.Info(runCtx, "media deleted worker ready")

	if err := deletionConsumer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "media deleted worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "media deleted worker shutting down")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
