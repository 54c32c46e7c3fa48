package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/logger"
)

// minRetention keeps a mistyped setting such as "1s" from wiping a table.
const minRetention = time.Hour

// PurgeFunc deletes rows older than cutoff within tx and returns the count.
type PurgeFunc func(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)

type RetentionJobParams struct {
	Name      string
	Logger    *logger.Logger
	DB        txRunner
	Retention time.Duration
	Purge     PurgeFunc
}

// NewRetentionJob builds a job that purges rows past Retention in one
// transaction per cycle.
func NewRetentionJob(params RetentionJobParams) (Job, error) {
	name := strings.TrimSpace(params.Name)
	switch {
	case name == "":
		return nil, fmt.Errorf("retention job name required")
	case params.Logger == nil:
		return nil, fmt.Errorf("%s: logger required", name)
	case params.DB == nil:
		return nil, fmt.Errorf("%s: db runner required", name)
	case params.Purge == nil:
		return nil, fmt.Errorf("%s: purge func required", name)
	case params.Retention < minRetention:
		return nil, fmt.Errorf("%s: retention %s is below %s", name, params.Retention, minRetention)
	}
	return &retentionJob{
		name:      name,
		logg:      params.Logger,
		db:        params.DB,
		retention: params.Retention,
		purge:     params.Purge,
		now:       time.Now,
	}, nil
}

// NotificationPurge removes notifications of any read state.
func NotificationPurge(repo notifications.Repository) PurgeFunc {
	return func(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
		return repo.WithTx(tx).DeleteOlderThan(ctx, cutoff)
	}
}

type publishedOutboxDeleter interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// OutboxPurge removes published outbox rows; pending and failed rows stay for
// the relay.
func OutboxPurge(repo publishedOutboxDeleter) PurgeFunc {
	return repo.DeletePublishedBefore
}

type retentionJob struct {
	name      string
	logg      *logger.Logger
	db        txRunner
	retention time.Duration
	purge     PurgeFunc
	now       func() time.Time
}

func (j *retentionJob) Name() string { return j.name }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		n, err := j.purge(ctx, tx, cutoff)
		deleted = n
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"retention":    j.retention.String(),
		"rows_deleted": deleted,
	}), "retention purge complete")
	return nil
}
