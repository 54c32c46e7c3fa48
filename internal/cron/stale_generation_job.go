package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/stefna/stefna-backend/internal/generations"
	"github.com/stefna/stefna-backend/pkg/logger"
)

const (
	staleGenerationAge   = 2 * time.Hour
	staleGenerationBatch = 200
)

type staleSweeper interface {
	SweepStale(ctx context.Context, olderThan time.Time, limit int) (*generations.SweepResult, error)
}

type StaleGenerationJobParams struct {
	Logger  *logger.Logger
	Sweeper staleSweeper
	// MaxAge is how long a job may stay processing before it is failed and
	// its reservation refunded.
	MaxAge    time.Duration
	BatchSize int
}

func NewStaleGenerationJob(params StaleGenerationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("generation sweeper required")
	}
	maxAge := params.MaxAge
	if maxAge <= 0 {
		maxAge = staleGenerationAge
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = staleGenerationBatch
	}
	return &staleGenerationJob{
		logg:    params.Logger,
		sweeper: params.Sweeper,
		maxAge:  maxAge,
		batch:   batch,
		now:     time.Now,
	}, nil
}

type staleGenerationJob struct {
	logg    *logger.Logger
	sweeper staleSweeper
	maxAge  time.Duration
	batch   int
	now     func() time.Time
}

func (j *staleGenerationJob) Name() string { return "stale-generation-sweep" }

func (j *staleGenerationJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.maxAge)
	result, err := j.sweeper.SweepStale(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("stale generation sweep: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":    cutoff,
		"timed_out": result.TimedOut,
		"refunded":  result.Refunded,
		"committed": result.Committed,
		"skipped":   result.Skipped,
	})
	j.logg.Info(logCtx, "stale generation sweep complete")
	return nil
}
