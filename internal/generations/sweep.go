package generations

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
)

const timedOutReason = "timed out"

// SweepResult counts what a stale sweep resolved.
type SweepResult struct {
	TimedOut  int `json:"timed_out"`
	Refunded  int `json:"refunded"`
	Committed int `json:"committed"`
	Skipped   int `json:"skipped"`
}

// SweepStale fails jobs still processing past olderThan and settles
// reservations left open by jobs that never finished the normal path.
// Per-row failures are collected and the sweep moves on.
func (s *service) SweepStale(ctx context.Context, olderThan time.Time, limit int) (*SweepResult, error) {
	result := &SweepResult{}
	var errs []error

	jobs, err := s.repo.ListStaleProcessing(ctx, olderThan, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale generations")
	}
	for i := range jobs {
		job := &jobs[i]
		jobCtx := s.jobContext(ctx, job.UserID, job.JobID)
		transitioned, err := s.failJob(jobCtx, job, timedOutReason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if transitioned {
			result.TimedOut++
		}
	}

	entries, err := s.credits.ListStaleReservations(ctx, olderThan, limit)
	if err != nil {
		return result, multierr.Append(multierr.Combine(errs...), err)
	}
	for _, entry := range entries {
		job, err := s.repo.FindByRequestID(ctx, entry.UserID, entry.RequestID)
		if err != nil {
			errs = append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup generation for reservation"))
			continue
		}

		var disposition enums.CreditDisposition
		switch {
		case job == nil || job.Status == enums.GenerationStatusFailed:
			disposition = enums.CreditDispositionRefund
		case job.Status == enums.GenerationStatusCompleted:
			disposition = enums.CreditDispositionCommit
		default:
			result.Skipped++
			continue
		}

		res, err := s.credits.Finalize(ctx, credits.FinalizeInput{
			UserID:      entry.UserID,
			RequestID:   entry.RequestID,
			Disposition: disposition,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !res.Applied {
			continue
		}
		if disposition == enums.CreditDispositionRefund {
			result.Refunded++
		} else {
			result.Committed++
		}
	}

	if result.TimedOut+result.Refunded+result.Committed > 0 {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"timed_out": result.TimedOut,
			"refunded":  result.Refunded,
			"committed": result.Committed,
			"skipped":   result.Skipped,
		})
		s.logg.Info(logCtx, "stale generations swept")
	}
	return result, multierr.Combine(errs...)
}
