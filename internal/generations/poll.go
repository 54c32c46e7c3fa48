package generations

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/internal/media"
	"github.com/stefna/stefna-backend/internal/notifications"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/outbox"
	"github.com/stefna/stefna-backend/pkg/outbox/payloads"
	"github.com/stefna/stefna-backend/pkg/redis"
)

const (
	storageWarningPrefix = "storage failed: "
	persistRetryAfter    = 2 * time.Minute
)

// PollInput identifies the job to poll. Persist defaults to true.
type PollInput struct {
	UserID  uuid.UUID
	JobID   string
	Model   string
	Persist *bool
	Prompt  string
}

type PollData struct {
	ResultURL string     `json:"resultUrl"`
	AssetID   *uuid.UUID `json:"assetId,omitempty"`
	MediaURL  string     `json:"mediaUrl,omitempty"`
}

type PollResult struct {
	OK       bool                   `json:"ok"`
	Status   enums.GenerationStatus `json:"status"`
	JobID    string                 `json:"job_id"`
	Progress *int                   `json:"progress,omitempty"`
	Data     *PollData              `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Warning  string                 `json:"warning,omitempty"`
}

type cachedPoll struct {
	UserID uuid.UUID  `json:"user_id"`
	Result PollResult `json:"result"`
}

func (s *service) Poll(ctx context.Context, input PollInput) (*PollResult, error) {
	jobID := strings.TrimSpace(input.JobID)
	if jobID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "id required")
	}
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	persist := input.Persist == nil || *input.Persist
	ctx = s.jobContext(ctx, input.UserID, jobID)

	if cached := s.cachedResult(ctx, input.UserID, jobID); cached != nil {
		return cached, nil
	}

	job, err := s.repo.FindForUser(ctx, input.UserID, jobID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load generation job")
	}
	if job == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "generation job not found")
	}

	if job.Status.IsTerminal() {
		return s.terminalResult(ctx, job, persist, input.Prompt), nil
	}

	model := job.Model
	if model == "" {
		model = strings.TrimSpace(input.Model)
	}
	status, err := s.vendor.Status(ctx, model, jobID)
	if err != nil {
		s.metrics.IncVendorError("status", codeOf(err))
		return nil, err
	}
	snapshot := status.Snapshot

	switch snapshot.Status {
	case enums.GenerationStatusCompleted:
		return s.complete(ctx, job, snapshot.ResultURL, persist, input.Prompt)
	case enums.GenerationStatusFailed:
		return s.fail(ctx, job, snapshot.Error)
	default:
		return &PollResult{
			OK:       true,
			Status:   enums.GenerationStatusProcessing,
			JobID:    jobID,
			Progress: snapshot.Progress,
		}, nil
	}
}

// complete records the transition and, for the caller that performed it,
// commits the reservation and stores the asset.
func (s *service) complete(ctx context.Context, job *models.GenerationJob, resultURL string, persist bool, prompt string) (*PollResult, error) {
	transitioned, err := s.repo.Transition(ctx, job.JobID, transitionUpdate{
		Status:    enums.GenerationStatusCompleted,
		ResultURL: resultURL,
		At:        s.now(),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record generation completion")
	}
	if !transitioned {
		return s.reloadTerminal(ctx, job.UserID, job.JobID, false, prompt)
	}

	s.metrics.IncFinished(string(enums.GenerationStatusCompleted))
	s.finalize(ctx, job, enums.CreditDispositionCommit)
	s.logg.Info(ctx, "generation completed")

	job.Status = enums.GenerationStatusCompleted
	job.ResultURL = &resultURL
	result := &PollResult{
		OK:       true,
		Status:   enums.GenerationStatusCompleted,
		JobID:    job.JobID,
		Progress: intPtr(100),
		Data:     &PollData{ResultURL: resultURL},
	}
	if persist {
		s.persist(ctx, job, prompt, result)
	}
	s.storeCache(ctx, job.UserID, result)
	return result, nil
}

// fail records the failure with its notification and event; only the
// transitioning caller refunds.
func (s *service) fail(ctx context.Context, job *models.GenerationJob, reason string) (*PollResult, error) {
	transitioned, err := s.failJob(ctx, job, reason)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return s.reloadTerminal(ctx, job.UserID, job.JobID, false, "")
	}
	result := &PollResult{
		OK:     true,
		Status: enums.GenerationStatusFailed,
		JobID:  job.JobID,
		Error:  failureText(reason),
	}
	s.storeCache(ctx, job.UserID, result)
	return result, nil
}

func (s *service) failJob(ctx context.Context, job *models.GenerationJob, reason string) (bool, error) {
	reason = failureText(reason)
	now := s.now()
	transitioned := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.repo.WithTx(tx).Transition(ctx, job.JobID, transitionUpdate{
			Status:       enums.GenerationStatusFailed,
			ErrorMessage: reason,
			At:           now,
		})
		if err != nil || !ok {
			return err
		}
		transitioned = true

		if _, err := s.notify.NotifyTx(ctx, tx, notifications.NotifyInput{
			UserID:  job.UserID,
			Type:    enums.NotificationTypeGenerationFailed,
			Title:   "Generation failed",
			Message: reason,
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventGenerationFailed,
			AggregateType: enums.AggregateGenerationJob,
			AggregateID:   job.ID,
			Actor:         &outbox.ActorRef{UserID: job.UserID},
			Data: payloads.GenerationFailedEvent{
				GenerationID: job.ID,
				UserID:       job.UserID,
				JobID:        job.JobID,
				RequestID:    job.RequestID,
				Reason:       reason,
			},
			Version:    1,
			OccurredAt: now,
		})
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record generation failure")
	}
	if !transitioned {
		return false, nil
	}

	s.metrics.IncFinished(string(enums.GenerationStatusFailed))
	s.finalize(ctx, job, enums.CreditDispositionRefund)
	logCtx := s.logg.WithField(ctx, "reason", reason)
	s.logg.Warn(logCtx, "generation failed")
	return true, nil
}

func (s *service) reloadTerminal(ctx context.Context, userID uuid.UUID, jobID string, persist bool, prompt string) (*PollResult, error) {
	job, err := s.repo.FindForUser(ctx, userID, jobID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload generation job")
	}
	if job == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "generation job not found")
	}
	return s.terminalResult(ctx, job, persist, prompt), nil
}

// terminalResult rebuilds the response from the stored row. A completed job
// without an asset gets another persistence attempt when persist is set and
// the earlier attempt failed or never finished.
func (s *service) terminalResult(ctx context.Context, job *models.GenerationJob, persist bool, prompt string) *PollResult {
	result := &PollResult{OK: true, Status: job.Status, JobID: job.JobID}
	if job.Status == enums.GenerationStatusFailed {
		result.Error = failureText(deref(job.ErrorMessage))
		return result
	}

	result.Progress = intPtr(100)
	result.Data = &PollData{ResultURL: deref(job.ResultURL), AssetID: job.AssetID}
	if job.AssetID == nil {
		if persist && s.shouldRetryPersist(job) {
			s.persist(ctx, job, prompt, result)
		} else if job.PersistError != nil {
			result.Warning = storageWarningPrefix + *job.PersistError
		}
	}
	if result.Warning == "" {
		s.storeCache(ctx, job.UserID, result)
	}
	return result
}

func (s *service) shouldRetryPersist(job *models.GenerationJob) bool {
	if job.ResultURL == nil {
		return false
	}
	if job.PersistError != nil {
		return true
	}
	return job.CompletedAt != nil && s.now().Sub(*job.CompletedAt) >= persistRetryAfter
}

func (s *service) persist(ctx context.Context, job *models.GenerationJob, prompt string, result *PollResult) {
	if strings.TrimSpace(prompt) == "" {
		prompt = job.Prompt
	}
	asset, err := s.persister.Persist(ctx, media.PersistInput{
		UserID:    job.UserID,
		JobID:     job.JobID,
		ResultURL: deref(job.ResultURL),
		MediaType: enums.MediaTypeVideo,
		Prompt:    prompt,
		Model:     job.Model,
		Tier:      string(job.Tier),
	})
	if err != nil {
		s.metrics.IncPersistFailure()
		s.logg.Error(ctx, "failed to persist generation result", err)
		msg := persistMessage(err)
		result.Warning = storageWarningPrefix + msg
		if recErr := s.repo.SetPersistError(ctx, job.JobID, msg, s.now()); recErr != nil {
			s.logg.Error(ctx, "failed to record persist error", recErr)
		}
		return
	}

	if err := s.repo.SetAsset(ctx, job.JobID, asset.ID, s.now()); err != nil {
		s.logg.Error(ctx, "failed to link asset to generation", err)
	}
	id := asset.ID
	job.AssetID = &id
	result.Data.AssetID = &id
	result.Data.MediaURL = asset.FinalURL
	result.Warning = ""
}

func (s *service) finalize(ctx context.Context, job *models.GenerationJob, disposition enums.CreditDisposition) {
	_, err := s.credits.Finalize(ctx, credits.FinalizeInput{
		UserID:      job.UserID,
		RequestID:   job.RequestID,
		Disposition: disposition,
	})
	if err != nil {
		logCtx := s.logg.WithField(ctx, "disposition", string(disposition))
		s.logg.Error(logCtx, "failed to finalize credits", err)
	}
}

func (s *service) cachedResult(ctx context.Context, userID uuid.UUID, jobID string) *PollResult {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.GetPollResult(ctx, jobID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logg.Warn(ctx, "poll cache read failed")
		}
		return nil
	}
	var cached cachedPoll
	if err := json.Unmarshal(raw, &cached); err != nil || cached.UserID != userID {
		return nil
	}
	return &cached.Result
}

// storeCache keeps terminal results that need no further work.
func (s *service) storeCache(ctx context.Context, userID uuid.UUID, result *PollResult) {
	if s.cache == nil || !result.Status.IsTerminal() || result.Warning != "" {
		return
	}
	if result.Status == enums.GenerationStatusCompleted && (result.Data == nil || result.Data.AssetID == nil) {
		return
	}
	payload, err := json.Marshal(cachedPoll{UserID: userID, Result: *result})
	if err != nil {
		return
	}
	if err := s.cache.CachePollResult(ctx, result.JobID, payload, s.cacheTTL); err != nil {
		s.logg.Warn(ctx, "poll cache write failed")
	}
}

func persistMessage(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		if cause := errors.Unwrap(typed); cause != nil {
			return typed.Message() + ": " + cause.Error()
		}
		return typed.Message()
	}
	return err.Error()
}

func failureText(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return "generation failed"
	}
	return strings.TrimSpace(reason)
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func intPtr(v int) *int {
	return &v
}
