package generations

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/stefna/stefna-backend/internal/credits"
	"github.com/stefna/stefna-backend/pkg/aiml"
	"github.com/stefna/stefna-backend/pkg/db/models"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/storage/cloudinary"
)

const (
	sourceKindImage = "image"
	sourceKindVideo = "video"
)

// StartInput mirrors the generation request body. The first non-empty of
// VideoURL, ImageURL, URL, SourceURL is the source. Nil FPS or Duration
// selects the default.
type StartInput struct {
	UserID    uuid.UUID
	RequestID string
	VideoURL  string
	ImageURL  string
	URL       string
	SourceURL string
	Prompt    string
	FPS       *int
	Duration  *int
	Tier      string
}

type StartDebug struct {
	Tier         enums.GenerationTier `json:"tier"`
	FPS          int                  `json:"fps"`
	Duration     int                  `json:"duration"`
	SourceKind   string               `json:"source_kind"`
	SubmittedURL string               `json:"submitted_url"`
	RequestID    string               `json:"request_id"`
	Cost         int                  `json:"cost"`
}

type StartResult struct {
	OK     bool       `json:"ok"`
	JobID  string     `json:"job_id"`
	Model  string     `json:"model"`
	Vendor string     `json:"vendor"`
	Debug  StartDebug `json:"debug"`
}

func (s *service) Start(ctx context.Context, input StartInput) (*StartResult, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	source, err := pickSource(input.VideoURL, input.ImageURL, input.URL, input.SourceURL)
	if err != nil {
		return nil, err
	}
	tier, err := enums.ParseGenerationTier(input.Tier)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid tier")
	}
	requestID := strings.TrimSpace(input.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	fps := clamp(input.FPS, MinFPS, MaxFPS, DefaultFPS)
	duration := clamp(input.Duration, MinDuration, MaxDuration, DefaultDuration)
	model := s.modelFor(tier)
	cost := s.costs.CostForTier(string(tier))

	sourceKind := sourceKindImage
	submitted := source
	if cloudinary.IsVideoURL(source) {
		sourceKind = sourceKindVideo
		if s.vendorCfg.ImageOnly {
			submitted, err = cloudinary.FrameURL(source, s.cdnCfg.FrameSecond, s.cdnCfg.FrameWidth)
			if err != nil {
				return nil, err
			}
		}
	}

	debug := StartDebug{
		Tier:         tier,
		FPS:          fps,
		Duration:     duration,
		SourceKind:   sourceKind,
		SubmittedURL: submitted,
		RequestID:    requestID,
		Cost:         cost,
	}
	ctx = s.jobContext(ctx, input.UserID, "")
	ctx = s.logg.WithField(ctx, "request_id", requestID)

	existing, err := s.repo.FindByRequestID(ctx, input.UserID, requestID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup generation by request id")
	}
	if existing != nil {
		return s.startResult(existing.JobID, existing.Model, debug), nil
	}

	reservation, err := s.credits.Reserve(ctx, credits.ReserveInput{
		UserID:    input.UserID,
		RequestID: requestID,
		Action:    "video_generation:" + string(tier),
		Amount:    cost,
	})
	if err != nil {
		return nil, err
	}
	if reservation.Idempotent && reservation.Status != enums.CreditEntryStatusReserved {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "request id already settled").
			WithDetails(map[string]any{"request_id": requestID, "status": reservation.Status})
	}
	if reservation.Idempotent {
		// A concurrent start holds the reservation; it either recorded the job by now or is still talking to the vendor.
		existing, err = s.repo.FindByRequestID(ctx, input.UserID, requestID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup generation by request id")
		}
		if existing != nil {
			return s.startResult(existing.JobID, existing.Model, debug), nil
		}
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "generation already in progress").
			WithDetails(map[string]any{"request_id": requestID})
	}

	started, err := s.vendor.Start(ctx, aiml.StartRequest{
		Model:    model,
		Prompt:   strings.TrimSpace(input.Prompt),
		ImageURL: submitted,
		Duration: duration,
		FPS:      fps,
	})
	if err != nil {
		s.metrics.IncVendorError("start", codeOf(err))
		s.refund(ctx, input.UserID, requestID)
		return nil, err
	}

	ctx = s.logg.WithJobID(ctx, started.JobID)
	now := s.now()
	job := &models.GenerationJob{
		ID:           uuid.New(),
		JobID:        started.JobID,
		UserID:       input.UserID,
		RequestID:    requestID,
		Model:        model,
		Vendor:       s.vendorName(),
		Tier:         tier,
		SourceURL:    source,
		SubmittedURL: submitted,
		Prompt:       strings.TrimSpace(input.Prompt),
		FPS:          fps,
		Duration:     duration,
		Cost:         cost,
		Status:       enums.GenerationStatusProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		// The vendor job exists but cannot be tracked; the stale sweep refunds it.
		s.logg.Error(ctx, "failed to record generation job", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record generation job")
	}

	s.metrics.IncStarted(string(tier))
	s.logg.Info(ctx, "generation started")
	return s.startResult(started.JobID, model, debug), nil
}

func (s *service) startResult(jobID, model string, debug StartDebug) *StartResult {
	return &StartResult{
		OK:     true,
		JobID:  jobID,
		Model:  model,
		Vendor: s.vendorName(),
		Debug:  debug,
	}
}

func (s *service) refund(ctx context.Context, userID uuid.UUID, requestID string) {
	_, err := s.credits.Finalize(ctx, credits.FinalizeInput{
		UserID:      userID,
		RequestID:   requestID,
		Disposition: enums.CreditDispositionRefund,
	})
	if err != nil {
		s.logg.Error(ctx, "failed to refund reservation", err)
	}
}

func (s *service) modelFor(tier enums.GenerationTier) string {
	if tier == enums.GenerationTierPro {
		return s.vendorCfg.ModelPro
	}
	return s.vendorCfg.ModelStandard
}

func (s *service) vendorName() string {
	if s.vendorCfg.Name == "" {
		return "aiml"
	}
	return s.vendorCfg.Name
}

func pickSource(candidates ...string) (string, error) {
	for _, candidate := range candidates {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		u, err := url.Parse(trimmed)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", pkgerrors.New(pkgerrors.CodeValidation, "source url must be an absolute http(s) url").
				WithDetails(map[string]any{"url": trimmed})
		}
		return trimmed, nil
	}
	return "", pkgerrors.New(pkgerrors.CodeValidation, "source url required")
}

func codeOf(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return string(typed.Code())
	}
	return string(pkgerrors.CodeInternal)
}
