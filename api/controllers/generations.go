package controllers

import (
	"net/http"
	"strings"

	"github.com/stefna/stefna-backend/api/middleware"
	"github.com/stefna/stefna-backend/api/responses"
	"github.com/stefna/stefna-backend/api/validators"
	"github.com/stefna/stefna-backend/internal/generations"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
)

type startGenerationRequest struct {
	VideoURL  string `json:"video_url" validate:"max=2048"`
	ImageURL  string `json:"image_url" validate:"max=2048"`
	URL       string `json:"url" validate:"max=2048"`
	SourceURL string `json:"source_url" validate:"max=2048"`
	Prompt    string `json:"prompt" validate:"max=2000"`
	FPS       *int   `json:"fps"`
	Duration  *int   `json:"duration"`
	Tier      string `json:"tier" validate:"max=32"`
	RequestID string `json:"request_id" validate:"max=128"`
}

func (b startGenerationRequest) toInput(r *http.Request) (generations.StartInput, error) {
	userID, err := requireUserID(r)
	if err != nil {
		return generations.StartInput{}, err
	}
	requestID := strings.TrimSpace(b.RequestID)
	if requestID == "" {
		requestID = strings.TrimSpace(r.Header.Get(middleware.IdempotencyHeader))
	}
	return generations.StartInput{
		UserID:    userID,
		RequestID: requestID,
		VideoURL:  b.VideoURL,
		ImageURL:  b.ImageURL,
		URL:       b.URL,
		SourceURL: b.SourceURL,
		Prompt:    b.Prompt,
		FPS:       b.FPS,
		Duration:  b.Duration,
		Tier:      b.Tier,
	}, nil
}

// StartGeneration reserves credits and submits a generation to the vendor.
// Generation endpoints answer flat JSON rather than the data envelope.
func StartGeneration(svc generations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteFlatError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "generations service unavailable"))
			return
		}

		var body startGenerationRequest
		if err := validators.DecodeJSONBodyLenient(r, &body); err != nil {
			responses.WriteFlatError(r.Context(), logg, w, err)
			return
		}
		input, err := body.toInput(r)
		if err != nil {
			responses.WriteFlatError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Start(r.Context(), input)
		if err != nil {
			responses.WriteFlatError(r.Context(), logg, w, err)
			return
		}
		responses.WriteJSON(w, http.StatusOK, result)
	}
}

// PollGeneration reports the status of a generation, persisting the result
// the first time it completes.
func PollGeneration(svc generations.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteFlatError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "generations service unavailable"))
			return
		}

		userID, err := requireUserID(r)
		if err != nil {
			responses.WriteFlatError(r.Context(), logg, w, err)
			return
		}
		query := r.URL.Query()
		jobID := strings.TrimSpace(query.Get("id"))
		if jobID == "" {
			responses.WriteFlatError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "id is required"))
			return
		}
		persist, err := validators.ParseQueryBool(r, "persist", true)
		if err != nil {
			responses.WriteFlatError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Poll(r.Context(), generations.PollInput{
			UserID:  userID,
			JobID:   jobID,
			Model:   strings.TrimSpace(query.Get("model")),
			Persist: &persist,
			Prompt:  validators.SanitizeString(query.Get("prompt"), 2000),
		})
		if err != nil {
			responses.WriteFlatError(r.Context(), logg, w, err)
			return
		}
		responses.WriteJSON(w, http.StatusOK, result)
	}
}
