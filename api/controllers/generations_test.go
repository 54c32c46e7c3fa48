package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stefna/stefna-backend/api/middleware"
	"github.com/stefna/stefna-backend/internal/generations"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
)

type stubGenerationService struct {
	startInput generations.StartInput
	startErr   error
	pollInput  generations.PollInput
	pollResult *generations.PollResult
	pollErr    error
}

func (s *stubGenerationService) Start(ctx context.Context, input generations.StartInput) (*generations.StartResult, error) {
	s.startInput = input
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &generations.StartResult{OK: true, JobID: "job-1", Model: "kling-standard", Vendor: "aiml"}, nil
}

func (s *stubGenerationService) Poll(ctx context.Context, input generations.PollInput) (*generations.PollResult, error) {
	s.pollInput = input
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	if s.pollResult != nil {
		return s.pollResult, nil
	}
	return &generations.PollResult{OK: true, Status: enums.GenerationStatusProcessing, JobID: input.JobID}, nil
}

func (s *stubGenerationService) SweepStale(ctx context.Context, olderThan time.Time, limit int) (*generations.SweepResult, error) {
	return &generations.SweepResult{}, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("debug"), Output: io.Discard})
}

func withUser(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
}

func TestStartGenerationUsesIdempotencyHeaderAsRequestID(t *testing.T) {
	svc := &stubGenerationService{}
	userID := uuid.New()
	body := `{"image_url":"https://cdn.example.com/a.jpg","tier":"pro","unknown":"ignored"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(body)), userID)
	req.Header.Set(middleware.IdempotencyHeader, "req-42")
	rec := httptest.NewRecorder()

	StartGeneration(svc, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.startInput.RequestID != "req-42" {
		t.Fatalf("expected request id from header, got %q", svc.startInput.RequestID)
	}
	if svc.startInput.UserID != userID || svc.startInput.Tier != "pro" {
		t.Fatalf("unexpected input %+v", svc.startInput)
	}

	var resp generations.StartResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.JobID != "job-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestStartGenerationInsufficientCreditsIsFlatError(t *testing.T) {
	svc := &stubGenerationService{
		startErr: pkgerrors.New(pkgerrors.CodeInsufficientCredits, "insufficient credits"),
	}
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(`{"url":"https://x.test/a.png"}`)), uuid.New())
	rec := httptest.NewRecorder()

	StartGeneration(svc, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["ok"] != false || resp["code"] != string(pkgerrors.CodeInsufficientCredits) {
		t.Fatalf("unexpected body %v", resp)
	}
	if resp["error"] != "insufficient credits" {
		t.Fatalf("expected message passthrough, got %v", resp["error"])
	}
	if _, enveloped := resp["data"]; enveloped {
		t.Fatalf("generation errors must not be enveloped")
	}
}

func TestStartGenerationRequiresUser(t *testing.T) {
	svc := &stubGenerationService{}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	StartGeneration(svc, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPollGenerationParsesQuery(t *testing.T) {
	svc := &stubGenerationService{}
	userID := uuid.New()
	req := withUser(httptest.NewRequest(http.MethodGet, "/api/v1/generations/poll?id=job-9&persist=false&model=kling", nil), userID)
	rec := httptest.NewRecorder()

	PollGeneration(svc, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.pollInput.JobID != "job-9" || svc.pollInput.Model != "kling" {
		t.Fatalf("unexpected poll input %+v", svc.pollInput)
	}
	if svc.pollInput.Persist == nil || *svc.pollInput.Persist {
		t.Fatalf("expected persist=false")
	}
}

func TestPollGenerationDefaultsPersistTrue(t *testing.T) {
	svc := &stubGenerationService{}
	req := withUser(httptest.NewRequest(http.MethodGet, "/api/v1/generations/poll?id=job-9", nil), uuid.New())
	rec := httptest.NewRecorder()

	PollGeneration(svc, testLogger()).ServeHTTP(rec, req)

	if svc.pollInput.Persist == nil || !*svc.pollInput.Persist {
		t.Fatalf("expected persist to default true")
	}
}

func TestPollGenerationMissingID(t *testing.T) {
	svc := &stubGenerationService{}
	req := withUser(httptest.NewRequest(http.MethodGet, "/api/v1/generations/poll", nil), uuid.New())
	rec := httptest.NewRecorder()

	PollGeneration(svc, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if svc.pollInput.JobID != "" {
		t.Fatalf("service should not be called")
	}
}
