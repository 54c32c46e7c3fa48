package aiml

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stefna/stefna-backend/pkg/config"
	"github.com/stefna/stefna-backend/pkg/enums"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	client, err := NewClient(config.VendorConfig{APIKey: "test-key"},
		WithBaseURL("http://aiml.test/"),
		WithHTTPClient(&http.Client{Transport: rt}),
		WithStatusRetry(2, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(config.VendorConfig{APIKey: " "}); err == nil {
		t.Fatalf("expected missing api key to fail")
	}
}

func TestStartSendsGenerationRequest(t *testing.T) {
	var capturedURL, capturedAuth string
	var payload map[string]any
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		capturedURL = req.URL.String()
		capturedAuth = req.Header.Get("Authorization")
		if req.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", req.Method)
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(http.StatusCreated, `{"id":"fallback","generation_id":"gen-1","status":"queued"}`), nil
	})

	res, err := client.Start(context.Background(), StartRequest{
		Model:    "kling-video/v1.6/standard/image-to-video",
		Prompt:   "slow pan",
		ImageURL: "https://cdn.example.com/a.jpg",
		Duration: 5,
		FPS:      24,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.JobID != "gen-1" {
		t.Fatalf("unexpected job id %q", res.JobID)
	}
	if capturedURL != "http://aiml.test/v2/generate/video/kling-video/v1.6/standard/image-to-video/generation" {
		t.Fatalf("unexpected url %q", capturedURL)
	}
	if capturedAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header %q", capturedAuth)
	}
	if payload["image_url"] != "https://cdn.example.com/a.jpg" || payload["prompt"] != "slow pan" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload["duration"] != float64(5) || payload["fps"] != float64(24) {
		t.Fatalf("unexpected timing in payload %+v", payload)
	}
}

func TestStartRejectedKeepsStatusAndBody(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusUnprocessableEntity, `{"error":"image too small"}`), nil
	})

	_, err := client.Start(context.Background(), StartRequest{Model: "m", ImageURL: "https://x/a.jpg", Duration: 5})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeVendorRejected {
		t.Fatalf("expected vendor rejected, got %v", err)
	}
	details, ok := typed.Details().(map[string]any)
	if !ok {
		t.Fatalf("unexpected details %T", typed.Details())
	}
	if details["status"] != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status detail %v", details["status"])
	}
	body, ok := details["body"].(json.RawMessage)
	if !ok || string(body) != `{"error":"image too small"}` {
		t.Fatalf("unexpected body detail %v", details["body"])
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("start must not be retried, got %d calls", calls)
	}
}

func TestStartTransportErrorIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection reset")
	})

	_, err := client.Start(context.Background(), StartRequest{Model: "m", ImageURL: "https://x/a.jpg", Duration: 5})
	if !pkgerrors.IsCode(err, pkgerrors.CodeVendorUnavailable) {
		t.Fatalf("expected vendor unavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestStartMissingJobID(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"status":"queued"}`), nil
	})
	_, err := client.Start(context.Background(), StartRequest{Model: "m", ImageURL: "https://x/a.jpg", Duration: 5})
	if !pkgerrors.IsCode(err, pkgerrors.CodeVendorRejected) {
		t.Fatalf("expected vendor rejected, got %v", err)
	}
}

func TestStatusRetriesServerErrors(t *testing.T) {
	var calls int32
	var capturedQuery string
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		capturedQuery = req.URL.Query().Get("generation_id")
		if n < 3 {
			return jsonResponse(http.StatusBadGateway, `upstream`), nil
		}
		return jsonResponse(http.StatusOK, `{"status":"completed","video_url":"https://cdn.example.com/out.mp4"}`), nil
	})

	res, err := client.Status(context.Background(), "m", "gen 1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if capturedQuery != "gen 1" {
		t.Fatalf("unexpected generation_id %q", capturedQuery)
	}
	if res.Snapshot.Status != enums.GenerationStatusCompleted {
		t.Fatalf("unexpected status %s", res.Snapshot.Status)
	}
}

func TestStatusGivesUpAfterRetries(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("dial tcp: timeout")
	})

	_, err := client.Status(context.Background(), "m", "gen-1")
	if !pkgerrors.IsCode(err, pkgerrors.CodeVendorUnavailable) {
		t.Fatalf("expected vendor unavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestStatusClientErrorNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusNotFound, `{"message":"unknown generation"}`), nil
	})

	_, err := client.Status(context.Background(), "m", "gen-1")
	if !pkgerrors.IsCode(err, pkgerrors.CodeVendorRejected) {
		t.Fatalf("expected vendor rejected, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}
