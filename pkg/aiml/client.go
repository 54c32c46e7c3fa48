package aiml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/stefna/stefna-backend/pkg/config"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
)

const (
	defaultBaseURL             = "https://api.aimlapi.com"
	defaultTimeout             = 30 * time.Second
	defaultStatusBackoff       = 250 * time.Millisecond
	responseBodyLimit    int64 = 1 << 20
)

var errAPIKeyRequired = errors.New("aiml api key is required")

// Client talks to the AIML video generation API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	statusRetries uint64
	statusBackoff time.Duration
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the configured API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithStatusRetry sets how many extra attempts a status read gets and the
// first backoff delay.
func WithStatusRetry(retries uint64, backoff time.Duration) Option {
	return func(c *Client) {
		c.statusRetries = retries
		if backoff > 0 {
			c.statusBackoff = backoff
		}
	}
}

// NewClient builds the vendor client from config.
func NewClient(cfg config.VendorConfig, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := &Client{
		apiKey:        key,
		baseURL:       defaultBaseURL,
		httpClient:    &http.Client{Timeout: timeout},
		statusRetries: cfg.StatusRetries,
		statusBackoff: cfg.StatusBackoff,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		client.baseURL = strings.TrimSpace(cfg.BaseURL)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.statusBackoff <= 0 {
		client.statusBackoff = defaultStatusBackoff
	}
	return client, nil
}

// StartRequest is the body of a generation start call.
type StartRequest struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt,omitempty"`
	ImageURL string `json:"image_url"`
	Duration int    `json:"duration"`
	FPS      int    `json:"fps,omitempty"`
}

// StartResult carries the vendor job id plus the raw response.
type StartResult struct {
	JobID      string
	StatusCode int
	Body       json.RawMessage
}

// Start submits a generation exactly once. Start calls are never retried so a
// timeout cannot create a second billed job on the vendor side.
func (c *Client) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeVendorUnavailable, "aiml client not configured")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "model is required")
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "image url is required")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal generation request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generationURL(req.Model), bytes.NewReader(payload))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build generation request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeVendorUnavailable, err, "execute generation request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeVendorUnavailable, err, "read generation response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, rejected(resp.StatusCode, body, "generation request rejected")
	}

	jobID, ok := ExtractJobID(body)
	if !ok {
		return nil, rejected(resp.StatusCode, body, "generation response missing job id")
	}
	return &StartResult{JobID: jobID, StatusCode: resp.StatusCode, Body: rawBody(body)}, nil
}

// StatusResult is a normalized status read with the raw vendor body.
type StatusResult struct {
	Snapshot   Snapshot
	StatusCode int
	Body       json.RawMessage
}

// Status reads the job state. Transport failures, 429 and 5xx responses are
// retried with exponential backoff; other non-2xx responses are returned as
// VENDOR_REJECTED.
func (c *Client) Status(ctx context.Context, model, jobID string) (*StatusResult, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeVendorUnavailable, "aiml client not configured")
	}
	if strings.TrimSpace(jobID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "job id is required")
	}

	endpoint := c.generationURL(model) + "?generation_id=" + url.QueryEscape(strings.TrimSpace(jobID))
	backoff := retry.WithMaxRetries(c.statusRetries, retry.NewExponential(c.statusBackoff))

	var result *StatusResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build status request")
		}
		c.authorize(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return retry.RetryableError(pkgerrors.Wrap(pkgerrors.CodeVendorUnavailable, err, "execute status request"))
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
		if err != nil {
			return retry.RetryableError(pkgerrors.Wrap(pkgerrors.CodeVendorUnavailable, err, "read status response"))
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(pkgerrors.New(pkgerrors.CodeVendorUnavailable, fmt.Sprintf("status request returned %d", resp.StatusCode)))
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return rejected(resp.StatusCode, body, "status request rejected")
		}

		result = &StatusResult{
			Snapshot:   Normalize(body),
			StatusCode: resp.StatusCode,
			Body:       rawBody(body),
		}
		return nil
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeVendorUnavailable, err, "status request failed")
	}
	return result, nil
}

func (c *Client) generationURL(model string) string {
	base := strings.TrimRight(c.baseURL, "/")
	model = strings.Trim(strings.TrimSpace(model), "/")
	return fmt.Sprintf("%s/v2/generate/video/%s/generation", base, model)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

// rejected keeps the vendor status and body verbatim in the error details.
func rejected(status int, body []byte, msg string) error {
	return pkgerrors.New(pkgerrors.CodeVendorRejected, msg).WithDetails(map[string]any{
		"status": status,
		"body":   detailBody(body),
	})
}

func detailBody(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return string(body)
}

func rawBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil
	}
	return json.RawMessage(trimmed)
}
