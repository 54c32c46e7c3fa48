package cloudinary

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stefna/stefna-backend/pkg/config"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
)

const (
	defaultAPIBase          = "https://api.cloudinary.com"
	uploadTimeout           = 60 * time.Second
	errorBodyLimit    int64 = 2048
	responseBodyLimit int64 = 1 << 20
)

// Resource types accepted by the upload API.
const (
	ResourceImage = "image"
	ResourceVideo = "video"
	ResourceAuto  = "auto"
)

var errCredentialsRequired = errors.New("cloudinary cloud name, api key and api secret are required")

type Client struct {
	httpClient *http.Client
	apiBase    string
	cloudName  string
	apiKey     string
	apiSecret  string
	folder     string
	now        func() time.Time
	logg       *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithAPIBase(base string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(base); trimmed != "" {
			c.apiBase = strings.TrimRight(trimmed, "/")
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(cfg config.CloudinaryConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.CloudName) == "" || strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errCredentialsRequired
	}
	client := &Client{
		httpClient: &http.Client{Timeout: uploadTimeout},
		apiBase:    defaultAPIBase,
		cloudName:  strings.TrimSpace(cfg.CloudName),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiSecret:  strings.TrimSpace(cfg.APISecret),
		folder:     strings.Trim(strings.TrimSpace(cfg.Folder), "/"),
		now:        time.Now,
		logg:       logg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Folder is the root folder uploads are placed under.
func (c *Client) Folder() string {
	return c.folder
}

// UploadParams describes a remote-URL upload.
type UploadParams struct {
	FileURL      string
	PublicID     string
	ResourceType string
	Overwrite    bool
	Tags         []string
	Context      map[string]string
}

// UploadResult is the subset of the upload response the app stores.
type UploadResult struct {
	PublicID     string  `json:"public_id"`
	SecureURL    string  `json:"secure_url"`
	URL          string  `json:"url"`
	ResourceType string  `json:"resource_type"`
	Format       string  `json:"format"`
	Bytes        int64   `json:"bytes"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Duration     float64 `json:"duration"`
	Version      int64   `json:"version"`
	Existing     bool    `json:"existing"`
}

// Upload asks Cloudinary to fetch FileURL and store it under PublicID.
func (c *Client) Upload(ctx context.Context, params UploadParams) (*UploadResult, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "cloudinary client not configured")
	}
	if strings.TrimSpace(params.FileURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file url is required")
	}
	resourceType := params.ResourceType
	if resourceType == "" {
		resourceType = ResourceAuto
	}

	signed := map[string]string{
		"overwrite": strconv.FormatBool(params.Overwrite),
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	if params.PublicID != "" {
		signed["public_id"] = params.PublicID
	}
	if len(params.Tags) > 0 {
		signed["tags"] = strings.Join(params.Tags, ",")
	}
	if ctxValue := encodeContext(params.Context); ctxValue != "" {
		signed["context"] = ctxValue
	}

	form := c.signedForm(signed)
	form.Set("file", params.FileURL)

	var result UploadResult
	if err := c.post(ctx, resourceType, "upload", form, &result); err != nil {
		return nil, err
	}
	if result.SecureURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "cloudinary upload returned no url")
	}
	return &result, nil
}

// Destroy removes an asset. A missing asset is not an error.
func (c *Client) Destroy(ctx context.Context, publicID, resourceType string) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "cloudinary client not configured")
	}
	if strings.TrimSpace(publicID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "public id is required")
	}
	if resourceType == "" || resourceType == ResourceAuto {
		resourceType = ResourceImage
	}
	form := c.signedForm(map[string]string{
		"public_id":  publicID,
		"invalidate": "true",
		"timestamp":  strconv.FormatInt(c.now().Unix(), 10),
	})

	var result struct {
		Result string `json:"result"`
	}
	if err := c.post(ctx, resourceType, "destroy", form, &result); err != nil {
		return err
	}
	if result.Result != "ok" && result.Result != "not found" {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("cloudinary destroy returned %q", result.Result))
	}
	return nil
}

func (c *Client) signedForm(params map[string]string) url.Values {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("signature", Sign(params, c.apiSecret))
	form.Set("api_key", c.apiKey)
	return form
}

func (c *Client) post(ctx context.Context, resourceType, action string, form url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/v1_1/%s/%s/%s", c.apiBase, url.PathEscape(c.cloudName), resourceType, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build cloudinary request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute cloudinary "+action)
	}
	defer closeBody(ctx, c.logg, resp.Body, "failed to close cloudinary response body")

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "cloudinary "+action+" failed")
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseBodyLimit)).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode cloudinary "+action+" response")
	}
	return nil
}

// Sign computes the API signature: SHA-1 over the sorted key=value pairs
// joined by '&' followed by the secret.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		switch k {
		case "file", "api_key", "resource_type", "cloud_name", "signature":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "&") + secret))
	return hex.EncodeToString(sum[:])
}

func encodeContext(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.NewReplacer("|", `\|`, "=", `\=`).Replace(values[k])
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "|")
}

func closeBody(ctx context.Context, logg *logger.Logger, body io.Closer, msg string) {
	if body == nil {
		return
	}
	if err := body.Close(); err != nil && logg != nil {
		logg.Warn(ctx, msg)
	}
}
