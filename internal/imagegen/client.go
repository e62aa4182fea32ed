// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/imagehive/internal/offline"
)

const (
	// DefaultBaseURL is the image API endpoint.
	DefaultBaseURL = "https://fal.run"

	// DefaultModel is the text-to-image model used when none is configured.
	DefaultModel = "fal-ai/bytedance/seedream/v4.5/text-to-image"

	// DefaultAspectRatio and DefaultResolution apply when a request omits them.
	DefaultAspectRatio = "9:16"
	DefaultResolution  = "auto-2k"

	// DefaultTimeout bounds one generation request.
	DefaultTimeout = 120 * time.Second

	// maxResponseSize caps the response body read into memory.
	maxResponseSize = 10 * 1024 * 1024
)

// ErrMissingKey is returned before any network call when no API key is set.
var ErrMissingKey = errors.New("Image API key is not configured. Add it in Settings to render images.")

// APIError is a non-2xx response from the image API.
type APIError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("Fal API error %d: %s", e.Status, e.Body)
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// Params are the caller-supplied inputs for one generation.
type Params struct {
	PromptJSON  json.RawMessage
	AspectRatio string
	Resolution  string
}

// Request is the body sent to the image API.
type Request struct {
	Prompt         string `json:"prompt"`
	AspectRatio    string `json:"aspect_ratio"`
	Resolution     string `json:"resolution"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Seed           any    `json:"seed,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
}

// Result is a completed generation.
type Result struct {
	ImageURL string          `json:"imageUrl"`
	Request  Request         `json:"request"`
	Raw      json.RawMessage `json:"raw"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Config configures a Client.
type Config struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the remote image API. The API key is read on every call so
// settings changes apply immediately.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	apiKey     func() string
	guard      *offline.Guard
	logger     *slog.Logger
}

// New creates a Client. apiKey supplies the current key; guard may be nil.
func New(cfg Config, apiKey func() string, guard *offline.Guard, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = offline.NewGuard(false)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      strings.Trim(cfg.Model, "/"),
		httpClient: httpClient,
		apiKey:     apiKey,
		guard:      guard,
		logger:     logger,
	}
}

// Configured reports whether an API key is available.
func (c *Client) Configured() bool {
	return c.key() != ""
}

func (c *Client) key() string {
	if c.apiKey == nil {
		return ""
	}
	return strings.TrimSpace(c.apiKey())
}

// BuildRequest validates p and fills defaults without contacting the API.
func BuildRequest(p Params) (Request, error) {
	prompt, err := NormalizePrompt(p.PromptJSON)
	if err != nil {
		return Request{}, fmt.Errorf("invalid prompt payload: %w", err)
	}
	if strings.TrimSpace(prompt.Text) == "" {
		return Request{}, ErrEmptyPrompt
	}

	req := Request{
		Prompt:         prompt.Text,
		AspectRatio:    p.AspectRatio,
		Resolution:     p.Resolution,
		NegativePrompt: prompt.NegativePrompt,
		Seed:           prompt.Seed,
		ImageURL:       prompt.ImageURL,
	}
	if req.AspectRatio == "" {
		req.AspectRatio = DefaultAspectRatio
	}
	if req.Resolution == "" {
		req.Resolution = DefaultResolution
	}
	return req, nil
}

// Generate renders one image.
func (c *Client) Generate(ctx context.Context, p Params) (Result, error) {
	apiKey := c.key()
	if apiKey == "" {
		return Result{}, ErrMissingKey
	}
	if err := c.guard.CheckRemote("image generation"); err != nil {
		return Result{}, err
	}

	body, err := BuildRequest(p)
	if err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return Result{}, fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Info("IMAGE_GENERATED",
		"model", c.model,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}

	return Result{
		ImageURL: extractImageURL(raw),
		Request:  body,
		Raw:      raw,
	}, nil
}

// imageResponse covers the response shapes seen across image models.
type imageResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Image *struct {
		URL string `json:"url"`
	} `json:"image"`
	URL string `json:"url"`
}

// extractImageURL reads images[0].url, then image.url, then url.
func extractImageURL(raw json.RawMessage) string {
	var r imageResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	if len(r.Images) > 0 && r.Images[0].URL != "" {
		return r.Images[0].URL
	}
	if r.Image != nil && r.Image.URL != "" {
		return r.Image.URL
	}
	return r.URL
}
