// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package consumer

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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/imagehive/internal/detect"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/readiness"
)

// EmptyReply replaces an empty final reply.
const EmptyReply = "No content returned from ImageHive yet."

// ErrSendInFlight is returned when a transcript already has a send running.
var ErrSendInFlight = errors.New("a message is already being sent for this chat")

// =============================================================================
// ERRORS
// =============================================================================

// SendError reports that both the streaming and the fallback path failed.
type SendError struct {
	StreamErr   error
	FallbackErr error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("Error contacting server: %s. Fallback failed: %s", e.StreamErr, e.FallbackErr)
}

// Unwrap exposes both causes to errors.Is and errors.As.
func (e *SendError) Unwrap() []error {
	return []error{e.StreamErr, e.FallbackErr}
}

// =============================================================================
// CLIENT
// =============================================================================

// Outcome describes a finished send.
type Outcome struct {
	// Content is the assistant text appended to the transcript.
	Content string
	Meta    model.Meta

	// Path is every state the send passed through.
	Path Path

	// StreamErr is why the streaming path failed, when the fallback ran.
	StreamErr error
}

// Fallback reports whether the reply came from the non-streaming path.
func (o Outcome) Fallback() bool {
	return o.StreamErr != nil
}

// Client talks to the ImageHive HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It should not carry a timeout shorter
// than the longest expected reply, since streams use it too.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at baseURL, e.g. "http://127.0.0.1:3000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
		inFlight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send appends one user turn to t and obtains the assistant reply.
//
// The streaming endpoint is tried first and onToken receives each token as
// it arrives. If streaming fails for any reason the same transcript is sent
// once to the non-streaming endpoint. On success exactly one assistant
// message is appended. When both paths fail no assistant message is
// appended and a *SendError is returned.
func (c *Client) Send(ctx context.Context, t *model.Transcript, text string, images []string, onToken func(string)) (Outcome, error) {
	if !c.acquire(t.ID) {
		return Outcome{}, ErrSendInFlight
	}
	defer c.release(t.ID)

	if err := t.AppendUser(text, images); err != nil {
		return Outcome{}, err
	}
	payload, err := json.Marshal(chatRequest{Messages: t.Snapshot()})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode transcript: %w", err)
	}

	fsm := newMachine()
	out := Outcome{}

	_ = fsm.to(StateStreaming)
	res, streamErr := c.stream(ctx, payload, onToken)
	if streamErr == nil {
		_ = fsm.to(StateCompleted)
		out.Content = nonEmpty(res.text)
		out.Meta = res.meta
		out.Path = Path(fsm.path)
		t.AppendAssistant(out.Content, out.Meta)
		return out, nil
	}

	_ = fsm.to(StateStreamFailed)
	c.logger.Warn("STREAM_FAILED", "chat", t.ID, "tokens", res.tokens, "error", streamErr)

	_ = fsm.to(StateFallbackRequested)
	reply, fallbackErr := c.reply(ctx, payload)
	if fallbackErr != nil {
		_ = fsm.to(StateDoubleFailed)
		c.logger.Error("FALLBACK_FAILED", "chat", t.ID, "error", fallbackErr)
		return Outcome{Path: Path(fsm.path), StreamErr: streamErr}, &SendError{StreamErr: streamErr, FallbackErr: fallbackErr}
	}

	_ = fsm.to(StateCompleted)
	out.Content = nonEmpty(reply.Content)
	out.Meta = reply.Meta()
	out.Path = Path(fsm.path)
	out.StreamErr = streamErr
	t.AppendAssistant(out.Content, out.Meta)
	return out, nil
}

type chatRequest struct {
	Messages []model.Message `json:"messages"`
}

// stream runs the streaming path.
func (c *Client) stream(ctx context.Context, payload []byte, onToken func(string)) (streamResult, error) {
	resp, err := c.post(ctx, "/api/chat?stream=true", payload)
	if err != nil {
		return streamResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return streamResult{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return readEvents(resp.Body, onToken)
}

// reply runs the non-streaming fallback path.
func (c *Client) reply(ctx context.Context, payload []byte) (model.Reply, error) {
	resp, err := c.post(ctx, "/api/chat?stream=false", payload)
	if err != nil {
		return model.Reply{}, err
	}
	defer resp.Body.Close()

	var body struct {
		model.Reply
		Message string `json:"message"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && body.Message != "" {
			return model.Reply{}, errors.New(body.Message)
		}
		return model.Reply{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return model.Reply{}, fmt.Errorf("invalid reply: %w", decodeErr)
	}
	return body.Reply, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return c.httpClient.Do(req)
}

func (c *Client) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[id]; busy {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *Client) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
}

func nonEmpty(text string) string {
	if text == "" {
		return EmptyReply
	}
	return text
}

// =============================================================================
// HEALTH
// =============================================================================

// Health is the server's /api/health document.
type Health struct {
	Status  string           `json:"status"`
	GPU     detect.Status    `json:"gpu"`
	Backend *model.Readiness `json:"backend"`
	Ollama  *model.Readiness `json:"ollama"`
}

// Readiness returns the backend status, preferring the current field name.
func (h Health) Readiness() *model.Readiness {
	if h.Backend != nil {
		return h.Backend
	}
	return h.Ollama
}

// Health fetches /api/health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("invalid health response: %w", err)
	}
	return h, nil
}

// WaitReady polls /api/health every interval until the backend reports
// ready or ctx ends. onStatus, when set, receives a status line per poll.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration, onStatus func(string)) (Health, error) {
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h, err := c.Health(ctx)
		switch {
		case err != nil:
			report(onStatus, "Waiting for startup: "+err.Error())
		default:
			status := h.Readiness()
			report(onStatus, readiness.Describe(status))
			if status != nil && status.Ready() {
				return h, nil
			}
		}

		select {
		case <-ctx.Done():
			return h, ctx.Err()
		case <-ticker.C:
		}
	}
}

func report(fn func(string), line string) {
	if fn != nil {
		fn(line)
	}
}
