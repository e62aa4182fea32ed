// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/imagehive/internal/model"
)

// =============================================================================
// BACKEND INTERFACE
// =============================================================================

// DeltaFunc receives each incremental unit of text. Returning an error stops
// the stream and that error is returned from Stream.
type DeltaFunc func(delta string) error

// Backend is a chat-completion server speaking one wire dialect.
// Implementations are safe for concurrent use.
type Backend interface {
	// Chat sends messages and returns the complete assistant text.
	Chat(ctx context.Context, messages []model.Message) (string, error)

	// Stream sends messages and calls fn for each text delta in arrival
	// order. It returns nil once the backend signals completion.
	Stream(ctx context.Context, messages []model.Message, fn DeltaFunc) error

	// ListModels returns the model identifiers the backend reports.
	ListModels(ctx context.Context) ([]string, error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Dialect selects the wire protocol.
type Dialect string

const (
	DialectOpenAI Dialect = "openai"
	DialectOllama Dialect = "ollama"
)

// ParseDialect converts a configuration string to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case "", DialectOpenAI:
		return DialectOpenAI, nil
	case DialectOllama:
		return DialectOllama, nil
	default:
		return "", fmt.Errorf("unknown backend dialect %q: must be openai or ollama", s)
	}
}

// EmptyReply replaces an empty completion.
const EmptyReply = "No content returned from the model."

// Config holds options shared by all dialects.
type Config struct {
	// Dialect is the wire protocol (default: openai).
	Dialect Dialect

	// BaseURL is the server root without the /v1 suffix
	// (default: http://127.0.0.1:8000).
	BaseURL string

	// Model is the served model identifier.
	Model string

	// APIKey is sent as a bearer token by the openai dialect when set.
	APIKey string

	// Temperature for sampling (default: 0.4).
	Temperature float32

	// Timeout bounds non-streaming requests (default: 120s). Streams are
	// bounded by the caller's context only.
	Timeout time.Duration

	// HTTPClient overrides the transport for non-streaming requests.
	HTTPClient *http.Client

	// StreamClient overrides the transport for streaming requests.
	StreamClient *http.Client
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() Config {
	return Config{
		Dialect:     DialectOpenAI,
		BaseURL:     "http://127.0.0.1:8000",
		Model:       "Qwen2.5-VL-3B-Instruct",
		Temperature: 0.4,
		Timeout:     120 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Dialect == "" {
		c.Dialect = d.Dialect
	}
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Temperature == 0 {
		c.Temperature = d.Temperature
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.StreamClient == nil {
		// No client timeout for streaming; the request context bounds it.
		c.StreamClient = &http.Client{}
	}
	return c
}

// New creates a Backend for cfg.Dialect.
func New(cfg Config) (Backend, error) {
	cfg = cfg.withDefaults()
	switch cfg.Dialect {
	case DialectOpenAI:
		return NewOpenAI(cfg), nil
	case DialectOllama:
		return NewOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend dialect %q", cfg.Dialect)
	}
}

// Name returns a human-readable backend name for status messages.
func (d Dialect) Name() string {
	switch d {
	case DialectOllama:
		return "Ollama"
	default:
		return "the inference server"
	}
}
