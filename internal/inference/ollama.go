// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"github.com/jeranaias/imagehive/internal/model"
)

// =============================================================================
// OLLAMA WIRE TYPES
// =============================================================================

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // raw base64, no data: prefix
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// =============================================================================
// OLLAMA DIALECT
// =============================================================================

// OllamaBackend speaks Ollama's native API.
type OllamaBackend struct {
	config Config
}

// NewOllama creates an Ollama-dialect backend.
func NewOllama(cfg Config) *OllamaBackend {
	return &OllamaBackend{config: cfg.withDefaults()}
}

// Chat sends a non-streaming /api/chat request.
func (b *OllamaBackend) Chat(ctx context.Context, messages []model.Message) (string, error) {
	resp, err := b.post(ctx, b.config.HTTPClient, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	if result.Error != "" {
		return "", &Error{Type: ErrTypeInvalidResponse, Message: result.Error}
	}
	if strings.TrimSpace(result.Message.Content) == "" {
		return EmptyReply, nil
	}
	return result.Message.Content, nil
}

// Stream sends a streaming /api/chat request and reads the NDJSON reply.
func (b *OllamaBackend) Stream(ctx context.Context, messages []model.Message, fn DeltaFunc) error {
	resp, err := b.post(ctx, b.config.StreamClient, messages, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return newStreamReader(resp.Body, decodeOllamaChunk).Process(ctx, fn)
}

// ListModels returns the model names from /api/tags.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, &Error{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := b.config.HTTPClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &Error{Type: ErrTypeInvalidResponse, Message: "failed to decode model list", Cause: err}
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name, m.Model)
	}
	return lo.Uniq(lo.Compact(names)), nil
}

// post sends a chat request and checks the status.
func (b *OllamaBackend) post(ctx context.Context, client *http.Client, messages []model.Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    b.config.Model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Options:  &ollamaOptions{Temperature: b.config.Temperature},
	})
	if err != nil {
		return nil, &Error{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// toOllamaMessages converts transcript messages. Ollama wants bare base64
// image payloads, so data URLs are stripped to their payload.
func toOllamaMessages(messages []model.Message) []ollamaMessage {
	return lo.Map(messages, func(m model.Message, _ int) ollamaMessage {
		return ollamaMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Images:  lo.Map(m.Images, func(img string, _ int) string { return stripDataURL(img) }),
		}
	})
}

// stripDataURL returns the base64 payload of a data: URL, or s unchanged.
func stripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[i+1:]
	}
	return s
}

// decodeOllamaChunk handles one NDJSON line of /api/chat.
func decodeOllamaChunk(line []byte) (string, bool, error) {
	var chunk ollamaChatResponse
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", false, fmt.Errorf("%w: %v", errMalformedChunk, err)
	}
	if chunk.Error != "" {
		return "", false, &Error{Type: ErrTypeInvalidResponse, Message: "backend stream error: " + chunk.Error}
	}
	return chunk.Message.Content, chunk.Done, nil
}
