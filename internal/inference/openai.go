// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"

	"github.com/jeranaias/imagehive/internal/model"
)

// doneSentinel ends an OpenAI-style stream.
const doneSentinel = "[DONE]"

// =============================================================================
// OPENAI DIALECT
// =============================================================================

// OpenAIBackend speaks the OpenAI chat-completions dialect.
//
// Non-streaming calls and model listing go through go-openai. Streaming is
// read line by line here so that a malformed chunk is skipped rather than
// ending the stream.
type OpenAIBackend struct {
	config Config
	client *openai.Client
}

// NewOpenAI creates an OpenAI-dialect backend.
func NewOpenAI(cfg Config) *OpenAIBackend {
	cfg = cfg.withDefaults()

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL + "/v1"
	oc.HTTPClient = cfg.HTTPClient

	return &OpenAIBackend{
		config: cfg,
		client: openai.NewClientWithConfig(oc),
	}
}

// Chat sends a non-streaming completion request.
func (b *OpenAIBackend) Chat(ctx context.Context, messages []model.Message) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.request(messages, false))
	if err != nil {
		return "", openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Type: ErrTypeInvalidResponse, Message: "response has no choices"}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return EmptyReply, nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends a streaming completion request and forwards each delta.
func (b *OpenAIBackend) Stream(ctx context.Context, messages []model.Message, fn DeltaFunc) error {
	body, err := json.Marshal(b.request(messages, true))
	if err != nil {
		return &Error{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return &Error{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if b.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	}

	resp, err := b.config.StreamClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	return newStreamReader(resp.Body, decodeOpenAIChunk).Process(ctx, fn)
}

// ListModels returns the ids (and roots) from /v1/models.
func (b *OpenAIBackend) ListModels(ctx context.Context) ([]string, error) {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, openAIError(err)
	}

	ids := make([]string, 0, len(list.Models)*2)
	for _, m := range list.Models {
		ids = append(ids, m.ID)
		if m.Root != "" {
			ids = append(ids, m.Root)
		}
	}
	return lo.Uniq(lo.Compact(ids)), nil
}

// request builds the wire request for messages.
func (b *OpenAIBackend) request(messages []model.Message, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       b.config.Model,
		Messages:    toOpenAIMessages(messages),
		Temperature: b.config.Temperature,
		Stream:      stream,
	}
}

// =============================================================================
// WIRE CONVERSION
// =============================================================================

// toOpenAIMessages converts transcript messages. A message with images is
// sent as multi-part content so vision models receive the attachments.
func toOpenAIMessages(messages []model.Message) []openai.ChatCompletionMessage {
	return lo.Map(messages, func(m model.Message, _ int) openai.ChatCompletionMessage {
		if len(m.Images) == 0 {
			return openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		}

		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img},
			})
		}
		return openai.ChatCompletionMessage{Role: string(m.Role), MultiContent: parts}
	})
}

// decodeOpenAIChunk handles one SSE line of a chat-completions stream.
func decodeOpenAIChunk(line []byte) (string, bool, error) {
	text := string(line)

	// SSE comments and non-data fields carry no content.
	if strings.HasPrefix(text, ":") || strings.HasPrefix(text, "event:") ||
		strings.HasPrefix(text, "id:") || strings.HasPrefix(text, "retry:") {
		return "", false, nil
	}
	if strings.HasPrefix(text, "data:") {
		text = strings.TrimSpace(strings.TrimPrefix(text, "data:"))
	}
	if text == doneSentinel {
		return "", true, nil
	}

	var chunk struct {
		openai.ChatCompletionStreamResponse
		Error *openai.APIError `json:"error,omitempty"`
	}
	if err := json.Unmarshal([]byte(text), &chunk); err != nil {
		return "", false, fmt.Errorf("%w: %v", errMalformedChunk, err)
	}
	if chunk.Error != nil {
		return "", false, &Error{Type: ErrTypeInvalidResponse, Message: "backend stream error: " + chunk.Error.Message}
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, false, nil
}

// openAIError maps go-openai errors onto the package taxonomy.
func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		errType := ErrTypeStatus
		if apiErr.HTTPStatusCode == http.StatusNotFound {
			errType = ErrTypeModelNotFound
		}
		return &Error{
			Type:       errType,
			Message:    fmt.Sprintf("HTTP %d: %s", apiErr.HTTPStatusCode, apiErr.Message),
			StatusCode: apiErr.HTTPStatusCode,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		errType := ErrTypeStatus
		if reqErr.HTTPStatusCode == http.StatusNotFound {
			errType = ErrTypeModelNotFound
		}
		msg := fmt.Sprintf("HTTP %d", reqErr.HTTPStatusCode)
		if body := strings.TrimSpace(string(reqErr.Body)); body != "" {
			msg += ": " + body
		}
		return &Error{Type: errType, Message: msg, StatusCode: reqErr.HTTPStatusCode}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	return transportError(err)
}
