// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes backend errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeStatus
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// String returns the error type name used in logs.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeNotRunning:
		return "not_running"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeModelNotFound:
		return "model_not_found"
	case ErrTypeStatus:
		return "http_status"
	case ErrTypeConnection:
		return "connection"
	case ErrTypeInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// Error is returned by every Backend method.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by type so that errors.Is(err, ErrTimeout)
// holds for any timeout regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return t.Message == "" && t.Type == e.Type
}

// Sentinel errors for errors.Is checks.
var (
	ErrNotRunning      = &Error{Type: ErrTypeNotRunning}
	ErrTimeout         = &Error{Type: ErrTypeTimeout}
	ErrModelNotFound   = &Error{Type: ErrTypeModelNotFound}
	ErrInvalidResponse = &Error{Type: ErrTypeInvalidResponse}
)

// errMalformedChunk marks a stream line that could not be decoded; the
// stream reader skips such lines instead of failing.
var errMalformedChunk = errors.New("malformed chunk")

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// transportError converts an http.Client error into a typed Error.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isTimeout(err) {
		return &Error{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	}
	return &Error{Type: ErrTypeNotRunning, Message: "backend is not reachable", Cause: err}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// statusError builds an Error from a non-2xx response, pulling the message
// out of the common JSON error shapes when present.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(body))

	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		var nested struct {
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "":
			text = nested.Message
		case json.Unmarshal(shaped.Error, &flat) == nil && flat != "":
			text = flat
		case shaped.Message != "":
			text = shaped.Message
		}
	}

	errType := ErrTypeStatus
	if resp.StatusCode == http.StatusNotFound {
		errType = ErrTypeModelNotFound
	}
	msg := fmt.Sprintf("HTTP %s", resp.Status)
	if text != "" {
		msg += ": " + text
	}
	return &Error{Type: errType, Message: msg, StatusCode: resp.StatusCode}
}

// IsNotRunning reports whether err means the backend could not be reached.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsModelNotFound reports whether the backend rejected the model name.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
