// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types, display, and exit codes for imagehive commands.
//
// Handlers always return errors; Run decides how to display them and which
// exit code to use.

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jeranaias/imagehive/internal/config"
	"github.com/jeranaias/imagehive/internal/consumer"
	"github.com/jeranaias/imagehive/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNetworkError  = 5
	ExitNotFoundError = 7
	ExitTimeoutError  = 8
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError represents a CLI command failure with context.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError wraps err with the command and action that failed.
func NewCommandError(command, action string, err error) error {
	return &CommandError{Command: command, Action: action, Err: err}
}

// ValidationError represents bad user input.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// NewValidationErrorWithExample creates a ValidationError with a usage hint.
func NewValidationErrorWithExample(field, value, reason, example string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason, Example: example}
}

// ErrMissingArgument reports a required positional argument.
func ErrMissingArgument(argName, usage string) error {
	return &ValidationError{Field: argName, Reason: "is required", Example: usage}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w, as JSON in JSON mode.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		out := map[string]any{
			"success":   false,
			"error":     err.Error(),
			"exit_code": GetExitCode(err),
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}

// GetExitCode maps an error to the process exit code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return ExitUsageError
	}

	var configErrs config.ValidateErrors
	var configErr config.ValidationError
	if errors.As(err, &configErrs) || errors.As(err, &configErr) {
		return ExitConfigError
	}

	if errors.Is(err, storage.ErrTranscriptNotFound) {
		return ExitNotFoundError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ExitTimeoutError
	}

	var netErr net.Error
	var sendErr *consumer.SendError
	if errors.As(err, &netErr) || errors.As(err, &sendErr) {
		return ExitNetworkError
	}

	return ExitGeneralError
}
