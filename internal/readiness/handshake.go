// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/imagehive/internal/inference"
	"github.com/jeranaias/imagehive/internal/model"
)

// Handshake defaults.
const (
	DefaultPollInterval   = 1 * time.Second
	DefaultStartupTimeout = 30 * time.Second

	chatProbeTimeout = 8 * time.Second
	snippetWidth     = 220
	chatProbeMessage = "hello, You are ImageHive, an AI assistant here to help the user. Please tell us your capabilities."
)

// ErrNotReady is returned when the backend did not become ready in time.
var ErrNotReady = errors.New("backend not ready")

// =============================================================================
// STARTUP HANDSHAKE
// =============================================================================

// Handshake polls a Prober until the backend is ready or the overall
// timeout passes.
type Handshake struct {
	Prober   *Prober
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	// OnStatus, when set, is called after every probe.
	OnStatus func(model.Readiness)
}

// Wait probes immediately and then every Interval. It returns the first
// ready status, or the last status with an error wrapping ErrNotReady once
// Timeout elapses. Wait never outlives Timeout.
func (h *Handshake) Wait(ctx context.Context) (model.Readiness, error) {
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	attempt := 0
	var last model.Readiness
	for {
		attempt++
		last = h.Prober.Probe(ctx)
		if h.OnStatus != nil {
			h.OnStatus(last)
		}
		if last.Ready() {
			logger.Info("STARTUP_READY", "attempts", attempt, "elapsed", time.Since(start).Round(time.Millisecond))
			return last, nil
		}
		logger.Debug("STARTUP_WAITING", "attempt", attempt, "status", Describe(&last), "error", last.Error)

		select {
		case <-ctx.Done():
			reason := last.Error
			if reason == "" {
				reason = Describe(&last)
			}
			logger.Warn("STARTUP_TIMEOUT", "attempts", attempt, "timeout", timeout, "error", reason)
			return last, fmt.Errorf("%w after %s: %s", ErrNotReady, timeout, reason)
		case <-ticker.C:
		}
	}
}

// =============================================================================
// CHAT PROBE
// =============================================================================

// ChatProbe sends one greeting through the backend and returns a snippet of
// the reply truncated to the snippet display width.
func ChatProbe(ctx context.Context, source inference.Source) (string, error) {
	backend, _ := source.Current()

	ctx, cancel := context.WithTimeout(ctx, chatProbeTimeout)
	defer cancel()

	reply, err := backend.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "You are ImageHive, a visual prompt assistant."},
		{Role: model.RoleUser, Content: chatProbeMessage},
	})
	if err != nil {
		return "", fmt.Errorf("chat probe: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" || reply == inference.EmptyReply {
		return "", errors.New("chat probe: empty response")
	}
	return Snippet(reply, snippetWidth), nil
}

// Snippet truncates s to width display columns, adding an ellipsis when cut.
func Snippet(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
