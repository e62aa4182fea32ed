// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jeranaias/imagehive/internal/inference"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/prompt"
)

// EmitFunc writes one event to the caller. An error means the caller is gone
// and the stream should stop.
type EmitFunc func(model.Event) error

// =============================================================================
// RELAY
// =============================================================================

// Relay forwards transcripts to the inference backend with the system
// preamble prepended. It holds no per-request state.
type Relay struct {
	source inference.Source
	gpu    func() bool
	logger *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithGPUFlag sets the function reporting whether replies are GPU-backed.
func WithGPUFlag(fn func() bool) Option {
	return func(r *Relay) { r.gpu = fn }
}

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// New creates a relay over source.
func New(source inference.Source, opts ...Option) *Relay {
	r := &Relay{
		source: source,
		gpu:    func() bool { return false },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reply performs a single non-streaming exchange. Failures are folded into
// an offline reply describing the problem; Reply never returns an error.
func (r *Relay) Reply(ctx context.Context, messages []model.Message) model.Reply {
	backend, cfg := r.source.Current()
	start := time.Now()

	content, err := backend.Chat(ctx, prompt.Prepend(messages))
	if err != nil {
		r.logger.Warn("CHAT_DEGRADED",
			"dialect", cfg.Dialect,
			"host", cfg.BaseURL,
			"duration", time.Since(start),
			"error", err)
		return Unavailable(cfg.Dialect, err)
	}

	r.logger.Info("CHAT_COMPLETE",
		"dialect", cfg.Dialect,
		"chars", len(content),
		"duration", time.Since(start))
	return model.Reply{Content: content, FromGPU: r.gpu(), Offline: false}
}

// Stream performs a streaming exchange. Every non-empty backend delta is
// emitted as a token event as soon as it arrives, followed by exactly one
// terminal event: done with the accumulated text, or error. The terminal
// event is also returned.
func (r *Relay) Stream(ctx context.Context, messages []model.Message, emit EmitFunc) model.Event {
	backend, cfg := r.source.Current()
	start := time.Now()
	ctx, stats := inference.WithStreamStats(ctx)

	var full strings.Builder
	var emitErr error
	err := backend.Stream(ctx, prompt.Prepend(messages), func(delta string) error {
		if delta == "" {
			return nil
		}
		full.WriteString(delta)
		if err := emit(model.TokenEvent(delta)); err != nil {
			emitErr = err
			return err
		}
		return nil
	})

	if emitErr != nil {
		// The caller is gone; there is nobody to send a terminal event to.
		r.logger.Info("STREAM_ABANDONED",
			"dialect", cfg.Dialect,
			"chars", full.Len(),
			"error", emitErr)
		return model.ErrorEvent(emitErr.Error())
	}

	var final model.Event
	if err != nil {
		r.logger.Warn("STREAM_FAILED",
			"dialect", cfg.Dialect,
			"host", cfg.BaseURL,
			"chars", full.Len(),
			"skipped", stats.Skipped,
			"duration", time.Since(start),
			"error", err)
		final = model.ErrorEvent(err.Error())
	} else {
		r.logger.Info("STREAM_COMPLETE",
			"dialect", cfg.Dialect,
			"chars", full.Len(),
			"skipped", stats.Skipped,
			"duration", time.Since(start))
		final = model.DoneEvent(full.String(), r.gpu(), false)
	}

	if err := emit(final); err != nil {
		r.logger.Debug("terminal event not delivered", "error", err)
	}
	return final
}

// Unavailable builds the offline reply used when the backend fails.
func Unavailable(dialect inference.Dialect, err error) model.Reply {
	return model.Reply{
		Content: fmt.Sprintf("Local Qwen is unavailable. Check that %s is running and the model is served. (%v)",
			dialect.Name(), err),
		FromGPU: false,
		Offline: true,
	}
}
