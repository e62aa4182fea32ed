// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package readiness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/jeranaias/imagehive/internal/inference"
	"github.com/jeranaias/imagehive/internal/model"
)

// DefaultProbeTimeout bounds a single model listing call.
const DefaultProbeTimeout = 2 * time.Second

// =============================================================================
// PROBER
// =============================================================================

// Prober checks whether the backend is reachable and serving the configured
// model. Each probe is independent; nothing is cached.
type Prober struct {
	source  inference.Source
	timeout time.Duration
}

// NewProber creates a prober. A zero timeout uses DefaultProbeTimeout.
func NewProber(source inference.Source, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{source: source, timeout: timeout}
}

// Probe lists the backend's models and looks for the configured one.
// A listing failure or timeout reports the backend as unreachable.
func (p *Prober) Probe(ctx context.Context) model.Readiness {
	backend, cfg := p.source.Current()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	available, err := backend.ListModels(ctx)
	if err != nil {
		return model.Readiness{Reachable: false, ModelReady: false, Error: err.Error()}
	}

	if MatchModel(available, cfg.Model) {
		return model.Readiness{Reachable: true, ModelReady: true}
	}
	return model.Readiness{
		Reachable:  true,
		ModelReady: false,
		Error:      MissingModelError(cfg.Model, available),
	}
}

// MatchModel reports whether name is served. An identifier matches when it
// equals name or ends with "/"+name, so "Qwen2.5-VL-3B-Instruct" matches
// "Qwen/Qwen2.5-VL-3B-Instruct".
func MatchModel(available []string, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	return lo.ContainsBy(available, func(id string) bool {
		return id == name || strings.HasSuffix(id, "/"+name)
	})
}

// MissingModelError describes a reachable backend that does not serve name.
func MissingModelError(name string, available []string) string {
	list := "none reported"
	if ids := lo.Compact(available); len(ids) > 0 {
		list = strings.Join(ids, ", ")
	}
	return fmt.Sprintf("Model '%s' not reported by backend. Available models: %s", name, list)
}

// =============================================================================
// DESCRIPTION
// =============================================================================

// Status lines shown while the backend comes up.
const (
	StatusWaiting  = "Waiting for server to answer…"
	StatusStarting = "Starting local model…"
	StatusLoading  = "Downloading and loading the model…"
	StatusReady    = "Local model is ready."
)

// Describe turns a probe result into a status line. It looks only at the
// two booleans; a nil status means no probe has answered yet.
func Describe(status *model.Readiness) string {
	switch {
	case status == nil:
		return StatusWaiting
	case !status.Reachable:
		return StatusStarting
	case !status.ModelReady:
		return StatusLoading
	default:
		return StatusReady
	}
}
