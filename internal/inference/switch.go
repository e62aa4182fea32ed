// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"strings"
	"sync"
)

// Source hands out the backend for one request along with the config it was
// built from. Callers resolve the source per request so that runtime
// settings changes apply without a restart.
type Source interface {
	Current() (Backend, Config)
}

// WrapFunc decorates a freshly built backend (tracing, metrics).
type WrapFunc func(Backend, Config) Backend

// =============================================================================
// SWITCH
// =============================================================================

// Switch is a Source whose host and model can change at runtime.
// It is safe for concurrent use.
type Switch struct {
	mu      sync.RWMutex
	config  Config
	backend Backend
	wrap    WrapFunc
}

// NewSwitch builds the initial backend from cfg. wrap may be nil.
func NewSwitch(cfg Config, wrap WrapFunc) (*Switch, error) {
	s := &Switch{wrap: wrap}
	if err := s.rebuild(cfg.withDefaults()); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active backend and its config.
func (s *Switch) Current() (Backend, Config) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend, s.config
}

// Reconfigure points the switch at a new host and/or model. Empty values
// keep the current setting. It reports whether anything changed.
func (s *Switch) Reconfigure(host, model string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.config
	if h := strings.TrimRight(strings.TrimSpace(host), "/"); h != "" {
		next.BaseURL = h
	}
	if m := strings.TrimSpace(model); m != "" {
		next.Model = m
	}
	if next.BaseURL == s.config.BaseURL && next.Model == s.config.Model {
		return false, nil
	}
	if err := s.rebuildLocked(next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Switch) rebuild(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked(cfg)
}

func (s *Switch) rebuildLocked(cfg Config) error {
	b, err := New(cfg)
	if err != nil {
		return err
	}
	if s.wrap != nil {
		b = s.wrap(b, cfg)
	}
	s.backend = b
	s.config = cfg
	return nil
}

// =============================================================================
// FIXED SOURCE
// =============================================================================

type fixed struct {
	backend Backend
	config  Config
}

func (f fixed) Current() (Backend, Config) { return f.backend, f.config }

// Fixed returns a Source that always yields b.
func Fixed(b Backend, cfg Config) Source {
	return fixed{backend: b, config: cfg.withDefaults()}
}
