// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/imagehive/internal/util"
)

// SettingsFile is the settings document name inside the data directory.
const SettingsFile = "settings.json"

// settingsDebounce coalesces bursts of file events from one save.
const settingsDebounce = 100 * time.Millisecond

// =============================================================================
// SETTINGS
// =============================================================================

// Settings are the user-editable runtime settings.
type Settings struct {
	ImageAPIKey  string `json:"imageApiKey"`
	BackendHost  string `json:"backendHost"`
	BackendModel string `json:"backendModel"`
}

// storedSettings accepts the current keys and the legacy ones written by
// earlier releases.
type storedSettings struct {
	ImageAPIKey  *string `json:"imageApiKey"`
	BackendHost  string  `json:"backendHost"`
	BackendModel string  `json:"backendModel"`

	FalAPIKey   *string `json:"falApiKey"`
	OllamaHost  string  `json:"ollamaHost"`
	OllamaModel string  `json:"ollamaModel"`
	VLLMHost    string  `json:"vllmHost"`
	VLLMModel   string  `json:"vllmModel"`
}

// migrate resolves current and legacy keys, falling back to defaults.
// legacy reports whether any legacy key was present.
func (s storedSettings) migrate(defaults Settings) (out Settings, legacy bool) {
	out = defaults
	legacy = s.FalAPIKey != nil || s.OllamaHost != "" || s.OllamaModel != "" || s.VLLMHost != "" || s.VLLMModel != ""

	switch {
	case s.ImageAPIKey != nil:
		out.ImageAPIKey = *s.ImageAPIKey
	case s.FalAPIKey != nil:
		out.ImageAPIKey = *s.FalAPIKey
	}
	if host := firstNonEmpty(s.BackendHost, s.OllamaHost, s.VLLMHost); host != "" {
		out.BackendHost = host
	}
	if name := firstNonEmpty(s.BackendModel, s.OllamaModel, s.VLLMModel); name != "" {
		out.BackendModel = name
	}
	return out, legacy
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// SETTINGS STORE
// =============================================================================

// SettingsStore persists Settings as JSON and keeps an in-memory copy that
// follows external edits to the file.
type SettingsStore struct {
	path     string
	defaults Settings
	logger   *slog.Logger

	mu       sync.RWMutex
	current  Settings
	onChange []func(Settings)
}

// OpenSettings loads dataDir/settings.json, creating it from defaults when
// missing and rewriting it when legacy keys were found.
func OpenSettings(dataDir string, defaults Settings, logger *slog.Logger) (*SettingsStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SettingsStore{
		path:     filepath.Join(dataDir, SettingsFile),
		defaults: defaults,
		logger:   logger,
	}

	current, rewrite, err := s.read()
	if err != nil {
		return nil, err
	}
	s.current = current
	if rewrite {
		if err := s.write(current); err != nil {
			return nil, err
		}
		logger.Info("SETTINGS_MIGRATED", "path", s.path)
	}
	return s, nil
}

// Path returns the settings file path.
func (s *SettingsStore) Path() string {
	return s.path
}

// Get returns the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the settings, persists the result, and
// notifies subscribers.
func (s *SettingsStore) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	next := s.current
	fn(&next)
	if err := s.write(next); err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	prev := s.current
	s.current = next
	subscribers := append([]func(Settings){}, s.onChange...)
	s.mu.Unlock()

	if prev != next {
		for _, cb := range subscribers {
			cb(next)
		}
	}
	return next, nil
}

// OnChange registers fn to run after every change, whether made through
// Update or by editing the file.
func (s *SettingsStore) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Reload re-reads the file and notifies subscribers when it changed.
func (s *SettingsStore) Reload() error {
	next, _, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.current
	s.current = next
	subscribers := append([]func(Settings){}, s.onChange...)
	s.mu.Unlock()

	if prev != next {
		s.logger.Info("SETTINGS_RELOADED", "path", s.path)
		for _, cb := range subscribers {
			cb(next)
		}
	}
	return nil
}

// Watch follows external edits to the settings file until ctx ends. The
// directory is watched rather than the file because saves replace the file
// by rename.
func (s *SettingsStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(settingsDebounce, func() {
					if err := s.Reload(); err != nil {
						s.logger.Warn("SETTINGS_RELOAD_FAILED", "path", s.path, "error", err)
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("SETTINGS_WATCH_ERROR", "error", err)
			}
		}
	}()
	return nil
}

// read loads the file. rewrite is true when the file is missing or used
// legacy keys.
func (s *SettingsStore) read() (Settings, bool, error) {
	var stored storedSettings
	found, err := util.ReadJSONFile(s.path, &stored)
	if err != nil {
		return Settings{}, false, err
	}
	if !found {
		return s.defaults, true, nil
	}
	settings, legacy := stored.migrate(s.defaults)
	return settings, legacy, nil
}

func (s *SettingsStore) write(settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	// 0600: the file holds the image API key.
	return util.WriteJSONFile(s.path, settings, 0600)
}
