// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/imagehive/internal/offline"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete imagehive configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Backend   BackendConfig   `toml:"backend" json:"backend"`
	Startup   StartupConfig   `toml:"startup" json:"startup"`
	Image     ImageConfig     `toml:"image" json:"image"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`
}

// ServerConfig controls the HTTP listener and local state.
type ServerConfig struct {
	Host      string `toml:"host" json:"host"`
	Port      int    `toml:"port" json:"port"`
	DataDir   string `toml:"data_dir" json:"data_dir"`
	StaticDir string `toml:"static_dir" json:"static_dir"`

	// LocalOnly blocks remote services and non-local backend hosts.
	LocalOnly bool `toml:"local_only" json:"local_only"`

	// RateLimit is the sustained per-client request rate (requests/second).
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst"`
}

// BackendConfig points at the local chat-completion server.
type BackendConfig struct {
	Dialect      string   `toml:"dialect" json:"dialect"`
	Host         string   `toml:"host" json:"host"`
	Model        string   `toml:"model" json:"model"`
	APIKey       string   `toml:"api_key" json:"api_key"`
	Temperature  float32  `toml:"temperature" json:"temperature"`
	ProbeTimeout Duration `toml:"probe_timeout" json:"probe_timeout"`
	Timeout      Duration `toml:"timeout" json:"timeout"`
}

// StartupConfig controls the readiness handshake run by serve.
type StartupConfig struct {
	PollInterval Duration `toml:"poll_interval" json:"poll_interval"`
	Timeout      Duration `toml:"timeout" json:"timeout"`

	// AllowOffline lets serve start when the backend never became ready.
	AllowOffline bool `toml:"allow_offline" json:"allow_offline"`

	// ChatProbe sends one greeting after readiness and logs the reply.
	ChatProbe bool `toml:"chat_probe" json:"chat_probe"`
}

// ImageConfig configures the remote image API.
type ImageConfig struct {
	APIKey  string `toml:"api_key" json:"api_key"`
	Model   string `toml:"model" json:"model"`
	BaseURL string `toml:"base_url" json:"base_url"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`

	// File enables rotated file output; empty logs to stderr.
	File       string `toml:"file" json:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress"`
}

// TelemetryConfig controls trace and metric export.
type TelemetryConfig struct {
	Enabled        bool     `toml:"enabled" json:"enabled"`
	File           string   `toml:"file" json:"file"`
	MetricInterval Duration `toml:"metric_interval" json:"metric_interval"`
}

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as a Go duration string ("2s", "1m30s").
type Duration struct {
	time.Duration
}

// Dur wraps d.
func Dur(d time.Duration) Duration {
	return Duration{d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      3000,
			DataDir:   "./data",
			RateLimit: 20,
			RateBurst: 40,
		},
		Backend: BackendConfig{
			Dialect:      "openai",
			Host:         "http://127.0.0.1:8000",
			Model:        "Qwen2.5-VL-3B-Instruct",
			Temperature:  0.4,
			ProbeTimeout: Dur(2 * time.Second),
			Timeout:      Dur(120 * time.Second),
		},
		Startup: StartupConfig{
			PollInterval: Dur(time.Second),
			Timeout:      Dur(30 * time.Second),
			ChatProbe:    true,
		},
		Image: ImageConfig{
			Model:   "fal-ai/bytedance/seedream/v4.5/text-to-image",
			BaseURL: "https://fal.run",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Telemetry: TelemetryConfig{
			MetricInterval: Dur(10 * time.Second),
		},
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the imagehive configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".imagehive"), nil
}

// ConfigPath returns $IMAGEHIVE_CONFIG or ~/.imagehive/config.toml.
func ConfigPath() (string, error) {
	if p := os.Getenv("IMAGEHIVE_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads .env, then the config file when present, then environment
// overrides, and validates the result.
func Load() (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFromPath loads the TOML file at path (defaults when it does not exist),
// applies environment overrides, and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg. Unknown keys are rejected.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = defaults.Server.DataDir
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = defaults.Server.RateLimit
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = defaults.Server.RateBurst
	}

	// Backend
	if cfg.Backend.Dialect == "" {
		cfg.Backend.Dialect = defaults.Backend.Dialect
	}
	if cfg.Backend.Host == "" {
		cfg.Backend.Host = defaults.Backend.Host
	}
	cfg.Backend.Host = strings.TrimRight(cfg.Backend.Host, "/")
	if cfg.Backend.Model == "" {
		cfg.Backend.Model = defaults.Backend.Model
	}
	if cfg.Backend.Temperature == 0 {
		cfg.Backend.Temperature = defaults.Backend.Temperature
	}
	if cfg.Backend.ProbeTimeout.Duration == 0 {
		cfg.Backend.ProbeTimeout = defaults.Backend.ProbeTimeout
	}
	if cfg.Backend.Timeout.Duration == 0 {
		cfg.Backend.Timeout = defaults.Backend.Timeout
	}

	// Startup
	if cfg.Startup.PollInterval.Duration == 0 {
		cfg.Startup.PollInterval = defaults.Startup.PollInterval
	}
	if cfg.Startup.Timeout.Duration == 0 {
		cfg.Startup.Timeout = defaults.Startup.Timeout
	}

	// Image
	if cfg.Image.Model == "" {
		cfg.Image.Model = defaults.Image.Model
	}
	if cfg.Image.BaseURL == "" {
		cfg.Image.BaseURL = defaults.Image.BaseURL
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = defaults.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = defaults.Logging.MaxBackups
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = defaults.Logging.MaxAgeDays
	}

	// Telemetry
	if cfg.Telemetry.MetricInterval.Duration == 0 {
		cfg.Telemetry.MetricInterval = defaults.Telemetry.MetricInterval
	}
	if cfg.Telemetry.File == "" {
		cfg.Telemetry.File = filepath.Join(cfg.Server.DataDir, "telemetry.log")
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - HOST, PORT: listen address
//   - DATA_DIR: server.data_dir
//   - VLLM_HOST / OLLAMA_HOST: backend.host (first set wins)
//   - VLLM_MODEL / OLLAMA_MODEL: backend.model (first set wins)
//   - IMAGEHIVE_DIALECT: backend.dialect
//   - FAL_API_KEY: image.api_key
//   - ALLOW_VLLM_OFFLINE / ALLOW_OLLAMA_OFFLINE: startup.allow_offline
//   - IMAGEHIVE_LOCAL_ONLY: server.local_only
//   - IMAGEHIVE_LOG_LEVEL: logging.level
//   - IMAGEHIVE_STATIC_DIR: server.static_dir
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidateErrors

	if host := os.Getenv("HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			errs = append(errs, ValidationError{Field: "PORT", Message: fmt.Sprintf("not a number: %q", port)})
		} else {
			c.Server.Port = n
		}
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		c.Server.DataDir = dir
	}
	if host := firstEnv("VLLM_HOST", "OLLAMA_HOST"); host != "" {
		c.Backend.Host = host
	}
	if model := firstEnv("VLLM_MODEL", "OLLAMA_MODEL"); model != "" {
		c.Backend.Model = model
	}
	if dialect := os.Getenv("IMAGEHIVE_DIALECT"); dialect != "" {
		c.Backend.Dialect = dialect
	}
	if key := os.Getenv("FAL_API_KEY"); key != "" {
		c.Image.APIKey = key
	}
	if envBool("ALLOW_VLLM_OFFLINE") || envBool("ALLOW_OLLAMA_OFFLINE") {
		c.Startup.AllowOffline = true
	}
	if v := os.Getenv("IMAGEHIVE_LOCAL_ONLY"); v != "" {
		c.Server.LocalOnly = envBool("IMAGEHIVE_LOCAL_ONLY")
	}
	if level := os.Getenv("IMAGEHIVE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if dir := os.Getenv("IMAGEHIVE_STATIC_DIR"); dir != "" {
		c.Server.StaticDir = dir
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true"
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Server.RateBurst < 0 {
		add("server.rate_burst", "must not be negative")
	}
	if c.Server.StaticDir != "" {
		if info, err := os.Stat(c.Server.StaticDir); err != nil || !info.IsDir() {
			add("server.static_dir", "%q is not a directory", c.Server.StaticDir)
		}
	}

	// Backend
	switch strings.ToLower(c.Backend.Dialect) {
	case "openai", "ollama":
	default:
		add("backend.dialect", "invalid dialect '%s', must be one of: openai, ollama", c.Backend.Dialect)
	}
	if _, err := offline.ParseHTTPURL(c.Backend.Host); err != nil {
		add("backend.host", "%v", err)
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		add("backend.temperature", "must be between 0 and 2, got %g", c.Backend.Temperature)
	}
	if c.Backend.ProbeTimeout.Duration < 0 {
		add("backend.probe_timeout", "must not be negative")
	}
	if c.Backend.Timeout.Duration < 0 {
		add("backend.timeout", "must not be negative")
	}

	// Startup
	if c.Startup.PollInterval.Duration <= 0 {
		add("startup.poll_interval", "must be positive")
	}
	if c.Startup.Timeout.Duration < c.Startup.PollInterval.Duration {
		add("startup.timeout", "must be at least startup.poll_interval (%s)", c.Startup.PollInterval)
	}

	// Image
	if c.Image.BaseURL != "" {
		if _, err := offline.ParseHTTPURL(c.Image.BaseURL); err != nil {
			add("image.base_url", "%v", err)
		}
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "invalid format '%s', must be one of: text, json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// DISPLAY
// =============================================================================

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	safe := *c
	safe.Backend.APIKey = mask(safe.Backend.APIKey)
	safe.Image.APIKey = mask(safe.Image.APIKey)
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
