// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - The "imagehive serve" command.
//
// Command: serve (default)
// Short:   Start the web app
//
// Examples:
//   imagehive                       Serve with ~/.imagehive/config.toml
//   imagehive serve --offline       Start even if the backend is down
//   imagehive serve --timeout 2m    Wait longer for a cold model load

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/imagehive/internal/config"
	"github.com/jeranaias/imagehive/internal/detect"
	"github.com/jeranaias/imagehive/internal/imagegen"
	"github.com/jeranaias/imagehive/internal/inference"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/offline"
	"github.com/jeranaias/imagehive/internal/readiness"
	"github.com/jeranaias/imagehive/internal/relay"
	"github.com/jeranaias/imagehive/internal/server"
	"github.com/jeranaias/imagehive/internal/storage"
	"github.com/jeranaias/imagehive/internal/telemetry"
)

// HandleServe runs the startup handshake and serves HTTP until SIGINT or
// SIGTERM.
func HandleServe(ctx context.Context, args Args, out io.Writer) error {
	if err := requireKnownFlags("serve", args.Flags,
		"config", "json", "q", "quiet", "v", "verbose", "offline", "timeout"); err != nil {
		return err
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if args.Verbose {
		cfg.Logging.Level = "debug"
	}
	if args.Flags.BoolFlag("offline") {
		cfg.Startup.AllowOffline = true
	}
	timeout, err := args.Flags.FlagDuration("timeout", cfg.Startup.Timeout.Duration)
	if err != nil {
		return err
	}
	cfg.Startup.Timeout = config.Dur(timeout)

	logger, closer, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return NewCommandError("serve", "open log", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Logging, Version)
	if err != nil {
		return NewCommandError("serve", "start telemetry", err)
	}
	defer func() {
		if err := providers.Shutdown(); err != nil {
			logger.Warn("TELEMETRY_SHUTDOWN_FAILED", "error", err)
		}
	}()

	app, err := buildApp(cfg, providers, logger)
	if err != nil {
		return err
	}

	go func() {
		if err := app.settings.Watch(ctx); err != nil {
			logger.Warn("SETTINGS_WATCH_DISABLED", "error", err)
		}
	}()

	// Warm the GPU cache so the first health request does not pay for it.
	go detect.Default().Status(ctx)

	if err := startupHandshake(ctx, cfg, app, args, out, logger); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	srv := server.New(server.Config{
		Addr:      cfg.Addr(),
		StaticDir: cfg.Server.StaticDir,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, server.Deps{
		Relay:    app.relay,
		Prober:   app.prober,
		Settings: app.settings,
		Gallery:  app.gallery,
		Images:   app.images,
		Guard:    app.guard,
		GPU:      detect.Default().Status,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if !args.Quiet {
		fmt.Fprintf(out, "%s ImageHive listening on http://%s\n", RenderStatus("ok"), cfg.Addr())
	}

	select {
	case err := <-errCh:
		if err != nil {
			return NewCommandError("serve", "listen", err)
		}
		return nil
	case <-ctx.Done():
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("SHUTDOWN_INCOMPLETE", "error", err)
	}
	return <-errCh
}

// =============================================================================
// WIRING
// =============================================================================

// app holds the components shared by serve and probe.
type app struct {
	guard    *offline.Guard
	settings *storage.SettingsStore
	gallery  *storage.Gallery
	backends *inference.Switch
	prober   *readiness.Prober
	relay    *relay.Relay
	images   *imagegen.Client
}

// buildApp opens local state and constructs the backend pipeline. Settings
// saved through the UI take precedence over the config file and repoint the
// backend switch as they change.
func buildApp(cfg *config.Config, providers *telemetry.Providers, logger *slog.Logger) (*app, error) {
	guard := offline.NewGuard(cfg.Server.LocalOnly)

	settings, err := storage.OpenSettings(cfg.Server.DataDir, storage.Settings{
		ImageAPIKey:  cfg.Image.APIKey,
		BackendHost:  cfg.Backend.Host,
		BackendModel: cfg.Backend.Model,
	}, logger)
	if err != nil {
		return nil, NewCommandError("serve", "open settings", err)
	}
	current := settings.Get()
	if err := guard.ValidateBackendURL(current.BackendHost); err != nil {
		return nil, NewCommandError("serve", "check backend host", err)
	}

	dialect, err := inference.ParseDialect(cfg.Backend.Dialect)
	if err != nil {
		return nil, err
	}

	var wrap inference.WrapFunc
	if providers.Enabled() {
		wrap = func(b inference.Backend, c inference.Config) inference.Backend {
			return inference.Instrument(b, c, providers.Tracer, providers.Meter)
		}
	}
	backends, err := inference.NewSwitch(inference.Config{
		Dialect:     dialect,
		BaseURL:     current.BackendHost,
		Model:       current.BackendModel,
		APIKey:      cfg.Backend.APIKey,
		Temperature: cfg.Backend.Temperature,
		Timeout:     cfg.Backend.Timeout.Duration,
	}, wrap)
	if err != nil {
		return nil, NewCommandError("serve", "create backend", err)
	}

	settings.OnChange(func(s storage.Settings) {
		if err := guard.ValidateBackendURL(s.BackendHost); err != nil {
			logger.Warn("BACKEND_HOST_REJECTED", "host", s.BackendHost, "error", err)
			return
		}
		changed, err := backends.Reconfigure(s.BackendHost, s.BackendModel)
		if err != nil {
			logger.Error("BACKEND_RECONFIGURE_FAILED", "error", err)
			return
		}
		if changed {
			logger.Info("BACKEND_RECONFIGURED", "host", s.BackendHost, "model", s.BackendModel)
		}
	})

	imageKey := func() string {
		if k := settings.Get().ImageAPIKey; k != "" {
			return k
		}
		return cfg.Image.APIKey
	}

	return &app{
		guard:    guard,
		settings: settings,
		gallery:  storage.OpenGallery(cfg.Server.DataDir),
		backends: backends,
		prober:   readiness.NewProber(backends, cfg.Backend.ProbeTimeout.Duration),
		relay:    relay.New(backends, relay.WithGPUFlag(detect.Default().Available), relay.WithLogger(logger)),
		images: imagegen.New(imagegen.Config{
			BaseURL: cfg.Image.BaseURL,
			Model:   cfg.Image.Model,
		}, imageKey, guard, logger),
	}, nil
}

// startupHandshake waits for the backend. When it never becomes ready serve
// fails unless offline starts are allowed.
func startupHandshake(ctx context.Context, cfg *config.Config, a *app, args Args, out io.Writer, logger *slog.Logger) error {
	_, backendCfg := a.backends.Current()
	if !args.Quiet {
		fmt.Fprintf(out, "%s Waiting for %s at %s (model %s)\n",
			RenderStatus("waiting"), backendCfg.Dialect.Name(), backendCfg.BaseURL, backendCfg.Model)
	}

	hs := readiness.Handshake{
		Prober:   a.prober,
		Interval: cfg.Startup.PollInterval.Duration,
		Timeout:  cfg.Startup.Timeout.Duration,
		Logger:   logger,
		OnStatus: statusPrinter(out, args.Quiet),
	}
	_, err := hs.Wait(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		if !cfg.Startup.AllowOffline {
			return NewCommandError("serve", "startup handshake", err)
		}
		logger.Warn("STARTING_OFFLINE", "error", err)
		if !args.Quiet {
			fmt.Fprintf(out, "%s Starting without a ready backend; chat replies will report offline.\n", RenderStatus("warn"))
		}
		return nil
	}

	if !cfg.Startup.ChatProbe {
		return nil
	}
	start := time.Now()
	snippet, err := readiness.ChatProbe(ctx, a.backends)
	if err != nil {
		logger.Warn("CHAT_PROBE_FAILED", "error", err)
		return nil
	}
	logger.Info("CHAT_PROBE_OK", "duration", time.Since(start).Round(time.Millisecond))
	if !args.Quiet {
		fmt.Fprintf(out, "%s %s\n", DimStyle.Render("Model says:"), snippet)
	}
	return nil
}

// statusPrinter prints each handshake status line once, skipping repeats.
func statusPrinter(out io.Writer, quiet bool) func(model.Readiness) {
	last := ""
	return func(r model.Readiness) {
		line := readiness.Describe(&r)
		if quiet || line == last {
			return
		}
		last = line
		tag := "waiting"
		if r.Ready() {
			tag = "ok"
		}
		fmt.Fprintf(out, "%s %s\n", RenderStatus(tag), line)
	}
}
