// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// probe.go - The "imagehive probe" command.
//
// Command: probe
// Short:   Check whether the inference backend is ready
//
// Examples:
//   imagehive probe                 One readiness probe
//   imagehive probe --wait          Poll until ready or the startup timeout
//   imagehive probe --json          Machine-readable result
//
// Exits 1 when the backend is not ready.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jeranaias/imagehive/internal/config"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/readiness"
	"github.com/jeranaias/imagehive/internal/telemetry"
)

// ProbeResult is the --json output of probe.
type ProbeResult struct {
	Host        string `json:"host"`
	Model       string `json:"model"`
	Dialect     string `json:"dialect"`
	Reachable   bool   `json:"reachable"`
	ModelReady  bool   `json:"modelReady"`
	Description string `json:"description"`
	Error       string `json:"error,omitempty"`
}

// HandleProbe probes the configured backend once, or until ready with --wait.
func HandleProbe(ctx context.Context, args Args, out io.Writer) error {
	if err := requireKnownFlags("probe", args.Flags,
		"config", "json", "q", "quiet", "v", "verbose", "wait", "timeout"); err != nil {
		return err
	}
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	timeout, err := args.Flags.FlagDuration("timeout", cfg.Startup.Timeout.Duration)
	if err != nil {
		return err
	}

	if !args.Verbose {
		cfg.Logging.Level = "warn"
	}
	logger := telemetry.NewWriterLogger(os.Stderr, cfg.Logging)

	a, err := buildApp(cfg, &telemetry.Providers{}, logger)
	if err != nil {
		return err
	}

	var status model.Readiness
	var waitErr error
	if args.Flags.BoolFlag("wait") {
		hs := readiness.Handshake{
			Prober:   a.prober,
			Interval: cfg.Startup.PollInterval.Duration,
			Timeout:  timeout,
			Logger:   logger,
			OnStatus: statusPrinter(os.Stderr, args.Quiet || args.JSON),
		}
		status, waitErr = hs.Wait(ctx)
	} else {
		status = a.prober.Probe(ctx)
	}

	_, bc := a.backends.Current()
	result := ProbeResult{
		Host:        bc.BaseURL,
		Model:       bc.Model,
		Dialect:     string(bc.Dialect),
		Reachable:   status.Reachable,
		ModelReady:  status.ModelReady,
		Description: readiness.Describe(&status),
		Error:       status.Error,
	}
	if err := printProbe(out, result, args); err != nil {
		return err
	}

	if waitErr != nil {
		return waitErr
	}
	if !status.Ready() {
		return fmt.Errorf("%w: %s", readiness.ErrNotReady, result.Description)
	}
	return nil
}

func printProbe(out io.Writer, r ProbeResult, args Args) error {
	if args.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if args.Quiet {
		fmt.Fprintln(out, r.Description)
		return nil
	}

	tag := "fail"
	switch {
	case r.Reachable && r.ModelReady:
		tag = "ok"
	case r.Reachable:
		tag = "warn"
	}
	fmt.Fprintln(out, TitleStyle.Render("Backend"))
	fmt.Fprintln(out, RenderField("Host", r.Host))
	fmt.Fprintln(out, RenderField("Model", r.Model))
	fmt.Fprintln(out, RenderField("Dialect", r.Dialect))
	fmt.Fprintln(out, RenderField("Status", RenderStatus(tag)+" "+r.Description))
	if r.Error != "" {
		fmt.Fprintln(out, RenderField("Detail", WarningStyle.Render(r.Error)))
	}
	return nil
}

// describeBackendConfig summarizes the configured backend.
func describeBackendConfig(cfg *config.Config) string {
	return fmt.Sprintf("%s %s (%s)", cfg.Backend.Dialect, cfg.Backend.Host, cfg.Backend.Model)
}
