// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - The "imagehive status" command.
//
// Command: status
// Short:   Show server, GPU, and backend status
// Aliases: s
//
// Examples:
//   imagehive status
//   imagehive status --url http://gpu-box:3000 --json

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/imagehive/internal/config"
	"github.com/jeranaias/imagehive/internal/consumer"
	"github.com/jeranaias/imagehive/internal/readiness"
)

// HandleStatus queries a running server's health endpoint.
func HandleStatus(ctx context.Context, args Args, out io.Writer) error {
	if err := requireKnownFlags("status", args.Flags,
		"config", "json", "q", "quiet", "v", "verbose", "url"); err != nil {
		return err
	}
	cfg, err := loadConfig(args)
	if err != nil {
		// Status is useful even with a broken config file.
		cfg = config.Default()
	}
	serverURL := strings.TrimRight(args.Flags.FlagOrDefault("url", fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)), "/")

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	h, err := consumer.New(serverURL).Health(ctx)
	if err != nil {
		if !args.JSON {
			fmt.Fprintln(out, TitleStyle.Render("ImageHive"))
			fmt.Fprintln(out, RenderField("Server", RenderStatus("fail")+" "+serverURL))
			fmt.Fprintln(out, RenderField("Backend", DimStyle.Render(describeBackendConfig(cfg))))
		}
		return NewCommandError("status", "reach server", err)
	}

	if args.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}
	renderHealth(out, serverURL, h)
	return nil
}

// renderHealth prints the health document as labelled fields.
func renderHealth(out io.Writer, serverURL string, h consumer.Health) {
	fmt.Fprintln(out, TitleStyle.Render("ImageHive"))
	fmt.Fprintln(out, RenderField("Server", RenderStatus("ok")+" "+serverURL))

	gpuTag := "warn"
	if h.GPU.Available {
		gpuTag = "ok"
	}
	gpu := h.GPU.String()
	if h.GPU.Method != "" {
		gpu += DimStyle.Render(" via " + h.GPU.Method)
	}
	fmt.Fprintln(out, RenderField("GPU", RenderStatus(gpuTag)+" "+gpu))

	status := h.Readiness()
	tag := "fail"
	switch {
	case status == nil:
		tag = "unknown"
	case status.Ready():
		tag = "ok"
	case status.Reachable:
		tag = "warn"
	}
	fmt.Fprintln(out, RenderField("Backend", RenderStatus(tag)+" "+readiness.Describe(status)))
	if status != nil && status.Error != "" {
		fmt.Fprintln(out, RenderField("", WarningStyle.Render(status.Error)))
	}
}
