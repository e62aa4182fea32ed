// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// sessions.go - The "imagehive sessions" command.
//
// Command: sessions
// Short:   Manage saved chat transcripts
// Aliases: session
//
// Examples:
//   imagehive sessions                       List transcripts
//   imagehive sessions show chat-1234        Print one transcript
//   imagehive sessions delete chat-1234      Delete one transcript
//   imagehive sessions export chat-1234 --format json --output ./exports

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jeranaias/imagehive/internal/export"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/util"
)

// HandleSessions lists, shows, deletes, or exports stored transcripts.
func HandleSessions(ctx context.Context, args Args, out io.Writer) error {
	if err := requireKnownFlags("sessions", args.Flags,
		"config", "json", "q", "quiet", "v", "verbose", "format", "output"); err != nil {
		return err
	}
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	store, err := openTranscripts(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch sub := args.Flags.Positional(1); sub {
	case "", "list", "ls":
		sessions, err := store.List(ctx)
		if err != nil {
			return NewCommandError("sessions", "list", err)
		}
		if args.JSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, DimStyle.Render("No saved sessions."))
			return nil
		}
		for _, s := range sessions {
			fmt.Fprintf(out, "%s  %s  %s\n",
				ValueStyle.Render(s.ID),
				DimStyle.Render(fmt.Sprintf("%3d msgs  %s", s.Messages, formatAge(time.Since(s.UpdatedAt)))),
				util.TruncateWidth(s.Title, 40))
		}
		return nil

	case "show":
		id := args.Flags.Positional(2)
		if id == "" {
			return ErrMissingArgument("session id", "imagehive sessions show <id>")
		}
		t, err := store.Load(ctx, id)
		if err != nil {
			return err
		}
		if args.JSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		}
		fmt.Fprintln(out, TitleStyle.Render(t.Title))
		fmt.Fprintln(out, RenderSeparator())
		printTranscript(out, t)
		return nil

	case "delete", "rm":
		id := args.Flags.Positional(2)
		if id == "" {
			return ErrMissingArgument("session id", "imagehive sessions delete <id>")
		}
		if err := store.Delete(ctx, id); err != nil {
			return err
		}
		if !args.Quiet {
			fmt.Fprintf(out, "%s Deleted %s\n", RenderStatus("ok"), id)
		}
		return nil

	case "export":
		id := args.Flags.Positional(2)
		if id == "" {
			return ErrMissingArgument("session id", "imagehive sessions export <id> --format md")
		}
		t, err := store.Load(ctx, id)
		if err != nil {
			return err
		}
		path, err := exportTranscript(t, args.Flags.Flag("format"), args.Flags.FlagOrDefault("output", "."))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Exported to %s\n", RenderStatus("ok"), path)
		return nil

	default:
		return NewValidationErrorWithExample("subcommand", sub, "must be list, show, delete, or export", "imagehive sessions list")
	}
}

// exportTranscript writes t in format ("md" or "json") under dir.
func exportTranscript(t *model.Transcript, format, dir string) (string, error) {
	opts := export.DefaultOptions()
	opts.OutputDir = dir
	exporter, err := export.ForFormat(format, opts)
	if err != nil {
		return "", NewValidationErrorWithExample("format", format, err.Error(), "--format md")
	}
	path, err := export.ToFile(t, exporter, opts)
	if err != nil {
		return "", NewCommandError("sessions", "export", err)
	}
	return path, nil
}

// formatAge renders a coarse "time ago".
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
