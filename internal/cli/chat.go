// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - The "imagehive chat" command.
//
// Command: chat
// Short:   Interactive prompt-crafting chat against a running server
//
// Examples:
//   imagehive chat                          New transcript
//   imagehive chat --session chat-1234      Resume a saved transcript
//   imagehive chat --url http://gpu-box:3000
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /clear, /c          Clear the transcript
//   /history            Show the transcript
//   /session            Show the transcript id
//   /export [md|json]   Write the transcript to the current directory
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel the reply in progress
//   Ctrl+D              Exit chat

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/imagehive/internal/config"
	"github.com/jeranaias/imagehive/internal/consumer"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/readiness"
	"github.com/jeranaias/imagehive/internal/storage"
	"github.com/jeranaias/imagehive/internal/telemetry"
	"github.com/jeranaias/imagehive/internal/util"
)

// healthTimeout bounds the startup health check.
const healthTimeout = 5 * time.Second

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader provides line editing and persistent input history.
type lineReader struct {
	line        *liner.State
	historyFile string
}

func newLineReader() *lineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &lineReader{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *lineReader) read(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// close saves history (owner read/write only) and restores the terminal.
func (r *lineReader) close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// chatSession holds the state of one REPL.
type chatSession struct {
	client     *consumer.Client
	store      *storage.TranscriptStore
	transcript *model.Transcript
	serverURL  string
	out        io.Writer
	quiet      bool
}

// HandleChat runs the interactive chat REPL.
func HandleChat(ctx context.Context, args Args, out io.Writer) error {
	if err := requireKnownFlags("chat", args.Flags,
		"config", "json", "q", "quiet", "v", "verbose", "url", "session"); err != nil {
		return err
	}
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if !args.Verbose {
		cfg.Logging.Level = "error"
	}
	logger := telemetry.NewWriterLogger(os.Stderr, cfg.Logging)

	serverURL := strings.TrimRight(args.Flags.FlagOrDefault("url", fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)), "/")

	store, err := openTranscripts(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	session := &chatSession{
		client:    consumer.New(serverURL, consumer.WithLogger(logger)),
		store:     store,
		serverURL: serverURL,
		out:       out,
		quiet:     args.Quiet,
	}

	if id := args.Flags.Flag("session"); id != "" {
		t, err := store.Load(ctx, id)
		if err != nil {
			return err
		}
		session.transcript = t
	} else {
		session.transcript = model.NewTranscript()
	}

	if !args.Quiet {
		session.printWelcome(ctx)
	}
	return session.loop(ctx, logger)
}

func openTranscripts(cfg *config.Config) (*storage.TranscriptStore, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		return nil, NewCommandError("chat", "create data dir", err)
	}
	store, err := storage.OpenTranscripts(filepath.Join(cfg.Server.DataDir, storage.TranscriptsFile))
	if err != nil {
		return nil, NewCommandError("chat", "open transcripts", err)
	}
	return store, nil
}

func (s *chatSession) printWelcome(ctx context.Context) {
	fmt.Fprintln(s.out, TitleStyle.Render("ImageHive chat"))
	fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("Server %s · session %s · /help for commands", s.serverURL, s.transcript.ID)))

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	h, err := s.client.Health(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(s.out, "%s Server not answering (%v). Replies will fail until it starts.\n", RenderStatus("warn"), err)
	case h.Readiness() == nil || !h.Readiness().Ready():
		fmt.Fprintf(s.out, "%s %s\n", RenderStatus("warn"), readiness.Describe(h.Readiness()))
	default:
		fmt.Fprintf(s.out, "%s %s · %s\n", RenderStatus("ok"), readiness.StatusReady, h.GPU.String())
	}

	if n := s.transcript.Len(); n > 0 {
		fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("Resumed %q with %d messages.", s.transcript.Title, n)))
	}
	fmt.Fprintln(s.out)
}

// loop reads input until /quit, Ctrl+C at the prompt, or EOF.
func (s *chatSession) loop(ctx context.Context, logger *slog.Logger) error {
	reader := newLineReader()
	defer reader.close()

	for {
		input, err := reader.read(PromptStyle.Render("hive> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D, or a closed stdin.
			fmt.Fprintln(s.out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if !s.handleSlashCommand(ctx, input) {
				return nil
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if err := s.send(ctx, input); err != nil {
			fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
		if err := s.store.Save(ctx, s.transcript, s.serverURL); err != nil {
			logger.Warn("TRANSCRIPT_SAVE_FAILED", "chat", s.transcript.ID, "error", err)
		}
	}
}

// send streams one reply. Ctrl+C cancels the reply in progress.
func (s *chatSession) send(ctx context.Context, input string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	streamed := false
	outcome, err := s.client.Send(ctx, s.transcript, input, nil, func(token string) {
		streamed = true
		fmt.Fprint(s.out, token)
	})
	if streamed {
		fmt.Fprintln(s.out)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		fmt.Fprintln(s.out, WarningStyle.Render("[Cancelled]"))
	}
	if err != nil {
		return err
	}

	// Replies that arrived whole (fallback, or a done event without tokens)
	// have not been shown yet.
	if !streamed || outcome.Fallback() {
		fmt.Fprint(s.out, renderMarkdown(outcome.Content))
	}
	if !s.quiet {
		note := outcome.Meta.Footnote()
		if outcome.Fallback() {
			note += " · fallback"
		}
		fmt.Fprintln(s.out, DimStyle.Render(note))
	}
	return nil
}

// handleSlashCommand runs one REPL command. It returns false to exit.
func (s *chatSession) handleSlashCommand(ctx context.Context, input string) bool {
	cmd := strings.ToLower(strings.Fields(input)[0])
	switch cmd {
	case "/quit", "/q", "/exit":
		return false
	case "/help", "/h":
		fmt.Fprintln(s.out, "/clear     Clear the transcript")
		fmt.Fprintln(s.out, "/history   Show the transcript")
		fmt.Fprintln(s.out, "/session   Show the transcript id")
		fmt.Fprintln(s.out, "/export    Write the transcript to a file (md or json)")
		fmt.Fprintln(s.out, "/quit      Exit")
	case "/clear", "/c":
		s.transcript.Clear()
		if err := s.store.Save(ctx, s.transcript, s.serverURL); err != nil {
			fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
		fmt.Fprintln(s.out, DimStyle.Render("Transcript cleared."))
	case "/history":
		printTranscript(s.out, s.transcript)
	case "/session":
		fmt.Fprintln(s.out, s.transcript.ID)
	case "/export":
		format := ""
		if fields := strings.Fields(input); len(fields) > 1 {
			format = fields[1]
		}
		path, err := exportTranscript(s.transcript, format, ".")
		if err != nil {
			fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			break
		}
		fmt.Fprintln(s.out, DimStyle.Render("Exported to "+path))
	default:
		fmt.Fprintf(s.out, "%s unknown command %s (try /help)\n", WarningStyle.Render("[?]"), cmd)
	}
	return true
}

// printTranscript writes every message with a role label.
func printTranscript(out io.Writer, t *model.Transcript) {
	messages := t.Snapshot()
	if len(messages) == 0 {
		fmt.Fprintln(out, DimStyle.Render("(empty)"))
		return
	}
	for _, m := range messages {
		switch m.Role {
		case model.RoleUser:
			fmt.Fprintln(out, PromptStyle.Render("you: ")+util.OneLine(m.Content))
			if len(m.Images) > 0 {
				fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("     %d image(s) attached", len(m.Images))))
			}
		case model.RoleAssistant:
			fmt.Fprintln(out, AssistantStyle.Render("hive:"))
			fmt.Fprint(out, renderMarkdown(m.Content))
			if m.Meta != nil {
				fmt.Fprintln(out, DimStyle.Render(m.Meta.Footnote()))
			}
		}
	}
}
