// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command parsing and dispatch for imagehive.

package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/jeranaias/imagehive/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdServe Command = iota
	CmdProbe
	CmdChat
	CmdStatus
	CmdSessions
	CmdConfig
	CmdVersion
	CmdHelp
)

// commandNames maps every accepted spelling to its command.
var commandNames = map[string]Command{
	"":         CmdServe,
	"serve":    CmdServe,
	"probe":    CmdProbe,
	"chat":     CmdChat,
	"status":   CmdStatus,
	"s":        CmdStatus,
	"sessions": CmdSessions,
	"session":  CmdSessions,
	"config":   CmdConfig,
	"version":  CmdVersion,
	"help":     CmdHelp,
}

// Args holds parsed CLI arguments.
type Args struct {
	Command Command

	// Global flags
	ConfigPath string
	JSON       bool
	Quiet      bool
	Verbose    bool

	// Flags holds the full argument list; Positional(0) is the command
	// name and command arguments start at Positional(1).
	Flags *ArgParser
}

const usageText = `imagehive - local-first prompt crafting for image models

Usage:
  imagehive [serve]               Start the web app (default)
  imagehive probe [--wait]        Check the inference backend
  imagehive chat                  Interactive chat against a running server
  imagehive status, s             Show server, GPU, and backend status
  imagehive sessions [list|show|delete|export]
                                  Manage saved chat transcripts
  imagehive config                Show the effective configuration
  imagehive version               Show version information
  imagehive help                  Show this help

Serve:
  --offline                       Start even if the backend never becomes ready
  --timeout DURATION              Startup handshake timeout (default 30s)

Probe:
  --wait                          Poll until ready or the startup timeout
  --timeout DURATION              Override the startup timeout

Chat:
  --url URL                       Server address (default http://127.0.0.1:3000)
  --session ID                    Resume a saved transcript
  Inside the REPL: /clear /history /export /help /quit

Sessions:
  imagehive sessions list         List saved transcripts
  imagehive sessions show <id>    Print a transcript
  imagehive sessions delete <id>  Delete a transcript
  imagehive sessions export <id>  Write a transcript to a file
    --format md|json              Export format (default: md)
    --output DIR                  Output directory (default: .)

Global flags:
  --config PATH                   Config file (default ~/.imagehive/config.toml)
  --json                          JSON output where supported
  -q, --quiet                     Less output
  -v, --verbose                   Debug logging

Environment:
  HOST, PORT, DATA_DIR            Listener and data directory
  VLLM_HOST, VLLM_MODEL           Backend host and model (OLLAMA_* accepted)
  IMAGEHIVE_DIALECT               openai or ollama
  FAL_API_KEY                     Image API key
  IMAGEHIVE_LOCAL_ONLY            Block non-local services
  IMAGEHIVE_LOG_LEVEL             debug, info, warn, error
`

// Parse turns raw arguments into a command and its flags.
func Parse(argv []string) (Args, error) {
	p := NewArgParser(argv)
	args := Args{
		ConfigPath: p.Flag("config"),
		JSON:       p.BoolFlag("json"),
		Quiet:      p.BoolFlag("quiet") || p.BoolFlag("q"),
		Verbose:    p.BoolFlag("verbose") || p.BoolFlag("v"),
	}

	switch {
	case p.BoolFlag("help") || p.BoolFlag("h"):
		args.Command = CmdHelp
		args.Flags = p
		return args, nil
	case p.BoolFlag("version"):
		args.Command = CmdVersion
		args.Flags = p
		return args, nil
	}

	name := strings.ToLower(p.Subcommand())
	cmd, ok := commandNames[name]
	if !ok {
		return args, NewValidationErrorWithExample("command", name, "unknown command", "imagehive help")
	}
	args.Command = cmd
	args.Flags = p
	return args, nil
}

// Run parses argv, executes the command, and returns the exit code.
func Run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	args, err := Parse(argv)
	if err != nil {
		DisplayError(stderr, err, false)
		return GetExitCode(err)
	}

	switch args.Command {
	case CmdServe:
		err = HandleServe(ctx, args, stdout)
	case CmdProbe:
		err = HandleProbe(ctx, args, stdout)
	case CmdChat:
		err = HandleChat(ctx, args, stdout)
	case CmdStatus:
		err = HandleStatus(ctx, args, stdout)
	case CmdSessions:
		err = HandleSessions(ctx, args, stdout)
	case CmdConfig:
		err = HandleConfig(args, stdout)
	case CmdVersion:
		printVersion(stdout, args.JSON)
	case CmdHelp:
		fmt.Fprint(stdout, usageText)
	}

	if err != nil {
		DisplayError(stderr, err, args.JSON)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// loadConfig loads the config file named by --config, or the default one.
func loadConfig(args Args) (*config.Config, error) {
	if args.ConfigPath == "" {
		return config.Load()
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	return config.LoadFromPath(args.ConfigPath)
}

// HandleConfig prints the effective configuration with secrets masked.
func HandleConfig(args Args, out io.Writer) error {
	if err := requireKnownFlags("config", args.Flags, "config", "json", "q", "quiet", "v", "verbose"); err != nil {
		return err
	}
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if !args.JSON && !args.Quiet {
		path := args.ConfigPath
		if path == "" {
			path, _ = config.ConfigPath()
		}
		fmt.Fprintln(out, DimStyle.Render("# "+path))
	}
	fmt.Fprintln(out, cfg.String())
	return nil
}

func printVersion(out io.Writer, jsonMode bool) {
	if jsonMode {
		fmt.Fprintf(out, "{\"version\":%q,\"commit\":%q,\"built\":%q,\"go\":%q}\n",
			Version, GitCommit, BuildDate, runtime.Version())
		return
	}
	fmt.Fprintf(out, "imagehive %s\n", Version)
	fmt.Fprintf(out, "  Commit: %s\n", GitCommit)
	fmt.Fprintf(out, "  Built:  %s\n", BuildDate)
	fmt.Fprintf(out, "  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
