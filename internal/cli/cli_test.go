// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/imagehive/internal/config"
	"github.com/jeranaias/imagehive/internal/consumer"
	"github.com/jeranaias/imagehive/internal/detect"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/storage"
)

func init() {
	ForceColorsEnabled(false)
}

// =============================================================================
// ARG PARSER TESTS
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantSub  string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name:    "simple subcommand",
			args:    []string{"probe"},
			wantSub: "probe",
		},
		{
			name:    "flag with value",
			args:    []string{"chat", "--session", "chat-1"},
			wantSub: "chat",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("session") != "chat-1" {
					t.Errorf("Flag(session) = %q, want %q", p.Flag("session"), "chat-1")
				}
			},
		},
		{
			name:    "flag with equals",
			args:    []string{"probe", "--timeout=45s"},
			wantSub: "probe",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("timeout") != "45s" {
					t.Errorf("Flag(timeout) = %q, want %q", p.Flag("timeout"), "45s")
				}
			},
		},
		{
			name:    "boolean-only flag does not eat positional",
			args:    []string{"--wait", "probe"},
			wantSub: "probe",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("wait") {
					t.Error("BoolFlag(wait) should be true")
				}
			},
		},
		{
			name:    "explicit boolean",
			args:    []string{"status", "--json=false"},
			wantSub: "status",
			validate: func(t *testing.T, p *ArgParser) {
				if p.BoolFlag("json") {
					t.Error("BoolFlag(json) should be false")
				}
				if !p.HasFlag("json") {
					t.Error("HasFlag(json) should be true")
				}
			},
		},
		{
			name:    "double dash ends flags",
			args:    []string{"sessions", "show", "--", "--odd-id"},
			wantSub: "sessions",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Positional(2) != "--odd-id" {
					t.Errorf("Positional(2) = %q, want %q", p.Positional(2), "--odd-id")
				}
			},
		},
		{
			name:    "no arguments",
			args:    nil,
			wantSub: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewArgParser(tt.args)
			if got := p.Subcommand(); got != tt.wantSub {
				t.Errorf("Subcommand() = %q, want %q", got, tt.wantSub)
			}
			if tt.validate != nil {
				tt.validate(t, p)
			}
		})
	}
}

func TestArgParser_FlagDuration(t *testing.T) {
	p := NewArgParser([]string{"--timeout", "2m", "--bad", "soon"})

	d, err := p.FlagDuration("timeout", time.Second)
	if err != nil || d != 2*time.Minute {
		t.Errorf("FlagDuration(timeout) = %v, %v", d, err)
	}
	d, err = p.FlagDuration("missing", 30*time.Second)
	if err != nil || d != 30*time.Second {
		t.Errorf("FlagDuration(missing) = %v, %v", d, err)
	}
	if _, err := p.FlagDuration("bad", time.Second); GetExitCode(err) != ExitUsageError {
		t.Errorf("bad duration should be a usage error, got %v", err)
	}
}

func TestArgParser_Unknown(t *testing.T) {
	p := NewArgParser([]string{"serve", "--offline", "--port=9", "-x"})
	got := p.Unknown("offline")
	if strings.Join(got, " ") != "--port=9 -x" {
		t.Errorf("Unknown() = %v", got)
	}
}

// =============================================================================
// PARSE TESTS
// =============================================================================

func TestParse(t *testing.T) {
	tests := []struct {
		argv    []string
		want    Command
		wantErr bool
	}{
		{nil, CmdServe, false},
		{[]string{"serve", "--offline"}, CmdServe, false},
		{[]string{"--config", "x.toml"}, CmdServe, false},
		{[]string{"probe", "--wait"}, CmdProbe, false},
		{[]string{"chat"}, CmdChat, false},
		{[]string{"s"}, CmdStatus, false},
		{[]string{"session", "list"}, CmdSessions, false},
		{[]string{"config"}, CmdConfig, false},
		{[]string{"--version"}, CmdVersion, false},
		{[]string{"chat", "--help"}, CmdHelp, false},
		{[]string{"paint"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.argv, " "), func(t *testing.T) {
			args, err := Parse(tt.argv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && args.Command != tt.want {
				t.Errorf("Command = %v, want %v", args.Command, tt.want)
			}
		})
	}
}

func TestParse_GlobalFlags(t *testing.T) {
	args, err := Parse([]string{"status", "--config", "/tmp/c.toml", "--json", "-q"})
	if err != nil {
		t.Fatal(err)
	}
	if args.ConfigPath != "/tmp/c.toml" || !args.JSON || !args.Quiet {
		t.Errorf("global flags = %+v", args)
	}
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"validation", &ValidationError{Field: "x"}, ExitUsageError},
		{"config", fmt.Errorf("invalid config: %w", config.ValidateErrors{{Field: "server.port", Message: "bad"}}), ExitConfigError},
		{"not found", fmt.Errorf("%w: chat-1", storage.ErrTranscriptNotFound), ExitNotFoundError},
		{"deadline", context.DeadlineExceeded, ExitTimeoutError},
		{"send", &consumer.SendError{StreamErr: errors.New("a"), FallbackErr: errors.New("b")}, ExitNetworkError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetExitCode(tt.err); got != tt.want {
				t.Errorf("GetExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDisplayError_JSON(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, &ValidationError{Field: "flag", Reason: "nope"}, true)
	if !strings.Contains(buf.String(), `"exit_code": 2`) {
		t.Errorf("JSON error = %s", buf.String())
	}
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

// isolate points config and data at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("IMAGEHIVE_CONFIG", filepath.Join(dir, "config.toml"))
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	for _, key := range []string{"HOST", "PORT", "VLLM_HOST", "OLLAMA_HOST", "VLLM_MODEL", "OLLAMA_MODEL", "FAL_API_KEY", "IMAGEHIVE_LOCAL_ONLY"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Chdir(dir)
	return dir
}

func TestRun_VersionAndHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run(context.Background(), []string{"version"}, &out, &errOut); code != 0 {
		t.Fatalf("version exit = %d", code)
	}
	if !strings.Contains(out.String(), "imagehive "+Version) {
		t.Errorf("version output = %q", out.String())
	}

	out.Reset()
	Run(context.Background(), []string{"help"}, &out, &errOut)
	if !strings.Contains(out.String(), "imagehive probe") {
		t.Error("help should list probe")
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run(context.Background(), []string{"paint"}, &out, &errOut); code != ExitUsageError {
		t.Errorf("exit = %d, want %d", code, ExitUsageError)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	isolate(t)
	var out, errOut bytes.Buffer
	if code := Run(context.Background(), []string{"probe", "--bogus"}, &out, &errOut); code != ExitUsageError {
		t.Errorf("exit = %d, want %d", code, ExitUsageError)
	}
}

func TestRun_ConfigMasksSecrets(t *testing.T) {
	isolate(t)
	t.Setenv("FAL_API_KEY", "fal-secret-key-123456")

	var out, errOut bytes.Buffer
	if code := Run(context.Background(), []string{"config", "-q"}, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d: %s", code, errOut.String())
	}
	if strings.Contains(out.String(), "fal-secret-key-123456") {
		t.Error("config output leaked the API key")
	}
	if !strings.Contains(out.String(), "fal-****3456") {
		t.Errorf("config output = %s", out.String())
	}
}

func TestRun_ProbeReady(t *testing.T) {
	isolate(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"Qwen/Qwen2.5-VL-3B-Instruct","object":"model"}]}`)
	}))
	defer backend.Close()
	t.Setenv("VLLM_HOST", backend.URL)

	var out, errOut bytes.Buffer
	code := Run(context.Background(), []string{"probe", "--json"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"modelReady": true`) {
		t.Errorf("probe output = %s", out.String())
	}
}

func TestRun_ProbeNotReadyExitsOne(t *testing.T) {
	isolate(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"other-model","object":"model"}]}`)
	}))
	defer backend.Close()
	t.Setenv("VLLM_HOST", backend.URL)

	var out, errOut bytes.Buffer
	if code := Run(context.Background(), []string{"probe", "-q"}, &out, &errOut); code != ExitGeneralError {
		t.Errorf("exit = %d, want %d", code, ExitGeneralError)
	}
	if !strings.Contains(out.String(), "loading the model") || !strings.Contains(errOut.String(), "not ready") {
		t.Errorf("stdout = %q stderr = %q", out.String(), errOut.String())
	}
}

func TestRun_Sessions(t *testing.T) {
	dir := isolate(t)

	store, err := storage.OpenTranscripts(filepath.Join(dir, "data", storage.TranscriptsFile))
	if err != nil {
		t.Fatalf("OpenTranscripts: %v", err)
	}
	tr := model.NewTranscript()
	if err := tr.AppendUser("misty harbor at dawn", nil); err != nil {
		t.Fatal(err)
	}
	tr.AppendAssistant("A quiet harbor wrapped in fog.", model.Meta{FromGPU: true})
	if err := store.Save(context.Background(), tr, "http://127.0.0.1:3000"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	var out, errOut bytes.Buffer
	if code := Run(context.Background(), []string{"sessions"}, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), tr.ID) || !strings.Contains(out.String(), "misty harbor") {
		t.Errorf("list output = %s", out.String())
	}

	out.Reset()
	Run(context.Background(), []string{"sessions", "show", tr.ID}, &out, &errOut)
	if !strings.Contains(out.String(), "A quiet harbor wrapped in fog.") {
		t.Errorf("show output = %s", out.String())
	}

	exportDir := filepath.Join(dir, "exports")
	out.Reset()
	if code := Run(context.Background(), []string{"sessions", "export", tr.ID, "--format", "json", "--output", exportDir}, &out, &errOut); code != 0 {
		t.Fatalf("export exit = %d: %s", code, errOut.String())
	}
	matches, _ := filepath.Glob(filepath.Join(exportDir, "imagehive_misty_harbor_at_dawn_*.json"))
	if len(matches) != 1 {
		t.Fatalf("export files = %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "A quiet harbor wrapped in fog.") {
		t.Errorf("export content = %s", data)
	}
	if code := Run(context.Background(), []string{"sessions", "export", tr.ID, "--format", "pdf"}, &out, &errOut); code != ExitUsageError {
		t.Errorf("bad format exit = %d, want %d", code, ExitUsageError)
	}

	if code := Run(context.Background(), []string{"sessions", "delete", tr.ID}, &out, &errOut); code != 0 {
		t.Errorf("delete exit = %d", code)
	}
	if code := Run(context.Background(), []string{"sessions", "delete", tr.ID}, &out, &errOut); code != ExitNotFoundError {
		t.Errorf("second delete exit = %d, want %d", code, ExitNotFoundError)
	}
}

func TestRenderHealth(t *testing.T) {
	var buf bytes.Buffer
	renderHealth(&buf, "http://127.0.0.1:3000", consumer.Health{
		Status: "ok",
		GPU:    detect.Status{Available: true, Method: detect.MethodNvidia, Devices: []string{"RTX 4090"}},
		Ollama: &model.Readiness{Reachable: true, ModelReady: false, Error: "Model 'x' not reported by backend."},
	})
	out := buf.String()
	for _, want := range []string{"RTX 4090", "nvidia-smi", "[WARN]", "not reported"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderHealth output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatAge(t *testing.T) {
	tests := map[time.Duration]string{
		10 * time.Second: "just now",
		5 * time.Minute:  "5m ago",
		3 * time.Hour:    "3h ago",
		72 * time.Hour:   "3d ago",
	}
	for d, want := range tests {
		if got := formatAge(d); got != want {
			t.Errorf("formatAge(%v) = %q, want %q", d, got, want)
		}
	}
}
