// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/imagehive/internal/detect"
	"github.com/jeranaias/imagehive/internal/imagegen"
	"github.com/jeranaias/imagehive/internal/inference"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/offline"
	"github.com/jeranaias/imagehive/internal/readiness"
	"github.com/jeranaias/imagehive/internal/relay"
	"github.com/jeranaias/imagehive/internal/storage"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

// fakeBackend is a scripted inference backend.
type fakeBackend struct {
	reply     string
	deltas    []string
	streamErr error
	chatErr   error
	models    []string
	listErr   error

	received []model.Message
}

func (f *fakeBackend) Chat(_ context.Context, messages []model.Message) (string, error) {
	f.received = messages
	return f.reply, f.chatErr
}

func (f *fakeBackend) Stream(ctx context.Context, messages []model.Message, fn inference.DeltaFunc) error {
	f.received = messages
	for _, d := range f.deltas {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return f.streamErr
}

func (f *fakeBackend) ListModels(context.Context) ([]string, error) {
	return f.models, f.listErr
}

type fixture struct {
	backend  *fakeBackend
	settings *storage.SettingsStore
	gallery  *storage.Gallery
	server   *Server
	http     *httptest.Server
}

func newFixture(t *testing.T, backend *fakeBackend, mutate ...func(*Config, *Deps)) *fixture {
	t.Helper()
	dir := t.TempDir()

	settings, err := storage.OpenSettings(dir, storage.Settings{
		BackendHost:  "http://127.0.0.1:8000",
		BackendModel: "Qwen2.5-VL-3B-Instruct",
	}, nil)
	require.NoError(t, err)
	gallery := storage.OpenGallery(dir)

	source := inference.Fixed(backend, inference.Config{Model: "Qwen2.5-VL-3B-Instruct"})
	cfg := Config{RateLimit: 1000, RateBurst: 1000}
	deps := Deps{
		Relay:    relay.New(source, relay.WithGPUFlag(func() bool { return true })),
		Prober:   readiness.NewProber(source, 0),
		Settings: settings,
		Gallery:  gallery,
		GPU: func(context.Context) detect.Status {
			return detect.Status{Available: true, Method: detect.MethodNvidia, Devices: []string{"RTX 4090"}}
		},
	}
	for _, fn := range mutate {
		fn(&cfg, &deps)
	}

	s := New(cfg, deps)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &fixture{backend: backend, settings: settings, gallery: gallery, server: s, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// readSSE collects the data records of an event stream.
func readSSE(t *testing.T, body io.Reader) []map[string]any {
	t.Helper()
	var events []map[string]any
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

// =============================================================================
// HEALTH TESTS
// =============================================================================

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, &fakeBackend{models: []string{"Qwen/Qwen2.5-VL-3B-Instruct"}})

	resp := f.do(t, "GET", "/api/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.GPU.Available)
	assert.True(t, health.Backend.Ready())
	assert.Equal(t, health.Backend, health.Ollama)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestHandleHealth_Unreachable(t *testing.T) {
	f := newFixture(t, &fakeBackend{listErr: errors.New("connection refused")})

	resp := f.do(t, "GET", "/api/health", "")
	var health HealthResponse
	decodeBody(t, resp, &health)
	assert.False(t, health.Backend.Reachable)
	assert.Contains(t, health.Backend.Error, "connection refused")
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestHandleChat_RequiresMessagesArray(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	for _, body := range []string{"", `{}`, `{"messages":"hi"}`, `{"messages":null}`} {
		resp := f.do(t, "POST", "/api/chat", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

		var e map[string]string
		decodeBody(t, resp, &e)
		assert.Equal(t, "Messages array is required.", e["message"], body)
	}
}

func TestHandleChat_InvalidRole(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	resp := f.do(t, "POST", "/api/chat", `{"messages":[{"role":"tool","content":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleChat_Stream(t *testing.T) {
	f := newFixture(t, &fakeBackend{deltas: []string{"Misty", "", " harbor"}})

	resp := f.do(t, "POST", "/api/chat", `{"messages":[{"role":"user","content":"harbor"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, map[string]any{"type": "token", "content": "Misty"}, events[0])
	assert.Equal(t, map[string]any{"type": "token", "content": " harbor"}, events[1])
	assert.Equal(t, map[string]any{"type": "done", "content": "Misty harbor", "fromGpu": true, "offline": false}, events[2])

	// The preamble is prepended server-side.
	require.NotEmpty(t, f.backend.received)
	assert.Equal(t, model.RoleSystem, f.backend.received[0].Role)
}

func TestHandleChat_StreamFailure(t *testing.T) {
	f := newFixture(t, &fakeBackend{deltas: []string{"partial"}, streamErr: errors.New("connection reset")})

	resp := f.do(t, "POST", "/api/chat?stream=true", `{"messages":[{"role":"user","content":"x"}]}`)
	events := readSSE(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, "token", events[0]["type"])
	assert.Equal(t, map[string]any{"type": "error", "message": "connection reset"}, events[1])
}

func TestHandleChat_NonStream(t *testing.T) {
	f := newFixture(t, &fakeBackend{reply: "Neon alley at night"})

	resp := f.do(t, "POST", "/api/chat?stream=false", `{"messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply model.Reply
	decodeBody(t, resp, &reply)
	assert.Equal(t, model.Reply{Content: "Neon alley at night", FromGPU: true}, reply)
}

func TestHandleChat_NonStreamOffline(t *testing.T) {
	f := newFixture(t, &fakeBackend{chatErr: errors.New("dial tcp: connection refused")})

	resp := f.do(t, "POST", "/api/chat?stream=false", `{"messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply model.Reply
	decodeBody(t, resp, &reply)
	assert.True(t, reply.Offline)
	assert.False(t, reply.FromGPU)
	assert.Contains(t, reply.Content, "Local Qwen is unavailable.")
	assert.Contains(t, reply.Content, "connection refused")
}

func TestHandleChat_AcceptsImageAttachments(t *testing.T) {
	f := newFixture(t, &fakeBackend{reply: "A red kite over dunes."})

	image := "data:image/png;base64," + strings.Repeat("A", 1536*1024)
	body, err := json.Marshal(map[string]any{
		"messages": []model.Message{{Role: model.RoleUser, Content: "describe", Images: []string{image}}},
	})
	require.NoError(t, err)

	resp := f.do(t, "POST", "/api/chat?stream=false", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply model.Reply
	decodeBody(t, resp, &reply)
	assert.Equal(t, "A red kite over dunes.", reply.Content)
	require.NotEmpty(t, f.backend.received)
	assert.Equal(t, []string{image}, f.backend.received[len(f.backend.received)-1].Images)
}

func TestHandleChat_LongTranscript(t *testing.T) {
	f := newFixture(t, &fakeBackend{reply: "still here"})

	messages := make([]model.Message, 0, 401)
	for i := 0; i < 200; i++ {
		messages = append(messages,
			model.Message{Role: model.RoleUser, Content: fmt.Sprintf("turn %d", i)},
			model.Message{Role: model.RoleAssistant, Content: "ok"})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: "one more"})
	body, err := json.Marshal(map[string]any{"messages": messages})
	require.NoError(t, err)

	resp := f.do(t, "POST", "/api/chat?stream=false", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// Preamble plus every client turn.
	assert.Len(t, f.backend.received, len(messages)+1)
}

func TestHandleChat_BodyTooLarge(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	big := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", MaxRequestBodySize) + `"}]}`
	resp := f.do(t, "POST", "/api/chat", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

// =============================================================================
// SETTINGS TESTS
// =============================================================================

func TestSettings_RoundTrip(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	resp := f.do(t, "POST", "/api/settings", `{"imageApiKey":"secret","backendHost":"http://10.0.0.5:8000/","backendModel":""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := f.settings.Get()
	assert.Equal(t, "secret", got.ImageAPIKey)
	assert.Equal(t, "http://10.0.0.5:8000", got.BackendHost)
	assert.Equal(t, "Qwen2.5-VL-3B-Instruct", got.BackendModel, "empty model keeps the current value")

	resp = f.do(t, "GET", "/api/settings", "")
	var view map[string]string
	decodeBody(t, resp, &view)
	assert.Equal(t, "stored", view["imageApiKey"])
	assert.Equal(t, "http://10.0.0.5:8000", view["backendHost"])

	// An explicit empty key clears it.
	f.do(t, "POST", "/api/settings", `{"imageApiKey":""}`)
	assert.Empty(t, f.settings.Get().ImageAPIKey)
}

func TestSettings_RejectsBadHost(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	resp := f.do(t, "POST", "/api/settings", `{"backendHost":"file:///etc/passwd"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "http://127.0.0.1:8000", f.settings.Get().BackendHost)
}

func TestSettings_LocalOnlyRejectsPublicHost(t *testing.T) {
	f := newFixture(t, &fakeBackend{}, func(_ *Config, d *Deps) {
		d.Guard = offline.NewGuard(true)
	})

	resp := f.do(t, "POST", "/api/settings", `{"backendHost":"https://api.example.com"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// GALLERY TESTS
// =============================================================================

func TestGallery_Endpoints(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	resp := f.do(t, "POST", "/api/gallery", `{"title":"Harbor"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e map[string]string
	decodeBody(t, resp, &e)
	assert.Equal(t, "Title and prompt JSON are required.", e["message"])

	resp = f.do(t, "POST", "/api/gallery", `{"title":"Harbor","promptJson":"{\"prompt\":\"misty harbor\"}","sessionId":"chat-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry storage.Entry
	decodeBody(t, resp, &entry)
	assert.True(t, strings.HasPrefix(entry.ID, "entry-"))
	assert.Equal(t, `{"prompt":"misty harbor"}`, entry.PromptJSON)

	// Object payloads are stored as their JSON text.
	resp = f.do(t, "POST", "/api/gallery", `{"title":"Dunes","promptJson":{"prompt":"dunes"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/gallery", "")
	var entries []storage.Entry
	decodeBody(t, resp, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "Dunes", entries[0].Title)
	assert.Equal(t, `{"prompt":"dunes"}`, entries[0].PromptJSON)

	resp = f.do(t, "DELETE", "/api/gallery/"+entry.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "DELETE", "/api/gallery/"+entry.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// IMAGE TESTS
// =============================================================================

func TestGenerateImage(t *testing.T) {
	fal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"images":[{"url":"https://cdn/x.png"}]}`)
	}))
	t.Cleanup(fal.Close)

	f := newFixture(t, &fakeBackend{}, func(_ *Config, d *Deps) {
		d.Images = imagegen.New(imagegen.Config{BaseURL: fal.URL}, func() string { return "k" }, nil, nil)
	})

	resp := f.do(t, "POST", "/api/image/generate", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "POST", "/api/image/generate", `{"promptJson":{"prompt":"castle"},"aspectRatio":"1:1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result imagegen.Result
	decodeBody(t, resp, &result)
	assert.Equal(t, "https://cdn/x.png", result.ImageURL)
	assert.Equal(t, "castle", result.Request.Prompt)
	assert.Equal(t, "1:1", result.Request.AspectRatio)
}

func TestGenerateImage_MissingKey(t *testing.T) {
	f := newFixture(t, &fakeBackend{}, func(_ *Config, d *Deps) {
		d.Images = imagegen.New(imagegen.Config{BaseURL: "http://127.0.0.1:1"}, func() string { return "" }, nil, nil)
	})

	resp := f.do(t, "POST", "/api/image/generate", `{"promptJson":"castle"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e map[string]string
	decodeBody(t, resp, &e)
	assert.Equal(t, imagegen.ErrMissingKey.Error(), e["message"])
}

// =============================================================================
// STATIC AND MIDDLEWARE TESTS
// =============================================================================

func TestStatic_IndexFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>hive</html>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0644))

	f := newFixture(t, &fakeBackend{}, func(c *Config, _ *Deps) { c.StaticDir = dir })

	for path, want := range map[string]string{
		"/":              "<html>hive</html>",
		"/app.js":        "console.log(1)",
		"/gallery/123":   "<html>hive</html>",
		"/../etc/passwd": "<html>hive</html>",
	} {
		resp := f.do(t, "GET", path, "")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, string(body), path)
	}

	resp := f.do(t, "GET", "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, &fakeBackend{}, func(c *Config, _ *Deps) {
		c.RateLimit = 0.001
		c.RateBurst = 2
	})

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, f.do(t, "GET", "/api/settings", "").StatusCode)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	resp := f.do(t, "GET", "/api/settings", "")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
}

func TestCORS(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "203.0.113.9:5000", "", "203.0.113.9"},
		{"untrusted proxy header ignored", "203.0.113.9:5000", "1.2.3.4", "203.0.113.9"},
		{"trusted proxy", "127.0.0.1:5000", "198.51.100.7, 10.0.0.1", "198.51.100.7"},
		{"trusted proxy bad header", "127.0.0.1:5000", "not-an-ip", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}
