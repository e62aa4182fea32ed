// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/imagehive/internal/detect"
	"github.com/jeranaias/imagehive/internal/imagegen"
	"github.com/jeranaias/imagehive/internal/model"
	"github.com/jeranaias/imagehive/internal/offline"
	"github.com/jeranaias/imagehive/internal/readiness"
	"github.com/jeranaias/imagehive/internal/relay"
	"github.com/jeranaias/imagehive/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize is the maximum size for a request body (10MB).
	// Chat requests carry the whole transcript, images included as data URLs.
	MaxRequestBodySize = 10 * 1024 * 1024

	// shutdownGrace bounds how long in-flight streams get on shutdown.
	shutdownGrace = 10 * time.Second
)

// User-facing error messages.
const (
	msgMessagesRequired = "Messages array is required."
	msgInvalidMessages  = "Invalid message format. Roles must be system, user, or assistant."
	msgPromptRequired   = "Prompt JSON is required."
	msgInvalidBody      = "Invalid request body."
	msgNotFound         = "Not found."
)

// ============================================================================
// SERVER
// ============================================================================

// Config holds listener and routing options.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:3000".
	Addr string

	// StaticDir serves the web UI when set.
	StaticDir string

	// RateLimit and RateBurst configure the per-client token bucket.
	RateLimit float64
	RateBurst int

	// CORS defaults to DefaultCORSConfig.
	CORS *CORSConfig
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Relay    *relay.Relay
	Prober   *readiness.Prober
	Settings *storage.SettingsStore
	Gallery  *storage.Gallery
	Images   *imagegen.Client
	Guard    *offline.Guard

	// GPU reports acceleration status; defaults to the process-wide detector.
	GPU func(context.Context) detect.Status

	Logger *slog.Logger
}

// Server is the ImageHive HTTP API and static UI server.
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// New creates a Server. Relay and Prober are required.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.GPU == nil {
		deps.GPU = detect.Default().Status
	}
	if deps.Guard == nil {
		deps.Guard = offline.NewGuard(false)
	}
	if cfg.CORS == nil {
		cfg.CORS = DefaultCORSConfig()
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: chat streams last as long as the model talks.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("GET /api/chat/ws", s.handleChatWebSocket)

	s.mux.HandleFunc("GET /api/gallery", s.handleListGallery)
	s.mux.HandleFunc("POST /api/gallery", s.handleAddGallery)
	s.mux.HandleFunc("DELETE /api/gallery/{id}", s.handleDeleteGallery)

	s.mux.HandleFunc("POST /api/image/generate", s.handleGenerateImage)

	s.mux.HandleFunc("GET /", s.handleStatic)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(s.logger),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		CORSMiddleware(s.config.CORS),
		RateLimitMiddleware(NewRateLimiter(s.config.RateLimit, s.config.RateBurst), s.logger),
	)(s.mux)
}

// ============================================================================
// HEALTH
// ============================================================================

// HealthResponse is the /api/health document. Ollama repeats Backend for
// clients written against the older field name.
type HealthResponse struct {
	Status  string          `json:"status"`
	GPU     detect.Status   `json:"gpu"`
	Backend model.Readiness `json:"backend"`
	Ollama  model.Readiness `json:"ollama"`
}

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Prober.Probe(r.Context())
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		GPU:     s.deps.GPU(r.Context()),
		Backend: status,
		Ollama:  status,
	})
}

// ============================================================================
// SETTINGS
// ============================================================================

type settingsResponse struct {
	ImageAPIKey  string `json:"imageApiKey"`
	BackendHost  string `json:"backendHost"`
	BackendModel string `json:"backendModel"`
}

type settingsUpdate struct {
	ImageAPIKey  *string `json:"imageApiKey"`
	BackendHost  string  `json:"backendHost"`
	BackendModel string  `json:"backendModel"`
}

// handleGetSettings handles GET /api/settings. The API key itself is never
// returned, only whether one is stored.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current := s.deps.Settings.Get()
	resp := settingsResponse{
		BackendHost:  current.BackendHost,
		BackendModel: current.BackendModel,
	}
	if current.ImageAPIKey != "" || (s.deps.Images != nil && s.deps.Images.Configured()) {
		resp.ImageAPIKey = "stored"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpdateSettings handles POST /api/settings.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsUpdate
	if !s.decodeJSON(w, r, &req) {
		return
	}

	host := strings.TrimSpace(req.BackendHost)
	if host != "" {
		if err := s.deps.Guard.ValidateBackendURL(host); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid backend host: %v", err))
			return
		}
	}

	_, err := s.deps.Settings.Update(func(st *storage.Settings) {
		if req.ImageAPIKey != nil {
			st.ImageAPIKey = strings.TrimSpace(*req.ImageAPIKey)
		}
		if host != "" {
			st.BackendHost = strings.TrimRight(host, "/")
		}
		if m := strings.TrimSpace(req.BackendModel); m != "" {
			st.BackendModel = m
		}
	})
	if err != nil {
		s.logger.Error("SETTINGS_SAVE_FAILED", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save settings.")
		return
	}

	s.logger.Info("SETTINGS_UPDATED", "request_id", RequestID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ============================================================================
// CHAT
// ============================================================================

type chatRequest struct {
	Messages json.RawMessage `json:"messages"`
}

// parseMessages extracts and validates the messages array. The returned
// string is the client-facing error.
func parseMessages(raw json.RawMessage) ([]model.Message, string) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, msgMessagesRequired
	}
	var messages []model.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, msgInvalidMessages
	}
	if err := model.ValidateMessages(messages); err != nil {
		return nil, msgInvalidMessages
	}
	return messages, ""
}

// handleChat handles POST /api/chat. Streaming is the default; ?stream=false
// returns a single JSON reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	messages, problem := parseMessages(req.Messages)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	if r.URL.Query().Get("stream") == "false" {
		writeJSON(w, http.StatusOK, s.deps.Relay.Reply(r.Context(), messages))
		return
	}
	s.streamChat(w, r, messages)
}

// streamChat writes relay events as server-sent events, one flushed
// "data: <json>\n\n" record per event.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, messages []model.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported.")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.deps.Relay.Stream(r.Context(), messages, func(ev model.Event) error {
		return writeSSE(w, flusher, ev)
	})
}

// writeSSE writes one event record and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// ============================================================================
// GALLERY
// ============================================================================

type galleryRequest struct {
	Title        string          `json:"title"`
	PromptJSON   json.RawMessage `json:"promptJson"`
	ImageURL     string          `json:"imageUrl"`
	SessionID    string          `json:"sessionId"`
	SessionTitle string          `json:"sessionTitle"`
}

// promptText returns a JSON string's value, or the raw JSON for any other
// value.
func promptText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}

// handleListGallery handles GET /api/gallery.
func (s *Server) handleListGallery(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Gallery.List()
	if err != nil {
		s.logger.Error("GALLERY_READ_FAILED", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read gallery.")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAddGallery handles POST /api/gallery.
func (s *Server) handleAddGallery(w http.ResponseWriter, r *http.Request) {
	var req galleryRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	entry, err := s.deps.Gallery.Add(storage.Entry{
		Title:        req.Title,
		PromptJSON:   promptText(req.PromptJSON),
		ImageURL:     req.ImageURL,
		SessionID:    req.SessionID,
		SessionTitle: req.SessionTitle,
	})
	if errors.Is(err, storage.ErrEntryInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("GALLERY_WRITE_FAILED", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save gallery entry.")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleDeleteGallery handles DELETE /api/gallery/{id}.
func (s *Server) handleDeleteGallery(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Gallery.Delete(r.PathValue("id"))
	if errors.Is(err, storage.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, "Gallery entry not found.")
		return
	}
	if err != nil {
		s.logger.Error("GALLERY_WRITE_FAILED", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete gallery entry.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ============================================================================
// IMAGE GENERATION
// ============================================================================

type generateRequest struct {
	PromptJSON  json.RawMessage `json:"promptJson"`
	AspectRatio string          `json:"aspectRatio"`
	Resolution  string          `json:"resolution"`
}

// handleGenerateImage handles POST /api/image/generate.
func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if trimmed := strings.TrimSpace(string(req.PromptJSON)); trimmed == "" || trimmed == "null" {
		writeError(w, http.StatusBadRequest, msgPromptRequired)
		return
	}
	if s.deps.Images == nil {
		writeError(w, http.StatusBadRequest, imagegen.ErrMissingKey.Error())
		return
	}

	result, err := s.deps.Images.Generate(r.Context(), imagegen.Params{
		PromptJSON:  req.PromptJSON,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
	})
	var apiErr *imagegen.APIError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, imagegen.ErrMissingKey),
		errors.Is(err, imagegen.ErrEmptyPrompt),
		errors.Is(err, offline.ErrRemoteBlocked):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr):
		s.logger.Warn("IMAGE_API_ERROR", "status", apiErr.Status)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("IMAGE_GENERATE_FAILED", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ============================================================================
// STATIC UI
// ============================================================================

// handleStatic serves files from the static directory, falling back to
// index.html so client-side routes resolve.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || s.config.StaticDir == "" {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	target := filepath.Join(s.config.StaticDir, filepath.FromSlash(clean))
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		http.ServeFile(w, r, target)
		return
	}

	index := filepath.Join(s.config.StaticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	http.ServeFile(w, r, index)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("SERVER_START", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("SERVER_SHUTDOWN")

	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// decodeJSON decodes a size-limited JSON body into v. On failure it writes
// the error response and returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// An empty body decodes as an empty object.
		if errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes.", MaxRequestBodySize))
			return false
		}
		s.logger.Debug("INVALID_REQUEST_BODY", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a {"message": ...} error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
