// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/imagehive/internal/model"
)

const (
	// wsRequestTimeout bounds the wait for the client's request frame.
	wsRequestTimeout = 15 * time.Second

	// wsWriteTimeout bounds each frame write.
	wsWriteTimeout = 10 * time.Second
)

// upgrader returns a WebSocket upgrader that accepts same-origin pages and
// the CORS allowlist.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				return true
			}
			return s.config.CORS.isOriginAllowed(origin)
		},
	}
}

// handleChatWebSocket handles GET /api/chat/ws. The client sends one
// {"messages": [...]} frame; the server answers with the same events the
// SSE endpoint produces, one JSON frame each, then closes.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("WS_UPGRADE_FAILED", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxRequestBodySize)

	var req chatRequest
	conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		s.closeWebSocket(conn, model.ErrorEvent(msgInvalidBody))
		return
	}
	conn.SetReadDeadline(time.Time{})

	messages, problem := parseMessages(req.Messages)
	if problem != "" {
		s.closeWebSocket(conn, model.ErrorEvent(problem))
		return
	}

	// A read error means the client went away; stop the backend read.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	terminal := s.deps.Relay.Stream(ctx, messages, func(ev model.Event) error {
		if ev.Terminal() {
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	})
	s.closeWebSocket(conn, terminal)
}

// closeWebSocket sends the terminal event followed by a normal close frame.
func (s *Server) closeWebSocket(conn *websocket.Conn, terminal model.Event) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(terminal); err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
}
