// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/imagehive/internal/model"
)

func dialChat(t *testing.T, f *fixture, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/chat/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// readEvents reads JSON frames until the server closes the connection.
func readEvents(t *testing.T, conn *websocket.Conn) []map[string]any {
	t.Helper()
	var events []map[string]any
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
			return events
		}
		events = append(events, ev)
	}
}

func TestChatWebSocket_Streams(t *testing.T) {
	f := newFixture(t, &fakeBackend{deltas: []string{"golden", " hour"}})

	conn, _, err := dialChat(t, f, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"messages": []model.Message{{Role: model.RoleUser, Content: "beach"}},
	}))

	events := readEvents(t, conn)
	require.Len(t, events, 3)
	assert.Equal(t, "golden", events[0]["content"])
	assert.Equal(t, " hour", events[1]["content"])
	assert.Equal(t, "done", events[2]["type"])
	assert.Equal(t, "golden hour", events[2]["content"])
}

func TestChatWebSocket_AcceptsLargeFrame(t *testing.T) {
	f := newFixture(t, &fakeBackend{deltas: []string{"kite"}})

	conn, _, err := dialChat(t, f, nil)
	require.NoError(t, err)
	image := "data:image/jpeg;base64," + strings.Repeat("B", 2*1024*1024)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"messages": []model.Message{{Role: model.RoleUser, Content: "describe", Images: []string{image}}},
	}))

	events := readEvents(t, conn)
	require.Len(t, events, 2)
	assert.Equal(t, "kite", events[0]["content"])
	assert.Equal(t, "done", events[1]["type"])
}

func TestChatWebSocket_InvalidRequest(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	conn, _, err := dialChat(t, f, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{"messages": "nope"}))

	events := readEvents(t, conn)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{"type": "error", "message": "Messages array is required."}, events[0])
}

func TestChatWebSocket_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, &fakeBackend{})

	_, resp, err := dialChat(t, f, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
