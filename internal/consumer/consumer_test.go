// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/imagehive/internal/model"
)

// =============================================================================
// TEST SERVER
// =============================================================================

// chatServer scripts the two chat endpoints and records what it received.
type chatServer struct {
	stream   http.HandlerFunc
	fallback http.HandlerFunc

	mu             sync.Mutex
	streamCalls    int
	fallbackCalls  int
	fallbackBodies []chatRequest
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/chat" {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("stream") == "false" {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.fallbackCalls++
		s.fallbackBodies = append(s.fallbackBodies, body)
		s.mu.Unlock()
		s.fallback(w, r)
		return
	}
	s.mu.Lock()
	s.streamCalls++
	s.mu.Unlock()
	s.stream(w, r)
}

func sse(w http.ResponseWriter, records ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	f, _ := w.(http.Flusher)
	for _, rec := range records {
		fmt.Fprintf(w, "data: %s\n\n", rec)
		if f != nil {
			f.Flush()
		}
	}
}

func replyJSON(content string, gpu, offline bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(model.Reply{Content: content, FromGPU: gpu, Offline: offline})
	}
}

func unexpected(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL)
		w.WriteHeader(http.StatusTeapot)
	}
}

func newClient(t *testing.T, s *chatServer) *Client {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// =============================================================================
// STREAMING PATH
// =============================================================================

func TestSend_StreamReconstructsText(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			sse(w,
				`{"type":"token","content":"He"}`,
				`{"type":"token","content":"llo"}`,
				`{"type":"done","content":"Hello","fromGpu":true,"offline":false}`)
		},
		fallback: unexpected(t),
	}
	c := newClient(t, s)
	tr := model.NewTranscript()

	var tokens []string
	out, err := c.Send(context.Background(), tr, "hi", nil, func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)

	assert.Equal(t, []string{"He", "llo"}, tokens)
	assert.Equal(t, "Hello", out.Content)
	assert.Equal(t, model.Meta{FromGPU: true}, out.Meta)
	assert.Equal(t, Path{StateIdle, StateStreaming, StateCompleted}, out.Path)
	assert.False(t, out.Fallback())

	msgs := tr.Snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	require.NotNil(t, msgs[1].Meta)
	assert.True(t, msgs[1].Meta.FromGPU)
}

func TestSend_DoneTextUsedWhenNoTokens(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			sse(w, `{"type":"done","content":"declared text","fromGpu":false,"offline":true}`)
		},
		fallback: unexpected(t),
	}
	out, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "declared text", out.Content)
	assert.True(t, out.Meta.Offline)
}

func TestSend_TokensWinOverDoneText(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			sse(w, `{"type":"token","content":"streamed"}`, `{"type":"done","content":"something else"}`)
		},
		fallback: unexpected(t),
	}
	out, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "streamed", out.Content)
}

func TestSend_EmptyStreamUsesPlaceholder(t *testing.T) {
	s := &chatServer{
		stream:   func(w http.ResponseWriter, r *http.Request) { sse(w, `{"type":"done","content":""}`) },
		fallback: unexpected(t),
	}
	tr := model.NewTranscript()
	out, err := newClient(t, s).Send(context.Background(), tr, "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, EmptyReply, out.Content)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, EmptyReply, snap[1].Content)
}

func TestSend_TrailingRecordWithoutSeparator(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: {\"type\":\"token\",\"content\":\"a\"}\n\ndata: {\"type\":\"done\",\"content\":\"a\",\"fromGpu\":true}")
		},
		fallback: unexpected(t),
	}
	out, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "hi", nil, nil)
	require.NoError(t, err)
	assert.True(t, out.Meta.FromGPU, "trailing done record must be processed")
}

// =============================================================================
// FALLBACK PATH
// =============================================================================

func TestSend_ErrorEventTriggersOneFallback(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			sse(w, `{"type":"token","content":"par"}`, `{"type":"error","message":"stream interrupted"}`)
		},
		fallback: replyJSON("full reply", true, false),
	}
	c := newClient(t, s)
	tr := model.NewTranscript()

	out, err := c.Send(context.Background(), tr, "hi", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "full reply", out.Content)
	assert.True(t, out.Fallback())
	assert.EqualError(t, out.StreamErr, "stream interrupted")
	assert.Equal(t, Path{StateIdle, StateStreaming, StateStreamFailed, StateFallbackRequested, StateCompleted}, out.Path)

	assert.Equal(t, 1, s.fallbackCalls)
	require.Len(t, s.fallbackBodies, 1)
	require.Len(t, s.fallbackBodies[0].Messages, 1, "fallback carries the same transcript")
	assert.Equal(t, "hi", s.fallbackBodies[0].Messages[0].Content)

	msgs := tr.Snapshot()
	require.Len(t, msgs, 2, "exactly one assistant message")
	assert.Equal(t, "full reply", msgs[1].Content)
}

func TestSend_ErrorEventRaisedAfterLoop(t *testing.T) {
	var seen []string
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			sse(w, `{"type":"error","message":"first"}`, `{"type":"token","content":"late"}`, `{"type":"error","message":"second"}`)
		},
		fallback: replyJSON("ok", false, false),
	}
	out, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "hi", nil, func(tok string) { seen = append(seen, tok) })
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, seen, "records after the error are still processed")
	assert.EqualError(t, out.StreamErr, "first")
}

func TestSend_MalformedRecordTriggersFallback(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			sse(w, `{"type":"token","content":"a"}`, `{not json`, `{"type":"done","content":"a"}`)
		},
		fallback: replyJSON("recovered", false, false),
	}
	out, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Content)
	assert.Equal(t, 1, s.fallbackCalls)
}

func TestSend_BadStatusTriggersFallback(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		fallback: replyJSON("", false, true),
	}
	out, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "hi", nil, nil)
	require.NoError(t, err)
	assert.EqualError(t, out.StreamErr, "HTTP 502")
	assert.Equal(t, EmptyReply, out.Content)
	assert.True(t, out.Meta.Offline)
}

func TestSend_DoubleFailure(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			sse(w, `{"type":"error","message":"backend is not reachable"}`)
		},
		fallback: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"message":"still down"}`)
		},
	}
	tr := model.NewTranscript()
	out, err := newClient(t, s).Send(context.Background(), tr, "hi", nil, nil)

	require.Error(t, err)
	assert.Equal(t, "Error contacting server: backend is not reachable. Fallback failed: still down", err.Error())

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Path{StateIdle, StateStreaming, StateStreamFailed, StateFallbackRequested, StateDoubleFailed}, out.Path)

	msgs := tr.Snapshot()
	require.Len(t, msgs, 1, "no assistant message on double failure")
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestSend_FallbackStatusWithoutMessage(t *testing.T) {
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
		fallback: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	}
	_, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "hi", nil, nil)
	assert.EqualError(t, err, "Error contacting server: HTTP 503. Fallback failed: HTTP 503")
}

// =============================================================================
// SEND LOCK AND INPUT
// =============================================================================

func TestSend_RejectsOverlappingSends(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Bool
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			started.Store(true)
			<-release
			sse(w, `{"type":"done","content":"ok"}`)
		},
		fallback: unexpected(t),
	}
	c := newClient(t, s)
	tr := model.NewTranscript()

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), tr, "first", nil, nil)
		done <- err
	}()
	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)

	_, err := c.Send(context.Background(), tr, "second", nil, nil)
	assert.ErrorIs(t, err, ErrSendInFlight)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 2, tr.Len(), "the rejected send must not touch the transcript")

	// A different transcript is unaffected by the lock.
	other := model.NewTranscript()
	_, err = c.Send(context.Background(), other, "third", nil, nil)
	assert.NoError(t, err)
}

func TestSend_ImageOnlyTurn(t *testing.T) {
	var got chatRequest
	s := &chatServer{
		stream: func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&got)
			sse(w, `{"type":"done","content":"a cat"}`)
		},
		fallback: unexpected(t),
	}
	_, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "", []string{"data:image/png;base64,AAAA"}, nil)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Describe this image", got.Messages[0].Content)
	assert.Len(t, got.Messages[0].Images, 1)
}

func TestSend_EmptyInput(t *testing.T) {
	s := &chatServer{stream: unexpected(t), fallback: unexpected(t)}
	_, err := newClient(t, s).Send(context.Background(), model.NewTranscript(), "  ", nil, nil)
	assert.ErrorIs(t, err, model.ErrEmptyMessage)
}

// =============================================================================
// RECORD PARSING
// =============================================================================

func TestReadEvents_OneByteReads(t *testing.T) {
	body := "data: {\"type\":\"token\",\"content\":\"x\"}\n\n" +
		": comment\n\n" +
		"data:{\"type\":\"token\",\"content\":\"y\"}\n\n" +
		"data: {\"type\":\"done\",\"content\":\"xy\",\"fromGpu\":true}\n\n"

	res, err := readEvents(iotest.OneByteReader(strings.NewReader(body)), nil)
	require.NoError(t, err)
	assert.Equal(t, "xy", res.text)
	assert.Equal(t, 2, res.tokens)
	assert.True(t, res.sawDone)
	assert.True(t, res.meta.FromGPU)
}

func TestReadEvents_ReadErrorIsImmediate(t *testing.T) {
	body := io.MultiReader(strings.NewReader("data: {\"type\":\"token\",\"content\":\"x\"}\n\n"), iotest.ErrReader(errors.New("reset")))
	_, err := readEvents(body, nil)
	assert.EqualError(t, err, "reset")
}

func TestSplitRecords(t *testing.T) {
	adv, tok, err := splitRecords([]byte("a\n\nb"), false)
	require.NoError(t, err)
	assert.Equal(t, 3, adv)
	assert.Equal(t, "a", string(tok))

	adv, tok, _ = splitRecords([]byte("b"), false)
	assert.Equal(t, 0, adv)
	assert.Nil(t, tok)

	adv, tok, _ = splitRecords([]byte("b"), true)
	assert.Equal(t, 1, adv)
	assert.Equal(t, "b", string(tok))
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestMachine_RejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		bad  State
	}{
		{"skip streaming", nil, StateCompleted},
		{"fallback without failure", []State{StateStreaming}, StateFallbackRequested},
		{"leave completed", []State{StateStreaming, StateCompleted}, StateStreaming},
		{"leave double failed", []State{StateStreaming, StateStreamFailed, StateFallbackRequested, StateDoubleFailed}, StateCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine()
			for _, s := range tt.path {
				require.NoError(t, m.to(s))
			}
			assert.Error(t, m.to(tt.bad))
		})
	}
}

func TestPath_String(t *testing.T) {
	p := Path{StateIdle, StateStreaming, StateCompleted}
	assert.Equal(t, "Idle -> Streaming -> Completed", p.String())
	assert.True(t, StateDoubleFailed.Terminal())
	assert.False(t, StateStreamFailed.Terminal())
}

// =============================================================================
// HEALTH
// =============================================================================

func TestWaitReady(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		ready := n >= 3
		fmt.Fprintf(w, `{"status":"ok","gpu":{"available":false,"method":"fallback-cpu","devices":[]},"backend":{"reachable":%v,"modelReady":%v}}`, n >= 2, ready)
	}))
	defer srv.Close()

	var lines []string
	h, err := New(srv.URL).WaitReady(context.Background(), 5*time.Millisecond, func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.True(t, h.Readiness().Ready())
	assert.Equal(t, []string{
		"Starting local model…",
		"Downloading and loading the model…",
		"Local model is ready.",
	}, lines)
}

func TestWaitReady_ContextEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var lines []string
	_, err := New(srv.URL).WaitReady(ctx, 5*time.Millisecond, func(s string) { lines = append(lines, s) })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEmpty(t, lines)
	assert.Equal(t, "Waiting for startup: HTTP 500", lines[0])
}

func TestHealth_LegacyOllamaField(t *testing.T) {
	h := Health{Ollama: &model.Readiness{Reachable: true}}
	require.NotNil(t, h.Readiness())
	assert.True(t, h.Readiness().Reachable)
}
