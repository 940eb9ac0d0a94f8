package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyolabs/companion/pkg/errorsx"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		URL:            wsURL(srv),
		UserID:         "u-1",
		Token:          "tok-1",
		DialTimeout:    time.Second,
		PingInterval:   time.Hour, // keep pings out of assertions
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
}

func waitForState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func TestConnectSendReceive(t *testing.T) {
	received := make(chan Outbound, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/u-1") {
			t.Errorf("user id missing from path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var out Outbound
		_ = json.Unmarshal(data, &out)
		received <- out

		reply := `{"id":"m-1","content":"hello back","sender":"mentor","created_at":"2025-02-01T10:00:00Z","message_type":"text"}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))

		// Hold the connection open until the client closes.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(testConfig(srv), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, c.States(), StateOpen)

	if err := c.Send(NewUserMessagePayload("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case out := <-received:
		if out.Type != TypeUserMessage || out.Text != "hi" {
			t.Fatalf("server got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received payload")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == EventMessage {
				if ev.Inbound.Message.Content != "hello back" {
					t.Fatalf("unexpected message %+v", ev.Inbound.Message)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no inbound message event")
		}
	}
}

func TestSendBinaryForwardsAudio(t *testing.T) {
	type wsMsg struct {
		typ  int
		data []byte
	}
	received := make(chan wsMsg, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- wsMsg{typ: typ, data: data}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(testConfig(srv), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, c.States(), StateOpen)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := c.SendBinary(pcm); err != nil {
		t.Fatalf("send binary: %v", err)
	}

	select {
	case m := <-received:
		if m.typ != websocket.BinaryMessage {
			t.Fatalf("expected binary message, got type %d", m.typ)
		}
		if string(m.data) != string(pcm) {
			t.Fatalf("server got % x", m.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received binary payload")
	}
}

func TestSendWhenNotConnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:0", UserID: "u-1"}, nil)
	defer c.Close()

	err := c.Send(NewTranscriptPayload("hello"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonNotConnected) {
		t.Fatalf("expected not_connected reason, got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	accepts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepts++
		n := accepts
		mu.Unlock()
		if n == 1 {
			// Drop the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(testConfig(srv), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, c.States(), StateOpen)
	waitForState(t, c.States(), StateReconnecting)
	waitForState(t, c.States(), StateOpen)

	mu.Lock()
	defer mu.Unlock()
	if accepts != 2 {
		t.Fatalf("expected 2 accepts, got %d", accepts)
	}
}

func TestStateChangeBypassesEventBacklog(t *testing.T) {
	var mu sync.Mutex
	accepts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepts++
		n := accepts
		mu.Unlock()
		if n == 1 {
			// Fill the client's event buffer, then drop the connection.
			msg := `{"id":"m-1","content":"backlog","sender":"mentor","created_at":"2025-02-01T10:00:00Z"}`
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
			conn.Close()
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.EventBuffer = 1
	c := New(cfg, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Events is never drained: the buffered message holds its only slot.
	// The lifecycle stream must still report the drop and the recovery.
	waitForState(t, c.States(), StateOpen)
	waitForState(t, c.States(), StateReconnecting)
	waitForState(t, c.States(), StateOpen)
}

func TestQueryTokenFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(testConfig(srv), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect with fallback: %v", err)
	}
	waitForState(t, c.States(), StateOpen)
}

func TestAuthRejectedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(testConfig(srv), nil)
	defer c.Close()

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatalf("expected auth error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonAuthRejected) {
		t.Fatalf("expected auth_rejected reason, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected after auth rejection, got %s", c.State())
	}
}

func TestConnectIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(testConfig(srv), nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, c.States(), StateOpen)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("second connect changed state to %s", c.State())
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(testConfig(srv), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, c.States(), StateOpen)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}

	err := c.Send(NewTranscriptPayload("late"))
	if !errorsx.HasReason(err, errorsx.ReasonNotConnected) {
		t.Fatalf("expected not_connected after close, got %v", err)
	}
}

func TestDecodeInbound(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"type":"connected","session_id":"s-1"}`))
	if err != nil {
		t.Fatalf("control decode: %v", err)
	}
	if in.Control == nil || in.Control.Type != ControlConnected || in.Control.SessionID != "s-1" {
		t.Fatalf("unexpected control: %+v", in.Control)
	}

	in, err = DecodeInbound([]byte(`{"id":"m-1","content":"hi","sender":"mentor","created_at":"2025-02-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("message decode: %v", err)
	}
	if in.Message == nil || in.Message.Content != "hi" {
		t.Fatalf("unexpected message: %+v", in.Message)
	}

	for _, raw := range []string{`not json`, `{"foo":1}`, `{"type":"mystery"}`} {
		if _, err := DecodeInbound([]byte(raw)); err == nil {
			t.Fatalf("expected decode error for %q", raw)
		}
		if _, err := DecodeInbound([]byte(raw)); !errorsx.HasReason(err, errorsx.ReasonDecode) {
			t.Fatalf("expected decode reason for %q", raw)
		}
	}
}
