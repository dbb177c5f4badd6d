package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pkgerr "github.com/studio-run/go-studio-v2/pkg/errors"
)

var testUpgrader = websocket.Upgrader{}

// ========================================
// WebSocket 传输测试
// ========================================

func TestWSTransportDeliversFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("sessionId"); got != "s1" {
			t.Errorf("sessionId = %q, want s1", got)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(Frame{Type: FrameConnected})
		_ = conn.WriteJSON(Frame{Type: FrameTool, Data: json.RawMessage(`{"id":"t1","name":"grep","status":"running"}`)})
		// 坏消息必须被跳过而不是断流
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(Frame{Type: FrameComplete, Data: json.RawMessage(`{"content":"done"}`)})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr, err := DialWS(context.Background(), "s1", Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	frames := collectFrames(t, tr, 3)
	wantTypes := []string{FrameConnected, FrameTool, FrameComplete}
	for i, want := range wantTypes {
		if frames[i].Type != want {
			t.Errorf("frames[%d].Type = %q, want %q", i, frames[i].Type, want)
		}
	}
}

func TestWSTransportReconnects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// 第一条连接立刻断开
			conn.Close()
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(Frame{Type: FrameConnected})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr, err := DialWS(context.Background(), "s1", Options{
		BaseURL:          srv.URL,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	sawReconnecting := false
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				t.Fatal("events closed before reconnect")
			}
			if ev.Reconnecting {
				sawReconnecting = true
			}
			if ev.Frame != nil && ev.Frame.Type == FrameConnected {
				if !sawReconnecting {
					t.Error("dropped first connection must produce a Reconnecting event")
				}
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for reconnect")
		}
	}
}

func TestWSTransportCloseUnblocksRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(Frame{Type: FrameConnected})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr, err := DialWS(context.Background(), "s1", Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	collectFrames(t, tr, 1)

	done := make(chan struct{})
	go func() {
		_ = tr.Close()
		_ = tr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an open read")
	}
}

func TestWSTransportEmptySessionID(t *testing.T) {
	if _, err := DialWS(context.Background(), "", Options{BaseURL: "http://127.0.0.1:1"}); !errors.Is(err, pkgerr.ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

// ========================================
// URL 换算测试
// ========================================

func TestWSURL(t *testing.T) {
	tests := []struct {
		base, sessionID, want string
	}{
		{"http://127.0.0.1:8787", "s1", "ws://127.0.0.1:8787/ws?sessionId=s1"},
		{"https://api.example.com", "s1", "wss://api.example.com/ws?sessionId=s1"},
		{"http://host/base/", "s1", "ws://host/base/ws?sessionId=s1"},
		{"ws://host:9", "s1", "ws://host:9/ws?sessionId=s1"},
		{"http://host", "a b", "ws://host/ws?sessionId=a+b"},
	}
	for _, tc := range tests {
		got, err := wsURL(tc.base, tc.sessionID)
		if err != nil {
			t.Errorf("wsURL(%q): %v", tc.base, err)
			continue
		}
		if got != tc.want {
			t.Errorf("wsURL(%q, %q) = %q, want %q", tc.base, tc.sessionID, got, tc.want)
		}
	}
}

func TestWSURLBadScheme(t *testing.T) {
	if _, err := wsURL("ftp://host", "s1"); err == nil {
		t.Fatal("want error for unsupported scheme")
	}
}
