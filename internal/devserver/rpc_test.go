package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/studio-run/go-studio-v2/internal/rpc"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *rpc.Client) {
	t.Helper()
	s := NewServer(Options{FrameDelay: time.Millisecond, HeartbeatInterval: time.Second})
	ts := httptest.NewServer(s.Engine())
	t.Cleanup(ts.Close)
	return s, ts, rpc.NewClient(ts.URL, 5*time.Second)
}

func TestRPC_SessionLifecycle(t *testing.T) {
	_, _, client := newTestServer(t)
	ctx := context.Background()

	sess, err := client.CreateSession(ctx, "my session", "/tmp")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" || sess.Title != "my session" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	list, err := client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Fatalf("list = %+v, want one session %s", list, sess.ID)
	}

	if err := client.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err = client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %+v", list)
	}
}

func TestRPC_CreateSessionRequiresTitle(t *testing.T) {
	_, _, client := newTestServer(t)
	_, err := client.CreateSession(context.Background(), "", "")
	assertRPCCode(t, err, rpc.CodeInvalidParams)
}

func TestRPC_SendToUnknownSession(t *testing.T) {
	_, _, client := newTestServer(t)
	err := client.SendMessage(context.Background(), "no-such-session", "hello")
	assertRPCCode(t, err, rpc.CodeServerError)
}

func TestRPC_SendRejectsConcurrentTurn(t *testing.T) {
	s, _, client := newTestServer(t)
	ctx := context.Background()

	sess := s.registry.Create("t", "")
	// 手动占住轮次
	entry, _ := s.registry.Get(sess.ID)
	_, gen, ok := entry.beginTurn()
	if !ok {
		t.Fatal("begin turn failed")
	}

	err := client.SendMessage(ctx, sess.ID, "hello")
	assertRPCCode(t, err, rpc.CodeServerError)

	entry.endTurn(gen)
	if err := client.SendMessage(ctx, sess.ID, "hello"); err != nil {
		t.Fatalf("send after turn ended: %v", err)
	}
}

func TestRPC_CancelWithoutTurn(t *testing.T) {
	s, _, client := newTestServer(t)
	sess := s.registry.Create("t", "")

	err := client.CancelTurn(context.Background(), sess.ID)
	assertRPCCode(t, err, rpc.CodeServerError)
}

func TestRPC_SendThenCancel(t *testing.T) {
	s, _, client := newTestServer(t)
	ctx := context.Background()

	// 大间隔脚本, 保证取消时轮次还在途
	s.player.delay = time.Second
	sess := s.registry.Create("t", "")

	if err := client.SendMessage(ctx, sess.ID, "/tools 10"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.CancelTurn(ctx, sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 取消后可以立即开新轮次
	if err := client.SendMessage(ctx, sess.ID, "hello"); err != nil {
		t.Fatalf("send after cancel: %v", err)
	}
}

func TestRPC_UnknownMethod(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp := postRPC(t, ts.URL, `{"method":"bogus.method","id":1}`)
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp)
	}
}

func TestRPC_MalformedBody(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp := postRPC(t, ts.URL, `{not json`)
	if resp.Error == nil || resp.Error.Code != rpc.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}
}

// ========================================
// 辅助
// ========================================

func assertRPCCode(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *rpc.Error in chain, got %v", err)
	}
	if rpcErr.Code != code {
		t.Fatalf("rpc code = %d, want %d (%v)", rpcErr.Code, code, err)
	}
}

func postRPC(t *testing.T, baseURL, body string) *rpc.Response {
	t.Helper()
	httpResp, err := http.Post(baseURL+"/rpc", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer httpResp.Body.Close()

	var resp rpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}
