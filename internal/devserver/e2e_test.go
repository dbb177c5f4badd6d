package devserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/studio-run/go-studio-v2/internal/rpc"
	"github.com/studio-run/go-studio-v2/internal/stream"
)

// 全链路集成: 真 HTTP 服务 + 真传输 + 真状态机, 不打桩。

func newLiveStack(t *testing.T, transport string, frameDelay time.Duration) (*rpc.Client, *stream.Manager, *stream.Notifier) {
	t.Helper()
	s := NewServer(Options{FrameDelay: frameDelay, HeartbeatInterval: 200 * time.Millisecond})
	ts := httptest.NewServer(s.Engine())
	t.Cleanup(ts.Close)

	client := rpc.NewClient(ts.URL, 5*time.Second)
	notifier := stream.NewNotifier()
	mgr := stream.NewManager(
		stream.DialerFor(transport, stream.Options{BaseURL: ts.URL}),
		client,
		notifier,
		stream.ManagerOptions{RPCTimeout: 5 * time.Second},
	)
	t.Cleanup(func() { _ = mgr.Close() })
	return client, mgr, notifier
}

// waitSnapshot 轮询快照直到条件成立。
func waitSnapshot(t *testing.T, mgr *stream.Manager, what string, cond func(stream.SessionState) bool) stream.SessionState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := mgr.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, last snapshot: %+v", what, mgr.Snapshot())
	return stream.SessionState{}
}

func attachAndConnect(t *testing.T, client *rpc.Client, mgr *stream.Manager) *rpc.Session {
	t.Helper()
	sess, err := client.CreateSession(context.Background(), "e2e", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := mgr.Attach(context.Background(), sess.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	waitSnapshot(t, mgr, "connected", func(s stream.SessionState) bool {
		return s.ConnectionStatus == stream.StatusConnected
	})
	return sess
}

func TestE2E_SubmitCompletesOverSSE(t *testing.T) {
	client, mgr, _ := newLiveStack(t, "sse", time.Millisecond)
	attachAndConnect(t, client, mgr)

	if err := mgr.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitSnapshot(t, mgr, "turn completion", func(s stream.SessionState) bool {
		return !s.Processing && s.FinalContent != ""
	})

	if final.FinalContent != "echo: hello" {
		t.Errorf("FinalContent = %q, want %q", final.FinalContent, "echo: hello")
	}
	if final.Reasoning != "scripted response" {
		t.Errorf("Reasoning = %q", final.Reasoning)
	}
	if len(final.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(final.ToolCalls))
	}
	tc := final.ToolCalls[0]
	if tc.Name != "echo" || tc.Status != stream.ToolStatusCompleted {
		t.Errorf("tool call = %+v", tc)
	}
	if final.Error != "" {
		t.Errorf("unexpected error: %q", final.Error)
	}
}

func TestE2E_SubmitCompletesOverWS(t *testing.T) {
	client, mgr, _ := newLiveStack(t, "ws", time.Millisecond)
	attachAndConnect(t, client, mgr)

	if err := mgr.Submit(context.Background(), "hello over ws"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitSnapshot(t, mgr, "turn completion", func(s stream.SessionState) bool {
		return !s.Processing && s.FinalContent != ""
	})
	if final.FinalContent != "echo: hello over ws" {
		t.Errorf("FinalContent = %q", final.FinalContent)
	}
}

func TestE2E_RateLimitSurfacesThenClears(t *testing.T) {
	client, mgr, notifier := newLiveStack(t, "sse", time.Millisecond)
	sess := attachAndConnect(t, client, mgr)

	sub := notifier.Subscribe("e2e-ratelimit", stream.FrameTopic(sess.ID))
	defer notifier.Unsubscribe("e2e-ratelimit")

	if err := mgr.Submit(context.Background(), "/ratelimit 2"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitSnapshot(t, mgr, "turn completion", func(s stream.SessionState) bool {
		return !s.Processing && s.FinalContent != ""
	})

	if final.FinalContent != "recovered after backoff" {
		t.Errorf("FinalContent = %q", final.FinalContent)
	}
	if final.RateLimit != nil {
		t.Errorf("RateLimit should be cleared at completion, got %+v", final.RateLimit)
	}

	// 帧流里应当出现过 2 条限流帧
	rateLimits := 0
	for {
		select {
		case u := <-sub.Ch:
			if u.Frame != nil && u.Frame.Type == stream.FrameRateLimit {
				rateLimits++
			}
		default:
			if rateLimits != 2 {
				t.Errorf("rate_limit frames = %d, want 2", rateLimits)
			}
			return
		}
	}
}

func TestE2E_CancelEndsTurn(t *testing.T) {
	// 大帧间隔, 保证取消时轮次还在途
	client, mgr, _ := newLiveStack(t, "sse", 300*time.Millisecond)
	attachAndConnect(t, client, mgr)

	if err := mgr.Submit(context.Background(), "/tools 10"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := mgr.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final := waitSnapshot(t, mgr, "cancelled state", func(s stream.SessionState) bool {
		return s.Cancelled && !s.Processing
	})
	if final.Cancelling {
		t.Error("Cancelling flag should be cleared")
	}
	if final.Error != "" {
		t.Errorf("unexpected error after cancel: %q", final.Error)
	}
}

func TestE2E_ScriptedFailureSurfacesError(t *testing.T) {
	client, mgr, _ := newLiveStack(t, "sse", time.Millisecond)
	attachAndConnect(t, client, mgr)

	if err := mgr.Submit(context.Background(), "/fail boom"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitSnapshot(t, mgr, "errored turn", func(s stream.SessionState) bool {
		return !s.Processing && s.Error != ""
	})
	if final.Error != "boom" {
		t.Errorf("Error = %q, want %q", final.Error, "boom")
	}
	if final.FinalContent != "" {
		t.Errorf("unexpected FinalContent: %q", final.FinalContent)
	}
}

func TestE2E_SessionSwitchResetsState(t *testing.T) {
	client, mgr, _ := newLiveStack(t, "sse", time.Millisecond)
	attachAndConnect(t, client, mgr)

	if err := mgr.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitSnapshot(t, mgr, "turn completion", func(s stream.SessionState) bool {
		return !s.Processing && s.FinalContent != ""
	})

	other, err := client.CreateSession(context.Background(), "other", "")
	if err != nil {
		t.Fatalf("create second session: %v", err)
	}
	if err := mgr.Attach(context.Background(), other.ID); err != nil {
		t.Fatalf("attach second: %v", err)
	}
	snap := waitSnapshot(t, mgr, "second session connected", func(s stream.SessionState) bool {
		return s.SessionID == other.ID && s.ConnectionStatus == stream.StatusConnected
	})
	if snap.FinalContent != "" || len(snap.ToolCalls) != 0 {
		t.Errorf("state leaked across sessions: %+v", snap)
	}
}
