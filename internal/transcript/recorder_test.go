package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/studio-run/go-studio-v2/internal/store"
	"github.com/studio-run/go-studio-v2/internal/stream"
)

// ========================================
// 假 sink
// ========================================

type fakeEventSink struct {
	mu     sync.Mutex
	events []store.TurnEvent
	err    error
	calls  int
}

func (f *fakeEventSink) InsertBatch(_ context.Context, events []store.TurnEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeEventSink) all() []store.TurnEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.TurnEvent(nil), f.events...)
}

type finishedTurn struct {
	id     int64
	params store.FinishParams
}

type fakeTurnSink struct {
	mu       sync.Mutex
	nextID   int64
	began    []string // content 顺序
	finished []finishedTurn
}

func (f *fakeTurnSink) Begin(_ context.Context, _, content string, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.began = append(f.began, content)
	return f.nextID, nil
}

func (f *fakeTurnSink) Finish(_ context.Context, id int64, p store.FinishParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, finishedTurn{id: id, params: p})
	return nil
}

// ========================================
// 端到端: 广播 → 落库
// ========================================

func TestRecorder_RecordsFramesAndTurn(t *testing.T) {
	events := &fakeEventSink{}
	turns := &fakeTurnSink{}
	notifier := stream.NewNotifier()

	rec := NewRecorder(events, turns)
	rec.Start(notifier)

	// 模拟一个完整轮次
	rec.NoteSubmit("s1", "list my files")
	processing := stream.NewSessionState("s1")
	processing.ConnectionStatus = stream.StatusConnected
	processing.Processing = true
	processing.StartTime = time.Now().UnixMilli()
	notifier.PublishState(processing)

	notifier.PublishFrame("s1", &stream.Frame{
		Type: stream.FrameTool,
		Data: json.RawMessage(`{"id":"t1","name":"list_files","status":"running"}`),
	})
	notifier.PublishFrame("s1", &stream.Frame{Type: stream.FrameHeartbeat})
	notifier.PublishFrame("s1", &stream.Frame{
		Type: stream.FrameComplete,
		Data: json.RawMessage(`{"content":"done"}`),
	})

	done := processing
	done.Processing = false
	done.FinalContent = "done"
	done.ToolCalls = []stream.ToolCallRecord{{ID: "t1", Name: "list_files"}}
	notifier.PublishState(done)

	rec.Stop(notifier)

	got := events.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 recorded frames (heartbeat skipped), got %d", len(got))
	}
	if got[0].Frame != stream.FrameTool || got[1].Frame != stream.FrameComplete {
		t.Errorf("frames = [%s, %s], want [tool, complete]", got[0].Frame, got[1].Frame)
	}

	turns.mu.Lock()
	defer turns.mu.Unlock()
	if len(turns.began) != 1 || turns.began[0] != "list my files" {
		t.Fatalf("began = %v, want [list my files]", turns.began)
	}
	if len(turns.finished) != 1 {
		t.Fatalf("expected 1 finished turn, got %d", len(turns.finished))
	}
	fin := turns.finished[0]
	if fin.params.Status != store.TurnStatusCompleted {
		t.Errorf("status = %q, want completed", fin.params.Status)
	}
	if fin.params.FinalContent != "done" {
		t.Errorf("final content = %q, want done", fin.params.FinalContent)
	}
	if fin.params.ToolCallCount != 1 {
		t.Errorf("tool count = %d, want 1", fin.params.ToolCallCount)
	}
}

func TestRecorder_CancelledTurnStatus(t *testing.T) {
	events := &fakeEventSink{}
	turns := &fakeTurnSink{}
	notifier := stream.NewNotifier()

	rec := NewRecorder(events, turns)
	rec.Start(notifier)

	s := stream.NewSessionState("s1")
	s.ConnectionStatus = stream.StatusConnected
	s.Processing = true
	notifier.PublishState(s)

	s.Processing = false
	s.Cancelled = true
	notifier.PublishState(s)

	rec.Stop(notifier)

	turns.mu.Lock()
	defer turns.mu.Unlock()
	if len(turns.finished) != 1 {
		t.Fatalf("expected 1 finished turn, got %d", len(turns.finished))
	}
	if turns.finished[0].params.Status != store.TurnStatusCancelled {
		t.Errorf("status = %q, want cancelled", turns.finished[0].params.Status)
	}
}

// ========================================
// 健康门
// ========================================

func TestRecorder_UnhealthyAfterRepeatedFailures(t *testing.T) {
	events := &fakeEventSink{err: errors.New("db down")}
	rec := NewRecorder(events, nil)

	batch := []store.TurnEvent{{SessionID: "s1", Frame: "tool"}}
	for range 3 {
		rec.flush(batch)
	}
	if rec.Healthy() {
		t.Fatal("expected unhealthy after 3 consecutive failures")
	}

	// 探测窗口内的批次直接丢弃, 不再打 DB
	calls := events.calls
	rec.flush(batch)
	if events.calls != calls {
		t.Error("expected no DB call while unhealthy inside probe window")
	}
	if rec.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", rec.Dropped())
	}

	// 过了探测时间且 DB 恢复 → 试写成功, 恢复健康
	events.mu.Lock()
	events.err = nil
	events.mu.Unlock()
	rec.probeAt = time.Now().Add(-time.Second)
	rec.flush(batch)
	if !rec.Healthy() {
		t.Error("expected healthy after successful probe write")
	}
	if len(events.all()) != 1 {
		t.Errorf("expected probe batch persisted, got %d events", len(events.all()))
	}
}

func TestRecorder_StartIsIdempotent(t *testing.T) {
	notifier := stream.NewNotifier()
	rec := NewRecorder(&fakeEventSink{}, nil)
	rec.Start(notifier)
	rec.Start(notifier) // 第二次无效果
	if notifier.SubscriberCount() != 1 {
		t.Errorf("subscriber count = %d, want 1", notifier.SubscriberCount())
	}
	rec.Stop(notifier)
}
