package stream

import (
	"context"
	"testing"
	"time"
)

// ========================================
// 退避与工具函数测试
// ========================================

func TestReconnectDelay(t *testing.T) {
	initial := 500 * time.Millisecond
	max := 10 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{4, 2 * time.Second},
		{5, 4 * time.Second},
		{6, 8 * time.Second},
		{7, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tc := range tests {
		if got := reconnectDelay(tc.attempt, initial, max); got != tc.want {
			t.Errorf("reconnectDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestSleepWithContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if sleepWithContext(ctx, 5*time.Second) {
		t.Fatal("cancelled sleep must return false")
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not return promptly on cancel")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.ReconnectInitial != defaultReconnectInitial {
		t.Errorf("ReconnectInitial = %v", o.ReconnectInitial)
	}
	if o.ReconnectMax != defaultReconnectMax {
		t.Errorf("ReconnectMax = %v", o.ReconnectMax)
	}
	if o.HeartbeatTimeout != defaultHeartbeatTimeout {
		t.Errorf("HeartbeatTimeout = %v", o.HeartbeatTimeout)
	}

	// 负值显式禁用心跳看门狗
	disabled := Options{HeartbeatTimeout: -1}.withDefaults()
	if disabled.HeartbeatTimeout != -1 {
		t.Errorf("disabled HeartbeatTimeout = %v", disabled.HeartbeatTimeout)
	}
}

func TestDialerFor(t *testing.T) {
	opts := Options{BaseURL: "http://127.0.0.1:1"} // 不会真正连上, 连接是惰性的

	sse, err := DialerFor("sse", opts)(context.Background(), "s1")
	if err != nil {
		t.Fatalf("sse dial: %v", err)
	}
	defer sse.Close()
	if sse.Name() != "sse" {
		t.Errorf("name = %q, want sse", sse.Name())
	}

	ws, err := DialerFor("ws", opts)(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer ws.Close()
	if ws.Name() != "ws" {
		t.Errorf("name = %q, want ws", ws.Name())
	}
}
