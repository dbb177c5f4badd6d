// transport.go — 传输层契约与重连退避。
//
// 一个 Transport 服务一个会话: 内部自动重连, 掉线通过 Reconnecting
// 事件上报, 永久关闭 (Close 或 ctx 取消) 后事件通道关闭。
package stream

import (
	"context"
	"net/http"
	"time"
)

// StreamEvent 传输层向上递交的一个事件。
//
// 三种形态:
//   - Frame 非 nil: 一条入站帧
//   - Reconnecting=true: 本次连接掉线 (Err 为原因), 退避后自动重连
//   - 通道关闭: 传输层已永久终止
type StreamEvent struct {
	Frame        *Frame
	Reconnecting bool
	Err          error
}

// Transport 单个会话的入站帧流。
type Transport interface {
	// Name 传输类型标识 ("sse" / "ws"), 仅用于日志。
	Name() string
	// Events 返回事件通道。传输层永久关闭后通道关闭。
	Events() <-chan StreamEvent
	// Close 终止传输并等待内部协程退出。幂等。
	Close() error
}

// DialFunc 按会话建立传输层, Manager 在挂载与重拨时调用。
type DialFunc func(ctx context.Context, sessionID string) (Transport, error)

// ========================================
// 传输参数
// ========================================

const (
	defaultReconnectInitial = 500 * time.Millisecond
	defaultReconnectMax     = 10 * time.Second
	defaultHeartbeatTimeout = 45 * time.Second
	defaultHandshakeTimeout = 5 * time.Second

	// 事件通道容量: Manager 消费很快, 缓冲只为抹平突发
	eventChanSize = 64

	// SSE 单行上限 (工具结果可能很大)
	sseInitialBufBytes = 64 * 1024
	sseMaxLineBytes    = 2 * 1024 * 1024
)

// Options 传输层参数, 零值字段取默认。
type Options struct {
	BaseURL          string        // 后端地址, 如 http://127.0.0.1:8787
	ReconnectInitial time.Duration // 重连退避起点 (默认 500ms)
	ReconnectMax     time.Duration // 退避上限 (默认 10s)
	HeartbeatTimeout time.Duration // 超过该时长无帧视为掉线 (默认 45s, <0 禁用)
	HTTPClient       *http.Client  // SSE 用; 长连接, 不设全局超时
	Header           http.Header   // 附加请求头 (鉴权等)
}

func (o Options) withDefaults() Options {
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = defaultReconnectInitial
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return o
}

// DialerFor 返回指定传输类型的 DialFunc ("ws" 之外一律按 SSE 处理)。
func DialerFor(kind string, opts Options) DialFunc {
	if kind == "ws" {
		return func(ctx context.Context, sessionID string) (Transport, error) {
			return DialWS(ctx, sessionID, opts)
		}
	}
	return func(ctx context.Context, sessionID string) (Transport, error) {
		return DialSSE(ctx, sessionID, opts)
	}
}

// ========================================
// 重连退避
// ========================================

// reconnectDelay 指数退避: attempt 1 → 0 (立即), 2 → initial,
// 3 → 2×initial, ... 封顶 max。曾正常送达过帧的连接掉线后
// attempt 会被重置, 因此首次重试总是立即发起。
func reconnectDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := initial
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// sleepWithContext 等待 delay, ctx 取消时提前返回 false。
func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
