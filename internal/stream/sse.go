// sse.go — SSE 传输: GET /stream 长连接, 命名事件即帧。
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	pkgerr "github.com/studio-run/go-studio-v2/pkg/errors"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

// SSETransport 基于 Server-Sent Events 的帧流。
type SSETransport struct {
	sessionID string
	opts      Options
	client    *http.Client
	events    chan StreamEvent
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	done      chan struct{}
}

// DialSSE 建立 SSE 传输。连接是惰性的: 本函数立即返回,
// 首个 HTTP 请求在内部协程发起, 结果通过事件通道反馈。
func DialSSE(ctx context.Context, sessionID string, opts Options) (Transport, error) {
	if sessionID == "" {
		return nil, pkgerr.Wrap(pkgerr.ErrNoSession, "stream.DialSSE", "empty session id")
	}
	t := &SSETransport{
		sessionID: sessionID,
		opts:      opts.withDefaults(),
		events:    make(chan StreamEvent, eventChanSize),
		done:      make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	if t.opts.HTTPClient != nil {
		t.client = t.opts.HTTPClient
	} else {
		t.client = &http.Client{}
	}
	util.SafeGo(func() { t.run() })
	return t, nil
}

func (t *SSETransport) Name() string { return "sse" }

func (t *SSETransport) Events() <-chan StreamEvent { return t.events }

// Close 终止传输。等待内部协程退出, 保证返回后事件通道已关闭。
func (t *SSETransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	<-t.done
	return nil
}

func (t *SSETransport) run() {
	defer close(t.done)
	defer close(t.events)

	attempt := 0
	for {
		if t.ctx.Err() != nil {
			return
		}
		delivered, err := t.streamOnce()
		if t.ctx.Err() != nil {
			return
		}
		if delivered {
			attempt = 1
		} else {
			attempt++
		}
		if !t.emit(StreamEvent{Reconnecting: true, Err: err}) {
			return
		}
		logger.Warn("stream: sse connection lost, retrying",
			logger.FieldSessionID, t.sessionID,
			logger.FieldAttempt, attempt,
			logger.FieldError, err,
		)
		if !sleepWithContext(t.ctx, reconnectDelay(attempt, t.opts.ReconnectInitial, t.opts.ReconnectMax)) {
			return
		}
	}
}

// streamOnce 跑一轮连接直到掉线。返回本轮是否送达过帧。
func (t *SSETransport) streamOnce() (bool, error) {
	const op = "SSETransport.stream"

	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, sseURL(t.opts.BaseURL, t.sessionID), nil)
	if err != nil {
		return false, pkgerr.Wrap(err, op, "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, vs := range t.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, pkgerr.Wrap(err, op, "connect")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, pkgerr.Newf(op, "unexpected status %d", resp.StatusCode)
	}

	// 心跳看门狗: 超时无帧则掐断本次连接, 走重连路径。
	var staleFired atomic.Bool
	var stale *time.Timer
	if t.opts.HeartbeatTimeout > 0 {
		body := resp.Body
		stale = time.AfterFunc(t.opts.HeartbeatTimeout, func() {
			staleFired.Store(true)
			_ = body.Close()
		})
		defer stale.Stop()
	}

	delivered := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, sseInitialBufBytes), sseMaxLineBytes)

	var eventName string
	var dataLines []string
	flush := func() bool {
		if eventName == "" && len(dataLines) == 0 {
			return true
		}
		f := &Frame{Type: eventName}
		if len(dataLines) > 0 {
			f.Data = json.RawMessage(strings.Join(dataLines, "\n"))
		}
		eventName = ""
		dataLines = nil
		if stale != nil {
			stale.Reset(t.opts.HeartbeatTimeout)
		}
		delivered = true
		return t.emit(StreamEvent{Frame: f})
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// 空行 = 事件边界
			if !flush() {
				return delivered, nil
			}
		case strings.HasPrefix(line, ":"):
			// SSE 注释行
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id:/retry: 等字段不参与状态
		}
	}
	_ = flush()

	if staleFired.Load() {
		return delivered, pkgerr.Wrap(pkgerr.ErrTimeout, op, "heartbeat stale")
	}
	if err := scanner.Err(); err != nil {
		return delivered, pkgerr.Wrap(err, op, "read stream")
	}
	return delivered, pkgerr.Wrap(pkgerr.ErrStreamClosed, op, "server closed stream")
}

func (t *SSETransport) emit(ev StreamEvent) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func sseURL(base, sessionID string) string {
	return strings.TrimRight(base, "/") + "/stream?sessionId=" + url.QueryEscape(sessionID)
}
