// ws.go — WebSocket 传输: 每条消息一个 JSON 帧信封。
package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	pkgerr "github.com/studio-run/go-studio-v2/pkg/errors"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

// WSTransport 基于 WebSocket 的帧流。
type WSTransport struct {
	sessionID string
	opts      Options
	events    chan StreamEvent
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	done      chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

// DialWS 建立 WebSocket 传输。与 SSE 一致是惰性连接。
func DialWS(ctx context.Context, sessionID string, opts Options) (Transport, error) {
	if sessionID == "" {
		return nil, pkgerr.Wrap(pkgerr.ErrNoSession, "stream.DialWS", "empty session id")
	}
	t := &WSTransport{
		sessionID: sessionID,
		opts:      opts.withDefaults(),
		events:    make(chan StreamEvent, eventChanSize),
		done:      make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	util.SafeGo(func() { t.run() })
	return t, nil
}

func (t *WSTransport) Name() string { return "ws" }

func (t *WSTransport) Events() <-chan StreamEvent { return t.events }

// Close 终止传输。关闭当前连接以解除 ReadMessage 阻塞, 等协程退出。
func (t *WSTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.connMu.Unlock()
	<-t.done
	return nil
}

func (t *WSTransport) run() {
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
		logger.Warn("stream: ws connection lost, retrying",
			logger.FieldSessionID, t.sessionID,
			logger.FieldAttempt, attempt,
			logger.FieldError, err,
		)
		if !sleepWithContext(t.ctx, reconnectDelay(attempt, t.opts.ReconnectInitial, t.opts.ReconnectMax)) {
			return
		}
	}
}

func (t *WSTransport) streamOnce() (bool, error) {
	const op = "WSTransport.stream"

	conn, err := t.dialOnce()
	if err != nil {
		return false, pkgerr.Wrap(err, op, "dial")
	}
	t.replaceConn(conn)

	delivered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() != nil {
				return delivered, nil
			}
			return delivered, pkgerr.Wrap(err, op, "read message")
		}
		t.resetReadDeadline(conn)

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			// 单条坏消息不断流
			logger.Warn("stream: malformed ws frame skipped",
				logger.FieldSessionID, t.sessionID,
				logger.FieldError, err,
			)
			continue
		}
		delivered = true
		if !t.emit(StreamEvent{Frame: &f}) {
			return delivered, nil
		}
	}
}

func (t *WSTransport) dialOnce() (*websocket.Conn, error) {
	target, err := wsURL(t.opts.BaseURL, t.sessionID)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: defaultHandshakeTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(t.ctx, target, t.opts.Header)
	if err != nil {
		return nil, err
	}
	t.resetReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		t.resetReadDeadline(conn)
		return nil
	})
	return conn, nil
}

func (t *WSTransport) resetReadDeadline(conn *websocket.Conn) {
	if t.opts.HeartbeatTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.HeartbeatTimeout))
	}
}

func (t *WSTransport) replaceConn(conn *websocket.Conn) {
	t.connMu.Lock()
	prev := t.conn
	t.conn = conn
	t.connMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

func (t *WSTransport) emit(ev StreamEvent) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// wsURL 把 http(s) 基址换算成 ws(s) 流地址。
func wsURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", pkgerr.Wrap(err, "stream.wsURL", "parse base url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", pkgerr.Newf("stream.wsURL", "unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
