// manager.go — 连接生命周期管理器: 每会话至多一条传输, 持有状态机并广播快照。
//
// 并发模型: 所有状态读写在 m.mu 下进行, 广播也在锁内发出以保证
// 快照顺序与状态历史一致 (Notifier 自身不阻塞, onPublish 回调须快速返回)。
// readLoop 用代数 (gen) 识别旧传输的残留事件。
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerr "github.com/studio-run/go-studio-v2/pkg/errors"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

// CommandClient 出站命令通道。流内只上行两种命令, 提交与取消,
// 均为独立的请求/响应调用, 不走帧流。
type CommandClient interface {
	SendMessage(ctx context.Context, sessionID, content string) error
	CancelTurn(ctx context.Context, sessionID string) error
}

// ManagerOptions Manager 行为参数。
type ManagerOptions struct {
	RPCTimeout time.Duration // 出站命令超时, 0 = 跟随调用方 ctx
}

// Manager 会话流生命周期管理器。
//
// 同一时刻至多挂载一个会话、持有一条传输。换会话 = 整体拆除再重建,
// 拆除是幂等的。空会话 ID 不开流。
type Manager struct {
	dial       DialFunc
	commands   CommandClient
	notifier   *Notifier
	rpcTimeout time.Duration

	mu        sync.RWMutex
	state     SessionState
	transport Transport
	readDone  chan struct{}
	gen       int64 // 传输代数, 每次拆建递增

	lastFrameAt atomic.Int64 // 最近一帧毫秒时间戳, watchdog 用

	nowFn func() time.Time
}

// NewManager 构造管理器。notifier 可为 nil (无人订阅时只维护状态)。
func NewManager(dial DialFunc, commands CommandClient, notifier *Notifier, opts ManagerOptions) *Manager {
	return &Manager{
		dial:       dial,
		commands:   commands,
		notifier:   notifier,
		rpcTimeout: opts.RPCTimeout,
		state:      NewSessionState(""),
		nowFn:      time.Now,
	}
}

// ========================================
// 挂载 / 拆除
// ========================================

// Attach 切换到指定会话。
//
// 同会话且传输仍在 → 不动。否则拆掉旧传输 (等 readLoop 退出),
// 状态整体重置, 再为新会话建流。空 ID 只重置状态, 不开流。
func (m *Manager) Attach(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if sessionID != "" && m.state.SessionID == sessionID && m.transport != nil {
		m.mu.Unlock()
		return nil
	}
	old, oldDone := m.detachTransportLocked()
	m.state = NewSessionState(sessionID)
	m.publishStateLocked()
	m.mu.Unlock()

	waitTransportClosed(old, oldDone)

	if sessionID == "" {
		return nil
	}
	return m.openTransport(ctx, sessionID)
}

// Detach 拆除当前会话, 状态回到未挂载。
func (m *Manager) Detach() {
	_ = m.Attach(context.Background(), "")
}

// Close 宿主退出时的收尾, 与 Detach 等价, 幂等。
func (m *Manager) Close() error {
	m.Detach()
	return nil
}

// Redial 保留会话与累积状态, 只重建传输。watchdog 判定心跳僵死时调用。
func (m *Manager) Redial(ctx context.Context) error {
	m.mu.Lock()
	sessionID := m.state.SessionID
	old, oldDone := m.detachTransportLocked()
	if sessionID != "" && old != nil {
		m.state = ApplyDisconnect(m.state, "stream restarted: heartbeat stale")
		m.publishStateLocked()
	}
	m.mu.Unlock()

	waitTransportClosed(old, oldDone)

	if sessionID == "" {
		return nil
	}
	return m.openTransport(ctx, sessionID)
}

// detachTransportLocked 摘下当前传输并使旧 readLoop 的事件失效。
// 调用方必须持锁; 真正的关闭与等待在锁外做, 避免与 readLoop 互等。
func (m *Manager) detachTransportLocked() (Transport, chan struct{}) {
	old, done := m.transport, m.readDone
	m.transport, m.readDone = nil, nil
	m.gen++
	return old, done
}

func waitTransportClosed(tr Transport, done chan struct{}) {
	if tr != nil {
		_ = tr.Close()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) openTransport(ctx context.Context, sessionID string) error {
	tr, err := m.dial(ctx, sessionID)

	m.mu.Lock()
	if m.state.SessionID != sessionID {
		// 建流期间会话又换了, 放弃本次结果
		m.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return nil
	}
	if m.transport != nil {
		// 并发 Attach/Redial 已先装上一条传输, 同会话只留一条
		m.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return nil
	}
	if err != nil {
		m.state.ConnectionStatus = StatusDisconnected
		m.state.Error = fmt.Sprintf("connect failed: %v", err)
		m.publishStateLocked()
		m.mu.Unlock()
		return pkgerr.Wrap(err, "Manager.Attach", "dial stream")
	}
	m.gen++
	gen := m.gen
	m.transport = tr
	done := make(chan struct{})
	m.readDone = done
	m.state.ConnectionStatus = StatusConnecting
	m.lastFrameAt.Store(m.nowFn().UnixMilli())
	m.publishStateLocked()
	m.mu.Unlock()

	util.SafeGo(func() { m.readLoop(gen, tr, done) })
	logger.Info("stream: session attached",
		logger.FieldSessionID, sessionID,
		logger.FieldTransport, tr.Name(),
	)
	return nil
}

// ========================================
// 入站事件
// ========================================

func (m *Manager) readLoop(gen int64, tr Transport, done chan struct{}) {
	defer close(done)
	for ev := range tr.Events() {
		switch {
		case ev.Frame != nil:
			m.handleFrame(gen, ev.Frame)
		case ev.Reconnecting:
			m.handleDrop(gen, ev.Err)
		}
	}
}

func (m *Manager) handleFrame(gen int64, f *Frame) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return // 旧传输的残留帧
	}
	sessionID := m.state.SessionID
	m.lastFrameAt.Store(m.nowFn().UnixMilli())

	next, err := ApplyFrame(m.state, f, m.nowFn())
	if err != nil {
		m.mu.Unlock()
		logger.Warn("stream: malformed frame skipped",
			logger.FieldSessionID, sessionID,
			logger.FieldFrame, f.Type,
			logger.FieldError, err,
		)
		return
	}
	m.state = next
	if m.notifier != nil {
		m.notifier.PublishFrame(sessionID, f)
		if f.Type != FrameHeartbeat {
			m.notifier.PublishState(next)
		}
	}
	m.mu.Unlock()

	switch f.Type {
	case FrameConnected:
		logger.Info("stream: session connected", logger.FieldSessionID, sessionID)
	case FrameHeartbeat:
	default:
		logger.Debug("stream: frame applied",
			logger.FieldSessionID, sessionID,
			logger.FieldFrame, f.Type,
		)
	}
}

func (m *Manager) handleDrop(gen int64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	sessionID := m.state.SessionID
	wasProcessing := m.state.Processing
	m.state = ApplyDisconnect(m.state, dropReason(cause))
	m.publishStateLocked()
	m.mu.Unlock()

	if wasProcessing {
		logger.Warn("stream: transport dropped mid-turn",
			logger.FieldSessionID, sessionID,
			logger.FieldError, cause,
		)
	} else {
		logger.Info("stream: transport dropped while idle, reconnecting",
			logger.FieldSessionID, sessionID,
			logger.FieldError, cause,
		)
	}
}

func dropReason(cause error) string {
	if cause == nil {
		return "stream disconnected"
	}
	return fmt.Sprintf("stream disconnected: %v", cause)
}

// ========================================
// 出站命令
// ========================================

// Submit 提交一轮对话。
//
// 前置条件: 已挂载会话、流处于 connected、没有轮次在途。
// 不满足时返回错误且状态零变更。入队成功前乐观进入 Processing,
// 入队失败回滚到空闲并把原因写进 Error。
func (m *Manager) Submit(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Manager.Submit", "empty content")
	}

	m.mu.Lock()
	s := m.state
	switch {
	case s.SessionID == "":
		m.mu.Unlock()
		return pkgerr.Wrap(pkgerr.ErrNoSession, "Manager.Submit", "no session attached")
	case s.ConnectionStatus != StatusConnected:
		m.mu.Unlock()
		return pkgerr.Wrap(pkgerr.ErrNotConnected, "Manager.Submit", "stream not connected")
	case s.Processing || s.Cancelling:
		m.mu.Unlock()
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Manager.Submit", "turn already in flight")
	}
	m.state = BeginSubmit(s, m.nowFn())
	m.publishStateLocked()
	m.mu.Unlock()

	rpcCtx, cancel := m.rpcContext(ctx)
	defer cancel()
	if err := m.commands.SendMessage(rpcCtx, s.SessionID, content); err != nil {
		m.mu.Lock()
		// 回滚仅在仍是同一会话的同一轮时生效
		if m.state.SessionID == s.SessionID && m.state.Processing {
			m.state = RevertSubmit(m.state, fmt.Sprintf("submit failed: %v", err))
			m.publishStateLocked()
		}
		m.mu.Unlock()
		return pkgerr.Wrap(err, "Manager.Submit", "queue submit")
	}
	logger.Info("stream: turn submitted", logger.FieldSessionID, s.SessionID)
	return nil
}

// Cancel 取消在途轮次。
//
// Cancelling 立即置位并广播; RPC 成功 → 轮次按已取消终结,
// RPC 失败 → 仅清 Cancelling 并暴露错误, 轮次继续。
// 终态帧在 RPC 等待期间先到时, 收尾让位于帧 (不再改写状态)。
func (m *Manager) Cancel(ctx context.Context) error {
	m.mu.Lock()
	s := m.state
	switch {
	case s.SessionID == "":
		m.mu.Unlock()
		return pkgerr.Wrap(pkgerr.ErrNoSession, "Manager.Cancel", "no session attached")
	case !s.Processing:
		m.mu.Unlock()
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Manager.Cancel", "no turn in flight")
	case s.Cancelling:
		m.mu.Unlock()
		return nil // 已有取消在途
	}
	m.state = BeginCancel(s)
	m.publishStateLocked()
	m.mu.Unlock()

	rpcCtx, cancel := m.rpcContext(ctx)
	defer cancel()
	err := m.commands.CancelTurn(rpcCtx, s.SessionID)

	m.mu.Lock()
	if m.state.SessionID == s.SessionID && m.state.Cancelling {
		m.state = ResolveCancel(m.state, err)
		m.publishStateLocked()
	}
	m.mu.Unlock()

	if err != nil {
		return pkgerr.Wrap(err, "Manager.Cancel", "cancel turn")
	}
	logger.Info("stream: turn cancelled", logger.FieldSessionID, s.SessionID)
	return nil
}

func (m *Manager) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.rpcTimeout > 0 {
		return context.WithTimeout(ctx, m.rpcTimeout)
	}
	return context.WithCancel(ctx)
}

// ========================================
// 查询
// ========================================

// Snapshot 返回当前状态的独立拷贝。
func (m *Manager) Snapshot() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// SessionID 返回当前挂载的会话 ID, 未挂载为空串。
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.SessionID
}

// LastFrameAt 最近一帧的到达时间, 从未收到帧时为零值。
func (m *Manager) LastFrameAt() time.Time {
	ms := m.lastFrameAt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (m *Manager) publishStateLocked() {
	if m.notifier != nil {
		m.notifier.PublishState(m.state)
	}
}
