// Package transcript 把会话流异步落库: 每条非心跳帧一行 turn_events,
// 每个轮次一行 turns。
//
// 设计目标: 落库永不反压状态机。
//
//	正常: Notifier 广播 → 有界队列 → 攒批写 DB
//	异常: 连续失败后标记不健康, 丢弃新帧, 定期探测恢复
package transcript

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studio-run/go-studio-v2/internal/store"
	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

// EventSink 帧落库接口 (store.TurnEventStore 实现)。
type EventSink interface {
	InsertBatch(ctx context.Context, events []store.TurnEvent) error
}

// TurnSink 轮次落库接口 (store.TurnStore 实现)。
type TurnSink interface {
	Begin(ctx context.Context, sessionID, content string, startedAt time.Time) (int64, error)
	Finish(ctx context.Context, id int64, p store.FinishParams) error
}

const (
	queueSize     = 256
	batchSize     = 32
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second

	// 连续失败该次数后进入不健康, 之后按 recoveryInterval 探测
	unhealthyAfter   = 3
	recoveryInterval = 30 * time.Second
)

// Recorder 会话流转写记录器。
//
// 通过 Notifier 订阅帧与状态广播; Start 后台消费, Stop 排干队列。
// 队列满时丢帧 (计数暴露), 不阻塞发布方。
type Recorder struct {
	events EventSink
	turns  TurnSink

	queue   chan store.TurnEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	healthy  atomic.Bool
	failures int       // 连续 flush 失败次数 (仅消费协程访问)
	probeAt  time.Time // 不健康时的下次探测时间

	dropped atomic.Int64

	mu          sync.Mutex
	pendingText map[string]string // sessionID → 最近一次提交文本
	activeTurn  map[string]int64  // sessionID → 进行中的 turns 行 ID
	wasActive   map[string]bool   // sessionID → 上一快照是否 Processing
	toolCount   map[string]int
}

// NewRecorder 创建记录器。
func NewRecorder(events EventSink, turns TurnSink) *Recorder {
	r := &Recorder{
		events:      events,
		turns:       turns,
		queue:       make(chan store.TurnEvent, queueSize),
		stopCh:      make(chan struct{}),
		pendingText: make(map[string]string),
		activeTurn:  make(map[string]int64),
		wasActive:   make(map[string]bool),
		toolCount:   make(map[string]int),
	}
	r.healthy.Store(true)
	return r
}

// Start 启动消费协程并订阅广播。幂等。
func (r *Recorder) Start(notifier *stream.Notifier) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	sub := notifier.Subscribe("transcript-recorder", stream.TopicAll)
	r.wg.Add(2)
	util.SafeGo(func() {
		defer r.wg.Done()
		for u := range sub.Ch {
			r.observe(u)
		}
	})
	util.SafeGo(func() {
		defer r.wg.Done()
		r.consumeLoop()
	})
	logger.Info("transcript: recorder started")
}

// Stop 停止消费并排干队列。
func (r *Recorder) Stop(notifier *stream.Notifier) {
	if !r.started.Load() {
		return
	}
	notifier.Unsubscribe("transcript-recorder")
	close(r.stopCh)
	r.wg.Wait()
}

// NoteSubmit 登记一次提交文本, 随下一个轮次落入 turns.content。
func (r *Recorder) NoteSubmit(sessionID, content string) {
	r.mu.Lock()
	r.pendingText[sessionID] = content
	r.mu.Unlock()
}

// Dropped 返回因队列满被丢弃的帧数。
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Healthy 返回落库通道是否健康。
func (r *Recorder) Healthy() bool { return r.healthy.Load() }

// ========================================
// 订阅端: 广播 → 队列 / 轮次边界
// ========================================

func (r *Recorder) observe(u stream.Update) {
	switch {
	case u.Frame != nil:
		if u.Frame.Type == stream.FrameHeartbeat {
			return
		}
		ev := store.TurnEvent{
			SessionID: u.SessionID,
			Frame:     u.Frame.Type,
			Payload:   u.Frame.Data,
			CreatedAt: u.Timestamp,
		}
		select {
		case r.queue <- ev:
		default:
			r.dropped.Add(1)
		}
	case u.State != nil:
		r.observeState(u.SessionID, u.State)
	}
}

// observeState 从状态快照序列里识别轮次边界。
func (r *Recorder) observeState(sessionID string, s *stream.SessionState) {
	r.mu.Lock()
	was := r.wasActive[sessionID]
	r.wasActive[sessionID] = s.Processing
	r.toolCount[sessionID] = len(s.ToolCalls)

	switch {
	case !was && s.Processing:
		content := r.pendingText[sessionID]
		delete(r.pendingText, sessionID)
		r.mu.Unlock()
		r.beginTurn(sessionID, content, s.StartTime)
	case was && !s.Processing:
		turnID := r.activeTurn[sessionID]
		delete(r.activeTurn, sessionID)
		count := r.toolCount[sessionID]
		r.mu.Unlock()
		if turnID > 0 {
			r.finishTurn(sessionID, turnID, s, count)
		}
	default:
		r.mu.Unlock()
	}
}

func (r *Recorder) beginTurn(sessionID, content string, startMS int64) {
	if r.turns == nil || !r.healthy.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	startedAt := time.Now()
	if startMS > 0 {
		startedAt = time.UnixMilli(startMS)
	}
	id, err := r.turns.Begin(ctx, sessionID, content, startedAt)
	if err != nil {
		logger.Warn("transcript: begin turn failed",
			logger.FieldSessionID, sessionID,
			logger.FieldError, err,
		)
		return
	}
	r.mu.Lock()
	r.activeTurn[sessionID] = id
	r.mu.Unlock()
}

func (r *Recorder) finishTurn(sessionID string, turnID int64, s *stream.SessionState, toolCount int) {
	if r.turns == nil || !r.healthy.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := r.turns.Finish(ctx, turnID, store.FinishParams{
		Status:              turnStatusOf(s),
		FinalContent:        s.FinalContent,
		Reasoning:           s.Reasoning,
		ReasoningDurationMS: s.ReasoningDurationMS,
		Error:               s.Error,
		ToolCallCount:       toolCount,
	})
	if err != nil {
		logger.Warn("transcript: finish turn failed",
			logger.FieldSessionID, sessionID,
			logger.FieldTurnID, turnID,
			logger.FieldError, err,
		)
	}
}

func turnStatusOf(s *stream.SessionState) string {
	switch {
	case s.Cancelled:
		return store.TurnStatusCancelled
	case s.Error != "":
		return store.TurnStatusErrored
	default:
		return store.TurnStatusCompleted
	}
}

// ========================================
// 消费端: 攒批落库 + 健康门
// ========================================

func (r *Recorder) consumeLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.TurnEvent, 0, batchSize)
	for {
		select {
		case ev := <-r.queue:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stopCh:
			// 排干队列后退出
			for {
				select {
				case ev := <-r.queue:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						r.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []store.TurnEvent) {
	if !r.healthy.Load() {
		if time.Now().Before(r.probeAt) {
			r.dropped.Add(int64(len(batch)))
			return
		}
		// 到达探测窗口, 用本批试写
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.events.InsertBatch(ctx, batch); err != nil {
		r.failures++
		if r.failures >= unhealthyAfter && r.healthy.CompareAndSwap(true, false) {
			logger.Warn("transcript: marked unhealthy, dropping frames",
				logger.FieldError, err,
			)
		}
		r.probeAt = time.Now().Add(recoveryInterval)
		return
	}

	if r.failures > 0 || !r.healthy.Load() {
		r.failures = 0
		if r.healthy.CompareAndSwap(false, true) {
			logger.Info("transcript: recovered, resuming writes")
		}
	}
}
