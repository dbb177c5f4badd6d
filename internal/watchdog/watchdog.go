// Package watchdog 巡检会话流的心跳新鲜度。
//
// 传输层自身有读超时, 但 SSE 在某些代理后面会出现"连接还在、
// 帧不再来"的半死状态。看门狗兜底: 超过 stale 窗口没有任何帧
// (心跳也算帧) 就通过 Manager.Redial 重建传输。
package watchdog

import (
	"context"
	"time"

	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

// StreamController 看门狗需要的 Manager 切面。
type StreamController interface {
	SessionID() string
	Snapshot() stream.SessionState
	LastFrameAt() time.Time
	Redial(ctx context.Context) error
}

// Watchdog 流新鲜度巡检器。
type Watchdog struct {
	ctrl     StreamController
	interval time.Duration
	stale    time.Duration

	nowFn func() time.Time
}

// New 创建看门狗。interval 是巡检周期, stale 是判定僵死的无帧窗口。
func New(ctrl StreamController, interval, stale time.Duration) *Watchdog {
	return &Watchdog{
		ctrl:     ctrl,
		interval: interval,
		stale:    stale,
		nowFn:    time.Now,
	}
}

// Start 启动定期巡检, ctx 取消时退出。
func (w *Watchdog) Start(ctx context.Context) {
	util.SafeGo(func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	})
	logger.Infow("watchdog started",
		"interval_sec", int(w.interval.Seconds()),
		"stale_sec", int(w.stale.Seconds()),
	)
}

// RunOnce 执行一次巡检, 流僵死时重建传输并返回 true。
func (w *Watchdog) RunOnce(ctx context.Context) bool {
	if w.ctrl.SessionID() == "" {
		return false
	}
	snap := w.ctrl.Snapshot()
	if snap.ConnectionStatus == stream.StatusDisconnected {
		// 未建流或已拆除, 没有可巡检的传输
		return false
	}
	last := w.ctrl.LastFrameAt()
	if last.IsZero() {
		return false
	}
	age := w.nowFn().Sub(last)
	if age < w.stale {
		return false
	}

	logger.Warn("watchdog: stream stale, bouncing transport",
		logger.FieldSessionID, snap.SessionID,
		"age_sec", int(age.Seconds()),
	)
	if err := w.ctrl.Redial(ctx); err != nil {
		logger.Error("watchdog: redial failed",
			logger.FieldSessionID, snap.SessionID,
			logger.FieldError, err,
		)
	}
	return true
}
