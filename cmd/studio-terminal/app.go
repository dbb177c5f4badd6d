// app.go — Wails 绑定: 前端通过 window.go.main.App.XXX() 调用。
//
// 薄壳: 所有语义在 service.StudioService, 这里只加调用日志与
// Wails 生命周期挂接。状态与帧经事件桥推送 (session-state /
// session-frame), 方法面只做命令与查询。
package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wailsapp/wails/v3/pkg/application"

	"github.com/studio-run/go-studio-v2/internal/config"
	"github.com/studio-run/go-studio-v2/internal/rpc"
	"github.com/studio-run/go-studio-v2/internal/service"
	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/pkg/logger"
)

const callSlowThreshold = 1200 * time.Millisecond

// App Wails 绑定面。
type App struct {
	svc      *service.StudioService
	wailsApp *application.App

	callSeq atomic.Int64
}

// NewApp 创建绑定实例。
func NewApp(svc *service.StudioService) *App {
	return &App{svc: svc}
}

// ServiceStartup Wails v3 Service 生命周期: 应用启动时调用。
func (a *App) ServiceStartup(_ context.Context, _ application.ServiceOptions) error {
	logger.Info("studio-terminal: frontend service started")
	return nil
}

// logCall 统一的调用日志: 失败必记, 慢调用升级告警。
func (a *App) logCall(method string, start time.Time, err error) {
	reqID := a.callSeq.Add(1)
	duration := time.Since(start)
	switch {
	case err != nil:
		logger.Warn("bind call failed",
			logger.FieldReqID, reqID,
			logger.FieldMethod, method,
			logger.FieldDurationMS, duration.Milliseconds(),
			logger.FieldError, err,
		)
	case duration >= callSlowThreshold:
		logger.Warn("bind call slow",
			logger.FieldReqID, reqID,
			logger.FieldMethod, method,
			logger.FieldDurationMS, duration.Milliseconds(),
		)
	default:
		logger.Debug("bind call done",
			logger.FieldReqID, reqID,
			logger.FieldMethod, method,
			logger.FieldDurationMS, duration.Milliseconds(),
		)
	}
}

// ========================================
// 流生命周期
// ========================================

// Attach 切换到指定会话并建流。
func (a *App) Attach(sessionID string) (err error) {
	defer func(start time.Time) { a.logCall("attach", start, err) }(time.Now())
	return a.svc.Attach(sessionID)
}

// Detach 拆除当前会话。
func (a *App) Detach() {
	defer func(start time.Time) { a.logCall("detach", start, nil) }(time.Now())
	a.svc.Detach()
}

// Snapshot 返回当前会话状态快照。
func (a *App) Snapshot() stream.SessionState {
	return a.svc.Snapshot()
}

// Submit 提交一轮对话。
func (a *App) Submit(content string) (err error) {
	defer func(start time.Time) { a.logCall("submit", start, err) }(time.Now())
	return a.svc.Submit(content)
}

// Cancel 取消在途轮次。
func (a *App) Cancel() (err error) {
	defer func(start time.Time) { a.logCall("cancel", start, err) }(time.Now())
	return a.svc.Cancel()
}

// ========================================
// 会话 CRUD
// ========================================

// CreateSession 新建会话。
func (a *App) CreateSession(title, workingDir string) (s *rpc.Session, err error) {
	defer func(start time.Time) { a.logCall("sessions.create", start, err) }(time.Now())
	return a.svc.CreateSession(title, workingDir)
}

// ListSessions 列出全部会话。
func (a *App) ListSessions() (list []rpc.Session, err error) {
	defer func(start time.Time) { a.logCall("sessions.list", start, err) }(time.Now())
	return a.svc.ListSessions()
}

// DeleteSession 删除会话。
func (a *App) DeleteSession(id string) (err error) {
	defer func(start time.Time) { a.logCall("sessions.delete", start, err) }(time.Now())
	return a.svc.DeleteSession(id)
}

// ========================================
// 连接档案
// ========================================

// Profiles 加载后端连接档案。
func (a *App) Profiles() (*config.ProfilesRaw, error) {
	return a.svc.Profiles()
}

// SaveProfiles 保存后端连接档案 (切换在下次启动生效)。
func (a *App) SaveProfiles(raw *config.ProfilesRaw) error {
	return a.svc.SaveProfiles(raw)
}
