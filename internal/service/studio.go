// Package service UI 与流核心之间的桥接层 (进程内零序列化)。
//
// StudioService 聚合流管理器、命令客户端与广播器, 把它们收敛成
// 桌面前端可直接绑定的方法面; 广播经 EmitFunc 转成前端事件,
// 桥接层自身不依赖任何 UI 框架。
package service

import (
	"context"

	"github.com/studio-run/go-studio-v2/internal/config"
	"github.com/studio-run/go-studio-v2/internal/rpc"
	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/internal/transcript"
	"github.com/studio-run/go-studio-v2/pkg/logger"
)

// 前端事件名。
const (
	EventSessionState = "session-state"
	EventSessionFrame = "session-frame"
)

// EmitFunc 把一条事件推给前端 (Wails Event.Emit 或测试桩)。
type EmitFunc func(event string, payload any)

// Deps StudioService 的全部依赖。
type Deps struct {
	Manager      *stream.Manager
	Client       *rpc.Client
	Notifier     *stream.Notifier
	Recorder     *transcript.Recorder // 可为 nil (转写未启用)
	ProfilesPath string
}

// StudioService 桌面终端的绑定面。
type StudioService struct {
	mgr          *stream.Manager
	client       *rpc.Client
	notifier     *stream.Notifier
	recorder     *transcript.Recorder
	profilesPath string
}

// New 创建桥接服务。
func New(d Deps) *StudioService {
	return &StudioService{
		mgr:          d.Manager,
		client:       d.Client,
		notifier:     d.Notifier,
		recorder:     d.Recorder,
		profilesPath: d.ProfilesPath,
	}
}

// Start 接上前端事件出口并启动转写记录器。
//
// emit 为 nil 时只启动记录器 (无头模式, 测试用)。
func (s *StudioService) Start(emit EmitFunc) {
	if emit != nil {
		s.notifier.SetOnPublish(func(u stream.Update) {
			switch {
			case u.State != nil:
				emit(EventSessionState, u)
			case u.Frame != nil:
				emit(EventSessionFrame, u)
			}
		})
	}
	if s.recorder != nil {
		s.recorder.Start(s.notifier)
	}
}

// Shutdown 宿主退出收尾: 拆流、停记录器。幂等。
func (s *StudioService) Shutdown() {
	if err := s.mgr.Close(); err != nil {
		logger.Warn("service: manager close failed", logger.FieldError, err)
	}
	if s.recorder != nil {
		s.recorder.Stop(s.notifier)
	}
	s.notifier.SetOnPublish(nil)
}

// ========================================
// 流生命周期
// ========================================

// Attach 切换到指定会话并建流。
func (s *StudioService) Attach(sessionID string) error {
	return s.mgr.Attach(context.Background(), sessionID)
}

// Detach 拆除当前会话。
func (s *StudioService) Detach() {
	s.mgr.Detach()
}

// Snapshot 返回当前会话状态快照。
func (s *StudioService) Snapshot() stream.SessionState {
	return s.mgr.Snapshot()
}

// Submit 提交一轮对话。
func (s *StudioService) Submit(content string) error {
	if s.recorder != nil {
		s.recorder.NoteSubmit(s.mgr.SessionID(), content)
	}
	return s.mgr.Submit(context.Background(), content)
}

// Cancel 取消在途轮次。
func (s *StudioService) Cancel() error {
	return s.mgr.Cancel(context.Background())
}

// ========================================
// 会话 CRUD (薄转发到命令通道)
// ========================================

// CreateSession 新建会话。
func (s *StudioService) CreateSession(title, workingDir string) (*rpc.Session, error) {
	return s.client.CreateSession(context.Background(), title, workingDir)
}

// ListSessions 列出全部会话。
func (s *StudioService) ListSessions() ([]rpc.Session, error) {
	return s.client.ListSessions(context.Background())
}

// DeleteSession 删除会话。删的是当前挂载的会话时先拆流。
func (s *StudioService) DeleteSession(id string) error {
	if id != "" && id == s.mgr.SessionID() {
		s.mgr.Detach()
	}
	return s.client.DeleteSession(context.Background(), id)
}

// ========================================
// 连接档案
// ========================================

// Profiles 加载后端连接档案。
func (s *StudioService) Profiles() (*config.ProfilesRaw, error) {
	return config.LoadProfilesRaw(s.profilesPath)
}

// SaveProfiles 原子保存后端连接档案。
func (s *StudioService) SaveProfiles(raw *config.ProfilesRaw) error {
	return config.SaveProfiles(s.profilesPath, raw)
}
