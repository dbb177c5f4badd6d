// session.go — 内存会话注册表。
//
// 开发后端不落库: 会话是进程内对象, 携带轮次在途标记与取消信号。
package devserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studio-run/go-studio-v2/internal/rpc"
)

// sessionEntry 一个会话的运行时状态。
type sessionEntry struct {
	meta rpc.Session

	mu         sync.Mutex
	processing bool
	cancelCh   chan struct{} // 轮次在途时非 nil, close = 取消信号
	turnGen    int64         // 轮次代数, 旧播放器的迟到收尾用其识别
}

// beginTurn 标记轮次开始。已有轮次在途时返回 false。
func (e *sessionEntry) beginTurn() (chan struct{}, int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processing {
		return nil, 0, false
	}
	e.processing = true
	e.cancelCh = make(chan struct{})
	e.turnGen++
	return e.cancelCh, e.turnGen, true
}

// endTurn 标记轮次结束。取消后新轮次已开时, 旧播放器的收尾代数
// 不再匹配, 不得动新轮次的状态。
func (e *sessionEntry) endTurn(gen int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.turnGen {
		return
	}
	e.processing = false
	e.cancelCh = nil
}

// cancelTurn 发出取消信号。无轮次在途时返回 false。
func (e *sessionEntry) cancelTurn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.processing || e.cancelCh == nil {
		return false
	}
	close(e.cancelCh)
	e.cancelCh = nil
	e.processing = false
	e.turnGen++
	return true
}

// Registry 进程内会话注册表。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewRegistry 创建。
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*sessionEntry)}
}

// Create 新建会话。
func (r *Registry) Create(title, workingDir string) rpc.Session {
	meta := rpc.Session{
		ID:               uuid.NewString(),
		Title:            title,
		CreatedAt:        time.Now().Unix(),
		WorkingDirectory: workingDir,
	}
	r.mu.Lock()
	r.sessions[meta.ID] = &sessionEntry{meta: meta}
	r.mu.Unlock()
	return meta
}

// Get 按 ID 查找。
func (r *Registry) Get(id string) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// List 返回全部会话元数据 (创建时间倒序由调用方决定, 这里按 map 序)。
func (r *Registry) List() []rpc.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rpc.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		e.mu.Lock()
		meta := e.meta
		e.mu.Unlock()
		out = append(out, meta)
	}
	return out
}

// Delete 删除会话, 在途轮次一并取消。不存在返回 false。
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		e.cancelTurn()
	}
	return ok
}

// noteMessage 会话元数据计数更新 (messages.send 成功后调用)。
func (r *Registry) noteMessage(id, content string) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.meta.MessageCount++
	if e.meta.FirstUserMessage == "" {
		e.meta.FirstUserMessage = content
	}
	e.mu.Unlock()
}
