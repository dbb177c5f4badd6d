// hub.go — 按会话分组的帧 fan-out。
//
// 一个会话可以有多个流连接 (终端 + CLI watch 同时在线),
// 广播对每个订阅者独立投递, 满则丢弃, 发布方永不阻塞。
package devserver

import (
	"sync"

	"github.com/google/uuid"

	"github.com/studio-run/go-studio-v2/internal/stream"
)

const subscriberChanSize = 64

// Hub 帧广播中枢。
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan stream.Frame // sessionID → subID → ch
}

// NewHub 创建。
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]chan stream.Frame)}
}

// Subscribe 订阅某会话的帧, 返回订阅 ID 与只读通道。
func (h *Hub) Subscribe(sessionID string) (string, <-chan stream.Frame) {
	id := uuid.NewString()
	ch := make(chan stream.Frame, subscriberChanSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[string]chan stream.Frame)
	}
	h.subs[sessionID][id] = ch
	return id, ch
}

// Unsubscribe 取消订阅并关闭通道。幂等。
func (h *Hub) Unsubscribe(sessionID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[sessionID]; ok {
		if ch, ok := m[id]; ok {
			close(ch)
			delete(m, id)
		}
		if len(m) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// Broadcast 向某会话的所有订阅者投递一帧。通道满时对该订阅者丢弃。
func (h *Hub) Broadcast(sessionID string, f stream.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[sessionID] {
		select {
		case ch <- f:
		default:
		}
	}
}

// DropSession 关闭并移除某会话的全部订阅 (会话删除时调用)。
func (h *Hub) DropSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

// SubscriberCount 返回某会话当前的订阅者数量。
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
