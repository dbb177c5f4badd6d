// notifier.go — 会话状态广播: topic pub/sub fan-out 到多订阅者。
//
// 订阅者示例:
//   - service 层桥接到 Wails 前端事件
//   - transcript 落库记录器 (订阅 frame topic)
//   - studio-cli watch 命令
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ========================================
// 广播单元
// ========================================

// Update 一次广播: 状态快照或原始帧, 按 topic 区分。
type Update struct {
	Topic     string        `json:"topic"` // session.{id}.state / session.{id}.frame
	SessionID string        `json:"sessionId"`
	State     *SessionState `json:"state,omitempty"` // *.state 时非 nil, 已 Clone
	Frame     *Frame        `json:"frame,omitempty"` // *.frame 时非 nil
	Timestamp time.Time     `json:"timestamp"`
	Seq       int64         `json:"seq"` // 全局序列号
}

// Topic 常量与构造。
const (
	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"

	topicSessionPrefix = "session."
	topicStateSuffix   = ".state"
	topicFrameSuffix   = ".frame"
)

// StateTopic 会话状态快照 topic。
func StateTopic(sessionID string) string {
	return topicSessionPrefix + sessionID + topicStateSuffix
}

// FrameTopic 会话原始帧 topic。
func FrameTopic(sessionID string) string {
	return topicSessionPrefix + sessionID + topicFrameSuffix
}

// SessionTopic 会话全部事件的前缀过滤 (state + frame)。
func SessionTopic(sessionID string) string {
	return topicSessionPrefix + sessionID
}

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string      // 唯一标识, 空则自动生成
	Filter string      // topic 前缀过滤 ("session.s1" / "*")
	Ch     chan Update // 广播通道, 满则丢弃
}

// ========================================
// Notifier — topic pub/sub
// ========================================

// Notifier 进程内状态广播器。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "session.s1" → 收到 session.s1.state 和 session.s1.frame
//   - 订阅 "*" → 收到所有广播
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	onPublish   func(Update) // 可选: 每条广播的全局回调 (桥接前端事件 / 落库)
}

// NewNotifier 创建广播器。
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调。
func (n *Notifier) SetOnPublish(fn func(Update)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPublish = fn
}

// Publish 广播到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证订阅者看到的顺序与 seq 一致。
// 订阅者通道满时丢弃该条, 发布者永不阻塞。
func (n *Notifier) Publish(u Update) {
	n.mu.Lock()
	n.seq++
	u.Seq = n.seq
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	onPub := n.onPublish

	for _, sub := range n.subscribers {
		if matchTopic(sub.Filter, u.Topic) {
			select {
			case sub.Ch <- u:
			default:
				// 通道满, 丢弃 (避免阻塞状态机)
			}
		}
	}
	n.mu.Unlock()

	// 全局回调在锁外执行, 回调可能耗时
	if onPub != nil {
		onPub(u)
	}
}

// PublishState 广播一份状态快照 (调用方无需再 Clone)。
func (n *Notifier) PublishState(s SessionState) {
	snap := s.Clone()
	n.Publish(Update{
		Topic:     StateTopic(s.SessionID),
		SessionID: s.SessionID,
		State:     &snap,
	})
}

// PublishFrame 广播一条原始帧。
func (n *Notifier) PublishFrame(sessionID string, f *Frame) {
	n.Publish(Update{
		Topic:     FrameTopic(sessionID),
		SessionID: sessionID,
		Frame:     f,
	})
}

// Subscribe 订阅广播。id 为空时自动生成; filter 为 topic 前缀。
func (n *Notifier) Subscribe(id, filter string) *Subscriber {
	if id == "" {
		id = uuid.NewString()
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Update, 64),
	}
	n.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅并关闭通道。
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subscribers[id]; ok {
		close(sub.Ch)
		delete(n.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Seq 返回当前序列号。
func (n *Notifier) Seq() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.seq
}

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "session.s1" 匹配 "session.s1", "session.s1.state" 等
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
