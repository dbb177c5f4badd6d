// state.go — 会话流状态机: 纯函数转移, 不做任何 I/O。
//
// 所有状态变更都走本文件的转移函数, Manager 只负责加锁、调用、广播快照。
// 函数按值收发 SessionState, 切片/指针字段写时复制, 快照共享安全。
package stream

import "time"

// ========================================
// 连接状态常量
// ========================================

const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
)

// ========================================
// 状态快照
// ========================================

// RateLimitInfo 限流退避提示。仅在轮次进行中非 nil。
type RateLimitInfo struct {
	RetryAfter  int `json:"retryAfter"` // 秒
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`
}

// SessionState 单个会话流折叠出的完整 UI 状态。
type SessionState struct {
	SessionID           string           `json:"sessionId"`
	ConnectionStatus    string           `json:"connectionStatus"`
	Processing          bool             `json:"processing"`
	Cancelling          bool             `json:"cancelling"`
	Cancelled           bool             `json:"cancelled"`
	ToolCalls           []ToolCallRecord `json:"toolCalls,omitempty"`
	FinalContent        string           `json:"finalContent,omitempty"`
	Reasoning           string           `json:"reasoning,omitempty"`
	ReasoningDurationMS int64            `json:"reasoningDurationMs,omitempty"`
	Error               string           `json:"error,omitempty"`
	RateLimit           *RateLimitInfo   `json:"rateLimit,omitempty"`
	StartTime           int64            `json:"startTime,omitempty"` // 轮次开始毫秒时间戳
}

// NewSessionState 构造初始状态 (未连接)。
func NewSessionState(sessionID string) SessionState {
	return SessionState{
		SessionID:        sessionID,
		ConnectionStatus: StatusDisconnected,
	}
}

// Clone 深拷贝到快照边界: 切片与指针字段不再与原状态共享可变结构。
func (s SessionState) Clone() SessionState {
	out := s
	out.ToolCalls = CloneToolCalls(s.ToolCalls)
	if s.RateLimit != nil {
		rl := *s.RateLimit
		out.RateLimit = &rl
	}
	return out
}

// ========================================
// 入站帧转移
// ========================================

// ApplyFrame 把一条入站帧折叠进状态。
//
// 未知帧名原样返回 (向前兼容); 载荷解码失败返回原状态和错误,
// 由调用方记日志, 流本身继续。now 用于工具运行计时。
func ApplyFrame(s SessionState, f *Frame, now time.Time) (SessionState, error) {
	switch f.Type {
	case FrameConnected:
		return applyConnected(s), nil
	case FrameHeartbeat:
		// 仅保活, 无状态变更。
		return s, nil
	case FrameTool:
		d, err := DecodeTool(f.Data)
		if err != nil {
			return s, err
		}
		return applyTool(s, d, now), nil
	case FrameComplete:
		d, err := DecodeComplete(f.Data)
		if err != nil {
			return s, err
		}
		return applyComplete(s, d), nil
	case FrameError:
		d, err := DecodeError(f.Data)
		if err != nil {
			return s, err
		}
		return applyError(s, d), nil
	case FrameRateLimit:
		d, err := DecodeRateLimit(f.Data)
		if err != nil {
			return s, err
		}
		return applyRateLimit(s, d), nil
	default:
		return s, nil
	}
}

func applyConnected(s SessionState) SessionState {
	s.ConnectionStatus = StatusConnected
	return s
}

// applyTool 合并工具调用增量。
//
// 两条丢弃规则:
//   - 轮次已终结 (Processing=false) 的迟到帧忽略, 不软重开轮次
//   - 取消请求挂起期间 (Cancelling=true) 的帧丢弃
func applyTool(s SessionState, d *ToolData, now time.Time) SessionState {
	if !s.Processing || s.Cancelling {
		return s
	}
	s.ToolCalls = MergeToolCall(s.ToolCalls, d, now)
	return s
}

// applyComplete / applyError 终态帧。终态同时清掉挂起的 Cancelling,
// 取消 RPC 的迟到回包发现标志已清即放弃收尾, 帧是权威来源。
func applyComplete(s SessionState, d *CompleteData) SessionState {
	s.Processing = false
	s.Cancelling = false
	s.FinalContent = d.Content
	s.Reasoning = d.Reasoning
	s.ReasoningDurationMS = d.ReasoningDuration
	s.RateLimit = nil
	return s
}

func applyError(s SessionState, d *ErrorData) SessionState {
	s.Processing = false
	s.Cancelling = false
	s.Error = d.Error
	s.RateLimit = nil
	return s
}

// applyRateLimit 非终态退避提示: 轮次保持 Processing。
func applyRateLimit(s SessionState, d *RateLimitData) SessionState {
	if !s.Processing {
		return s
	}
	s.RateLimit = &RateLimitInfo{
		RetryAfter:  d.RetryAfter,
		Attempt:     d.Attempt,
		MaxAttempts: d.MaxAttempts,
	}
	return s
}

// ========================================
// 出站命令转移
// ========================================

// BeginSubmit 提交被入队后的乐观转移: 清空上一轮残留, 进入 Processing。
// 前置条件 (已连接、会话已设置) 由 Manager 在调用前检查。
func BeginSubmit(s SessionState, now time.Time) SessionState {
	s.Processing = true
	s.Cancelling = false
	s.Cancelled = false
	s.ToolCalls = nil
	s.FinalContent = ""
	s.Reasoning = ""
	s.ReasoningDurationMS = 0
	s.Error = ""
	s.RateLimit = nil
	s.StartTime = now.UnixMilli()
	return s
}

// RevertSubmit 提交入队失败的回滚: 回到空闲并暴露失败原因。
func RevertSubmit(s SessionState, reason string) SessionState {
	s.Processing = false
	s.StartTime = 0
	s.Error = reason
	return s
}

// BeginCancel 取消请求发出的瞬间置位, 不等待后端确认。
func BeginCancel(s SessionState) SessionState {
	s.Cancelling = true
	return s
}

// ResolveCancel 取消 RPC 回包后的收尾。
//
// 成功: 轮次立即按已取消终结, 旧错误清除。
// 失败: 仅清 Cancelling 并暴露失败原因, Processing 与工具表不动
// (轮次可能仍在后端跑, 后续帧继续折叠)。
func ResolveCancel(s SessionState, err error) SessionState {
	if err != nil {
		s.Cancelling = false
		s.Error = err.Error()
		return s
	}
	s.Cancelling = false
	s.Cancelled = true
	s.Processing = false
	s.Error = ""
	s.RateLimit = nil
	return s
}

// ========================================
// 传输层转移
// ========================================

// ApplyDisconnect 传输层掉线。
//
// 空闲掉线静默重连: 状态回 connecting, 旧错误一并清除。
// 轮次内掉线: 权威完成信号已丢失, 结束轮次并暴露本地错误,
// 重连仍会继续以服务下一轮。
func ApplyDisconnect(s SessionState, reason string) SessionState {
	s.ConnectionStatus = StatusConnecting
	if s.Processing {
		s.Processing = false
		s.Cancelling = false
		s.RateLimit = nil
		s.Error = reason
		return s
	}
	s.Error = ""
	return s
}
