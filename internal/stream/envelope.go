// Package stream 实现会话事件流的客户端核心。
//
// 职责: 帧信封解码、工具调用聚合、会话状态机、传输层生命周期管理。
// 后端通过命名帧 (connected/heartbeat/tool/complete/error/rate_limit_error)
// 推送轮次进展, 本包把它们折叠为单一 SessionState 快照供 UI 订阅。
package stream

import (
	"encoding/json"

	pkgerr "github.com/studio-run/go-studio-v2/pkg/errors"
)

// Frame 流事件信封。
//
// Type 是帧名, Data 是未解码的载荷。未知帧名由调用方直接丢弃,
// 载荷解码失败不终止流 (跳过该帧并记日志)。
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ========================================
// 帧类型常量
// ========================================

const (
	// 连接生命周期
	FrameConnected = "connected"
	FrameHeartbeat = "heartbeat"

	// 轮次进展
	FrameTool      = "tool"
	FrameComplete  = "complete"
	FrameError     = "error"
	FrameRateLimit = "rate_limit_error"
)

// ========================================
// 工具调用状态常量
// ========================================

const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// IsTerminalToolStatus 判断工具状态是否为终态。
func IsTerminalToolStatus(status string) bool {
	return status == ToolStatusCompleted || status == ToolStatusError
}

// ========================================
// 帧载荷类型
// ========================================

// ToolData tool 帧载荷。
//
// 后端对同一 ID 可多次发送增量更新, 缺失字段表示"维持原值"。
// Input 可能是对象, 也可能是序列化后的 JSON 字符串 (取决于后端 provider),
// 统一经 ParseToolInput 归一化。
type ToolData struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// CompleteData complete 帧载荷 (轮次成功终态)。
type CompleteData struct {
	Content           string `json:"content"`
	Reasoning         string `json:"reasoning,omitempty"`
	ReasoningDuration int64  `json:"reasoningDuration,omitempty"` // 毫秒
}

// ErrorData error 帧载荷 (轮次失败终态)。
type ErrorData struct {
	Error string `json:"error"`
}

// RateLimitData rate_limit_error 帧载荷。
//
// 非终态: 后端仍在自动重试, 轮次继续。RetryAfter 单位为秒。
type RateLimitData struct {
	Error       string `json:"error,omitempty"`
	RetryAfter  int    `json:"retryAfter"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
}

// ========================================
// 载荷解码
// ========================================

// DecodeTool 解码 tool 帧载荷。
func DecodeTool(data json.RawMessage) (*ToolData, error) {
	var d ToolData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, pkgerr.Wrap(err, "stream.DecodeTool", "malformed tool frame")
	}
	return &d, nil
}

// DecodeComplete 解码 complete 帧载荷。
func DecodeComplete(data json.RawMessage) (*CompleteData, error) {
	var d CompleteData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, pkgerr.Wrap(err, "stream.DecodeComplete", "malformed complete frame")
	}
	return &d, nil
}

// DecodeError 解码 error 帧载荷。
func DecodeError(data json.RawMessage) (*ErrorData, error) {
	var d ErrorData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, pkgerr.Wrap(err, "stream.DecodeError", "malformed error frame")
	}
	return &d, nil
}

// DecodeRateLimit 解码 rate_limit_error 帧载荷。
func DecodeRateLimit(data json.RawMessage) (*RateLimitData, error) {
	var d RateLimitData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, pkgerr.Wrap(err, "stream.DecodeRateLimit", "malformed rate_limit_error frame")
	}
	return &d, nil
}

// ParseToolInput 归一化 tool 帧的 input 字段。
//
// 三种形态:
//   - JSON 对象: 直接转 map
//   - JSON 字符串: 内容再解析一次, 失败则包装为 {"raw": 原文}
//   - 其他标量/数组: 包装为 {"raw": 值}
//
// 返回 nil 表示字段缺失, 调用方应保留聚合表中的旧值。
func ParseToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &obj); err == nil && obj != nil {
			return obj
		}
		return map[string]any{"raw": s}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return map[string]any{"raw": v}
	}
	return map[string]any{"raw": string(raw)}
}
