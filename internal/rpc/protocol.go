// protocol.go — JSON-RPC 命令通道的线上类型。
//
// 信封不携带 "jsonrpc" 版本字段: 后端按 method 字符串分发,
// 错误码沿用 JSON-RPC 约定 (-32xxx)。
package rpc

import (
	"encoding/json"
	"fmt"
)

// ========================================
// 方法名
// ========================================

const (
	// MethodSessionsCreate 新建会话。
	MethodSessionsCreate = "sessions.create"
	// MethodSessionsList 列出全部会话。
	MethodSessionsList = "sessions.list"
	// MethodSessionsDelete 删除会话。
	MethodSessionsDelete = "sessions.delete"
	// MethodMessagesSend 提交一轮对话, 确认即入队。
	MethodMessagesSend = "messages.send"
	// MethodAgentCancel 取消在途轮次。
	MethodAgentCancel = "agent.cancel"
)

// ========================================
// 错误码
// ========================================

const (
	// CodeParseError 请求体不是合法 JSON。
	CodeParseError = -32700
	// CodeMethodNotFound 未知 method。
	CodeMethodNotFound = -32601
	// CodeInvalidParams 参数缺失或类型错误。
	CodeInvalidParams = -32602
	// CodeInternalError 服务端内部错误。
	CodeInternalError = -32603
	// CodeServerError 业务层失败 (会话不存在、轮次冲突等)。
	CodeServerError = -32000
)

// Request 一次 JSON-RPC 调用。
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     any             `json:"id"`
}

// Response 一次 JSON-RPC 应答。Result 与 Error 互斥。
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	ID     any             `json:"id"`
}

// Error JSON-RPC 错误对象。实现 error 接口, 客户端可原样包进错误链。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Code, e.Message)
}

// NewResponse 构造成功应答, v 序列化为 Result。
func NewResponse(id any, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, "marshal result: "+err.Error())
	}
	return &Response{Result: data, ID: id}
}

// NewErrorResponse 构造错误应答。
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{Error: &Error{Code: code, Message: message}, ID: id}
}

// ========================================
// 方法参数 / 结果
// ========================================

// SendMessageParams messages.send 参数。
type SendMessageParams struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// CancelParams agent.cancel 参数。
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// CreateSessionParams sessions.create 参数。Title 必填。
type CreateSessionParams struct {
	Title            string `json:"title"`
	SetCurrent       bool   `json:"setCurrent,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// DeleteSessionParams sessions.delete 参数。
type DeleteSessionParams struct {
	ID string `json:"id"`
}

// Session 会话元数据, sessions.create / sessions.list 的 Result。
type Session struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	MessageCount     int64  `json:"messageCount"`
	CreatedAt        int64  `json:"createdAt"` // Unix 秒
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	FirstUserMessage string `json:"firstUserMessage,omitempty"`
}
