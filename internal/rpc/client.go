// client.go — JSON-RPC HTTP 客户端: 命令下行通道 (提交/取消/会话管理)。
//
// 流式事件不走这里, 由 stream 包的 SSE/WS 传输承载;
// 本客户端只做一问一答的命令调用, 每次调用独立 POST /rpc。
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/studio-run/go-studio-v2/pkg/errors"
)

const defaultCallTimeout = 10 * time.Second

// Client 命令通道客户端。并发安全, 可被多个 goroutine 共享。
type Client struct {
	baseURL string
	httpCli *http.Client
	nextID  atomic.Int64
}

// NewClient 创建客户端。timeout <= 0 时用默认 10s。
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCli: &http.Client{Timeout: timeout},
	}
}

// BaseURL 返回后端根地址 (不带末尾斜杠)。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call 发起一次 JSON-RPC 调用。result 非 nil 时把 Result 解析进去。
// 服务端返回的 *Error 包进错误链, 调用方可用 errors.As 取码。
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	const op = "rpc.Call"
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return apperrors.Wrapf(err, op, "marshal %s params", method)
		}
		raw = data
	}
	body, err := json.Marshal(Request{Method: method, Params: raw, ID: c.nextID.Add(1)})
	if err != nil {
		return apperrors.Wrapf(err, op, "marshal %s request", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrapf(err, op, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return apperrors.Wrapf(err, op, "POST %s", method)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.Newf(op, "%s status %d: %s", method, resp.StatusCode, snippet)
	}

	var rr Response
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return apperrors.Wrapf(err, op, "decode %s response", method)
	}
	if rr.Error != nil {
		return apperrors.Wrapf(rr.Error, op, "%s rejected", method)
	}
	if result != nil && len(rr.Result) > 0 {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return apperrors.Wrapf(err, op, "decode %s result", method)
		}
	}
	return nil
}

// ========================================
// 类型化方法
// ========================================

// SendMessage 提交一轮对话。确认即入队, 过程与结果经事件流推送。
func (c *Client) SendMessage(ctx context.Context, sessionID, content string) error {
	return c.Call(ctx, MethodMessagesSend, SendMessageParams{SessionID: sessionID, Content: content}, nil)
}

// CancelTurn 取消在途轮次。
func (c *Client) CancelTurn(ctx context.Context, sessionID string) error {
	return c.Call(ctx, MethodAgentCancel, CancelParams{SessionID: sessionID}, nil)
}

// CreateSession 新建会话。
func (c *Client) CreateSession(ctx context.Context, title, workingDir string) (*Session, error) {
	var s Session
	if err := c.Call(ctx, MethodSessionsCreate, CreateSessionParams{Title: title, WorkingDirectory: workingDir}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions 列出全部会话。
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.Call(ctx, MethodSessionsList, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSession 删除会话。
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.Call(ctx, MethodSessionsDelete, DeleteSessionParams{ID: id}, nil)
}
