// script.go — 脚本化轮次播放器。
//
// 开发后端不接真模型: 每次 messages.send 按提交文本里的指令
// 播放一段确定性的帧序列, 供前端与集成测试使用。
//
// 指令 (提交文本前缀):
//
//	/fail [msg]      → error 帧终结
//	/ratelimit [n]   → n 条 rate_limit_error 后正常完成 (默认 1)
//	/tools N         → N 个工具调用后完成
//	/slow            → 帧间隔放大, 便于肉眼观察
//	其他             → 1 个工具调用 + complete 回显
package devserver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/pkg/logger"
)

const (
	defaultFrameDelay = 40 * time.Millisecond
	slowFrameDelay    = 600 * time.Millisecond
)

// Player 轮次播放器。
type Player struct {
	hub   *Hub
	delay time.Duration // 基础帧间隔, 0 取默认
}

// NewPlayer 创建。delay 为 0 时取默认间隔。
func NewPlayer(hub *Hub, delay time.Duration) *Player {
	if delay <= 0 {
		delay = defaultFrameDelay
	}
	return &Player{hub: hub, delay: delay}
}

// Play 播放一个轮次的帧序列, cancelCh 关闭时立刻停止。
//
// 取消时不发终态帧: 真后端也是这样 — 取消的确认走 RPC 应答,
// 流上只是安静下来。
func (p *Player) Play(sessionID, content string, cancelCh <-chan struct{}) {
	delay := p.delay
	directive, arg := parseDirective(content)
	if directive == "slow" {
		delay = slowFrameDelay
		directive, arg = parseDirective(arg)
	}

	switch directive {
	case "fail":
		msg := arg
		if msg == "" {
			msg = "scripted failure"
		}
		if !p.pause(delay, cancelCh) {
			return
		}
		p.emit(sessionID, stream.FrameError, map[string]any{"error": msg})

	case "ratelimit":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			n = 1
		}
		for i := 1; i <= n; i++ {
			if !p.pause(delay, cancelCh) {
				return
			}
			p.emit(sessionID, stream.FrameRateLimit, map[string]any{
				"error":       "rate limited, retrying",
				"retryAfter":  30,
				"attempt":     i,
				"maxAttempts": 8,
			})
		}
		if !p.pause(delay, cancelCh) {
			return
		}
		p.emit(sessionID, stream.FrameComplete, map[string]any{
			"content": "recovered after backoff",
		})

	case "tools":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			n = 1
		}
		for i := 1; i <= n; i++ {
			if !p.playTool(sessionID, fmt.Sprintf("tool_%d", i), delay, cancelCh) {
				return
			}
		}
		if !p.pause(delay, cancelCh) {
			return
		}
		p.emit(sessionID, stream.FrameComplete, map[string]any{
			"content": fmt.Sprintf("ran %d tools", n),
		})

	default:
		if !p.playTool(sessionID, "echo", delay, cancelCh) {
			return
		}
		if !p.pause(delay, cancelCh) {
			return
		}
		p.emit(sessionID, stream.FrameComplete, map[string]any{
			"content":           "echo: " + content,
			"reasoning":         "scripted response",
			"reasoningDuration": delay.Milliseconds(),
		})
	}
}

// playTool 播放一个工具调用的 running → completed 序列。
func (p *Player) playTool(sessionID, name string, delay time.Duration, cancelCh <-chan struct{}) bool {
	id := name + "-call"
	if !p.pause(delay, cancelCh) {
		return false
	}
	p.emit(sessionID, stream.FrameTool, map[string]any{
		"id":          id,
		"name":        name,
		"description": "scripted tool",
		"status":      stream.ToolStatusRunning,
		"input":       map[string]any{"arg": "value"},
	})
	if !p.pause(delay, cancelCh) {
		return false
	}
	p.emit(sessionID, stream.FrameTool, map[string]any{
		"id":     id,
		"name":   name,
		"status": stream.ToolStatusCompleted,
		"result": "ok",
	})
	return true
}

func (p *Player) emit(sessionID, frameType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("devserver: marshal frame payload",
			logger.FieldFrame, frameType,
			logger.FieldError, err,
		)
		return
	}
	p.hub.Broadcast(sessionID, stream.Frame{Type: frameType, Data: data})
}

// pause 等待一个帧间隔, 取消时返回 false。
func (p *Player) pause(delay time.Duration, cancelCh <-chan struct{}) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancelCh:
		return false
	}
}

// parseDirective 拆出 "/xxx rest" 前缀指令。非指令返回 ("", 原文)。
func parseDirective(content string) (string, string) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return "", content
	}
	rest := strings.TrimPrefix(trimmed, "/")
	parts := strings.SplitN(rest, " ", 2)
	arg := ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return strings.ToLower(parts[0]), arg
}
