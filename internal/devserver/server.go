// Package devserver 协议完整的开发后端。
//
// 实现与真引擎相同的对外表面, 但轮次由脚本播放器产生:
//   - POST /rpc       JSON-RPC 命令通道 (sessions.* / messages.send / agent.cancel)
//   - GET  /stream    SSE 命名帧推送 (含心跳)
//   - GET  /ws        WebSocket 帧推送
//   - GET  /healthz   存活探针
//
// 供本地开发与传输层/管理器的真连接集成测试使用。
package devserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultHeartbeat = 15 * time.Second

// Options 服务行为参数。
type Options struct {
	HeartbeatInterval time.Duration // 流心跳间隔, 0 取默认 15s
	FrameDelay        time.Duration // 脚本帧间隔, 0 取默认
}

// Server 开发后端。
type Server struct {
	router    *gin.Engine
	registry  *Registry
	hub       *Hub
	player    *Player
	heartbeat time.Duration
}

// NewServer 创建开发后端。
func NewServer(opts Options) *Server {
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	hub := NewHub()
	s := &Server{
		router:    r,
		registry:  NewRegistry(),
		hub:       hub,
		player:    NewPlayer(hub, opts.FrameDelay),
		heartbeat: heartbeat,
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎 (挂接 http.Server 或测试用)。
func (s *Server) Engine() *gin.Engine { return s.router }

// Registry 返回会话注册表 (测试播种会话用)。
func (s *Server) Registry() *Registry { return s.registry }

// Hub 返回帧广播中枢。
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) registerRoutes() {
	s.router.POST("/rpc", s.rpcHandler)
	s.router.GET("/stream", s.sseHandler)
	s.router.GET("/ws", s.wsHandler)
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
}
