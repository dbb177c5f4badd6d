// ws.go — WebSocket 流 handler: 每条消息 = 一个完整 Frame JSON。
package devserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	// 开发后端只在本机回环使用
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) wsHandler(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if _, ok := s.registry.Get(sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("devserver: ws upgrade failed",
			logger.FieldSessionID, sessionID,
			logger.FieldError, err,
		)
		return
	}
	defer conn.Close()

	subID, ch := s.hub.Subscribe(sessionID)
	defer s.hub.Unsubscribe(sessionID, subID)
	logger.Info("devserver: WS client connected",
		logger.FieldSessionID, sessionID,
		logger.FieldSubscriber, subID,
	)

	// 读协程只为感知对端关闭
	closed := make(chan struct{})
	util.SafeGo(func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	writeFrame := func(f stream.Frame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(f); err != nil {
			logger.Info("devserver: WS client disconnected",
				logger.FieldSessionID, sessionID,
				logger.FieldSubscriber, subID,
				logger.FieldError, err,
			)
			return false
		}
		return true
	}

	if !writeFrame(stream.Frame{Type: stream.FrameConnected, Data: emptyPayload}) {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			f.Data = payloadOf(f)
			if !writeFrame(f) {
				return
			}
		case <-heartbeat.C:
			if !writeFrame(stream.Frame{Type: stream.FrameHeartbeat, Data: emptyPayload}) {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
