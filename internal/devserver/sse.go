// sse.go — SSE 流 handler: 命名帧 + 心跳。
package devserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/pkg/logger"
)

var emptyPayload = json.RawMessage("{}")

func (s *Server) sseHandler(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if _, ok := s.registry.Get(sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	subID, ch := s.hub.Subscribe(sessionID)
	defer func() {
		s.hub.Unsubscribe(sessionID, subID)
		logger.Info("devserver: SSE client disconnected",
			logger.FieldSessionID, sessionID,
			logger.FieldSubscriber, subID,
		)
	}()
	logger.Info("devserver: SSE client connected",
		logger.FieldSessionID, sessionID,
		logger.FieldSubscriber, subID,
	)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// 握手帧: connecting → connected 的转移依据
	c.SSEvent(stream.FrameConnected, emptyPayload)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		// 复用 timer 避免每次循环创建新定时器
		heartbeat := time.NewTimer(s.heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case f, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent(f.Type, payloadOf(f))
				if !heartbeat.Stop() {
					select {
					case <-heartbeat.C:
					default:
					}
				}
				heartbeat.Reset(s.heartbeat)
				return true
			case <-heartbeat.C:
				c.SSEvent(stream.FrameHeartbeat, emptyPayload)
				heartbeat.Reset(s.heartbeat)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		}
	})
}

func payloadOf(f stream.Frame) json.RawMessage {
	if len(f.Data) == 0 {
		return emptyPayload
	}
	return f.Data
}
