// rpc.go — JSON-RPC 命令通道分发。
//
// 错误码遵循 JSON-RPC 约定: 解不开 body → -32700, 未知 method → -32601,
// 参数缺失 → -32602, 业务失败 (会话不存在 / 轮次冲突) → -32000。
package devserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/studio-run/go-studio-v2/internal/rpc"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

func (s *Server) rpcHandler(c *gin.Context) {
	var req rpc.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, rpc.NewErrorResponse(nil, rpc.CodeParseError, "invalid JSON body"))
		return
	}

	var resp *rpc.Response
	switch req.Method {
	case rpc.MethodSessionsCreate:
		resp = s.handleSessionsCreate(&req)
	case rpc.MethodSessionsList:
		resp = s.handleSessionsList(&req)
	case rpc.MethodSessionsDelete:
		resp = s.handleSessionsDelete(&req)
	case rpc.MethodMessagesSend:
		resp = s.handleMessagesSend(&req)
	case rpc.MethodAgentCancel:
		resp = s.handleAgentCancel(&req)
	default:
		resp = rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound, "unknown method: "+req.Method)
	}

	if resp.Error != nil {
		logger.Debug("devserver: rpc error",
			logger.FieldMethod, req.Method,
			logger.FieldRPCCode, resp.Error.Code,
			logger.FieldError, resp.Error.Message,
		)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSessionsCreate(req *rpc.Request) *rpc.Response {
	var p rpc.CreateSessionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "bad params: "+err.Error())
	}
	if strings.TrimSpace(p.Title) == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "title is required")
	}
	meta := s.registry.Create(p.Title, p.WorkingDirectory)
	logger.Info("devserver: session created",
		logger.FieldSessionID, meta.ID,
		logger.FieldName, meta.Title,
	)
	return rpc.NewResponse(req.ID, meta)
}

func (s *Server) handleSessionsList(req *rpc.Request) *rpc.Response {
	return rpc.NewResponse(req.ID, s.registry.List())
}

func (s *Server) handleSessionsDelete(req *rpc.Request) *rpc.Response {
	var p rpc.DeleteSessionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "bad params: "+err.Error())
	}
	if p.ID == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "id is required")
	}
	if !s.registry.Delete(p.ID) {
		return rpc.NewErrorResponse(req.ID, rpc.CodeServerError, "session not found: "+p.ID)
	}
	s.hub.DropSession(p.ID)
	logger.Info("devserver: session deleted", logger.FieldSessionID, p.ID)
	return rpc.NewResponse(req.ID, map[string]bool{"deleted": true})
}

func (s *Server) handleMessagesSend(req *rpc.Request) *rpc.Response {
	var p rpc.SendMessageParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "bad params: "+err.Error())
	}
	if p.SessionID == "" || strings.TrimSpace(p.Content) == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "sessionId and content are required")
	}
	entry, ok := s.registry.Get(p.SessionID)
	if !ok {
		return rpc.NewErrorResponse(req.ID, rpc.CodeServerError, "session not found: "+p.SessionID)
	}
	cancelCh, gen, ok := entry.beginTurn()
	if !ok {
		return rpc.NewErrorResponse(req.ID, rpc.CodeServerError, "turn already in progress")
	}

	s.registry.noteMessage(p.SessionID, p.Content)
	util.SafeGo(func() {
		defer entry.endTurn(gen)
		s.player.Play(p.SessionID, p.Content, cancelCh)
	})
	logger.Info("devserver: turn queued", logger.FieldSessionID, p.SessionID)
	return rpc.NewResponse(req.ID, map[string]bool{"queued": true})
}

func (s *Server) handleAgentCancel(req *rpc.Request) *rpc.Response {
	var p rpc.CancelParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "bad params: "+err.Error())
	}
	if p.SessionID == "" {
		return rpc.NewErrorResponse(req.ID, rpc.CodeInvalidParams, "sessionId is required")
	}
	entry, ok := s.registry.Get(p.SessionID)
	if !ok {
		return rpc.NewErrorResponse(req.ID, rpc.CodeServerError, "session not found: "+p.SessionID)
	}
	if !entry.cancelTurn() {
		return rpc.NewErrorResponse(req.ID, rpc.CodeServerError, "no turn in progress")
	}
	logger.Info("devserver: turn cancelled", logger.FieldSessionID, p.SessionID)
	return rpc.NewResponse(req.ID, map[string]bool{"cancelled": true})
}
