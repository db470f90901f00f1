// chat.go — 对话网关: 把四种流式客户端暴露为 SSE 端点。
//
// 每个请求建独立客户端实例 (requestGuard 的单飞语义因此只约束
// 同一 HTTP 请求内的重入, 不同请求互不影响), 消息帧同时写响应流
// 与事件总线。
package server

import (
	"io"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/kb-console/go-task-engine/internal/bus"
	"github.com/kb-console/go-task-engine/internal/stream"
)

// ChatConfig 对话网关的后端接入配置。零值网关禁用对话路由。
type ChatConfig struct {
	// ConsoleBaseURL 控制台代理端点 (ProxyClient)。
	ConsoleBaseURL string
	// RAGFlowBaseURL / APIKey / JWTToken 直连 RAGFlow 的三种凭证。
	RAGFlowBaseURL  string
	RAGFlowAPIKey   string
	RAGFlowJWTToken string
}

func (c ChatConfig) enabled() bool {
	return c.ConsoleBaseURL != "" || c.RAGFlowBaseURL != ""
}

func (s *Server) registerChatRoutes() {
	if !s.chat.enabled() {
		return
	}
	api := s.router.Group("/api/chat")

	api.POST("/:agentId/stream", s.chatProxyStream)
	api.POST("/:agentId/webhook", s.chatAgentWebhook)
	api.POST("/:agentId/completions", s.chatBlocking)
	api.POST("/dialog/completions", s.chatDialog)

	api.POST("/:agentId/sessions", s.chatCreateSession)
	api.GET("/:agentId/sessions", s.chatListSessions)
	api.GET("/:agentId/sessions/:sessionId/history", s.chatSessionHistory)
	api.DELETE("/:agentId/sessions/:sessionId", s.chatDeleteSession)
	api.PUT("/:agentId/sessions/:sessionId/name", s.chatRenameSession)
}

type chatRequest struct {
	Message        string   `json:"message"`
	SessionID      string   `json:"sessionId"`
	ConversationID string   `json:"conversationId"`
	DialogID       string   `json:"dialogId"`
	UserID         string   `json:"userId"`
	Files          []string `json:"files"`
}

// streamHandler 把客户端回调桥接成 SSE 帧 + 总线事件。
// 返回的 channel 关闭即流结束。
func (s *Server) streamHandler(agentID string) (stream.Handler, <-chan stream.Message) {
	ch := make(chan stream.Message, 32)
	var once sync.Once
	h := stream.Handler{
		OnMessage: func(m stream.Message) {
			select {
			case ch <- m:
			default:
				// 消费端跟不上时丢帧, 下一帧是累计全文, 无损
			}
			if s.bus != nil && m.Type == stream.MessageContent {
				s.bus.PublishJSON(bus.TopicStreamPrefix+agentID, bus.MsgStreamContent, m)
			}
		},
		// 客户端成功路径自己触发 complete, 错误路径由网关兜底触发
		OnComplete: func() { once.Do(func() { close(ch) }) },
		OnError:    nil, // 错误帧已由 OnMessage 的 error 消息承载
	}
	return h, ch
}

// pipe 把消息 channel 写成 SSE 响应。
func pipe(c *gin.Context, ch <-chan stream.Message) {
	c.Stream(func(w io.Writer) bool {
		select {
		case m, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(m.Type), m)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// ========================================
// 流式端点
// ========================================

func (s *Server) chatProxyStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if req.Message == "" {
		badRequest(c, "invalid_request", "message 不能为空")
		return
	}

	client := stream.NewProxyClient(stream.ProxyConfig{
		ConsoleBaseURL: s.chat.ConsoleBaseURL,
		AgentID:        c.Param("agentId"),
		UserID:         req.UserID,
	})
	if req.SessionID != "" {
		client.SetSessionID(req.SessionID)
	}

	h, ch := s.streamHandler(c.Param("agentId"))
	go func() {
		if err := client.SendMessage(c.Request.Context(), req.Message, h); err != nil {
			h.OnMessage(stream.Message{Type: stream.MessageError, Content: err.Error()})
		}
		h.OnComplete()
	}()
	pipe(c, ch)
}

func (s *Server) chatAgentWebhook(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	client := stream.NewAgentClient(stream.AgentConfig{
		BaseURL:  s.chat.RAGFlowBaseURL,
		APIToken: s.chat.RAGFlowAPIKey,
		AgentID:  c.Param("agentId"),
		UserID:   req.UserID,
	})

	h, ch := s.streamHandler(c.Param("agentId"))
	go func() {
		if err := client.SendMessage(c.Request.Context(), req.Message, h, req.Files...); err != nil {
			h.OnMessage(stream.Message{Type: stream.MessageError, Content: err.Error()})
		}
		h.OnComplete()
	}()
	pipe(c, ch)
}

func (s *Server) chatBlocking(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	client := stream.NewBlockingClient(stream.BlockingConfig{
		BaseURL: s.chat.RAGFlowBaseURL,
		APIKey:  s.chat.RAGFlowAPIKey,
		AgentID: c.Param("agentId"),
		UserID:  req.UserID,
	})

	h, ch := s.streamHandler(c.Param("agentId"))
	go func() {
		if err := client.SendMessage(c.Request.Context(), req.Message, h); err != nil {
			h.OnMessage(stream.Message{Type: stream.MessageError, Content: err.Error()})
		}
		h.OnComplete()
	}()
	pipe(c, ch)
}

func (s *Server) chatDialog(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if req.ConversationID == "" && req.DialogID == "" {
		badRequest(c, "invalid_request", "conversationId 或 dialogId 必填其一")
		return
	}

	client := stream.NewDialogClient(stream.DialogConfig{
		BaseURL:  s.chat.RAGFlowBaseURL,
		JWTToken: s.chat.RAGFlowJWTToken,
		UserID:   req.UserID,
	})
	if req.ConversationID != "" {
		client.SetConversationID(req.ConversationID)
	} else {
		convID, err := client.CreateConversation(c.Request.Context(), req.DialogID,
			stream.DeriveSessionName(req.Message))
		if err != nil {
			fail(c, err)
			return
		}
		client.SetConversationID(convID)
	}

	h, ch := s.streamHandler("dialog")
	go func() {
		if err := client.SendMessage(c.Request.Context(), req.Message, h); err != nil {
			h.OnMessage(stream.Message{Type: stream.MessageError, Content: err.Error()})
		}
		h.OnComplete()
	}()
	pipe(c, ch)
}

// ========================================
// 会话管理 (代理后端)
// ========================================

func (s *Server) proxyClient(c *gin.Context) *stream.ProxyClient {
	return stream.NewProxyClient(stream.ProxyConfig{
		ConsoleBaseURL: s.chat.ConsoleBaseURL,
		AgentID:        c.Param("agentId"),
		UserID:         c.Query("userId"),
	})
}

func (s *Server) chatCreateSession(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	id, err := s.proxyClient(c).CreateSession(c.Request.Context(), req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, gin.H{"sessionId": id})
}

func (s *Server) chatListSessions(c *gin.Context) {
	sessions, err := s.proxyClient(c).ListSessions(c.Request.Context(),
		queryInt(c, "page", 1), queryInt(c, "pageSize", 30))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, sessions)
}

func (s *Server) chatSessionHistory(c *gin.Context) {
	history, err := s.proxyClient(c).GetHistory(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, history)
}

func (s *Server) chatDeleteSession(c *gin.Context) {
	if err := s.proxyClient(c).DeleteSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"sessionId": c.Param("sessionId")})
}

func (s *Server) chatRenameSession(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		badRequest(c, "invalid_request", "name 不能为空")
		return
	}
	if err := s.proxyClient(c).RenameSession(c.Request.Context(), c.Param("sessionId"), req.Name); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"sessionId": c.Param("sessionId"), "name": req.Name})
}
