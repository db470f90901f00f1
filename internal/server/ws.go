// ws.go — 事件总线的 WebSocket 推送端点。
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kb-console/go-task-engine/pkg/logger"
	"github.com/kb-console/go-task-engine/pkg/util"

	"github.com/kb-console/go-task-engine/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// wsHandler 把总线消息以 WebSocket 推给客户端, 语义与 SSE 端点一致。
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logger.FieldError, err.Error())
		return
	}

	filter := c.DefaultQuery("topic", bus.TopicAll)
	clientID := "ws-" + uuid.NewString()
	sub := s.bus.Subscribe(clientID, filter)
	logger.Info("websocket client connected",
		logger.FieldClientID, clientID, logger.FieldTopic, filter)

	done := make(chan struct{})

	// 读 goroutine: 消费控制帧, 连接关闭时通知写端退出
	util.SafeGo(func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.bus.Unsubscribe(clientID)
		_ = conn.Close()
		logger.Info("websocket client disconnected", logger.FieldClientID, clientID)
	}()

	for {
		select {
		case msg, ok := <-sub.Ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
