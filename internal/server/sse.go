// sse.go — 事件总线的 SSE 推送端点。
package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kb-console/go-task-engine/pkg/logger"

	"github.com/kb-console/go-task-engine/internal/bus"
)

// sseHandler 把总线消息以 SSE 推给客户端。
// ?topic= 指定订阅前缀 (默认全部), 例如 task.{id} / group.{id} / queue。
func (s *Server) sseHandler(c *gin.Context) {
	filter := c.DefaultQuery("topic", bus.TopicAll)
	clientID := "sse-" + uuid.NewString()
	sub := s.bus.Subscribe(clientID, filter)
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("SSE client disconnected", logger.FieldClientID, clientID)
	}()

	logger.Info("SSE client connected",
		logger.FieldClientID, clientID, logger.FieldTopic, filter)

	c.Stream(func(w io.Writer) bool {
		// 复用 timer 避免每次循环创建新定时器 (GC 压力)
		keepalive := time.NewTimer(30 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case msg, ok := <-sub.Ch:
				if !ok {
					return false
				}
				c.SSEvent(msg.Type, msg)
				if !keepalive.Stop() {
					select {
					case <-keepalive.C:
					default:
					}
				}
				keepalive.Reset(30 * time.Second)
				return true
			case <-keepalive.C:
				c.SSEvent("ping", "keepalive")
				keepalive.Reset(30 * time.Second)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		}
	})
}
