// Package server 提供任务引擎的 HTTP 服务 (REST + SSE + WebSocket)。
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kb-console/go-task-engine/internal/bus"
	"github.com/kb-console/go-task-engine/internal/queue"
	"github.com/kb-console/go-task-engine/internal/store"
)

// Server 任务 API HTTP 服务。
type Server struct {
	router *gin.Engine
	queue  *queue.Queue
	store  store.Store
	bus    *bus.MessageBus

	cleanupTTL     time.Duration
	cleanupMaxKeep int
	chat           ChatConfig
}

// Options 服务配置。
type Options struct {
	Queue *queue.Queue
	Store store.Store
	Bus   *bus.MessageBus
	// CleanupTTL/CleanupMaxKeep 手动清理接口的默认参数。
	CleanupTTL     time.Duration
	CleanupMaxKeep int
	// Chat 对话网关后端配置, 零值时不注册对话路由。
	Chat ChatConfig
}

// NewServer 创建服务并注册路由。
func NewServer(opts Options) *Server {
	r := gin.Default()
	s := &Server{
		router:         r,
		queue:          opts.Queue,
		store:          opts.Store,
		bus:            opts.Bus,
		cleanupTTL:     opts.CleanupTTL,
		cleanupMaxKeep: opts.CleanupMaxKeep,
		chat:           opts.Chat,
	}
	if s.cleanupTTL <= 0 {
		s.cleanupTTL = 24 * time.Hour
	}
	if s.cleanupMaxKeep <= 0 {
		s.cleanupMaxKeep = 1000
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎 (测试与启动入口用)。
func (s *Server) Engine() *gin.Engine { return s.router }

// Run 启动 HTTP 监听。
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
