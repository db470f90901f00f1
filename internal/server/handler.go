package server

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kb-console/go-task-engine/internal/bus"
	"github.com/kb-console/go-task-engine/internal/task"
)

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.POST("/tasks", s.createTask)
	api.POST("/tasks/batch", s.createTasks)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.DELETE("/tasks/:id", s.removeTask)
	api.POST("/tasks/:id/cancel", s.cancelTask)
	api.POST("/tasks/:id/retry", s.retryTask)
	api.POST("/tasks/cleanup", s.cleanupTasks)

	api.GET("/groups/:groupId", s.groupProgress)
	api.POST("/groups/:groupId/pause", s.pauseGroup)
	api.POST("/groups/:groupId/resume", s.resumeGroup)
	api.POST("/groups/:groupId/cancel", s.cancelGroup)

	api.GET("/queue", s.queueStatus)
	api.POST("/queue/pause", s.pauseQueue)
	api.POST("/queue/resume", s.resumeQueue)
	api.PUT("/queue/concurrency", s.setConcurrency)

	api.GET("/events", s.sseHandler)
	api.GET("/ws", s.wsHandler)

	s.registerChatRoutes()
}

// queryInt 读取整型 query 参数, 缺失或无效时返回 def。
func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(def)))
	if err != nil || v < 1 {
		return def
	}
	return v
}

// ========================================
// 任务创建
// ========================================

type taskRequest struct {
	Type        string            `json:"type"`
	GroupID     string            `json:"groupId"`
	Title       string            `json:"title"`
	Input       map[string]any    `json:"input"`
	RetryPolicy *task.RetryPolicy `json:"retryPolicy"`
}

func validType(t string) bool {
	switch task.Type(t) {
	case task.TypeUploadDocument, task.TypeParseDocument,
		task.TypeDeleteDocument, task.TypeWorkflowRun:
		return true
	}
	return false
}

func (r taskRequest) build() *task.Task {
	t := task.New(task.Type(r.Type), r.Input)
	t.GroupID = r.GroupID
	t.Title = r.Title
	t.RetryPolicy = r.RetryPolicy
	return t
}

// createTask 创建任务。
//
// JSON 请求直接入队; multipart 请求 (上传/工作流带本地文件) 的
// meta 字段携带任务 JSON, file 字段携带临时文件。
func (s *Server) createTask(c *gin.Context) {
	var req taskRequest
	var file *task.File

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		meta := c.PostForm("meta")
		if meta == "" {
			badRequest(c, "invalid_request", "multipart 请求缺少 meta 字段")
			return
		}
		if err := json.Unmarshal([]byte(meta), &req); err != nil {
			badRequest(c, "invalid_request", "meta 解析失败: "+err.Error())
			return
		}
		fh, err := c.FormFile("file")
		if err != nil {
			badRequest(c, "invalid_request", "multipart 请求缺少 file 字段")
			return
		}
		f, err := fh.Open()
		if err != nil {
			serverError(c, err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			serverError(c, err)
			return
		}
		file = &task.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	if !validType(req.Type) {
		badRequest(c, "invalid_request", "未知任务类型: "+req.Type)
		return
	}

	t := req.build()
	if err := s.queue.AddTask(c.Request.Context(), t, file); err != nil {
		fail(c, err)
		return
	}
	created(c, t)
}

func (s *Server) createTasks(c *gin.Context) {
	var req struct {
		Tasks []taskRequest `json:"tasks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if len(req.Tasks) == 0 {
		badRequest(c, "invalid_request", "tasks 不能为空")
		return
	}

	tasks := make([]*task.Task, 0, len(req.Tasks))
	for _, r := range req.Tasks {
		if !validType(r.Type) {
			badRequest(c, "invalid_request", "未知任务类型: "+r.Type)
			return
		}
		tasks = append(tasks, r.build())
	}
	if err := s.queue.AddTasks(c.Request.Context(), tasks, nil); err != nil {
		fail(c, err)
		return
	}
	created(c, tasks)
}

// ========================================
// 任务查询与操作
// ========================================

func (s *Server) listTasks(c *gin.Context) {
	ctx := c.Request.Context()

	var tasks []*task.Task
	var err error
	if groupID := c.Query("groupId"); groupID != "" {
		tasks, err = s.store.ByGroup(ctx, groupID)
	} else {
		tasks, err = s.store.List(ctx)
	}
	if err != nil {
		fail(c, err)
		return
	}

	if status := c.Query("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	success(c, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, t)
}

func (s *Server) removeTask(c *gin.Context) {
	id := c.Param("id")
	// 在途任务先取消再移除
	if err := s.queue.CancelTask(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	if err := s.store.Remove(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	if s.bus != nil {
		s.bus.PublishJSON(bus.TopicTaskPrefix+id, bus.MsgTaskRemoved, gin.H{"id": id})
	}
	success(c, gin.H{"id": id})
}

func (s *Server) cancelTask(c *gin.Context) {
	if err := s.queue.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"id": c.Param("id")})
}

func (s *Server) retryTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.queue.RetryTask(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	t, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, t)
}

func (s *Server) cleanupTasks(c *gin.Context) {
	removed, err := s.store.Cleanup(c.Request.Context(), s.cleanupTTL, s.cleanupMaxKeep)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"removed": removed})
}

// ========================================
// 组操作
// ========================================

func (s *Server) groupProgress(c *gin.Context) {
	gp, err := s.queue.GroupProgress(c.Request.Context(), c.Param("groupId"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gp)
}

func (s *Server) pauseGroup(c *gin.Context) {
	if err := s.queue.PauseGroup(c.Request.Context(), c.Param("groupId")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"groupId": c.Param("groupId")})
}

func (s *Server) resumeGroup(c *gin.Context) {
	if err := s.queue.ResumeGroup(c.Request.Context(), c.Param("groupId")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"groupId": c.Param("groupId")})
}

func (s *Server) cancelGroup(c *gin.Context) {
	if err := s.queue.CancelGroup(c.Request.Context(), c.Param("groupId")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"groupId": c.Param("groupId")})
}

// ========================================
// 队列操作
// ========================================

func (s *Server) queueStatus(c *gin.Context) {
	success(c, gin.H{"running": s.queue.RunningCount()})
}

func (s *Server) pauseQueue(c *gin.Context) {
	s.queue.PauseAll()
	success(c, gin.H{"paused": true})
}

func (s *Server) resumeQueue(c *gin.Context) {
	s.queue.ResumeAll()
	success(c, gin.H{"paused": false})
}

func (s *Server) setConcurrency(c *gin.Context) {
	var req struct {
		Concurrency int `json:"concurrency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if req.Concurrency < 1 {
		badRequest(c, "invalid_request", "concurrency 必须大于 0")
		return
	}
	s.queue.SetConcurrency(req.Concurrency)
	success(c, gin.H{"concurrency": req.Concurrency})
}
