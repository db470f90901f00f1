// Package poller 轮询知识库文档的解析状态并回写任务进度。
//
// 上传/解析执行器完成 HTTP 调用后任务并未真正结束 — 服务端解析是
// 异步的。轮询器按知识库维度定时拉取文档状态, 把解析进度合并进
// 对应任务, 终态时停止跟踪。
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"
	"github.com/kb-console/go-task-engine/pkg/logger"
	"github.com/kb-console/go-task-engine/pkg/util"

	"github.com/kb-console/go-task-engine/internal/bus"
	"github.com/kb-console/go-task-engine/internal/store"
	"github.com/kb-console/go-task-engine/internal/task"
)

// 文档解析状态 (服务端数字枚举)。
const (
	DocStatusParsing   = 0
	DocStatusCompleted = 1
	DocStatusFailed    = 2
)

const defaultInterval = 3 * time.Second

// statusInfo 服务端返回的文档状态。
type statusInfo struct {
	Status   int     `json:"status"`
	Progress float64 `json:"progress"`
	ErrorMsg string  `json:"errorMsg,omitempty"`
}

// Poller 文档解析状态轮询器。实现 executor.Tracker。
type Poller struct {
	baseURL string
	http    *http.Client
	store   store.Store
	bus     *bus.MessageBus

	mu       sync.Mutex
	interval time.Duration
	tracking map[string]map[string]struct{} // kbID -> docIDs
	cancels  map[string]context.CancelFunc  // kbID -> 轮询 goroutine 取消
	wg       sync.WaitGroup
}

// New 创建轮询器。httpClient 为 nil 时用 http.DefaultClient。
func New(baseURL string, httpClient *http.Client, st store.Store, b *bus.MessageBus) *Poller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Poller{
		baseURL:  baseURL,
		http:     httpClient,
		store:    st,
		bus:      b,
		interval: defaultInterval,
		tracking: make(map[string]map[string]struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// SetInterval 调整轮询间隔, 下限 50ms (测试用短间隔, 生产默认 3s)。
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	p.interval = d
}

// StartTracking 开始跟踪文档。同一知识库共用一个轮询 goroutine。
func (p *Poller) StartTracking(kbID, docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, ok := p.tracking[kbID]
	if !ok {
		docs = make(map[string]struct{})
		p.tracking[kbID] = docs
	}
	docs[docID] = struct{}{}

	if _, running := p.cancels[kbID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[kbID] = cancel
	interval := p.interval

	p.wg.Add(1)
	util.SafeGo(func() {
		defer p.wg.Done()
		p.loop(ctx, kbID, interval)
	})
}

// StopTracking 停止跟踪文档; 知识库下最后一个文档移除后停掉 goroutine。
func (p *Poller) StopTracking(kbID, docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(kbID, docID)
}

func (p *Poller) stopLocked(kbID, docID string) {
	docs, ok := p.tracking[kbID]
	if !ok {
		return
	}
	delete(docs, docID)
	if len(docs) > 0 {
		return
	}
	delete(p.tracking, kbID)
	if cancel, ok := p.cancels[kbID]; ok {
		cancel()
		delete(p.cancels, kbID)
	}
}

// IsPolling 返回知识库是否有活跃轮询。
func (p *Poller) IsPolling(kbID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cancels[kbID]
	return ok
}

// Shutdown 停止所有轮询并等待 goroutine 退出。
func (p *Poller) Shutdown() {
	p.mu.Lock()
	for kbID, cancel := range p.cancels {
		cancel()
		delete(p.cancels, kbID)
	}
	p.tracking = make(map[string]map[string]struct{})
	p.mu.Unlock()
	p.wg.Wait()
}

// ========================================
// 轮询循环
// ========================================

func (p *Poller) loop(ctx context.Context, kbID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, kbID)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, kbID string) {
	p.mu.Lock()
	docIDs := make([]string, 0, len(p.tracking[kbID]))
	for id := range p.tracking[kbID] {
		docIDs = append(docIDs, id)
	}
	p.mu.Unlock()

	for _, docID := range docIDs {
		info, err := p.fetchStatus(ctx, kbID, docID)
		if err != nil {
			// 单次拉取失败只记日志, 下个周期重来
			logger.Debug("文档状态拉取失败",
				logger.FieldKBID, kbID, logger.FieldDocID, docID,
				logger.FieldError, err.Error())
			continue
		}
		p.apply(ctx, kbID, docID, info)
	}
}

// apply 把文档状态合并进对应任务。
func (p *Poller) apply(ctx context.Context, kbID, docID string, info statusInfo) {
	t, err := p.store.ByDoc(ctx, kbID, docID)
	if err != nil {
		// 任务已被删除, 没有继续跟踪的意义
		p.StopTracking(kbID, docID)
		return
	}
	if t.Status == task.StatusCanceled {
		return
	}

	next := mapStatus(info.Status)
	patch := task.Patch{
		Status:   &next,
		Progress: task.Progress{task.ProgressParse: util.ClampFloat(info.Progress, 0, 100)},
	}
	if next == task.StatusFailed {
		msg := info.ErrorMsg
		if msg == "" {
			msg = "解析失败"
		}
		patch.Error = &task.ErrInfo{Message: msg}
	}

	updated, err := p.store.UpdateByDoc(ctx, kbID, docID, patch)
	if err != nil {
		logger.Warn("解析进度回写失败",
			logger.FieldKBID, kbID, logger.FieldDocID, docID,
			logger.FieldError, err.Error())
		return
	}
	if p.bus != nil {
		p.bus.PublishJSON(bus.TopicTaskPrefix+updated.ID, bus.MsgTaskUpdated, updated)
	}
	p.publishStatus(kbID, docID, info, next)

	if info.Status == DocStatusCompleted || info.Status == DocStatusFailed {
		p.StopTracking(kbID, docID)
	}
}

func (p *Poller) publishStatus(kbID, docID string, info statusInfo, status task.Status) {
	if p.bus == nil {
		return
	}
	p.bus.PublishJSON(bus.TopicPoller, bus.MsgPollerStatus, map[string]any{
		"kbId":     kbID,
		"docId":    docID,
		"status":   status,
		"progress": info.Progress,
	})
}

// ========================================
// HTTP
// ========================================

func (p *Poller) fetchStatus(ctx context.Context, kbID, docID string) (statusInfo, error) {
	url := fmt.Sprintf("%s/api/knowledge-bases/%s/documents/%s/status", p.baseURL, kbID, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return statusInfo{}, apperr.Wrap(err, "poller.fetchStatus", "构造请求失败")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return statusInfo{}, apperr.Wrap(err, "poller.fetchStatus", "请求文档状态失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return statusInfo{}, apperr.Wrap(err, "poller.fetchStatus", "读取响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return statusInfo{}, apperr.WithStatus("poller.fetchStatus", resp.StatusCode,
			"文档状态接口返回 "+resp.Status)
	}

	var envelope struct {
		Success bool        `json:"success"`
		Error   string      `json:"error,omitempty"`
		Data    *statusInfo `json:"data,omitempty"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return statusInfo{}, apperr.Wrap(err, "poller.fetchStatus", "响应解析失败")
	}
	if !envelope.Success || envelope.Data == nil {
		msg := envelope.Error
		if msg == "" {
			msg = "响应格式异常"
		}
		return statusInfo{}, apperr.New("poller.fetchStatus", msg)
	}
	return *envelope.Data, nil
}

func mapStatus(docStatus int) task.Status {
	switch docStatus {
	case DocStatusCompleted:
		return task.StatusSucceeded
	case DocStatusFailed:
		return task.StatusFailed
	default:
		return task.StatusRunning
	}
}
