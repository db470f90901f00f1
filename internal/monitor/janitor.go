// Package monitor 提供任务存储巡检: 定期清理过期终态任务并广播队列摘要。
package monitor

import (
	"context"
	"time"

	"github.com/kb-console/go-task-engine/pkg/logger"
	"github.com/kb-console/go-task-engine/pkg/util"

	"github.com/kb-console/go-task-engine/internal/bus"
	"github.com/kb-console/go-task-engine/internal/store"
	"github.com/kb-console/go-task-engine/internal/task"
)

const defaultInterval = time.Hour

// Janitor 存储巡检器。
type Janitor struct {
	store    store.Store
	bus      *bus.MessageBus
	ttl      time.Duration
	maxKeep  int
	interval time.Duration
}

// New 创建巡检器。interval <= 0 时用默认 1 小时。
func New(st store.Store, b *bus.MessageBus, ttl time.Duration, maxKeep int, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Janitor{store: st, bus: b, ttl: ttl, maxKeep: maxKeep, interval: interval}
}

// Summary 单次巡检结果。
type Summary struct {
	Ts      time.Time      `json:"ts"`
	Removed int            `json:"removed"`
	Counts  map[string]int `json:"counts"`
	Error   string         `json:"error,omitempty"`
}

// RunOnce 执行一次清理 + 统计 + 广播。
func (j *Janitor) RunOnce(ctx context.Context) *Summary {
	now := time.Now()

	removed, err := j.store.Cleanup(ctx, j.ttl, j.maxKeep)
	if err != nil {
		logger.Error("janitor: cleanup failed", logger.FieldError, err.Error())
		return &Summary{Ts: now, Error: err.Error(), Counts: emptyCounts()}
	}
	if removed > 0 {
		logger.Info("janitor: expired tasks removed", logger.FieldCount, removed)
	}

	summary := &Summary{Ts: now, Removed: removed, Counts: emptyCounts()}
	tasks, err := j.store.List(ctx)
	if err != nil {
		summary.Error = err.Error()
	} else {
		for _, t := range tasks {
			summary.Counts[string(t.Status)]++
			summary.Counts["total"]++
		}
	}

	if j.bus != nil {
		j.bus.PublishJSON(bus.TopicQueue, bus.MsgQueueStats, summary)
	}
	return summary
}

// Start 启动定期巡检 (goroutine + ticker)。
func (j *Janitor) Start(ctx context.Context) {
	util.SafeGo(func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	})
	logger.Info("janitor started", "interval", j.interval.String())
}

func emptyCounts() map[string]int {
	m := map[string]int{"total": 0}
	for _, s := range []task.Status{
		task.StatusPending, task.StatusRunning, task.StatusPaused,
		task.StatusSucceeded, task.StatusFailed, task.StatusCanceled,
	} {
		m[string(s)] = 0
	}
	return m
}
