// memory.go — 内存任务存储 (互斥锁 + map, 测试与单进程模式)。
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"

	"github.com/kb-console/go-task-engine/internal/task"
)

// Memory 内存存储。对外只暴露任务快照, 内部状态不可被调用方改写。
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task

	// OnUpdate 任务写入/更新后的回调 (事件推送挂接点)。
	// 在锁外以快照调用, 回调内可安全访问 store。
	OnUpdate func(t *task.Task)
}

// NewMemory 创建空的内存存储。
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*task.Task)}
}

func (m *Memory) notify(t *task.Task) {
	if m.OnUpdate != nil && t != nil {
		m.OnUpdate(t.Clone())
	}
}

// Add 写入新任务。
func (m *Memory) Add(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	m.tasks[t.ID] = t.Clone()
	m.mu.Unlock()
	m.notify(t)
	return nil
}

// AddBatch 批量写入。
func (m *Memory) AddBatch(ctx context.Context, tasks []*task.Task) error {
	for _, t := range tasks {
		if err := m.Add(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Get 按 ID 读取。
func (m *Memory) Get(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, "store.Get", "任务不存在: "+id)
	}
	return t.Clone(), nil
}

// Update 合并 patch 并返回更新后的任务。
func (m *Memory) Update(_ context.Context, id string, p task.Patch) (*task.Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.Wrap(apperr.ErrNotFound, "store.Update", "任务不存在: "+id)
	}
	applyPatch(t, p)
	out := t.Clone()
	m.mu.Unlock()
	m.notify(out)
	return out, nil
}

// Remove 删除任务。
func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
	return nil
}

// List 返回全部任务, 按创建时间升序。
func (m *Memory) List(_ context.Context) ([]*task.Task, error) {
	m.mu.RLock()
	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

// ByGroup 返回组内任务。
func (m *Memory) ByGroup(_ context.Context, groupID string) ([]*task.Task, error) {
	m.mu.RLock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.GroupID == groupID {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

// ByDoc 按 kbId + docId 定位文档任务。
func (m *Memory) ByDoc(_ context.Context, kbID, docID string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if matchDoc(t, kbID, docID) {
			return t.Clone(), nil
		}
	}
	return nil, apperr.Wrap(apperr.ErrNotFound, "store.ByDoc", "文档任务不存在: "+kbID+"/"+docID)
}

// UpdateByDoc 按 kbId + docId 合并 patch。
func (m *Memory) UpdateByDoc(_ context.Context, kbID, docID string, p task.Patch) (*task.Task, error) {
	m.mu.Lock()
	var hit *task.Task
	for _, t := range m.tasks {
		if matchDoc(t, kbID, docID) {
			hit = t
			break
		}
	}
	if hit == nil {
		m.mu.Unlock()
		return nil, apperr.Wrap(apperr.ErrNotFound, "store.UpdateByDoc", "文档任务不存在: "+kbID+"/"+docID)
	}
	applyPatch(hit, p)
	out := hit.Clone()
	m.mu.Unlock()
	m.notify(out)
	return out, nil
}

// Cleanup 清理过期与超量的终态任务。
func (m *Memory) Cleanup(_ context.Context, ttl time.Duration, maxKeep int) (int, error) {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	var finals []*task.Task
	for id, t := range m.tasks {
		if !task.IsFinal(t.Status) {
			continue
		}
		if t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
			continue
		}
		finals = append(finals, t)
	}
	if maxKeep > 0 && len(finals) > maxKeep {
		sortByCreated(finals)
		for _, t := range finals[:len(finals)-maxKeep] {
			delete(m.tasks, t.ID)
			removed++
		}
	}
	return removed, nil
}

func sortByCreated(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
