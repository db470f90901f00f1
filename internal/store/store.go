// Package store 任务持久化层。
//
// 队列不关心任务存在哪里: 内存实现用于测试与单进程场景,
// Postgres 实现让任务在进程重启后可被恢复逻辑接管。
package store

import (
	"context"
	"time"

	"github.com/kb-console/go-task-engine/internal/task"
)

// Store 任务存储。
//
// Update* 遵循 task.Patch 的合并语义, 并在状态或进度变化后
// 重算 totalProgress, 返回合并后的任务快照。
type Store interface {
	// Add 写入新任务。
	Add(ctx context.Context, t *task.Task) error
	// AddBatch 批量写入 (同组任务一次入库)。
	AddBatch(ctx context.Context, tasks []*task.Task) error
	// Get 按 ID 读取, 未找到返回 errors.ErrNotFound。
	Get(ctx context.Context, id string) (*task.Task, error)
	// Update 合并 patch 并返回更新后的任务。
	Update(ctx context.Context, id string, p task.Patch) (*task.Task, error)
	// Remove 删除任务。删除不存在的任务不报错。
	Remove(ctx context.Context, id string) error
	// List 返回全部任务, 按创建时间升序。
	List(ctx context.Context) ([]*task.Task, error)
	// ByGroup 返回组内全部任务, 按创建时间升序。
	ByGroup(ctx context.Context, groupID string) ([]*task.Task, error)
	// ByDoc 按 kbId + docId 定位文档任务 (轮询器回写解析进度用),
	// 未找到返回 errors.ErrNotFound。
	ByDoc(ctx context.Context, kbID, docID string) (*task.Task, error)
	// UpdateByDoc 按 kbId + docId 合并 patch。
	UpdateByDoc(ctx context.Context, kbID, docID string, p task.Patch) (*task.Task, error)
	// Cleanup 清理终态任务: 超过 ttl 的删除, 终态数量超过 maxKeep
	// 时从最旧的开始删除。返回删除数量。
	Cleanup(ctx context.Context, ttl time.Duration, maxKeep int) (int, error)
}

// applyPatch 合并 patch 并重算 totalProgress。两个实现共用。
func applyPatch(t *task.Task, p task.Patch) {
	t.Apply(p)
	if p.Status != nil || len(p.Progress) > 0 {
		if t.Progress == nil {
			t.Progress = make(task.Progress, 1)
		}
		t.Progress[task.ProgressTotal] = task.CalculateProgress(t)
	}
}

// 文档任务定位键: kbId 在 input, docId 可能在 input (解析/删除)
// 或 output (上传完成后回填)。
func matchDoc(t *task.Task, kbID, docID string) bool {
	if t.InputStr("kbId") != kbID {
		return false
	}
	if t.InputStr("docId") == docID {
		return true
	}
	if t.Output != nil {
		if v, _ := t.Output["docId"].(string); v == docID {
			return true
		}
	}
	return false
}
