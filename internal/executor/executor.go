// Package executor 定义任务执行器契约与各任务类型的默认实现。
//
// 执行器只做一次尝试, 重试/退避/取消全部由队列裁决:
//   - 返回 error → 队列按重试策略分类 (HTTP 状态码挂在 AppError.Status 上)
//   - 返回 Patch{Status: failed} → 领域性失败, 不重试, 原样落库
//   - 返回 nil patch → 视为成功
package executor

import (
	"context"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"

	"github.com/kb-console/go-task-engine/internal/task"
)

// Ctx 执行上下文, 由队列注入。
type Ctx struct {
	// File 取任务关联的临时文件, 没有返回 nil。
	File func() *task.File
	// ReleaseFile 释放文件引用 (上传完成后不再需要时尽早调用)。
	ReleaseFile func()
	// Update 执行中途回写进度/输出 (合并语义同 store)。
	Update func(p task.Patch)
}

// Executor 任务执行器。ctx 取消必须传导到所有网络调用。
type Executor func(ctx context.Context, t *task.Task, ec Ctx) (*task.Patch, error)

// ========================================
// 注册表
// ========================================

// Registry 任务类型 → 执行器的注册表。注册发生在启动期, 运行期只读。
type Registry struct {
	executors map[task.Type]Executor
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{executors: make(map[task.Type]Executor)}
}

// Register 注册执行器, 同类型后注册的覆盖先注册的。
func (r *Registry) Register(typ task.Type, exec Executor) {
	r.executors[typ] = exec
}

// Get 按类型查找执行器, 未注册返回 ErrNoExecutor。
func (r *Registry) Get(typ task.Type) (Executor, error) {
	exec, ok := r.executors[typ]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNoExecutor, "Registry.Get",
			"未找到任务执行器: "+string(typ))
	}
	return exec, nil
}
