// Package queue 实现并发受限的任务调度与重试引擎。
//
// 队列是状态机的唯一裁决者: 执行器只负责单次尝试, 重试分类、退避、
// 取消、暂停、恢复全部在这里决定。临时文件 (task.File) 只活在队列
// 内存里, 进程重启后由恢复逻辑判定哪些任务可以重排、哪些必须失败。
package queue

import (
	"context"
	"sync"
	"time"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"
	"github.com/kb-console/go-task-engine/pkg/logger"
	"github.com/kb-console/go-task-engine/pkg/util"

	"github.com/kb-console/go-task-engine/internal/bus"
	"github.com/kb-console/go-task-engine/internal/executor"
	"github.com/kb-console/go-task-engine/internal/store"
	"github.com/kb-console/go-task-engine/internal/task"
)

// Options 队列配置。
type Options struct {
	// Concurrency 并发上限, 最小 1, 默认 3。
	Concurrency int
	// DefaultRetryPolicy 零值时用 task.DefaultRetryPolicy()。
	DefaultRetryPolicy *task.RetryPolicy
	// Registry 执行器注册表, 必填。
	Registry *executor.Registry
	// Store 任务存储, 必填。
	Store store.Store
	// Bus 事件总线, 可为 nil (不发事件)。
	Bus *bus.MessageBus
	// DisableRecover 跳过构造时的恢复扫描 (测试用)。
	DisableRecover bool
}

type runningEntry struct {
	cancel context.CancelFunc
	typ    task.Type
}

// Queue 任务队列。
type Queue struct {
	registry *executor.Registry
	store    store.Store
	bus      *bus.MessageBus
	policy   task.RetryPolicy

	mu           sync.Mutex
	concurrency  int
	pending      []string
	running      map[string]runningEntry
	pausedGroups map[string]struct{}
	paused       bool
	files        map[string]*task.File

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New 创建队列。除非 DisableRecover, 构造时同步执行恢复扫描,
// 保证首次 pump 前所有遗留任务都已处置。
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Registry == nil || opts.Store == nil {
		return nil, apperr.New("queue.New", "Registry 与 Store 不能为空")
	}
	policy := task.DefaultRetryPolicy()
	if opts.DefaultRetryPolicy != nil {
		policy = *opts.DefaultRetryPolicy
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	q := &Queue{
		registry:     opts.Registry,
		store:        opts.Store,
		bus:          opts.Bus,
		policy:       policy,
		concurrency:  util.ClampInt(opts.Concurrency, 1, 64),
		running:      make(map[string]runningEntry),
		pausedGroups: make(map[string]struct{}),
		files:        make(map[string]*task.File),
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
	}
	if !opts.DisableRecover {
		if err := q.recover(ctx); err != nil {
			baseCancel()
			return nil, err
		}
	}
	q.pump()
	return q, nil
}

// Shutdown 停止队列: 取消所有在途任务并等待 goroutine 退出。
func (q *Queue) Shutdown() {
	q.baseCancel()
	q.wg.Wait()
}

// ========================================
// 对外操作
// ========================================

// AddTask 入队单个任务。file 非 nil 时暂存为该任务的临时文件。
func (q *Queue) AddTask(ctx context.Context, t *task.Task, file *task.File) error {
	if file != nil {
		q.mu.Lock()
		q.files[t.ID] = file
		q.mu.Unlock()
	}
	if err := q.store.Add(ctx, t); err != nil {
		return err
	}
	q.publish(bus.TopicTaskPrefix+t.ID, bus.MsgTaskAdded, t)
	q.enqueue(t.ID)
	q.pump()
	return nil
}

// AddTasks 批量入队。files 以任务 ID 为键。
func (q *Queue) AddTasks(ctx context.Context, tasks []*task.Task, files map[string]*task.File) error {
	if len(files) > 0 {
		q.mu.Lock()
		for id, f := range files {
			q.files[id] = f
		}
		q.mu.Unlock()
	}
	if err := q.store.AddBatch(ctx, tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		q.publish(bus.TopicTaskPrefix+t.ID, bus.MsgTaskAdded, t)
		q.enqueue(t.ID)
	}
	q.pump()
	return nil
}

// RetryTask 手动重试失败任务。
//
// 依赖临时文件的任务 (上传 / 无 uploadFileId 的工作流) 不能直接重试:
// 文件早已释放, 标记 FILE_REQUIRED 让 UI 引导重新选文件。
func (q *Queue) RetryTask(ctx context.Context, taskID string) error {
	t, err := q.store.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if task.NeedsFile(t) {
		_, err := q.update(ctx, taskID, task.Patch{
			Error: &task.ErrInfo{
				Message: "该任务需要重新选择文件后才能重试",
				Code:    apperr.CodeFileRequired,
			},
		})
		return err
	}

	if t.Status != task.StatusFailed {
		return nil
	}

	zero := 0
	pending := task.StatusPending
	if _, err := q.update(ctx, taskID, task.Patch{
		Status:     &pending,
		RetryCount: &zero,
		ClearError: true,
	}); err != nil {
		return err
	}
	q.enqueue(taskID)
	q.pump()
	return nil
}

// CancelTask 取消任务: 在途的中断, 排队的移除, 终态写 canceled。
func (q *Queue) CancelTask(ctx context.Context, taskID string) error {
	q.mu.Lock()
	if entry, ok := q.running[taskID]; ok {
		entry.cancel()
	}
	q.removePendingLocked(taskID)
	delete(q.files, taskID)
	q.mu.Unlock()

	if _, err := q.store.Get(ctx, taskID); err != nil {
		return nil // 不存在的任务取消是幂等空操作
	}
	_, err := q.update(ctx, taskID, task.CancelPatch())
	return err
}

// CancelGroup 取消组内全部任务 (不论状态)。
func (q *Queue) CancelGroup(ctx context.Context, groupID string) error {
	tasks, err := q.store.ByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := q.CancelTask(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

// PauseGroup 暂停组: 排队成员转 paused, 在途成员不受影响。
func (q *Queue) PauseGroup(ctx context.Context, groupID string) error {
	q.mu.Lock()
	q.pausedGroups[groupID] = struct{}{}
	q.mu.Unlock()

	tasks, err := q.store.ByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == task.StatusPending {
			if _, err := q.update(ctx, t.ID, task.StatusPatch(task.StatusPaused)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResumeGroup 恢复组: paused 成员转回 pending 并重排。
func (q *Queue) ResumeGroup(ctx context.Context, groupID string) error {
	q.mu.Lock()
	delete(q.pausedGroups, groupID)
	q.mu.Unlock()

	tasks, err := q.store.ByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == task.StatusPaused {
			if _, err := q.update(ctx, t.ID, task.StatusPatch(task.StatusPending)); err != nil {
				return err
			}
			q.enqueue(t.ID)
		}
	}
	q.pump()
	return nil
}

// PauseAll 全局暂停: 停止启动新任务, 在途任务继续跑完。
func (q *Queue) PauseAll() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.publish(bus.TopicQueue, bus.MsgQueuePaused, nil)
}

// ResumeAll 解除全局暂停。
func (q *Queue) ResumeAll() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.publish(bus.TopicQueue, bus.MsgQueueResumed, nil)
	q.pump()
}

// SetConcurrency 调整并发上限并立即补位。
func (q *Queue) SetConcurrency(n int) {
	q.mu.Lock()
	q.concurrency = util.ClampInt(n, 1, 64)
	q.mu.Unlock()
	q.pump()
}

// RunningCount 返回在途任务数。
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// GroupProgress 汇总组进度。
func (q *Queue) GroupProgress(ctx context.Context, groupID string) (task.GroupProgress, error) {
	tasks, err := q.store.ByGroup(ctx, groupID)
	if err != nil {
		return task.GroupProgress{}, err
	}
	return task.CalculateGroupProgress(tasks), nil
}

// ========================================
// 内部: 排队与泵
// ========================================

func (q *Queue) enqueue(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.pending {
		if id == taskID {
			return
		}
	}
	q.pending = append(q.pending, taskID)
}

func (q *Queue) removePendingLocked(taskID string) {
	for i, id := range q.pending {
		if id == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) runningWorkflowCountLocked() int {
	n := 0
	for _, entry := range q.running {
		if entry.typ == task.TypeWorkflowRun {
			n++
		}
	}
	return n
}

// pump 从 pending 队首补位到并发上限。
//
// workflow.run 全局同时最多 1 个: 超限的排回队尾, 不阻塞其他类型。
// 候选任务先在锁外批量预取, 持锁段只做调度判定与登记, 存储 I/O
// (Postgres 时是网络调用) 不落在调度锁内。
func (q *Queue) pump() {
	ctx := context.Background()

	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	snapshot := append([]string(nil), q.pending...)
	q.mu.Unlock()

	snapshotted := make(map[string]struct{}, len(snapshot))
	candidates := make(map[string]*task.Task, len(snapshot))
	for _, id := range snapshot {
		snapshotted[id] = struct{}{}
		if t, err := q.store.Get(ctx, id); err == nil {
			candidates[id] = t
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return
	}

	scanned := len(q.pending)
	workflows := q.runningWorkflowCountLocked()

	for i := 0; i < scanned && len(q.running) < q.concurrency && len(q.pending) > 0; i++ {
		taskID := q.pending[0]
		q.pending = q.pending[1:]

		t, ok := candidates[taskID]
		if !ok {
			if _, snapped := snapshotted[taskID]; snapped {
				continue // 预取失败 (已删除等), 丢弃
			}
			// 快照之后才入队的任务排回队尾, 它自己触发的那次泵会带上它
			q.pending = append(q.pending, taskID)
			continue
		}
		if t.Status != task.StatusPending {
			continue
		}

		if t.GroupID != "" {
			if _, paused := q.pausedGroups[t.GroupID]; paused {
				_, _ = q.updateNoLock(ctx, t.ID, task.StatusPatch(task.StatusPaused))
				continue
			}
		}

		if t.Type == task.TypeWorkflowRun && workflows >= 1 {
			q.pending = append(q.pending, taskID)
			continue
		}

		if t.Type == task.TypeWorkflowRun {
			workflows++
		}
		q.startLocked(t)
	}
}

// startLocked 登记在途表并启动执行 goroutine。调用方必须持有 q.mu。
func (q *Queue) startLocked(t *task.Task) {
	runCtx, cancel := context.WithCancel(q.baseCtx)
	q.running[t.ID] = runningEntry{cancel: cancel, typ: t.Type}

	q.wg.Add(1)
	util.SafeGo(func() {
		defer q.wg.Done()
		defer cancel()
		q.runTask(runCtx, t.ID)
	})
}

func (q *Queue) runTask(ctx context.Context, taskID string) {
	running := task.StatusRunning
	_, _ = q.update(context.Background(), taskID, task.Patch{
		Status:     &running,
		ClearError: true,
	})

	q.executeWithRetry(ctx, taskID)

	q.mu.Lock()
	delete(q.running, taskID)
	q.mu.Unlock()

	// 终态任务的临时文件一律释放
	if latest, err := q.store.Get(context.Background(), taskID); err == nil && task.IsFinal(latest.Status) {
		q.mu.Lock()
		delete(q.files, taskID)
		q.mu.Unlock()
	}

	q.pump()
}

// ========================================
// 内部: 带重试的执行
// ========================================

func (q *Queue) executeWithRetry(ctx context.Context, taskID string) {
	bg := context.Background()

	for {
		t, err := q.store.Get(bg, taskID)
		if err != nil {
			return
		}

		if ctx.Err() != nil {
			_, _ = q.update(bg, taskID, task.CancelPatch())
			return
		}

		exec, err := q.registry.Get(t.Type)
		if err != nil {
			_, _ = q.update(bg, taskID, task.FailPatch(apperr.Message(err), ""))
			return
		}

		patch, execErr := exec(ctx, t, executor.Ctx{
			File:        func() *task.File { return q.file(taskID) },
			ReleaseFile: func() { q.releaseFile(taskID) },
			Update: func(p task.Patch) {
				_, _ = q.update(bg, taskID, p)
			},
		})

		if execErr == nil {
			q.finishAttempt(bg, taskID, patch)
			return
		}

		if ctx.Err() != nil || apperr.IsCanceled(execErr) {
			_, _ = q.update(bg, taskID, task.CancelPatch())
			return
		}

		if !q.scheduleRetry(ctx, t, execErr) {
			return
		}
	}
}

// finishAttempt 执行器正常返回后的落库: 无显式状态默认 succeeded,
// 非 failed 终态顺带清掉历史错误。
func (q *Queue) finishAttempt(ctx context.Context, taskID string, patch *task.Patch) {
	final := task.Patch{}
	if patch != nil {
		final = *patch
	}
	if final.Status == nil {
		s := task.StatusSucceeded
		final.Status = &s
	}
	if *final.Status != task.StatusFailed {
		final.Error = nil
		final.ClearError = true
	}
	_, _ = q.update(ctx, taskID, final)
}

// scheduleRetry 判定失败是否可重试; 可重试时写回退避状态并睡眠。
// 返回 false 表示任务已终结。
func (q *Queue) scheduleRetry(ctx context.Context, t *task.Task, execErr error) bool {
	bg := context.Background()
	policy := t.Effective(q.policy)
	status, _ := apperr.HTTPStatus(execErr)
	message := apperr.Message(execErr)
	retryCount := t.RetryCount + 1

	if policy.Classify(status) && !policy.FailFast(apperr.CodeOf(execErr)) &&
		retryCount <= policy.MaxRetries {
		running := task.StatusRunning
		_, _ = q.update(bg, t.ID, task.Patch{
			Status:     &running,
			RetryCount: &retryCount,
			Error:      &task.ErrInfo{Message: message},
		})

		delay := policy.BackoffDelay(retryCount)
		logger.Warn("任务失败, 退避后重试",
			logger.FieldTaskID, t.ID,
			logger.FieldRetry, retryCount,
			logger.FieldHTTPCode, status,
			logger.FieldDelayMS, delay.Milliseconds(),
			logger.FieldError, message)

		// 退避睡眠与取消竞争, 取消由循环头部统一处置
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		return true
	}

	clamped := util.ClampInt(retryCount, 0, policy.MaxRetries)
	_, _ = q.update(bg, t.ID, task.Patch{
		Status:     statusPtr(task.StatusFailed),
		RetryCount: &clamped,
		Error:      &task.ErrInfo{Message: message, Code: apperr.CodeOf(execErr)},
	})
	logger.Error("任务终结为失败",
		logger.FieldTaskID, t.ID,
		logger.FieldRetry, clamped,
		logger.FieldHTTPCode, status,
		logger.FieldError, message)
	return false
}

// ========================================
// 内部: 恢复扫描
// ========================================

// recover 处置上一进程遗留的 pending/running 任务:
// 依赖临时文件的直接失败 (文件不可能幸存), 其余重置排队。
func (q *Queue) recover(ctx context.Context) error {
	tasks, err := q.store.List(ctx)
	if err != nil {
		return apperr.Wrap(err, "queue.recover", "恢复扫描读取任务失败")
	}

	recovered, interrupted := 0, 0
	for _, t := range tasks {
		if t.Status != task.StatusPending && t.Status != task.StatusRunning {
			continue
		}

		if task.NeedsFile(t) {
			_, _ = q.update(ctx, t.ID, task.Patch{
				Status: statusPtr(task.StatusFailed),
				Error: &task.ErrInfo{
					Message: "任务已中断, 需要重新上传文件",
					Code:    apperr.CodeInterruptedByRefresh,
				},
			})
			interrupted++
			continue
		}

		_, _ = q.update(ctx, t.ID, task.StatusPatch(task.StatusPending))
		q.enqueue(t.ID)
		recovered++
	}

	if recovered > 0 || interrupted > 0 {
		logger.Info("任务恢复扫描完成",
			"recovered", recovered, "interrupted", interrupted)
	}
	return nil
}

// ========================================
// 内部: 杂项
// ========================================

func (q *Queue) file(taskID string) *task.File {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.files[taskID]
}

func (q *Queue) releaseFile(taskID string) {
	q.mu.Lock()
	delete(q.files, taskID)
	q.mu.Unlock()
}

// update 写 store 并广播任务事件。
func (q *Queue) update(ctx context.Context, taskID string, p task.Patch) (*task.Task, error) {
	t, err := q.store.Update(ctx, taskID, p)
	if err != nil {
		return nil, err
	}
	q.publish(bus.TopicTaskPrefix+taskID, bus.MsgTaskUpdated, t)
	return t, nil
}

// updateNoLock 与 update 相同; 名字提醒调用方此刻已持有 q.mu,
// store 与 bus 都不得回调队列。
func (q *Queue) updateNoLock(ctx context.Context, taskID string, p task.Patch) (*task.Task, error) {
	return q.update(ctx, taskID, p)
}

func (q *Queue) publish(topic, msgType string, payload any) {
	if q.bus == nil {
		return
	}
	q.bus.PublishJSON(topic, msgType, payload)
}

func statusPtr(s task.Status) *task.Status { return &s }
