// memory_test.go — 内存存储合并语义与清理测试。
package store

import (
	"context"
	"errors"
	"testing"
	"time"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"

	"github.com/kb-console/go-task-engine/internal/task"
)

func TestMemoryAddGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tk := task.New(task.TypeParseDocument, map[string]any{"kbId": "kb1", "docId": "d1"})

	if err := m.Add(ctx, tk); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := m.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != tk.ID || got.Type != task.TypeParseDocument {
		t.Errorf("读回不一致: %+v", got)
	}

	// 快照隔离: 改写读回的任务不影响存储内状态
	got.Input["kbId"] = "mutated"
	again, _ := m.Get(ctx, tk.ID)
	if again.Input["kbId"] != "kb1" {
		t.Error("Get 返回的不是隔离快照")
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("期望 ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateMergesAndRecomputesTotal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tk := task.New(task.TypeUploadDocument, map[string]any{"kbId": "kb1"})
	_ = m.Add(ctx, tk)

	got, err := m.Update(ctx, tk.ID, task.Patch{Progress: task.Progress{task.ProgressUpload: 50}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Progress[task.ProgressTotal] != 35 { // 50 * 0.7
		t.Errorf("totalProgress = %v, 期望 35", got.Progress[task.ProgressTotal])
	}

	got, _ = m.Update(ctx, tk.ID, task.Patch{Progress: task.Progress{task.ProgressUpload: 100}})
	if got.Progress[task.ProgressUpload] != 100 || got.Progress[task.ProgressTotal] != 70 {
		t.Errorf("二次合并后 progress = %v", got.Progress)
	}
}

func TestMemoryUpdateNotifies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var events []task.Status
	m.OnUpdate = func(t *task.Task) { events = append(events, t.Status) }

	tk := task.New(task.TypeDeleteDocument, nil)
	_ = m.Add(ctx, tk)
	_, _ = m.Update(ctx, tk.ID, task.StatusPatch(task.StatusRunning))
	_, _ = m.Update(ctx, tk.ID, task.StatusPatch(task.StatusSucceeded))

	want := []task.Status{task.StatusPending, task.StatusRunning, task.StatusSucceeded}
	if len(events) != len(want) {
		t.Fatalf("事件数 = %d, 期望 %d", len(events), len(want))
	}
	for i, s := range want {
		if events[i] != s {
			t.Errorf("事件[%d] = %s, 期望 %s", i, events[i], s)
		}
	}
}

func TestMemoryByDoc(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// docId 在 input 中 (解析任务)
	parse := task.New(task.TypeParseDocument, map[string]any{"kbId": "kb1", "docId": "d1"})
	_ = m.Add(ctx, parse)
	// docId 由上传完成后回填到 output
	upload := task.New(task.TypeUploadDocument, map[string]any{"kbId": "kb1"})
	upload.Output = map[string]any{"docId": "d2"}
	_ = m.Add(ctx, upload)

	got, err := m.ByDoc(ctx, "kb1", "d1")
	if err != nil || got.ID != parse.ID {
		t.Fatalf("ByDoc(input 定位) = %v, %v", got, err)
	}
	got, err = m.ByDoc(ctx, "kb1", "d2")
	if err != nil || got.ID != upload.ID {
		t.Fatalf("ByDoc(output 定位) = %v, %v", got, err)
	}
	if _, err = m.ByDoc(ctx, "kb2", "d1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("跨库不应命中: %v", err)
	}

	upd, err := m.UpdateByDoc(ctx, "kb1", "d1", task.Patch{Progress: task.Progress{task.ProgressParse: 80}})
	if err != nil || upd.Progress[task.ProgressParse] != 80 {
		t.Fatalf("UpdateByDoc: %v, %v", upd, err)
	}
}

func TestMemoryByGroupOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		tk := task.New(task.TypeDeleteDocument, nil)
		tk.ID = id
		tk.GroupID = "g1"
		tk.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		_ = m.Add(ctx, tk)
	}
	got, err := m.ByGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "c" || got[1].ID != "a" || got[2].ID != "b" {
		t.Fatalf("组内顺序应按创建时间: %v", ids(got))
	}
}

func TestMemoryCleanup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	old := task.New(task.TypeDeleteDocument, nil)
	old.Status = task.StatusSucceeded
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	_ = m.Add(ctx, old)

	fresh := task.New(task.TypeDeleteDocument, nil)
	fresh.Status = task.StatusFailed
	fresh.UpdatedAt = time.Now()
	_ = m.Add(ctx, fresh)

	running := task.New(task.TypeParseDocument, nil)
	running.Status = task.StatusRunning
	running.UpdatedAt = time.Now().Add(-48 * time.Hour)
	_ = m.Add(ctx, running)

	n, err := m.Cleanup(ctx, 24*time.Hour, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("删除数 = %d, 期望 1", n)
	}
	if _, err := m.Get(ctx, old.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Error("过期终态任务应被删除")
	}
	if _, err := m.Get(ctx, running.ID); err != nil {
		t.Error("非终态任务不应被清理")
	}
	if _, err := m.Get(ctx, fresh.ID); err != nil {
		t.Error("未过期终态任务不应被清理")
	}
}

func TestMemoryCleanupCap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	for i := 0; i < 5; i++ {
		tk := task.New(task.TypeDeleteDocument, nil)
		tk.Status = task.StatusSucceeded
		tk.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_ = m.Add(ctx, tk)
	}
	n, err := m.Cleanup(ctx, 24*time.Hour, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("超量清理数 = %d, 期望 2", n)
	}
	rest, _ := m.List(ctx)
	if len(rest) != 3 {
		t.Fatalf("剩余 %d, 期望 3", len(rest))
	}
	// 保留的是最新创建的 3 条
	for _, tk := range rest {
		if tk.CreatedAt.Before(base.Add(2 * time.Second)) {
			t.Errorf("应保留最新任务, 却保留了 %v", tk.CreatedAt)
		}
	}
}

func ids(tasks []*task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
