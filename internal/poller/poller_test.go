package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kb-console/go-task-engine/internal/store"
	"github.com/kb-console/go-task-engine/internal/task"
)

// docServer 可变状态的文档状态接口假服务。
type docServer struct {
	mu     sync.Mutex
	status map[string]statusInfo // docId -> 状态
	calls  int
}

func (s *docServer) set(docID string, info statusInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		s.status = make(map[string]statusInfo)
	}
	s.status[docID] = info
}

func (s *docServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls++
		var docID string
		fmt.Sscanf(r.URL.Path, "/api/knowledge-bases/kb1/documents/%s", &docID)
		// Sscanf 的 %s 会吃掉后缀, 手工剥掉 /status
		if n := len(docID); n > len("/status") && docID[n-len("/status"):] == "/status" {
			docID = docID[:n-len("/status")]
		}
		info, ok := s.status[docID]
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "文档不存在"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": info})
	}
}

func newTestPoller(t *testing.T, st store.Store, srv *docServer) *Poller {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	p := New(ts.URL, ts.Client(), st, nil)
	p.SetInterval(50 * time.Millisecond)
	t.Cleanup(p.Shutdown)
	return p
}

func seedParseTask(t *testing.T, st store.Store, kbID, docID string) *task.Task {
	t.Helper()
	tk := task.New(task.TypeParseDocument, map[string]any{"kbId": kbID, "docId": docID})
	tk.Status = task.StatusRunning
	if err := st.Add(context.Background(), tk); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tk
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func TestPollerProgressFlowsIntoTask(t *testing.T) {
	st := store.NewMemory()
	srv := &docServer{}
	srv.set("d1", statusInfo{Status: DocStatusParsing, Progress: 40})
	p := newTestPoller(t, st, srv)

	tk := seedParseTask(t, st, "kb1", "d1")
	p.StartTracking("kb1", "d1")

	waitCond(t, "解析进度回写", func() bool {
		got, err := st.Get(context.Background(), tk.ID)
		return err == nil && got.Progress[task.ProgressParse] == 40
	})
	got, _ := st.Get(context.Background(), tk.ID)
	if got.Status != task.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.Progress[task.ProgressTotal] != 40 {
		t.Errorf("totalProgress = %v, want 40", got.Progress[task.ProgressTotal])
	}
}

func TestPollerCompletionStopsTracking(t *testing.T) {
	st := store.NewMemory()
	srv := &docServer{}
	srv.set("d1", statusInfo{Status: DocStatusCompleted, Progress: 100})
	p := newTestPoller(t, st, srv)

	tk := seedParseTask(t, st, "kb1", "d1")
	p.StartTracking("kb1", "d1")

	waitCond(t, "任务转为成功", func() bool {
		got, err := st.Get(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusSucceeded
	})
	waitCond(t, "轮询停止", func() bool { return !p.IsPolling("kb1") })
}

func TestPollerFailureSetsError(t *testing.T) {
	st := store.NewMemory()
	srv := &docServer{}
	srv.set("d1", statusInfo{Status: DocStatusFailed, Progress: 30, ErrorMsg: "分块超限"})
	p := newTestPoller(t, st, srv)

	tk := seedParseTask(t, st, "kb1", "d1")
	p.StartTracking("kb1", "d1")

	waitCond(t, "任务转为失败", func() bool {
		got, err := st.Get(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusFailed
	})
	got, _ := st.Get(context.Background(), tk.ID)
	if got.Error == nil || got.Error.Message != "分块超限" {
		t.Errorf("error = %+v, want 分块超限", got.Error)
	}
	if !p.IsPolling("kb1") {
		return
	}
	waitCond(t, "轮询停止", func() bool { return !p.IsPolling("kb1") })
}

func TestPollerFailureDefaultMessage(t *testing.T) {
	st := store.NewMemory()
	srv := &docServer{}
	srv.set("d1", statusInfo{Status: DocStatusFailed})
	p := newTestPoller(t, st, srv)

	tk := seedParseTask(t, st, "kb1", "d1")
	p.StartTracking("kb1", "d1")

	waitCond(t, "任务转为失败", func() bool {
		got, err := st.Get(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusFailed
	})
	got, _ := st.Get(context.Background(), tk.ID)
	if got.Error == nil || got.Error.Message != "解析失败" {
		t.Errorf("error = %+v, want 解析失败", got.Error)
	}
}

func TestPollerCanceledTaskUntouched(t *testing.T) {
	st := store.NewMemory()
	srv := &docServer{}
	srv.set("d1", statusInfo{Status: DocStatusCompleted, Progress: 100})
	p := newTestPoller(t, st, srv)

	tk := task.New(task.TypeParseDocument, map[string]any{"kbId": "kb1", "docId": "d1"})
	tk.Status = task.StatusCanceled
	_ = st.Add(context.Background(), tk)

	p.StartTracking("kb1", "d1")
	time.Sleep(200 * time.Millisecond)

	got, _ := st.Get(context.Background(), tk.ID)
	if got.Status != task.StatusCanceled {
		t.Errorf("取消态任务被轮询改写: %s", got.Status)
	}
}

func TestPollerOrphanDocStopsTracking(t *testing.T) {
	st := store.NewMemory()
	srv := &docServer{}
	srv.set("ghost", statusInfo{Status: DocStatusParsing, Progress: 10})
	p := newTestPoller(t, st, srv)

	// 没有任何任务对应 ghost 文档
	p.StartTracking("kb1", "ghost")
	waitCond(t, "孤儿文档停止跟踪", func() bool { return !p.IsPolling("kb1") })
}

func TestPollerStartStopLifecycle(t *testing.T) {
	st := store.NewMemory()
	srv := &docServer{}
	srv.set("d1", statusInfo{Status: DocStatusParsing, Progress: 10})
	srv.set("d2", statusInfo{Status: DocStatusParsing, Progress: 10})
	p := newTestPoller(t, st, srv)

	seedParseTask(t, st, "kb1", "d1")
	seedParseTask(t, st, "kb1", "d2")

	p.StartTracking("kb1", "d1")
	p.StartTracking("kb1", "d2")
	if !p.IsPolling("kb1") {
		t.Fatal("StartTracking 后应在轮询")
	}

	p.StopTracking("kb1", "d1")
	if !p.IsPolling("kb1") {
		t.Error("仍有文档在跟踪, 不应停止")
	}
	p.StopTracking("kb1", "d2")
	if p.IsPolling("kb1") {
		t.Error("最后一个文档移除后应停止轮询")
	}
}

func TestPollerTransientFetchErrorKeepsPolling(t *testing.T) {
	st := store.NewMemory()
	srv := &docServer{} // 未设置任何文档 → success:false
	p := newTestPoller(t, st, srv)

	seedParseTask(t, st, "kb1", "d1")
	p.StartTracking("kb1", "d1")

	waitCond(t, "至少轮询两次", func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.calls >= 2
	})
	if !p.IsPolling("kb1") {
		t.Error("拉取失败不应终止轮询")
	}
}
