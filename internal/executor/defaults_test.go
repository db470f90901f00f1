// defaults_test.go — 默认执行器测试 (httptest)。
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"

	"github.com/kb-console/go-task-engine/internal/task"
)

type fakeTracker struct{ calls []string }

func (f *fakeTracker) StartTracking(kbID, docID string) {
	f.calls = append(f.calls, kbID+"/"+docID)
}

func fileCtx(f *task.File) (Ctx, *bool) {
	released := false
	return Ctx{
		File:        func() *task.File { return f },
		ReleaseFile: func() { released = true },
		Update:      func(task.Patch) {},
	}, &released
}

func TestUploadDocument(t *testing.T) {
	tracker := &fakeTracker{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/knowledge-bases/kb1/documents" {
			t.Errorf("路径 = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("multipart: %v", err)
		}
		if r.FormValue("run") != "1" {
			t.Errorf("run = %q", r.FormValue("run"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("file 字段缺失: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "a.pdf" || string(data) != "内容" {
			t.Errorf("文件 = %q %q", hdr.Filename, data)
		}
		fmt.Fprint(w, `{"data":{"id":"doc-1"}}`)
	}))
	defer srv.Close()

	exec := UploadDocument(Deps{BaseURL: srv.URL, Tracker: tracker})
	tk := task.New(task.TypeUploadDocument, map[string]any{"kbId": "kb1"})
	ec, released := fileCtx(&task.File{Name: "a.pdf", Data: []byte("内容")})

	patch, err := exec(context.Background(), tk, ec)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if *patch.Status != task.StatusRunning {
		t.Errorf("autoRun 默认开启, 应保持 running: %s", *patch.Status)
	}
	if patch.Output["docId"] != "doc-1" {
		t.Errorf("output = %v", patch.Output)
	}
	if patch.Progress[task.ProgressUpload] != 100 {
		t.Errorf("progress = %v", patch.Progress)
	}
	if !*released {
		t.Error("上传成功后应释放文件")
	}
	if len(tracker.calls) != 1 || tracker.calls[0] != "kb1/doc-1" {
		t.Errorf("tracker = %v", tracker.calls)
	}
}

func TestUploadDocumentNoAutoRun(t *testing.T) {
	tracker := &fakeTracker{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"id":"doc-2"}}`)
	}))
	defer srv.Close()

	exec := UploadDocument(Deps{BaseURL: srv.URL, Tracker: tracker})
	tk := task.New(task.TypeUploadDocument, map[string]any{"kbId": "kb1", "autoRun": false})
	ec, _ := fileCtx(&task.File{Name: "a.pdf", Data: []byte("x")})

	patch, err := exec(context.Background(), tk, ec)
	if err != nil {
		t.Fatal(err)
	}
	if *patch.Status != task.StatusSucceeded {
		t.Errorf("关闭 autoRun 应直接成功: %s", *patch.Status)
	}
	if len(tracker.calls) != 0 {
		t.Error("关闭 autoRun 不应启动跟踪")
	}
}

func TestUploadDocumentMissingFile(t *testing.T) {
	exec := UploadDocument(Deps{BaseURL: "http://127.0.0.1:0"})
	tk := task.New(task.TypeUploadDocument, map[string]any{"kbId": "kb1"})
	ec := Ctx{File: func() *task.File { return nil }, ReleaseFile: func() {}}

	if _, err := exec(context.Background(), tk, ec); err == nil {
		t.Fatal("缺文件应报错")
	}
}

func TestUploadDocumentHTTPErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"限流了"}`)
	}))
	defer srv.Close()

	exec := UploadDocument(Deps{BaseURL: srv.URL})
	tk := task.New(task.TypeUploadDocument, map[string]any{"kbId": "kb1"})
	ec, _ := fileCtx(&task.File{Name: "a.pdf", Data: []byte("x")})

	_, err := exec(context.Background(), tk, ec)
	if err == nil {
		t.Fatal("429 应报错")
	}
	status, ok := apperr.HTTPStatus(err)
	if !ok || status != 429 {
		t.Errorf("状态码 = %d %v", status, ok)
	}
	if !strings.Contains(apperr.Message(err), "限流了") {
		t.Errorf("消息 = %q", apperr.Message(err))
	}
}

func TestParseDocument(t *testing.T) {
	tracker := &fakeTracker{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/knowledge-bases/kb1/documents/d1/parse" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	exec := ParseDocument(Deps{BaseURL: srv.URL, Tracker: tracker})
	tk := task.New(task.TypeParseDocument, map[string]any{"kbId": "kb1", "docId": "d1"})

	patch, err := exec(context.Background(), tk, Ctx{})
	if err != nil {
		t.Fatal(err)
	}
	if *patch.Status != task.StatusRunning {
		t.Errorf("解析是异步的, 应保持 running: %s", *patch.Status)
	}
	if len(tracker.calls) != 1 {
		t.Errorf("tracker = %v", tracker.calls)
	}
}

func TestDeleteDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	exec := DeleteDocument(Deps{BaseURL: srv.URL})
	tk := task.New(task.TypeDeleteDocument, map[string]any{"kbId": "kb1", "docId": "d1"})

	patch, err := exec(context.Background(), tk, Ctx{})
	if err != nil {
		t.Fatal(err)
	}
	if *patch.Status != task.StatusSucceeded || patch.Progress[task.ProgressTotal] != 100 {
		t.Errorf("patch = %+v", patch)
	}
}

func TestDeleteDocumentMissingInput(t *testing.T) {
	exec := DeleteDocument(Deps{BaseURL: "http://127.0.0.1:0"})
	tk := task.New(task.TypeDeleteDocument, map[string]any{"kbId": "kb1"})
	if _, err := exec(context.Background(), tk, Ctx{}); err == nil {
		t.Fatal("缺 docId 应报错")
	}
}

func TestWorkflowRunJSONPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dify/workflows/run" {
			t.Errorf("路径 = %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["uploadFileId"] != "f1" || body["agentId"] != "a1" {
			t.Errorf("body = %v", body)
		}
		fmt.Fprint(w, `{"success":true,"data":{"outputs":{"content":"结果"}}}`)
	}))
	defer srv.Close()

	exec := WorkflowRun(Deps{BaseURL: srv.URL})
	tk := task.New(task.TypeWorkflowRun, map[string]any{
		"agentId": "a1", "uploadFileId": "f1",
	})

	patch, err := exec(context.Background(), tk, Ctx{})
	if err != nil {
		t.Fatal(err)
	}
	if *patch.Status != task.StatusSucceeded {
		t.Errorf("status = %s", *patch.Status)
	}
	if patch.Progress[task.ProgressTotal] != 100 {
		t.Errorf("progress = %v", patch.Progress)
	}
	if patch.Output["workflow"] == nil {
		t.Error("工作流结果应写入 output")
	}
}

func TestWorkflowRunMultipartPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("应走 multipart: %v", err)
		}
		if r.FormValue("agentId") != "a1" {
			t.Errorf("agentId = %q", r.FormValue("agentId"))
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("file 缺失: %v", err)
		}
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	exec := WorkflowRun(Deps{BaseURL: srv.URL})
	tk := task.New(task.TypeWorkflowRun, map[string]any{"agentId": "a1"})
	ec, released := fileCtx(&task.File{Name: "in.csv", Data: []byte("a,b")})

	patch, err := exec(context.Background(), tk, ec)
	if err != nil {
		t.Fatal(err)
	}
	if *patch.Status != task.StatusSucceeded {
		t.Errorf("status = %s", *patch.Status)
	}
	if !*released {
		t.Error("执行结束后应释放文件")
	}
}

func TestWorkflowRunDomainFailure(t *testing.T) {
	// 后端 200 但 success=false: 显式 failed, 不重试
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"success":false,"error":{"message":"流程内部出错"}}`)
	}))
	defer srv.Close()

	exec := WorkflowRun(Deps{BaseURL: srv.URL})
	tk := task.New(task.TypeWorkflowRun, map[string]any{"agentId": "a1", "uploadFileId": "f1"})

	patch, err := exec(context.Background(), tk, Ctx{})
	if err != nil {
		t.Fatalf("领域失败不应是 error: %v", err)
	}
	if *patch.Status != task.StatusFailed {
		t.Errorf("status = %s", *patch.Status)
	}
	if patch.Error == nil || patch.Error.Message != "流程内部出错" || patch.Error.Code != apperr.CodeWorkflowFailed {
		t.Errorf("error = %+v", patch.Error)
	}
}

func TestWorkflowRunHTTPErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"代理不可用"}}`)
	}))
	defer srv.Close()

	exec := WorkflowRun(Deps{BaseURL: srv.URL})
	tk := task.New(task.TypeWorkflowRun, map[string]any{"agentId": "a1", "uploadFileId": "f1"})

	_, err := exec(context.Background(), tk, Ctx{})
	status, ok := apperr.HTTPStatus(err)
	if !ok || status != 503 {
		t.Fatalf("状态码 = %d %v (err=%v)", status, ok, err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(task.TypeUploadDocument); err == nil {
		t.Fatal("未注册应报错")
	}
	RegisterDefaults(r, Deps{BaseURL: "http://127.0.0.1:0"})
	for _, typ := range []task.Type{
		task.TypeUploadDocument, task.TypeParseDocument,
		task.TypeDeleteDocument, task.TypeWorkflowRun,
	} {
		if _, err := r.Get(typ); err != nil {
			t.Errorf("Get(%s): %v", typ, err)
		}
	}
}
