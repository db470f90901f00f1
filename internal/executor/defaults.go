// defaults.go — 四种任务类型的默认执行器 (控制台 API 的 HTTP 封装)。
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"
	"github.com/kb-console/go-task-engine/pkg/logger"

	"github.com/kb-console/go-task-engine/internal/task"
)

// Tracker 文档解析进度跟踪 (由轮询器实现)。
type Tracker interface {
	StartTracking(kbID, docID string)
}

// Deps 默认执行器的外部依赖。
type Deps struct {
	// BaseURL 控制台 API 根地址。
	BaseURL string
	// HTTP 客户端, nil 时用 http.DefaultClient。
	HTTP *http.Client
	// Tracker 可为 nil (不跟踪解析进度)。
	Tracker Tracker
}

func (d Deps) client() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return http.DefaultClient
}

// RegisterDefaults 把四个默认执行器注册到 r。
func RegisterDefaults(r *Registry, deps Deps) {
	r.Register(task.TypeUploadDocument, UploadDocument(deps))
	r.Register(task.TypeParseDocument, ParseDocument(deps))
	r.Register(task.TypeDeleteDocument, DeleteDocument(deps))
	r.Register(task.TypeWorkflowRun, WorkflowRun(deps))
}

// ========================================
// HTTP 错误提取
// ========================================

// httpError 从失败响应中提取人类可读消息, 状态码挂在 AppError 上
// 供重试策略分类。
func httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := fmt.Sprintf("HTTP %d", resp.StatusCode)

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			message = payload.Error
		} else if payload.Message != "" {
			message = payload.Message
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		message = text
	}
	return apperr.WithStatus(op, resp.StatusCode, message)
}

// ========================================
// kb.uploadDocument
// ========================================

// UploadDocument 上传文档执行器。成功后尽早释放文件引用,
// autoRun 时交给轮询器跟踪解析进度并保持 running。
func UploadDocument(deps Deps) Executor {
	return func(ctx context.Context, t *task.Task, ec Ctx) (*task.Patch, error) {
		const op = "executor.UploadDocument"

		kbID := t.InputStr("kbId")
		if kbID == "" {
			return nil, apperr.New(op, "缺少 kbId")
		}
		autoRun := t.InputBool("autoRun", true)

		file := ec.File()
		if file == nil {
			return nil, apperr.New(op, "文件对象不存在")
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", file.Name)
		if err != nil {
			return nil, apperr.Wrap(err, op, "构造 multipart 失败")
		}
		if _, err := fw.Write(file.Data); err != nil {
			return nil, apperr.Wrap(err, op, "写入文件内容失败")
		}
		run := "0"
		if autoRun {
			run = "1"
		}
		_ = mw.WriteField("run", run)
		_ = mw.Close()

		url := fmt.Sprintf("%s/api/knowledge-bases/%s/documents", deps.BaseURL, kbID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
		if err != nil {
			return nil, apperr.Wrap(err, op, "构造请求失败")
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := deps.client().Do(req)
		if err != nil {
			return nil, apperr.Wrap(err, op, "上传请求失败")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, httpError(op, resp)
		}

		var payload struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, apperr.Wrap(err, op, "解析上传响应失败")
		}
		docID := payload.Data.ID
		if docID == "" {
			return nil, apperr.New(op, "上传成功但缺少文档 ID")
		}

		// 上传完成即可释放文件引用, 后续解析不需要
		ec.ReleaseFile()

		status := task.StatusSucceeded
		if autoRun {
			status = task.StatusRunning
			if deps.Tracker != nil {
				deps.Tracker.StartTracking(kbID, docID)
			}
		}
		logger.Info("文档上传完成",
			logger.FieldTaskID, t.ID, logger.FieldKBID, kbID, logger.FieldDocID, docID)

		parseProgress := t.Progress[task.ProgressParse]
		return &task.Patch{
			Status: &status,
			Output: map[string]any{"docId": docID},
			Progress: task.Progress{
				task.ProgressUpload: 100,
				task.ProgressParse:  parseProgress,
			},
		}, nil
	}
}

// ========================================
// kb.parseDocument
// ========================================

// ParseDocument 触发解析执行器。解析是异步的, 返回 running,
// 终态由轮询器推进。
func ParseDocument(deps Deps) Executor {
	return func(ctx context.Context, t *task.Task, _ Ctx) (*task.Patch, error) {
		const op = "executor.ParseDocument"

		kbID, docID := t.InputStr("kbId"), t.InputStr("docId")
		if kbID == "" || docID == "" {
			return nil, apperr.New(op, "缺少 kbId/docId")
		}

		url := fmt.Sprintf("%s/api/knowledge-bases/%s/documents/%s/parse", deps.BaseURL, kbID, docID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, apperr.Wrap(err, op, "构造请求失败")
		}

		resp, err := deps.client().Do(req)
		if err != nil {
			return nil, apperr.Wrap(err, op, "解析请求失败")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, httpError(op, resp)
		}

		if deps.Tracker != nil {
			deps.Tracker.StartTracking(kbID, docID)
		}

		status := task.StatusRunning
		return &task.Patch{
			Status:   &status,
			Progress: task.Progress{task.ProgressParse: 0},
		}, nil
	}
}

// ========================================
// kb.deleteDocument
// ========================================

// DeleteDocument 删除文档执行器。原子操作, 成功即 100%。
func DeleteDocument(deps Deps) Executor {
	return func(ctx context.Context, t *task.Task, _ Ctx) (*task.Patch, error) {
		const op = "executor.DeleteDocument"

		kbID, docID := t.InputStr("kbId"), t.InputStr("docId")
		if kbID == "" || docID == "" {
			return nil, apperr.New(op, "缺少 kbId/docId")
		}

		url := fmt.Sprintf("%s/api/knowledge-bases/%s/documents/%s", deps.BaseURL, kbID, docID)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return nil, apperr.Wrap(err, op, "构造请求失败")
		}

		resp, err := deps.client().Do(req)
		if err != nil {
			return nil, apperr.Wrap(err, op, "删除请求失败")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, httpError(op, resp)
		}

		status := task.StatusSucceeded
		return &task.Patch{
			Status:   &status,
			Progress: task.Progress{task.ProgressTotal: 100},
		}, nil
	}
}

// ========================================
// workflow.run
// ========================================

// workflowResult 工作流代理返回的结果信封。
type workflowResult map[string]any

func (w workflowResult) success() bool {
	ok, _ := w["success"].(bool)
	return ok
}

func (w workflowResult) errorMessage() string {
	if errObj, ok := w["error"].(map[string]any); ok {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return ""
}

// WorkflowRun 工作流执行器。
//
// 两条路径: input 带 uploadFileId 时走 JSON 调用 (文件已在服务端);
// 否则携带临时文件走 multipart。后端报告 success=false 属于领域失败,
// 显式返回 failed 而非 error, 不触发重试。
func WorkflowRun(deps Deps) Executor {
	return func(ctx context.Context, t *task.Task, ec Ctx) (*task.Patch, error) {
		const op = "executor.WorkflowRun"

		agentID := t.InputStr("agentId")
		if agentID == "" {
			return nil, apperr.New(op, "缺少 agentId")
		}

		uploadFileID := t.InputStr(task.InputKeyUploadFileID)
		var req *http.Request
		var err error
		if uploadFileID != "" {
			req, err = workflowJSONRequest(ctx, deps, t, agentID, uploadFileID)
		} else {
			req, err = workflowMultipartRequest(ctx, deps, t, agentID, ec)
		}
		if err != nil {
			return nil, err
		}

		resp, err := deps.client().Do(req)
		if err != nil {
			return nil, apperr.Wrap(err, op, "工作流请求失败")
		}
		defer resp.Body.Close()

		rawText, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		var result workflowResult
		if jsonErr := json.Unmarshal(rawText, &result); jsonErr != nil || result == nil {
			result = workflowResult{
				"success":     false,
				"error":       map[string]any{"message": strings.TrimSpace(string(rawText))},
				"rawResponse": string(rawText),
			}
		}

		if resp.StatusCode != http.StatusOK {
			message := result.errorMessage()
			if message == "" {
				message = fmt.Sprintf("HTTP %d", resp.StatusCode)
			}
			return nil, apperr.WithStatus(op, resp.StatusCode, message)
		}

		// 执行结束后文件引用不再需要
		if uploadFileID == "" {
			ec.ReleaseFile()
		}

		if !result.success() {
			message := result.errorMessage()
			if message == "" {
				message = "工作流执行失败"
			}
			status := task.StatusFailed
			return &task.Patch{
				Status: &status,
				Output: map[string]any{"workflow": map[string]any(result)},
				Error:  &task.ErrInfo{Message: message, Code: apperr.CodeWorkflowFailed},
			}, nil
		}

		status := task.StatusSucceeded
		return &task.Patch{
			Status:   &status,
			Output:   map[string]any{"workflow": map[string]any(result)},
			Progress: task.Progress{task.ProgressTotal: 100},
		}, nil
	}
}

func workflowJSONRequest(ctx context.Context, deps Deps, t *task.Task, agentID, uploadFileID string) (*http.Request, error) {
	const op = "executor.WorkflowRun"

	inputs, _ := t.Input["inputs"].(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}
	body, _ := json.Marshal(map[string]any{
		"agentId":      agentID,
		"userId":       t.InputStr("userId"),
		"uploadFileId": uploadFileID,
		"fileType":     t.InputStr("fileType"),
		"mode":         t.InputStr("mode"),
		"query":        t.InputStr("query"),
		"responseMode": t.InputStr("responseMode"),
		"inputs":       inputs,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		deps.BaseURL+"/api/dify/workflows/run", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(err, op, "构造请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func workflowMultipartRequest(ctx context.Context, deps Deps, t *task.Task, agentID string, ec Ctx) (*http.Request, error) {
	const op = "executor.WorkflowRun"

	file := ec.File()
	if file == nil {
		return nil, apperr.New(op, "文件对象不存在")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("agentId", agentID)
	fw, err := mw.CreateFormFile("file", file.Name)
	if err != nil {
		return nil, apperr.Wrap(err, op, "构造 multipart 失败")
	}
	if _, err := fw.Write(file.Data); err != nil {
		return nil, apperr.Wrap(err, op, "写入文件内容失败")
	}
	if userID := strings.TrimSpace(t.InputStr("userId")); userID != "" {
		_ = mw.WriteField("userId", userID)
	}
	if fileType := t.InputStr("fileType"); fileType != "" {
		_ = mw.WriteField("fileType", fileType)
	}
	if inputs, ok := t.Input["inputs"].(map[string]any); ok {
		raw, _ := json.Marshal(inputs)
		_ = mw.WriteField("inputs", string(raw))
	}
	_ = mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		deps.BaseURL+"/api/dify/workflows/run", &buf)
	if err != nil {
		return nil, apperr.Wrap(err, op, "构造请求失败")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}
