// Package task 定义批量任务队列的核心数据模型。
//
// Task 本身可序列化 (JSON / jsonb); 临时资源 (File) 永远不挂在 Task 上,
// 由队列的 ephemeral map 单独持有。
package task

import (
	"time"

	"github.com/google/uuid"
)

// ========================================
// 状态 / 类型
// ========================================

// Status 任务状态。
type Status string

const (
	// StatusPending 等待执行。
	StatusPending Status = "pending"
	// StatusRunning 执行中。
	StatusRunning Status = "running"
	// StatusPaused 已暂停 (组暂停时的排队任务)。
	StatusPaused Status = "paused"
	// StatusSucceeded 成功完成。
	StatusSucceeded Status = "succeeded"
	// StatusFailed 失败。
	StatusFailed Status = "failed"
	// StatusCanceled 已取消。
	StatusCanceled Status = "canceled"
)

// IsFinal 判断状态是否为终态 (终态不再发生转移)。
func IsFinal(s Status) bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Type 任务类型 (闭集, 每个类型对应一个 executor)。
type Type string

const (
	// TypeUploadDocument 上传文档到知识库。
	TypeUploadDocument Type = "kb.uploadDocument"
	// TypeParseDocument 触发文档解析。
	TypeParseDocument Type = "kb.parseDocument"
	// TypeDeleteDocument 删除文档。
	TypeDeleteDocument Type = "kb.deleteDocument"
	// TypeWorkflowRun 运行工作流 (Dify)。
	TypeWorkflowRun Type = "workflow.run"
)

// StatusText 返回状态的中文描述。
func StatusText(s Status) string {
	switch s {
	case StatusPending:
		return "等待中"
	case StatusRunning:
		return "执行中"
	case StatusSucceeded:
		return "成功"
	case StatusFailed:
		return "失败"
	case StatusCanceled:
		return "已取消"
	case StatusPaused:
		return "已暂停"
	default:
		return "未知"
	}
}

// TypeText 返回类型的中文描述。
func TypeText(t Type) string {
	switch t {
	case TypeUploadDocument:
		return "上传文档"
	case TypeParseDocument:
		return "解析文档"
	case TypeDeleteDocument:
		return "删除文档"
	case TypeWorkflowRun:
		return "运行工作流"
	default:
		return "未知操作"
	}
}

// ========================================
// 进度
// ========================================

// 进度字段键名。Progress 逐键深合并, totalProgress 每次写入前重算。
const (
	ProgressUpload = "uploadProgress"
	ProgressParse  = "parseProgress"
	ProgressTotal  = "totalProgress"
)

// Progress 结构化进度 (0-100 百分比)。
type Progress map[string]float64

// Clone 返回进度的浅拷贝 (map 需要复制, float 值类型)。
func (p Progress) Clone() Progress {
	if p == nil {
		return nil
	}
	out := make(Progress, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ========================================
// 错误信息
// ========================================

// ErrInfo 任务失败/取消时的错误信息 (人类可读, 不含堆栈)。
type ErrInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ========================================
// Task
// ========================================

// Task 任务定义 (仅存放可序列化数据)。
type Task struct {
	// ID 任务唯一标识, 创建时分配, 不可变。
	ID string `json:"id"`

	// GroupID 任务组 ID (一次批处理 = 一个 group), 可为空。
	GroupID string `json:"groupId,omitempty"`

	// Type 任务类型。
	Type Type `json:"type"`

	// Status 任务状态, 仅由队列写入。
	Status Status `json:"status"`

	// Title UI 展示标题。
	Title string `json:"title,omitempty"`

	// Input 输入参数 (创建后不可变)。
	Input map[string]any `json:"input"`

	// Output 输出结果, executor patch 浅合并累积。
	Output map[string]any `json:"output,omitempty"`

	// Error 错误信息, 进入 running 时清除。
	Error *ErrInfo `json:"error,omitempty"`

	// Progress 结构化进度。
	Progress Progress `json:"progress,omitempty"`

	// RetryCount 已重试次数, 上限为策略 MaxRetries。
	RetryCount int `json:"retryCount"`

	// RetryPolicy 单任务重试策略覆盖, nil 时用队列默认。
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New 创建 pending 状态的新任务。
func New(typ Type, input map[string]any) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.NewString(),
		Type:      typ,
		Status:    StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// InputStr 读取字符串输入参数, 缺失或非字符串返回 ""。
func (t *Task) InputStr(key string) string {
	if t.Input == nil {
		return ""
	}
	s, _ := t.Input[key].(string)
	return s
}

// InputBool 读取布尔输入参数, 缺失时返回 def。
func (t *Task) InputBool(key string, def bool) bool {
	if t.Input == nil {
		return def
	}
	b, ok := t.Input[key].(bool)
	if !ok {
		return def
	}
	return b
}

// Clone 返回任务的深拷贝 (map 字段复制, 供 store 对外暴露快照)。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Input = cloneMap(t.Input)
	cp.Output = cloneMap(t.Output)
	cp.Progress = t.Progress.Clone()
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	if t.RetryPolicy != nil {
		p := *t.RetryPolicy
		cp.RetryPolicy = &p
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ========================================
// 进度计算
// ========================================

// CalculateProgress 计算单个任务的总进度 (0-100)。
//
// 同样的输入永远得到同样的结果 — 各处 (队列/轮询器) 共用本公式。
func CalculateProgress(t *Task) float64 {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 100 {
			return 100
		}
		return v
	}
	totalOverride, hasOverride := t.Progress[ProgressTotal]

	switch t.Type {
	case TypeUploadDocument:
		// 上传占 70%, 解析占 30%
		return clamp(t.Progress[ProgressUpload]*0.7 + t.Progress[ProgressParse]*0.3)

	case TypeParseDocument:
		return clamp(t.Progress[ProgressParse])

	case TypeDeleteDocument:
		// 删除是原子操作, 只有 0 或 100
		if t.Status == StatusSucceeded {
			return 100
		}
		return 0

	case TypeWorkflowRun:
		if hasOverride {
			return clamp(totalOverride)
		}
		if t.Status == StatusSucceeded {
			return 100
		}
		return 0

	default:
		if hasOverride {
			return clamp(totalOverride)
		}
		return 0
	}
}

// ========================================
// Patch — 部分更新
// ========================================

// Patch 任务的部分更新。nil 字段表示不修改。
//
// 合并语义 (store 实现必须遵循):
//   - Status/RetryCount/Title: 直接覆盖
//   - Output: 浅合并 (逐键覆盖)
//   - Progress: 逐键深合并, 随后由队列重算 totalProgress
//   - Error: 指向空 ErrInfo{} 表示清除, nil 表示不动
type Patch struct {
	Status     *Status        `json:"status,omitempty"`
	Title      *string        `json:"title,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Progress   Progress       `json:"progress,omitempty"`
	Error      *ErrInfo       `json:"error,omitempty"`
	ClearError bool           `json:"-"`
	RetryCount *int           `json:"retryCount,omitempty"`
}

// StatusPatch 构造仅更新状态的 Patch。
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// FailPatch 构造失败终态 Patch。
func FailPatch(message, code string) Patch {
	s := StatusFailed
	return Patch{Status: &s, Error: &ErrInfo{Message: message, Code: code}}
}

// CancelPatch 构造取消终态 Patch。
func CancelPatch() Patch {
	s := StatusCanceled
	return Patch{Status: &s, Error: &ErrInfo{Message: "已取消"}}
}

// Apply 将 patch 合并到任务上 (原地修改)。store 实现共用。
func (t *Task) Apply(p Patch) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.RetryCount != nil {
		t.RetryCount = *p.RetryCount
	}
	if len(p.Output) > 0 {
		if t.Output == nil {
			t.Output = make(map[string]any, len(p.Output))
		}
		for k, v := range p.Output {
			t.Output[k] = v
		}
	}
	if len(p.Progress) > 0 {
		if t.Progress == nil {
			t.Progress = make(Progress, len(p.Progress))
		}
		for k, v := range p.Progress {
			t.Progress[k] = v
		}
	}
	if p.ClearError {
		t.Error = nil
	} else if p.Error != nil {
		e := *p.Error
		t.Error = &e
	}
	t.UpdatedAt = time.Now()
}
