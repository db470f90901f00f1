// Package errors 提供统一错误类型与哨兵错误。
//
// 本包为 task-engine 的三层错误体系:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrCanceled 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误, 可携带 HTTP 状态码
//     供重试策略分类 (retryable / blocking)
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrCanceled 任务被取消
	ErrCanceled = errors.New("canceled")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrNoExecutor 任务类型未注册执行器 (编程错误, 非瞬态故障)
	ErrNoExecutor = errors.New("no executor registered")
)

// ========================================
// 错误码 (Task.error.code, UI 据此决定提示方式)
// ========================================

const (
	// CodeInterruptedByRefresh 任务因进程重启中断, 内存态资源已丢失。
	CodeInterruptedByRefresh = "INTERRUPTED_BY_REFRESH"
	// CodeFileRequired 重试前需要重新提供文件。
	CodeFileRequired = "FILE_REQUIRED"
	// CodeWorkflowFailed 工作流执行完成但后端报告失败。
	CodeWorkflowFailed = "WORKFLOW_FAILED"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
//
// Status 为非零时表示上游 HTTP 状态码, 队列用它判定 blocking / retryable。
type AppError struct {
	Op      string // 操作名，如 "Queue.executeWithRetry"
	Code    string // 错误码，如 "FILE_REQUIRED"
	Message string // 人类可读消息
	Status  int    // 上游 HTTP 状态码 (0 = 无)
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 创建带错误码的应用错误。
func WithCode(op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message}
}

// WithStatus 创建携带 HTTP 状态码的应用错误 (executor HTTP 调用失败时用)。
func WithStatus(op string, status int, message string) error {
	return &AppError{Op: op, Status: status, Message: message}
}

// ========================================
// 检查辅助
// ========================================

// HTTPStatus 提取错误链中首个非零 HTTP 状态码。无状态码返回 (0, false)。
func HTTPStatus(err error) (int, bool) {
	for err != nil {
		var app *AppError
		if !errors.As(err, &app) {
			break
		}
		if app.Status != 0 {
			return app.Status, true
		}
		err = app.Err
	}
	return 0, false
}

// CodeOf 提取错误链中首个非空错误码。
func CodeOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return ""
}

// IsCanceled 判断错误是否由取消引起 (context 取消 / ErrCanceled)。
// 队列据此把任务终结为 canceled 而非 failed。
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled)
}

// Message 返回人类可读的错误消息 (不含堆栈)。
func Message(err error) string {
	if err == nil {
		return ""
	}
	var app *AppError
	if errors.As(err, &app) && app.Message != "" {
		return app.Message
	}
	return err.Error()
}
