package task

import (
	"math"
	"time"
)

// ========================================
// 重试策略
// ========================================

// RetryPolicy 重试策略。零值不可用, 通过 DefaultRetryPolicy 取默认。
type RetryPolicy struct {
	// MaxRetries 最大重试次数 (不含首次执行)。
	MaxRetries int `json:"maxRetries"`
	// RetryableStatuses 可重试的 HTTP 状态码。
	RetryableStatuses []int `json:"retryableStatuses"`
	// BlockingStatuses 阻断重试的 HTTP 状态码 (优先于可重试判定)。
	BlockingStatuses []int `json:"blockingStatuses"`
	// FailFastCodes 直接失败的错误码 (如 FILE_REQUIRED), 不走状态码判定。
	FailFastCodes []string `json:"failFastCodes,omitempty"`
	// Backoff 退避参数。
	Backoff Backoff `json:"backoff"`
}

// FailFast 判定错误码是否应跳过重试直接失败。
func (p RetryPolicy) FailFast(code string) bool {
	if code == "" {
		return false
	}
	for _, c := range p.FailFastCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Backoff 指数退避参数。
type Backoff struct {
	BaseDelayMS int     `json:"baseDelayMs"`
	MaxDelayMS  int     `json:"maxDelayMs"`
	Multiplier  float64 `json:"multiplier"`
}

// DefaultRetryPolicy 返回默认重试策略: 3 次, 429/5xx 可重试,
// 401/403 阻断, 1s 起步 2 倍退避, 上限 30s。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		RetryableStatuses: []int{429, 500, 502, 503, 504},
		BlockingStatuses:  []int{401, 403},
		Backoff: Backoff{
			BaseDelayMS: 1000,
			MaxDelayMS:  30000,
			Multiplier:  2,
		},
	}
}

// Effective 返回任务生效的重试策略: 任务覆盖优先, 否则 fallback。
func (t *Task) Effective(fallback RetryPolicy) RetryPolicy {
	if t.RetryPolicy != nil {
		return *t.RetryPolicy
	}
	return fallback
}

// Classify 判定 HTTP 状态码对应的错误是否可重试。
//
// 判定顺序:
//  1. 命中 BlockingStatuses → 不可重试 (先于一切)
//  2. 无状态码 (status <= 0, 网络错误等) → 可重试
//  3. 命中 RetryableStatuses → 可重试
//  4. 有状态码但两个列表都未命中 → 不可重试
func (p RetryPolicy) Classify(status int) bool {
	for _, s := range p.BlockingStatuses {
		if s == status {
			return false
		}
	}
	if status <= 0 {
		return true
	}
	for _, s := range p.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// BackoffDelay 计算第 retryCount 次重试前的等待时长 (retryCount 从 1 开始)。
//
// delay = base * multiplier^(retryCount-1), 上限 MaxDelayMS。
func (p RetryPolicy) BackoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	ms := float64(p.Backoff.BaseDelayMS) * math.Pow(p.Backoff.Multiplier, float64(retryCount-1))
	if max := float64(p.Backoff.MaxDelayMS); ms > max {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}
