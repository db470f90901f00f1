// Package stream 实现对话后端 (RAGFlow / 代理) 的流式客户端。
//
// 四个客户端对应四种接入方式, 共用消息模型与 SSE 解码:
//   - BlockingClient: 非流式 completions, 一次性返回
//   - ProxyClient:    走控制台服务端代理, 混合两种 SSE 格式
//   - DialogClient:   GET conversation/completion, retcode 协议
//   - AgentClient:    webhook 接口, 多步骤帧
package stream

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// MessageType 流式消息类型。
type MessageType string

const (
	// MessageThinking 请求已受理, 等待首包。
	MessageThinking MessageType = "thinking"
	// MessageContent 累计全文快照 (非增量)。
	MessageContent MessageType = "content"
	// MessageStep Agent 的执行步骤帧。
	MessageStep MessageType = "step"
	// MessageComplete 流正常结束, content 为最终全文。
	MessageComplete MessageType = "complete"
	// MessageError 错误终止。
	MessageError MessageType = "error"
)

// Message 推给上层的一条流式消息。
type Message struct {
	Type           MessageType    `json:"type"`
	Content        string         `json:"content"`
	Reference      any            `json:"reference,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Step           string         `json:"step,omitempty"`
	StepMessage    string         `json:"stepMessage,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Handler 流式回调。字段可为 nil, 发送前判空。
//
// 约定: 取消永远不触发 OnError; 流内错误 (非零 code) 触发 OnError
// 且不中断调用方的控制流。
type Handler struct {
	OnMessage  func(Message)
	OnComplete func()
	OnError    func(errMsg string)
}

func (h Handler) emit(m Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

func (h Handler) complete() {
	if h.OnComplete != nil {
		h.OnComplete()
	}
}

func (h Handler) fail(msg string) {
	if h.OnError != nil {
		h.OnError(msg)
	}
}

// failWithMessage 同时走 OnError 与 error 消息 (blocking / proxy 的行为)。
func (h Handler) failWithMessage(msg string) {
	h.fail(msg)
	h.emit(Message{Type: MessageError, Content: msg})
}

// ========================================
// 全文累积
// ========================================

// AccumulateMode 内容帧的累积方式。
type AccumulateMode int

const (
	// AccumulateReplace 后端每帧都是累计全文, 以最新为准。
	AccumulateReplace AccumulateMode = iota
	// AccumulateAppend 后端发增量片段, 拼接成全文。
	AccumulateAppend
)

// Accumulator 把内容帧折叠成全文。
type Accumulator struct {
	mode AccumulateMode
	full string
}

// NewAccumulator 创建累积器。
func NewAccumulator(mode AccumulateMode) *Accumulator {
	return &Accumulator{mode: mode}
}

// Push 吸收一帧内容, 返回最新全文。
//
// Append 模式下若片段以当前全文开头, 说明后端实际发的是累计帧,
// 直接替换, 避免 "Hi" + "Hi there" 拼出重复文本。
func (a *Accumulator) Push(fragment string) string {
	switch a.mode {
	case AccumulateReplace:
		a.full = fragment
	case AccumulateAppend:
		if strings.HasPrefix(fragment, a.full) {
			a.full = fragment
		} else {
			a.full += fragment
		}
	}
	return a.full
}

// Replace 无条件以 full 覆盖当前全文 (混合格式流中的累计帧)。
func (a *Accumulator) Replace(full string) string {
	a.full = full
	return full
}

// Full 返回当前全文。
func (a *Accumulator) Full() string {
	return a.full
}

// ========================================
// 会话命名
// ========================================

const sessionNameMaxRunes = 30

// DeriveSessionName 从首问派生会话名: 压缩空白, 超长截断,
// 空问题回退到时间戳命名。
func DeriveSessionName(question string) string {
	fields := strings.FieldsFunc(question, unicode.IsSpace)
	text := strings.Join(fields, " ")
	if text == "" {
		return fmt.Sprintf("session_%d", time.Now().UnixMilli())
	}
	runes := []rune(text)
	if len(runes) > sessionNameMaxRunes {
		return string(runes[:sessionNameMaxRunes]) + "..."
	}
	return text
}
