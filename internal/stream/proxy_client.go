// proxy_client.go — 经控制台服务端代理的对话客户端。
//
// 所有操作 POST 到 /api/agents/{agentId}/ragflow, action 字段区分语义,
// API 密钥留在服务端。发消息的响应是 SSE 流, 且可能混合两种格式:
//   - chat assistant: {code, message, data:{answer, reference, session_id}},
//     answer 为累计全文
//   - agent: {event, data, session_id, ...}, content 为增量片段
//
// 两种格式靠 code 字段是否存在区分。
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"
	"github.com/kb-console/go-task-engine/pkg/logger"

	"github.com/kb-console/go-task-engine/internal/normalize"
)

// ProxyConfig 代理客户端配置。AgentID 是控制台本地的 Agent ID。
type ProxyConfig struct {
	ConsoleBaseURL string
	AgentID        string
	UserID         string
}

// ProxyClient 代理对话客户端, 维护会话 ID 生命周期。
type ProxyClient struct {
	cfg    ProxyConfig
	http   *http.Client
	stream *http.Client
	guard  requestGuard

	mu        sync.Mutex
	sessionID string
}

// NewProxyClient 创建代理客户端。
func NewProxyClient(cfg ProxyConfig) *ProxyClient {
	return &ProxyClient{cfg: cfg, http: newHTTPClient(), stream: newStreamHTTPClient()}
}

// SessionID 返回当前会话 ID。
func (c *ProxyClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetSessionID 切换当前会话。
func (c *ProxyClient) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Cancel 取消当前在途请求。
func (c *ProxyClient) Cancel() { c.guard.Cancel() }

// Reset 取消请求并清空会话状态。
func (c *ProxyClient) Reset() {
	c.Cancel()
	c.SetSessionID("")
}

// ========================================
// 代理动作 (JSON 信封)
// ========================================

type proxyEnvelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// doAction 发送非流式代理动作并解析 {success, data, error} 信封。
func (c *ProxyClient) doAction(ctx context.Context, op string, body map[string]any) (json.RawMessage, error) {
	buf, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/api/agents/%s/ragflow", c.cfg.ConsoleBaseURL, c.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, apperr.Wrap(err, op, "构造请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, op, "代理请求失败")
	}
	defer resp.Body.Close()

	var env proxyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apperr.Wrap(err, op, "解析代理响应失败")
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("API 错误: %d", resp.StatusCode)
		}
		return nil, apperr.WithStatus(op, resp.StatusCode, msg)
	}
	return env.Data, nil
}

// CreateSession 显式创建会话。sessionName 为空时由服务端命名。
func (c *ProxyClient) CreateSession(ctx context.Context, sessionName string) (string, error) {
	const op = "ProxyClient.CreateSession"
	body := map[string]any{
		"action": "createSession",
		"userId": c.cfg.UserID,
	}
	if sessionName != "" {
		body["sessionName"] = sessionName
	}
	data, err := c.doAction(ctx, op, body)
	if err != nil {
		return "", err
	}
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(data, &payload)
	if payload.SessionID == "" {
		return "", apperr.New(op, "创建会话失败: 未返回会话ID")
	}
	c.SetSessionID(payload.SessionID)
	logger.Info("代理会话已创建",
		logger.FieldAgentID, c.cfg.AgentID, logger.FieldSessionID, payload.SessionID)
	return payload.SessionID, nil
}

// ListSessions 分页获取会话列表。
func (c *ProxyClient) ListSessions(ctx context.Context, page, pageSize int) ([]map[string]any, error) {
	data, err := c.doAction(ctx, "ProxyClient.ListSessions", map[string]any{
		"action":   "listSessions",
		"userId":   c.cfg.UserID,
		"page":     page,
		"pageSize": pageSize,
	})
	if err != nil {
		return nil, err
	}
	var sessions []map[string]any
	_ = json.Unmarshal(data, &sessions)
	return sessions, nil
}

// GetHistory 获取会话历史消息。
func (c *ProxyClient) GetHistory(ctx context.Context, sessionID string) ([]map[string]any, error) {
	data, err := c.doAction(ctx, "ProxyClient.GetHistory", map[string]any{
		"action":    "getHistory",
		"userId":    c.cfg.UserID,
		"sessionId": sessionID,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []map[string]any `json:"messages"`
	}
	_ = json.Unmarshal(data, &payload)
	return payload.Messages, nil
}

// DeleteSession 删除会话。
func (c *ProxyClient) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.doAction(ctx, "ProxyClient.DeleteSession", map[string]any{
		"action":    "deleteSession",
		"userId":    c.cfg.UserID,
		"sessionId": sessionID,
	})
	return err
}

// RenameSession 重命名会话 (仅 chat assistant 支持)。
func (c *ProxyClient) RenameSession(ctx context.Context, sessionID, name string) error {
	_, err := c.doAction(ctx, "ProxyClient.RenameSession", map[string]any{
		"action":      "renameSession",
		"userId":      c.cfg.UserID,
		"sessionId":   sessionID,
		"sessionName": name,
	})
	return err
}

// ========================================
// 流式对话
// ========================================

// SendMessage 发送问题并消费 SSE 流。
//
// 首问时随请求带上派生的会话名, 由服务端按需创建并命名会话
// (chat assistant 支持命名, agent 会话不支持)。
func (c *ProxyClient) SendMessage(parent context.Context, message string, h Handler) error {
	const op = "ProxyClient.SendMessage"
	ctx, cancel := c.guard.begin(parent)
	defer cancel()

	sessionID := c.SessionID()
	body := map[string]any{
		"action":   "sendMessage",
		"userId":   c.cfg.UserID,
		"question": message,
	}
	if sessionID != "" {
		body["sessionId"] = sessionID
	} else {
		body["sessionName"] = DeriveSessionName(message)
	}

	// 网络 I/O 前先报告思考状态
	h.emit(Message{Type: MessageThinking, Content: "正在思考中..."})

	buf, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/api/agents/%s/ragflow", c.cfg.ConsoleBaseURL, c.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return apperr.Wrap(err, op, "构造请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.stream.Do(req)
	if err != nil {
		if canceled(ctx, err) {
			logger.Debug("代理请求已取消", logger.FieldAgentID, c.cfg.AgentID)
			return nil
		}
		h.failWithMessage(err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env proxyEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("API 错误: %d", resp.StatusCode)
		}
		h.failWithMessage(msg)
		return apperr.WithStatus(op, resp.StatusCode, msg)
	}

	acc := NewAccumulator(AccumulateAppend)
	var finalReference any
	finalSessionID := sessionID

	dec := NewSSEDecoder(resp.Body)
	for {
		payload, err := dec.Next()
		if err != nil {
			if err == ErrStreamDone {
				// 代理流的 [DONE] 只是帧哨兵, 读到自然 EOF 为止
				continue
			}
			if canceled(ctx, err) {
				logger.Debug("代理流式读取已取消", logger.FieldAgentID, c.cfg.AgentID)
				return nil
			}
			break // io.EOF 或连接中断都视为流结束
		}

		var data map[string]any
		if jsonErr := json.Unmarshal([]byte(payload), &data); jsonErr != nil {
			logger.Warn("解析 SSE 数据失败", logger.FieldError, jsonErr.Error())
			continue
		}

		// chat assistant 格式: code 字段存在
		if code, ok := intField(data, "code"); ok {
			if code != 0 {
				msg := pickStr(data, "message")
				if msg == "" {
					msg = "请求失败"
				}
				h.failWithMessage(msg)
				continue
			}
			payloadObj, _ := data["data"].(map[string]any)
			if ref, ok := pick(payloadObj, "reference", "data.reference"); ok {
				finalReference = ref
			}
			if sid := pickStr(payloadObj, "session_id", "data.session_id"); sid != "" {
				finalSessionID = sid
			}
			if cand, ok := pick(payloadObj, "answer", "content", "final_answer", "outputs.content"); ok {
				if text := normalize.Content(cand); text != "" {
					// 累计全文帧, 以最新为准
					full := acc.Replace(text)
					h.emit(Message{
						Type:           MessageContent,
						Content:        full,
						Reference:      finalReference,
						ConversationID: firstNonEmpty(finalSessionID, sessionID),
					})
				}
			}
			continue
		}

		// agent 格式: 按增量片段累积
		if sid := pickStr(data, "session_id", "data.session_id"); sid != "" {
			finalSessionID = sid
		}
		if ref, ok := pick(data, "data.reference", "reference"); ok {
			finalReference = ref
		}
		if cand, ok := pick(data, "data.content", "data.answer", "data.output", "content"); ok {
			if text := normalize.Content(cand); text != "" {
				full := acc.Push(text)
				h.emit(Message{
					Type:           MessageContent,
					Content:        full,
					Reference:      finalReference,
					ConversationID: finalSessionID,
				})
			}
		}
	}

	if finalSessionID != "" && finalSessionID != sessionID {
		c.SetSessionID(finalSessionID)
	}

	h.emit(Message{
		Type:           MessageComplete,
		Content:        acc.Full(),
		Reference:      finalReference,
		ConversationID: finalSessionID,
	})
	h.complete()
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
