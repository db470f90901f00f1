// blocking_client.go — 非流式 (blocking) 对话客户端。
//
// 走 /api/v1/chats/{agentId}/completions, stream=false,
// 成功码为 code == 0。整段回答到手后一次性推 content + complete。
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"
	"github.com/kb-console/go-task-engine/pkg/logger"
)

// BlockingConfig 非流式客户端配置。
type BlockingConfig struct {
	BaseURL string
	APIKey  string
	AgentID string
	UserID  string
}

// BlockingClient 非流式对话客户端。无会话时自动创建。
type BlockingClient struct {
	cfg   BlockingConfig
	http  *http.Client
	guard requestGuard

	mu             sync.Mutex
	conversationID string
}

// NewBlockingClient 创建非流式客户端。
func NewBlockingClient(cfg BlockingConfig) *BlockingClient {
	return &BlockingClient{cfg: cfg, http: newHTTPClient()}
}

// ConversationID 返回当前会话 ID。
func (c *BlockingClient) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *BlockingClient) setConversationID(id string) {
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
}

// Cancel 取消当前在途请求。
func (c *BlockingClient) Cancel() { c.guard.Cancel() }

// Reset 取消请求并清空会话状态。
func (c *BlockingClient) Reset() {
	c.Cancel()
	c.setConversationID("")
}

// CreateSession 创建新会话并记录会话 ID。
func (c *BlockingClient) CreateSession(ctx context.Context) (string, error) {
	const op = "BlockingClient.CreateSession"

	body, _ := json.Marshal(map[string]any{"user_id": c.cfg.UserID})
	url := fmt.Sprintf("%s/api/v1/chats/%s/sessions", c.cfg.BaseURL, c.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(err, op, "构造请求失败")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(err, op, "创建会话请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", apperr.WithStatus(op, resp.StatusCode,
			fmt.Sprintf("创建会话失败: %d - %s", resp.StatusCode, text))
	}

	var payload struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", apperr.Wrap(err, op, "解析创建会话响应失败")
	}
	if payload.Data.SessionID == "" {
		return "", apperr.New(op, "创建会话失败: 未返回会话ID")
	}
	c.setConversationID(payload.Data.SessionID)
	logger.Info("创建新会话", logger.FieldSessionID, payload.Data.SessionID)
	return payload.Data.SessionID, nil
}

// SendMessage 发送问题并等待完整回答。
//
// 回调序列: thinking → content → complete; 失败走 OnError + error 消息;
// 取消静默返回。
func (c *BlockingClient) SendMessage(parent context.Context, message string, h Handler) error {
	ctx, cancel := c.guard.begin(parent)
	defer cancel()

	// 首包前先报告思考状态
	h.emit(Message{Type: MessageThinking, Content: "正在思考中..."})

	if c.ConversationID() == "" {
		if _, err := c.CreateSession(ctx); err != nil {
			if canceled(ctx, err) {
				return nil
			}
			h.failWithMessage(apperr.Message(err))
			return err
		}
	}

	reqBody, _ := json.Marshal(map[string]any{
		"question":   message,
		"stream":     false,
		"session_id": c.ConversationID(),
		"user_id":    c.cfg.UserID,
	})
	url := fmt.Sprintf("%s/api/v1/chats/%s/completions", c.cfg.BaseURL, c.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return apperr.Wrap(err, "BlockingClient.SendMessage", "构造请求失败")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if canceled(ctx, err) {
			logger.Debug("非流式请求已取消", logger.FieldAgentID, c.cfg.AgentID)
			return nil
		}
		h.failWithMessage(err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("RAGFlow API 错误: %d - %s", resp.StatusCode, text)
		h.failWithMessage(msg)
		return apperr.WithStatus("BlockingClient.SendMessage", resp.StatusCode, msg)
	}

	var envelope struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if canceled(ctx, err) {
			return nil
		}
		h.failWithMessage("解析响应失败")
		return apperr.Wrap(err, "BlockingClient.SendMessage", "解析响应失败")
	}

	if envelope.Code != 0 {
		msg := envelope.Message
		if msg == "" {
			msg = "请求失败"
		}
		h.fail(msg)
		h.emit(Message{Type: MessageError, Content: "RAGFlow API 错误: " + msg})
		return apperr.New("BlockingClient.SendMessage", msg)
	}

	answer := pickStr(envelope.Data, "answer")
	if envelope.Data == nil || answer == "" {
		const msg = "响应数据格式错误"
		h.failWithMessage(msg)
		return apperr.New("BlockingClient.SendMessage", msg)
	}

	reference, _ := pick(envelope.Data, "reference")
	sessionID := pickStr(envelope.Data, "session_id")
	if sessionID == "" {
		sessionID = c.ConversationID()
	} else if sessionID != c.ConversationID() {
		c.setConversationID(sessionID)
	}

	h.emit(Message{
		Type:           MessageContent,
		Content:        answer,
		Reference:      reference,
		ConversationID: sessionID,
		MessageID:      pickStr(envelope.Data, "id"),
	})
	h.emit(Message{
		Type:           MessageComplete,
		Content:        answer,
		Reference:      reference,
		ConversationID: sessionID,
	})
	h.complete()
	return nil
}
