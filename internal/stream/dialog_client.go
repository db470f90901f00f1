// dialog_client.go — Dialog 对话客户端 (JWT 认证, retcode 协议)。
//
// 对话走 GET /v1/conversation/completion, 参数在 URL 上,
// SSE 帧的 data.answer 是累计全文。
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"
	"github.com/kb-console/go-task-engine/pkg/logger"
)

// DialogConfig Dialog 客户端配置。JWTToken 按原样放 Authorization 头。
type DialogConfig struct {
	BaseURL  string
	JWTToken string
	UserID   string
}

// DialogClient Dialog 对话客户端。发消息前必须已有会话 ID。
type DialogClient struct {
	cfg    DialogConfig
	http   *http.Client
	stream *http.Client
	guard  requestGuard

	mu             sync.Mutex
	conversationID string
}

// NewDialogClient 创建 Dialog 客户端。
func NewDialogClient(cfg DialogConfig) *DialogClient {
	return &DialogClient{cfg: cfg, http: newHTTPClient(), stream: newStreamHTTPClient()}
}

// ConversationID 返回当前会话 ID。
func (c *DialogClient) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// SetConversationID 切换当前会话。
func (c *DialogClient) SetConversationID(id string) {
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
}

// Cancel 取消当前在途请求。
func (c *DialogClient) Cancel() { c.guard.Cancel() }

// Dispose 取消请求并清空会话状态。
func (c *DialogClient) Dispose() {
	c.Cancel()
	c.SetConversationID("")
}

// CreateConversation 创建新会话。name 为空时用时间戳命名。
func (c *DialogClient) CreateConversation(ctx context.Context, dialogID, name string) (string, error) {
	const op = "DialogClient.CreateConversation"

	if name == "" {
		name = "会话_" + time.Now().Format("2006-01-02 15:04:05")
	}
	body, _ := json.Marshal(map[string]any{
		"dialog_id": dialogID,
		"name":      name,
		"message":   []any{},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/conversation/set", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(err, op, "构造请求失败")
	}
	req.Header.Set("Authorization", c.cfg.JWTToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(err, op, "创建会话请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.WithStatus(op, resp.StatusCode,
			fmt.Sprintf("创建会话失败: %d %s", resp.StatusCode, resp.Status))
	}

	var payload struct {
		Retcode int    `json:"retcode"`
		Retmsg  string `json:"retmsg"`
		Data    struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", apperr.Wrap(err, op, "解析创建会话响应失败")
	}
	if payload.Retcode != 0 {
		msg := payload.Retmsg
		if msg == "" {
			msg = "未知错误"
		}
		return "", apperr.New(op, "创建会话失败: "+msg)
	}
	c.SetConversationID(payload.Data.ID)
	return payload.Data.ID, nil
}

// SendMessage 发送问题并消费 SSE 流。
//
// retcode != 0 的帧触发 OnError 并终止; [DONE] 或流自然结束都
// 以 complete 收尾; 取消静默返回。
func (c *DialogClient) SendMessage(parent context.Context, question string, h Handler) error {
	const op = "DialogClient.SendMessage"
	ctx, cancel := c.guard.begin(parent)
	defer cancel()

	conversationID := c.ConversationID()
	if conversationID == "" {
		err := apperr.New(op, "未设置会话ID, 请先调用 CreateConversation 或 SetConversationID")
		h.fail(apperr.Message(err))
		return err
	}

	h.emit(Message{Type: MessageThinking, Content: "正在思考中..."})

	u, err := url.Parse(c.cfg.BaseURL + "/v1/conversation/completion")
	if err != nil {
		return apperr.Wrap(err, op, "非法的 base URL")
	}
	q := u.Query()
	q.Set("conversation_id", conversationID)
	q.Set("question", question)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return apperr.Wrap(err, op, "构造请求失败")
	}
	req.Header.Set("Authorization", c.cfg.JWTToken)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		if canceled(ctx, err) {
			logger.Debug("对话请求已取消", logger.FieldSessionID, conversationID)
			return nil
		}
		h.fail(err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("请求失败: %d %s", resp.StatusCode, resp.Status)
		h.fail(msg)
		return apperr.WithStatus(op, resp.StatusCode, msg)
	}

	acc := NewAccumulator(AccumulateReplace)
	dec := NewSSEDecoder(resp.Body)
	for {
		payload, err := dec.Next()
		if err != nil {
			if err == ErrStreamDone {
				break
			}
			if canceled(ctx, err) {
				return nil
			}
			break
		}

		var data map[string]any
		if jsonErr := json.Unmarshal([]byte(payload), &data); jsonErr != nil {
			logger.Warn("解析 SSE 数据失败", logger.FieldError, jsonErr.Error())
			continue
		}

		if retcode, ok := intField(data, "retcode"); ok && retcode != 0 {
			msg := pickStr(data, "retmsg")
			if msg == "" {
				msg = "未知错误"
			}
			h.fail(msg)
			return apperr.New(op, msg)
		}

		if answer := pickStr(data, "data.answer"); answer != "" {
			ref, _ := pick(data, "data.reference")
			h.emit(Message{
				Type:           MessageContent,
				Content:        acc.Push(answer),
				Reference:      ref,
				ConversationID: pickStr(data, "data.conversation_id"),
			})
		}
	}

	h.emit(Message{Type: MessageComplete, Content: acc.Full()})
	h.complete()
	return nil
}
