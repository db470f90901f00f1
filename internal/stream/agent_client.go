// agent_client.go — Agent webhook 客户端 (多步骤帧)。
//
// POST /api/v1/webhook/{agentId}, SSE 帧的 data.step 标记执行阶段
// (begin / retrieval / llm / answer), answer 步骤携带累计全文。
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	apperr "github.com/kb-console/go-task-engine/pkg/errors"
	"github.com/kb-console/go-task-engine/pkg/logger"
)

// AgentConfig Agent webhook 客户端配置。
type AgentConfig struct {
	BaseURL  string
	APIToken string
	AgentID  string
	UserID   string
}

// AgentClient Agent webhook 客户端。无会话概念, 单次调用。
type AgentClient struct {
	cfg    AgentConfig
	stream *http.Client
	guard  requestGuard
}

// NewAgentClient 创建 Agent 客户端。
func NewAgentClient(cfg AgentConfig) *AgentClient {
	return &AgentClient{cfg: cfg, stream: newStreamHTTPClient()}
}

// Cancel 取消当前在途请求。
func (c *AgentClient) Cancel() { c.guard.Cancel() }

// SendMessage 发送查询并消费多步骤 SSE 流。
//
// 每个步骤帧发一条 step 消息; answer 步骤额外发 content;
// code != 0 触发 OnError 并终止; 取消静默返回。
func (c *AgentClient) SendMessage(parent context.Context, query string, h Handler, files ...string) error {
	const op = "AgentClient.SendMessage"
	ctx, cancel := c.guard.begin(parent)
	defer cancel()

	h.emit(Message{Type: MessageThinking, Content: "正在启动 Agent..."})

	if files == nil {
		files = []string{}
	}
	body, _ := json.Marshal(map[string]any{
		"id":      c.cfg.AgentID,
		"query":   query,
		"files":   files,
		"user_id": c.cfg.UserID,
	})
	url := fmt.Sprintf("%s/api/v1/webhook/%s", c.cfg.BaseURL, c.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(err, op, "构造请求失败")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		if canceled(ctx, err) {
			logger.Debug("Agent 请求已取消", logger.FieldAgentID, c.cfg.AgentID)
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

		if code, ok := intField(data, "code"); ok && code != 0 {
			msg := pickStr(data, "message")
			if msg == "" {
				msg = "未知错误"
			}
			h.fail(msg)
			return apperr.New(op, msg)
		}

		step := pickStr(data, "data.step")
		if step == "" {
			continue
		}
		stepContent := pickStr(data, "data.content")
		stepData, _ := data["data"].(map[string]any)
		h.emit(Message{
			Type:        MessageStep,
			Step:        step,
			StepMessage: pickStr(data, "message"),
			Content:     stepContent,
			Data:        stepData,
		})

		if step == "answer" && stepContent != "" {
			h.emit(Message{Type: MessageContent, Content: acc.Push(stepContent)})
		}
	}

	h.emit(Message{Type: MessageComplete, Content: acc.Full()})
	h.complete()
	return nil
}
