// proxy_client_test.go — 代理客户端 SSE 流测试 (httptest)。
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func collectMessages(h *[]Message) Handler {
	return Handler{OnMessage: func(m Message) { *h = append(*h, m) }}
}

func contentsOf(msgs []Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Type == MessageContent {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestProxyClientCumulativeAnswer(t *testing.T) {
	// chat assistant 格式: answer 是累计全文
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["action"] != "sendMessage" {
			t.Errorf("action = %v", body["action"])
		}
		if body["sessionName"] == nil {
			t.Error("首问应携带派生会话名")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, answer := range []string{"Hi", "Hi there", "Hi there!"} {
			fmt.Fprintf(w, "data: {\"code\":0,\"data\":{\"answer\":%q,\"session_id\":\"s1\"}}\n\n", answer)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewProxyClient(ProxyConfig{ConsoleBaseURL: srv.URL, AgentID: "a1", UserID: "u1"})
	var msgs []Message
	var completed bool
	h := collectMessages(&msgs)
	h.OnComplete = func() { completed = true }

	if err := c.SendMessage(context.Background(), "你好", h); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	contents := contentsOf(msgs)
	want := []string{"Hi", "Hi there", "Hi there!"}
	if len(contents) != 3 {
		t.Fatalf("content 消息数 = %d (%v), 期望 3", len(contents), contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Errorf("content[%d] = %q, 期望 %q", i, contents[i], want[i])
		}
	}

	last := msgs[len(msgs)-1]
	if last.Type != MessageComplete || last.Content != "Hi there!" {
		t.Errorf("末条消息 = %+v", last)
	}
	if msgs[0].Type != MessageThinking {
		t.Errorf("首条消息应为 thinking: %+v", msgs[0])
	}
	if !completed {
		t.Error("OnComplete 未触发")
	}
	if c.SessionID() != "s1" {
		t.Errorf("会话 ID 未捕获: %q", c.SessionID())
	}
}

func TestProxyClientAgentDeltaFormat(t *testing.T) {
	// agent 格式: 无 code 字段, 增量片段累积
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"data\":{\"content\":\"早上\"},\"session_id\":\"s9\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"data\":{\"content\":\"好\"}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewProxyClient(ProxyConfig{ConsoleBaseURL: srv.URL, AgentID: "a1", UserID: "u1"})
	var msgs []Message
	if err := c.SendMessage(context.Background(), "hi", collectMessages(&msgs)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	contents := contentsOf(msgs)
	if len(contents) != 2 || contents[0] != "早上" || contents[1] != "早上好" {
		t.Fatalf("增量累积错误: %v", contents)
	}
	if c.SessionID() != "s9" {
		t.Errorf("会话 ID = %q", c.SessionID())
	}
}

func TestProxyClientStreamError(t *testing.T) {
	// 200 响应内的非零 code 帧: 报错但继续读流
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"code\":102,\"message\":\"会话不存在\"}\n\n")
		fmt.Fprint(w, "data: {\"code\":0,\"data\":{\"answer\":\"恢复了\"}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewProxyClient(ProxyConfig{ConsoleBaseURL: srv.URL, AgentID: "a1", UserID: "u1"})
	var msgs []Message
	var errMsg string
	h := collectMessages(&msgs)
	h.OnError = func(e string) { errMsg = e }

	_ = c.SendMessage(context.Background(), "hi", h)

	if errMsg != "会话不存在" {
		t.Errorf("OnError = %q", errMsg)
	}
	if contents := contentsOf(msgs); len(contents) != 1 || contents[0] != "恢复了" {
		t.Errorf("错误帧后应继续消费: %v", contents)
	}
}

func TestProxyClientMalformedFrameSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {这不是JSON\n\n")
		fmt.Fprint(w, "data: {\"code\":0,\"data\":{\"answer\":\"ok\"}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewProxyClient(ProxyConfig{ConsoleBaseURL: srv.URL, AgentID: "a1", UserID: "u1"})
	var msgs []Message
	if err := c.SendMessage(context.Background(), "hi", collectMessages(&msgs)); err != nil {
		t.Fatalf("坏帧不应让整个流失败: %v", err)
	}
	if contents := contentsOf(msgs); len(contents) != 1 || contents[0] != "ok" {
		t.Errorf("坏帧后的内容丢失: %v", contents)
	}
}

func TestProxyClientCancelIsSilent(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewProxyClient(ProxyConfig{ConsoleBaseURL: srv.URL, AgentID: "a1", UserID: "u1"})
	var errCalled bool
	h := Handler{
		OnMessage: func(m Message) {
			if m.Type == MessageError {
				errCalled = true
			}
		},
		OnError: func(string) { errCalled = true },
	}

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(context.Background(), "hi", h) }()
	time.Sleep(50 * time.Millisecond)
	c.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("取消应静默返回 nil: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取消后未返回")
	}
	if errCalled {
		t.Error("取消不应触发错误回调")
	}
}

func TestProxyClientSessionOps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch body["action"] {
		case "createSession":
			fmt.Fprint(w, `{"success":true,"data":{"sessionId":"new-s"}}`)
		case "listSessions":
			fmt.Fprint(w, `{"success":true,"data":[{"id":"s1"},{"id":"s2"}]}`)
		case "getHistory":
			fmt.Fprint(w, `{"success":true,"data":{"messages":[{"role":"user"}]}}`)
		case "deleteSession", "renameSession":
			fmt.Fprint(w, `{"success":true}`)
		default:
			t.Errorf("未知 action: %v", body["action"])
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewProxyClient(ProxyConfig{ConsoleBaseURL: srv.URL, AgentID: "a1", UserID: "u1"})

	id, err := c.CreateSession(ctx, "我的会话")
	if err != nil || id != "new-s" || c.SessionID() != "new-s" {
		t.Fatalf("CreateSession: %q, %v", id, err)
	}

	sessions, err := c.ListSessions(ctx, 1, 20)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("ListSessions: %v, %v", sessions, err)
	}

	history, err := c.GetHistory(ctx, "s1")
	if err != nil || len(history) != 1 {
		t.Fatalf("GetHistory: %v, %v", history, err)
	}

	if err := c.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := c.RenameSession(ctx, "s1", "新名字"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}

	c.Reset()
	if c.SessionID() != "" {
		t.Error("Reset 后会话 ID 应清空")
	}
}
