package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeConsole 模拟控制台代理端点: sendMessage 回 SSE 流, 其余 action 回 JSON。
func fakeConsole(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ragflow") {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)

		switch req["action"] {
		case "sendMessage":
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, answer := range []string{"你好", "你好，有什么", "你好，有什么可以帮你？"} {
				frame, _ := json.Marshal(map[string]any{
					"code": 0,
					"data": map[string]any{"answer": answer, "session_id": "s-99"},
				})
				fmt.Fprintf(w, "data:%s\n\n", frame)
				flusher.Flush()
			}
			fmt.Fprint(w, "data:[DONE]\n\n")
			flusher.Flush()
		case "createSession":
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data":    map[string]any{"sessionId": "s-new"},
			})
		case "listSessions":
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"data":    map[string]any{"sessions": []map[string]any{{"id": "s-1"}}},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{}})
		}
	}))
}

func newChatEnv(t *testing.T) (*env, *httptest.Server) {
	t.Helper()
	console := fakeConsole(t)
	t.Cleanup(console.Close)

	e := newEnv(t, okRegistry())
	e.srv = NewServer(Options{
		Queue: e.queue,
		Store: e.store,
		Bus:   e.bus,
		Chat:  ChatConfig{ConsoleBaseURL: console.URL},
	})
	return e, console
}

func TestChatProxyStream(t *testing.T) {
	e, _ := newChatEnv(t)
	ts := httptest.NewServer(e.srv.Engine())
	defer ts.Close()

	body := bytes.NewBufferString(`{"message":"你好"}`)
	resp, err := http.Post(ts.URL+"/api/chat/a1/stream", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var sawThinking, sawContent bool
	var lastData string
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.AfterFunc(3*time.Second, func() { resp.Body.Close() })
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:thinking"):
			sawThinking = true
		case strings.HasPrefix(line, "event:content"):
			sawContent = true
		case strings.HasPrefix(line, "data:"):
			lastData = line
		}
	}

	if !sawThinking || !sawContent {
		t.Errorf("thinking=%v content=%v, want both", sawThinking, sawContent)
	}
	// 累计全文帧: 最后一帧应是完整回答
	if !strings.Contains(lastData, "你好，有什么可以帮你？") {
		t.Errorf("最后一帧缺少完整内容: %s", lastData)
	}
}

func TestChatCreateSession(t *testing.T) {
	e, _ := newChatEnv(t)

	w := doJSON(t, e.srv, http.MethodPost, "/api/chat/a1/sessions", map[string]any{"name": "测试会话"})
	if w.Code != http.StatusCreated {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	data := decodeData[map[string]any](t, w)
	if data["sessionId"] != "s-new" {
		t.Errorf("sessionId = %v", data["sessionId"])
	}
}

func TestChatRoutesDisabledWithoutBackends(t *testing.T) {
	e := newEnv(t, okRegistry())

	w := doJSON(t, e.srv, http.MethodPost, "/api/chat/a1/stream", map[string]any{"message": "hi"})
	if w.Code != http.StatusNotFound {
		t.Errorf("未配置后端时对话路由应 404, got %d", w.Code)
	}
}
