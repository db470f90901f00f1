// stream_test.go — SSE 解码与累积逻辑测试。
package stream

import (
	"io"
	"strings"
	"testing"
)

func TestSSEDecoder(t *testing.T) {
	raw := strings.Join([]string{
		": keepalive",
		"",
		"event: message",
		"data: {\"a\":1}",
		"data:{\"b\":2}",
		"",
		"data: [DONE]",
	}, "\n")

	dec := NewSSEDecoder(strings.NewReader(raw))

	p1, err := dec.Next()
	if err != nil || p1 != `{"a":1}` {
		t.Fatalf("帧1 = %q, %v", p1, err)
	}
	p2, err := dec.Next()
	if err != nil || p2 != `{"b":2}` {
		t.Fatalf("帧2 = %q, %v", p2, err)
	}
	if _, err = dec.Next(); err != ErrStreamDone {
		t.Fatalf("期望 ErrStreamDone, got %v", err)
	}
	if _, err = dec.Next(); err != io.EOF {
		t.Fatalf("期望 io.EOF, got %v", err)
	}
}

func TestSSEDecoderSkipsNoise(t *testing.T) {
	raw := "随便一行\nretry: 3000\ndata: x\n"
	dec := NewSSEDecoder(strings.NewReader(raw))
	p, err := dec.Next()
	if err != nil || p != "x" {
		t.Fatalf("应只剩 data 行: %q, %v", p, err)
	}
}

func TestAccumulatorReplace(t *testing.T) {
	acc := NewAccumulator(AccumulateReplace)
	acc.Push("Hi")
	acc.Push("Hi there")
	if got := acc.Push("Hi there!"); got != "Hi there!" {
		t.Fatalf("替换模式全文 = %q", got)
	}
}

func TestAccumulatorAppend(t *testing.T) {
	acc := NewAccumulator(AccumulateAppend)
	acc.Push("你")
	acc.Push("好")
	if got := acc.Full(); got != "你好" {
		t.Fatalf("增量拼接 = %q", got)
	}
}

func TestAccumulatorAppendDetectsCumulative(t *testing.T) {
	// 后端声称增量却发累计帧: 前缀检测避免重复拼接
	acc := NewAccumulator(AccumulateAppend)
	acc.Push("Hi")
	acc.Push("Hi there")
	if got := acc.Push("Hi there!"); got != "Hi there!" {
		t.Fatalf("累计帧应替换而非拼接: %q", got)
	}
}

func TestDeriveSessionName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"普通问题原样返回", "帮我总结这份文档", "帮我总结这份文档"},
		{"压缩空白", "  帮我   总结\n文档  ", "帮我 总结 文档"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveSessionName(tt.in); got != tt.want {
				t.Errorf("DeriveSessionName(%q) = %q, 期望 %q", tt.in, got, tt.want)
			}
		})
	}

	t.Run("超长按字符截断", func(t *testing.T) {
		got := DeriveSessionName(strings.Repeat("问", 40))
		if got != strings.Repeat("问", 30)+"..." {
			t.Errorf("截断结果 = %q", got)
		}
	})
	t.Run("空问题回退时间戳", func(t *testing.T) {
		if got := DeriveSessionName("   "); !strings.HasPrefix(got, "session_") {
			t.Errorf("空问题应回退: %q", got)
		}
	})
}

func TestHandlerNilCallbacks(t *testing.T) {
	// 回调全空时任何发送都不应 panic
	var h Handler
	h.emit(Message{Type: MessageContent, Content: "x"})
	h.complete()
	h.failWithMessage("err")
}
