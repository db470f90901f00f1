// normalize_test.go — 内容规范化测试。
package normalize

import (
	"strings"
	"testing"
)

func TestContentScalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil 返回空", nil, ""},
		{"字符串原样返回", "你好", "你好"},
		{"数字转字符串", float64(42), "42"},
		{"小数转字符串", 3.14, "3.14"},
		{"布尔转字符串", true, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Content(tt.in); got != tt.want {
				t.Errorf("Content(%v) = %q, 期望 %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContentCandidatePriority(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want string
	}{
		{
			"answer 优先于 content",
			map[string]any{"answer": "A", "content": "C"},
			"A",
		},
		{
			"answer 为空时落到 content",
			map[string]any{"answer": "", "content": "C"},
			"C",
		},
		{
			"嵌套 data.answer",
			map[string]any{"data": map[string]any{"answer": "嵌套"}},
			"嵌套",
		},
		{
			"深嵌套 data.outputs.content",
			map[string]any{"data": map[string]any{"outputs": map[string]any{"content": "深"}}},
			"深",
		},
		{
			"候选字段可以是对象, 递归提取",
			map[string]any{"answer": map[string]any{"text": "递归"}},
			"递归",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Content(tt.in); got != tt.want {
				t.Errorf("Content() = %q, 期望 %q", got, tt.want)
			}
		})
	}
}

func TestContentArrayJoin(t *testing.T) {
	in := []any{"你好", "", map[string]any{"content": "世界"}}
	if got := Content(in); got != "你好世界" {
		t.Fatalf("Content = %q", got)
	}
}

func TestContentFieldFallbackSkipsIDs(t *testing.T) {
	in := map[string]any{
		"session_id": "s-123",
		"trace_id":   "t-456",
		"userId":     "u-789",
		"reply":      "真正的内容",
	}
	if got := Content(in); got != "真正的内容" {
		t.Fatalf("Content = %q, 期望跳过 ID 字段", got)
	}
}

func TestContentJSONFallback(t *testing.T) {
	// 无任何字符串字段 → JSON 序列化兜底
	in := map[string]any{"count": float64(3), "ok": true}
	got := Content(in)
	if !strings.Contains(got, `"count"`) || !strings.Contains(got, `"ok"`) {
		t.Fatalf("JSON 兜底缺字段: %q", got)
	}
}

func TestContentEmptyObject(t *testing.T) {
	// JSON 结果过短 ("{}") 视为无内容
	if got := Content(map[string]any{}); got != "" {
		t.Fatalf("空对象应返回空串, got %q", got)
	}
}

func TestContentTruncatesHugeJSON(t *testing.T) {
	big := map[string]any{"blob": map[string]any{"x": strings.Repeat("甲", 60000)}}
	// 内层 blob 是对象, 外层无字符串字段 → JSON 兜底并截断
	got := Content(map[string]any{"metadata": big})
	if !strings.HasSuffix(got, truncateMarker) {
		t.Fatalf("超长 JSON 未截断: 长度 %d", len(got))
	}
	if len(got) > truncateKeepLen+len(truncateMarker) {
		t.Fatalf("截断后过长: %d", len(got))
	}
}

func TestContentNeverObjectObject(t *testing.T) {
	inputs := []any{
		map[string]any{},
		map[string]any{"answer": map[string]any{}},
		[]any{map[string]any{}},
		struct{}{},
	}
	for _, in := range inputs {
		if got := Content(in); strings.Contains(got, "[object Object]") {
			t.Errorf("出现 [object Object]: %q", got)
		}
	}
}

func TestContentIdempotent(t *testing.T) {
	inputs := []any{
		"普通字符串",
		map[string]any{"answer": "A"},
		map[string]any{"count": float64(1), "flag": true},
		[]any{"a", "b"},
	}
	for _, in := range inputs {
		once := Content(in)
		if twice := Content(once); twice != once {
			t.Errorf("不幂等: %q -> %q", once, twice)
		}
	}
}
