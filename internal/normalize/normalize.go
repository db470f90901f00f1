// Package normalize 把后端返回的任意形状内容规范化为可展示字符串。
//
// 后端 (RAGFlow / Dify) 的回答字段形状不稳定: 可能是纯字符串、
// 嵌套对象、片段数组或整个响应体。本包保证永远返回可读字符串,
// 绝不出现 "[object Object]" 一类的占位残留。
package normalize

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/kb-console/go-task-engine/pkg/util"
)

// 内容候选键, 按优先级排列。路径用 "." 表示嵌套。
var candidatePaths = [][]string{
	{"answer"},
	{"content"},
	{"final_answer"},
	{"text"},
	{"message"},
	{"outputs", "content"},
	{"outputs", "answer"},
	{"data", "content"},
	{"data", "answer"},
	{"data", "text"},
	{"data", "outputs", "content"},
	{"data", "outputs", "answer"},
	{"result"},
	{"response"},
}

// 看起来是标识符/元数据而非内容的键, 兜底扫描时跳过。
var skipKeys = map[string]bool{
	"id": true, "session_id": true, "conversation_id": true,
	"user_id": true, "agent_id": true, "type": true,
	"status": true, "code": true,
}

const (
	// 兜底扫描时字符串字段的长度上限, 超过视为非内容数据。
	maxFieldLen = 100000
	// JSON 兜底输出的长度界限。
	minJSONLen      = 5
	maxJSONLen      = 50000
	truncateKeepLen = 1000
	truncateMarker  = "\n...(内容过长已截断)"
)

// Content 将任意值规范化为字符串。幂等: Content(Content(v)) == Content(v)。
func Content(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case []any:
		// 消息片段数组: 逐项规范化后拼接
		var b strings.Builder
		for _, item := range val {
			b.WriteString(Content(item))
		}
		return b.String()
	case map[string]any:
		return fromObject(val)
	default:
		// 未知类型走 JSON, 失败返回空而非 Go 默认格式化
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

func fromObject(record map[string]any) string {
	// 1. 按优先级尝试标准内容字段
	for _, path := range candidatePaths {
		if cand, ok := lookup(record, path); ok {
			if s := Content(cand); s != "" {
				return s
			}
		}
	}

	// 2. 兜底: 任何像内容的字符串字段 (跳过 ID/元数据键)。
	// 按键名排序保证同一输入结果稳定。
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s, ok := record[key].(string)
		if !ok || s == "" || len(s) >= maxFieldLen {
			continue
		}
		lower := strings.ToLower(key)
		if skipKeys[lower] || strings.HasSuffix(key, "_id") || strings.HasSuffix(key, "Id") {
			continue
		}
		return s
	}

	// 3. 最后兜底: JSON 序列化, 太短视为无内容, 太长截断
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return ""
	}
	s := string(b)
	if len(s) < minJSONLen {
		return ""
	}
	if len(s) > maxJSONLen {
		return util.Truncate(s, truncateKeepLen, truncateMarker)
	}
	return s
}

func lookup(record map[string]any, path []string) (any, bool) {
	var cur any = record
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}
