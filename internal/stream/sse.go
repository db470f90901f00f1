// sse.go — SSE 流解码 (逐行缓冲, data 载荷提取)。
package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStreamDone 后端发送了 [DONE] 哨兵。
var ErrStreamDone = errors.New("stream done")

// sse 行缓冲上限。后端单帧可能携带整段累计全文。
const sseMaxLineBytes = 1024 * 1024

// SSEDecoder 从字节流中逐条提取 data 载荷。
//
// 规则: 空行与 ":" 开头的注释行跳过; "data:" 前缀剥除并去空白;
// 其他行 (event: 等) 忽略; "[DONE]" 返回 ErrStreamDone。
type SSEDecoder struct {
	s *bufio.Scanner
}

// NewSSEDecoder 创建解码器。
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), sseMaxLineBytes)
	return &SSEDecoder{s: s}
}

// Next 返回下一条 data 载荷。流结束返回 io.EOF。
func (d *SSEDecoder) Next() (string, error) {
	for d.s.Scan() {
		line := strings.TrimSpace(d.s.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "[DONE]" {
			return "", ErrStreamDone
		}
		if payload == "" {
			continue
		}
		return payload, nil
	}
	if err := d.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
