// client.go — 客户端公共部分: 请求互斥与取消, JSON 字段拾取。
package stream

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

// defaultHTTPTimeout 非流式请求的整体超时。流式请求不设整体超时,
// 由 context 取消控制。
const defaultHTTPTimeout = 120 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// newStreamHTTPClient 流式连接可长时间挂起, 不能用整体超时。
func newStreamHTTPClient() *http.Client {
	return &http.Client{}
}

// ========================================
// 单飞请求守卫
// ========================================

// requestGuard 保证同一客户端同时只有一个在途请求:
// 新请求开始时取消上一个。
type requestGuard struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// begin 取消上一个请求并派生新的可取消 context。
func (g *requestGuard) begin(parent context.Context) (context.Context, context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	return ctx, cancel
}

// Cancel 取消当前在途请求 (若有)。
func (g *requestGuard) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// canceled 判断流程是否因取消而终止。取消是静默终点, 不报错。
func canceled(ctx context.Context, err error) bool {
	if ctx.Err() == context.Canceled {
		return true
	}
	return err == context.Canceled
}

// ========================================
// 宽松 JSON 拾取
// ========================================

// pick 按点路径依次尝试, 返回首个非 nil 值。
// 后端字段位置不稳定, 各客户端共用这一套容错读取。
func pick(m map[string]any, paths ...string) (any, bool) {
	for _, p := range paths {
		var cur any = m
		found := true
		for _, key := range strings.Split(p, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				found = false
				break
			}
			cur, ok = obj[key]
			if !ok || cur == nil {
				found = false
				break
			}
		}
		if found {
			return cur, true
		}
	}
	return nil, false
}

// pickStr 拾取字符串值, 非字符串返回 ""。
func pickStr(m map[string]any, paths ...string) string {
	v, ok := pick(m, paths...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// intField 读取数值字段 (JSON 数字解码为 float64)。
func intField(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}
