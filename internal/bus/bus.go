// Package bus 提供进程内事件总线。
//
// 任务引擎的事件源头只有一个: store 的任务更新回调。队列把状态变化
// 发布到总线, SSE / WebSocket 推送层作为订阅者 fan-out 给前端。
//
// 桥接:
//   - server/sse.go — task.* 事件转发到 SSE 长连接
//   - server/ws.go  — task.* 事件转发到 WebSocket
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"` // task.updated / group.progress / poller.status
	Type      string          `json:"type"`  // 消息类型
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// 消息类型常量。
const (
	// MsgTaskAdded 新任务入队。
	MsgTaskAdded = "task.added"
	// MsgTaskUpdated 任务状态/进度变化。
	MsgTaskUpdated = "task.updated"
	// MsgTaskRemoved 任务被移除。
	MsgTaskRemoved = "task.removed"
	// MsgGroupProgress 组进度快照。
	MsgGroupProgress = "group.progress"
	// MsgQueuePaused 队列全局暂停。
	MsgQueuePaused = "queue.paused"
	// MsgQueueResumed 队列全局恢复。
	MsgQueueResumed = "queue.resumed"
	// MsgQueueStats 巡检统计摘要。
	MsgQueueStats = "queue.stats"
	// MsgPollerStatus 文档解析轮询状态。
	MsgPollerStatus = "poller.status"
	// MsgStreamContent 流式对话内容帧。
	MsgStreamContent = "stream.content"
)

// Topic 模式常量。
const (
	// TopicTaskPrefix 任务事件前缀: task.{id}。
	TopicTaskPrefix = "task."
	// TopicGroupPrefix 组事件前缀: group.{id}。
	TopicGroupPrefix = "group."
	// TopicQueue 队列级事件。
	TopicQueue = "queue"
	// TopicPoller 轮询器事件。
	TopicPoller = "poller"
	// TopicStreamPrefix 流式对话事件前缀: stream.{agentId}。
	TopicStreamPrefix = "stream."
	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("task.xxx" / "queue" / "*")
	Ch     chan Message // 消息通道
}

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "task.t1" → 收到 task.t1.updated 等
//   - 订阅 "*" → 收到所有消息
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	onPublish   func(Message) // 可选: 每条消息的全局回调
}

// NewMessageBus 创建消息总线。
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调 (桥接到推送层或日志)。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布消息到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	onPub := b.onPublish

	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, msg.Topic) {
			select {
			case sub.Ch <- msg:
			default:
				// 通道满, 丢弃 (避免阻塞发布者)
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行 (回调可能耗时, 避免持锁太久)
	if onPub != nil {
		onPub(msg)
	}
}

// PublishJSON 序列化 payload 后发布。
func (b *MessageBus) PublishJSON(topic, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.Publish(Message{Topic: topic, Type: msgType, Payload: raw})
}

// Subscribe 订阅消息。filter 为 topic 前缀 ("task.t1" / "*" / "queue")。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, 64),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "task.t1" 匹配 "task.t1", "task.t1.updated"
//   - filter "queue" 匹配 "queue", "queue.paused"
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
