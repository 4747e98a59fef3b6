// Package realtime 通过 Redis pub/sub 把会话变更推送给同一用户的其他连接（多标签页同步）。
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"gamehub-go/internal/model"
	"gamehub-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// 事件类型
const (
	EventMessageAppended  = "message_appended"
	EventMessagePatched   = "message_patched"
	EventMessageFinalized = "message_finalized"
	EventMessagesMoved    = "messages_moved"
	EventConversation     = "conversation_saved"
	EventSubTab           = "subtab_saved"
)

// Event 是推送给客户端的一条变更。
type Event struct {
	Type           string              `json:"type"`
	UserID         uint                `json:"userId"`
	ConversationID string              `json:"conversationId"`
	Origin         string              `json:"origin,omitempty"`
	Message        *model.Message      `json:"message,omitempty"`
	Delta          string              `json:"delta,omitempty"`
	Conversation   *model.Conversation `json:"conversation,omitempty"`
	SubTab         *model.SubTab       `json:"subtab,omitempty"`
	FromID         string              `json:"fromId,omitempty"`
}

// Publisher 发布事件。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber 订阅某个用户的事件流。
type Subscriber interface {
	Subscribe(ctx context.Context, userID uint) (<-chan Event, func())
}

// Nop 在实时通道关闭时使用，所有操作都是空操作。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Subscribe(context.Context, uint) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

// RedisHub 是基于 Redis pub/sub 的实现。
type RedisHub struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisHub 创建 RedisHub。
func NewRedisHub(rdb *redis.Client, prefix string) *RedisHub {
	return &RedisHub{rdb: rdb, prefix: prefix}
}

func (h *RedisHub) channel(userID uint) string {
	return fmt.Sprintf("%s%d", h.prefix, userID)
}

// Publish 发布事件到用户频道。
func (h *RedisHub) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.rdb.Publish(ctx, h.channel(ev.UserID), b).Err()
}

// Subscribe 订阅用户频道，返回的 cancel 函数负责关闭订阅。
func (h *RedisHub) Subscribe(ctx context.Context, userID uint) (<-chan Event, func()) {
	sub := h.rdb.Subscribe(ctx, h.channel(userID))
	out := make(chan Event, 64)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warnf("[Realtime] 无法解析事件: %v", err)
					continue
				}
				select {
				case out <- ev:
				default:
					// 消费者过慢时丢弃，客户端重新加载时会以持久层为准
					log.Warnf("[Realtime] 用户 %d 的事件缓冲已满，丢弃 %s", userID, ev.Type)
				}
			}
		}
	}()

	return out, func() {
		cancel()
		_ = sub.Close()
	}
}
