// Package model 包含了应用的数据模型定义。
package model

import (
	"fmt"
	"time"
)

// ConversationKind 区分游戏大厅与具体游戏标签页。
type ConversationKind string

const (
	KindHub  ConversationKind = "hub"
	KindGame ConversationKind = "game"
)

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus 描述消息的生命周期状态。只有 streaming 状态的助手消息可以被追加内容。
type MessageStatus string

const (
	StatusComplete    MessageStatus = "complete"
	StatusStreaming   MessageStatus = "streaming"
	StatusInterrupted MessageStatus = "interrupted"
	StatusFailed      MessageStatus = "failed"
)

// HubTitle 是游戏大厅的默认标题。
const HubTitle = "Game Hub"

// HubID 返回用户唯一的大厅会话 ID。
func HubID(userID uint) string {
	return fmt.Sprintf("hub-%d", userID)
}

// MaxNameLength 是标题、游戏名、子标签页名称的最大字符数，与 varchar(255) 列一致。
const MaxNameLength = 255

// Conversation 代表一个会话：游戏大厅或某个游戏的标签页。
type Conversation struct {
	ID         string           `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID     uint             `gorm:"not null;uniqueIndex:ux_user_game,priority:1;index" json:"userId"`
	Kind       ConversationKind `gorm:"type:varchar(10);not null" json:"kind"`
	Title      string           `gorm:"type:varchar(255);not null" json:"title"`
	GameKey    *string          `gorm:"type:varchar(255);uniqueIndex:ux_user_game,priority:2" json:"gameKey,omitempty"`
	GameName   string           `gorm:"type:varchar(255)" json:"gameName,omitempty"`
	Genre      string           `gorm:"type:varchar(100)" json:"genre,omitempty"`
	CoverURL   string           `gorm:"type:varchar(512)" json:"coverUrl,omitempty"`
	Unreleased bool             `gorm:"not null;default:false" json:"unreleased"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updatedAt"`

	Messages []Message `gorm:"-" json:"messages,omitempty"`
	SubTabs  []SubTab  `gorm:"-" json:"subtabs,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// IsHub 判断是否为游戏大厅。
func (c *Conversation) IsHub() bool {
	return c.Kind == KindHub
}

// Message 代表会话中的单条消息。Sequence 决定展示与持久化顺序。
type Message struct {
	ID             string        `gorm:"type:varchar(64);primaryKey" json:"id"`
	ConversationID string        `gorm:"type:varchar(64);not null;uniqueIndex:ux_conv_seq,priority:1" json:"conversationId"`
	Sequence       int           `gorm:"not null;uniqueIndex:ux_conv_seq,priority:2" json:"sequence"`
	Role           Role          `gorm:"type:varchar(20);not null" json:"role"`
	Text           string        `gorm:"type:longtext" json:"text"`
	Status         MessageStatus `gorm:"type:varchar(20);not null;default:complete" json:"status"`
	ErrorCode      string        `gorm:"type:varchar(50)" json:"errorCode,omitempty"`
	CreatedAt      time.Time     `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Message) TableName() string {
	return "messages"
}
