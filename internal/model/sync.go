package model

import (
	"encoding/json"
	"time"
)

// OperationKind 是离线队列中持久化操作的类型。
type OperationKind string

const (
	OpSaveConversation OperationKind = "save_conversation"
	OpSaveMessage      OperationKind = "save_message"
	OpMoveMessages     OperationKind = "move_messages"
	OpSaveSubTab       OperationKind = "save_subtab"
	OpAdjustCredits    OperationKind = "adjust_credits"
)

// PendingOperation 是一条等待写入持久层的操作。回放顺序等于入队顺序。
type PendingOperation struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// MoveMessagesPayload 描述一次会话间的消息迁移。
type MoveMessagesPayload struct {
	FromConversationID string    `json:"fromConversationId"`
	ToConversationID   string    `json:"toConversationId"`
	Messages           []Message `json:"messages"`
}

// CreditAdjustmentPayload 是持久层不可用时记下的额度变动，Delta 为负表示扣减。
type CreditAdjustmentPayload struct {
	UserID uint `json:"userId"`
	Delta  int  `json:"delta"`
}
