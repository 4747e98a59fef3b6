// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"fmt"
	"gamehub-go/internal/model"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository 是会话、消息与子标签页的持久层。所有写操作都是按主键 upsert，
// 因此离线队列重放同一操作不会产生重复数据。
type ConversationRepository interface {
	SaveConversation(ctx context.Context, conv *model.Conversation) error
	FindConversation(ctx context.Context, id string) (*model.Conversation, error)
	FindByGameKey(ctx context.Context, userID uint, gameKey string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID uint) ([]model.Conversation, error)
	ListAllConversations(ctx context.Context, userID *uint, startTime, endTime *time.Time) ([]model.Conversation, error)

	SaveMessage(ctx context.Context, msg *model.Message) error
	MoveMessages(ctx context.Context, payload model.MoveMessagesPayload) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)

	SaveSubTab(ctx context.Context, subTab *model.SubTab) error
	FindSubTab(ctx context.Context, id string) (*model.SubTab, error)
	ListSubTabs(ctx context.Context, conversationID string) ([]model.SubTab, error)

	Ping(ctx context.Context) error
}

type gormConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

func upsert() clause.OnConflict {
	return clause.OnConflict{UpdateAll: true}
}

// SaveConversation 创建或更新会话。
func (r *gormConversationRepository) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	if err := r.db.WithContext(ctx).Clauses(upsert()).Create(conv).Error; err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// FindConversation 根据 ID 查找会话，不存在时返回 gorm.ErrRecordNotFound。
func (r *gormConversationRepository) FindConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindByGameKey 查找用户下某个游戏的标签页。
func (r *gormConversationRepository) FindByGameKey(ctx context.Context, userID uint, gameKey string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("user_id = ? AND game_key = ?", userID, gameKey).First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations 返回用户的所有标签页，大厅排在最前，其余按创建时间排序。
func (r *gormConversationRepository) ListConversations(ctx context.Context, userID uint) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at asc").Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].IsHub() && !convs[j].IsHub()
	})
	return convs, nil
}

// ListAllConversations 供管理员查询，可按用户和时间范围过滤。
func (r *gormConversationRepository) ListAllConversations(ctx context.Context, userID *uint, startTime, endTime *time.Time) ([]model.Conversation, error) {
	q := r.db.WithContext(ctx).Model(&model.Conversation{})
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	if startTime != nil {
		q = q.Where("updated_at >= ?", *startTime)
	}
	if endTime != nil {
		q = q.Where("updated_at <= ?", *endTime)
	}
	var convs []model.Conversation
	if err := q.Order("updated_at desc").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list all conversations: %w", err)
	}
	return convs, nil
}

// SaveMessage 按消息 ID upsert。
func (r *gormConversationRepository) SaveMessage(ctx context.Context, msg *model.Message) error {
	if err := r.db.WithContext(ctx).Clauses(upsert()).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// MoveMessages 在一个事务里写入迁移后的消息（已携带新的会话 ID 与序号）。
func (r *gormConversationRepository) MoveMessages(ctx context.Context, payload model.MoveMessagesPayload) error {
	if len(payload.Messages) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range payload.Messages {
			msg := payload.Messages[i]
			if err := tx.Clauses(upsert()).Create(&msg).Error; err != nil {
				return fmt.Errorf("failed to move message %s: %w", msg.ID, err)
			}
		}
		return nil
	})
}

// ListMessages 按序号返回会话消息。limit > 0 时只返回最近的 limit 条。
func (r *gormConversationRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	db := r.db.WithContext(ctx)
	var msgs []model.Message
	if limit <= 0 {
		if err := db.Where("conversation_id = ?", conversationID).Order("sequence asc").Find(&msgs).Error; err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}
		return msgs, nil
	}

	if err := db.Where("conversation_id = ?", conversationID).Order("sequence desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveSubTab 创建或更新子标签页。
func (r *gormConversationRepository) SaveSubTab(ctx context.Context, subTab *model.SubTab) error {
	if err := r.db.WithContext(ctx).Clauses(upsert()).Create(subTab).Error; err != nil {
		return fmt.Errorf("failed to save subtab %s: %w", subTab.ID, err)
	}
	return nil
}

// FindSubTab 根据 ID 查找子标签页。
func (r *gormConversationRepository) FindSubTab(ctx context.Context, id string) (*model.SubTab, error) {
	var st model.SubTab
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&st).Error; err != nil {
		return nil, err
	}
	st.Style = st.Type.Style()
	return &st, nil
}

// ListSubTabs 按位置返回会话的子标签页。
func (r *gormConversationRepository) ListSubTabs(ctx context.Context, conversationID string) ([]model.SubTab, error) {
	var subTabs []model.SubTab
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("position asc").Find(&subTabs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subtabs: %w", err)
	}
	for i := range subTabs {
		subTabs[i].Style = subTabs[i].Type.Style()
	}
	return subTabs, nil
}

// Ping 检查数据库是否可达。
func (r *gormConversationRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
