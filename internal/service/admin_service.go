// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"time"

	"gorm.io/gorm"
)

// UserListResponse 定义了用户列表 API 的响应结构。
type UserListResponse struct {
	Content       []UserDetailResponse `json:"content"`
	TotalElements int64                `json:"totalElements"`
	TotalPages    int                  `json:"totalPages"`
	Size          int                  `json:"size"`
	Number        int                  `json:"number"`
}

// UserDetailResponse 定义了用户列表项的详细结构。
type UserDetailResponse struct {
	UserID    uint            `json:"userId"`
	Username  string          `json:"username"`
	Role      string          `json:"role"`
	Tier      model.Tier      `json:"tier"`
	Remaining *int            `json:"remaining,omitempty"`
	Status    int             `json:"status"`
	CreatedAt model.LocalTime `json:"createdAt"`
}

// ConversationSummary 是管理后台看到的一个会话。
type ConversationSummary struct {
	ConversationID string          `json:"conversationId"`
	UserID         uint            `json:"userId"`
	Username       string          `json:"username"`
	Kind           string          `json:"kind"`
	Title          string          `json:"title"`
	GameName       string          `json:"gameName,omitempty"`
	UpdatedAt      model.LocalTime `json:"updatedAt"`
}

// ErrUserNotFound 用户不存在。
var ErrUserNotFound = errors.New("user not found")

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	ListUsers(ctx context.Context, page, size int) (*UserListResponse, error)
	SetUserTier(ctx context.Context, userID uint, tier model.Tier) error
	GetAllConversations(ctx context.Context, userID *uint, startTime, endTime *time.Time) ([]ConversationSummary, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	userRepo         repository.UserRepository
	conversationRepo repository.ConversationRepository
	credits          CreditService
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(userRepo repository.UserRepository, conversationRepo repository.ConversationRepository, credits CreditService) AdminService {
	return &adminService{
		userRepo:         userRepo,
		conversationRepo: conversationRepo,
		credits:          credits,
	}
}

// ListUsers 以分页的形式返回用户列表
func (s *adminService) ListUsers(ctx context.Context, page, size int) (*UserListResponse, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	offset := (page - 1) * size
	users, total, err := s.userRepo.FindWithPagination(offset, size)
	if err != nil {
		return nil, err
	}

	userResponses := make([]UserDetailResponse, 0, len(users))
	for _, u := range users {
		// 转换角色为状态码
		status := 1
		if u.Role == "ADMIN" {
			status = 0
		}
		item := UserDetailResponse{
			UserID:    u.ID,
			Username:  u.Username,
			Role:      u.Role,
			Tier:      u.Tier,
			Status:    status,
			CreatedAt: model.LocalTime(u.CreatedAt),
		}
		if s.credits != nil {
			if b, err := s.credits.Balance(ctx, u.ID); err == nil {
				remaining := b.Remaining
				item.Remaining = &remaining
			}
		}
		userResponses = append(userResponses, item)
	}

	totalPages := 0
	if total > 0 {
		totalPages = (int(total) + size - 1) / size
	}

	return &UserListResponse{
		Content:       userResponses,
		TotalElements: total,
		TotalPages:    totalPages,
		Size:          size,
		Number:        page,
	}, nil
}

// SetUserTier 修改用户的订阅等级并同步额度。
func (s *adminService) SetUserTier(ctx context.Context, userID uint, tier model.Tier) error {
	if !tier.Valid() {
		return ErrInvalidTier
	}
	if _, err := s.userRepo.FindByID(userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return s.credits.SetTier(ctx, userID, tier)
}

// GetAllConversations 返回全部或指定用户的会话，可按更新时间过滤。
func (s *adminService) GetAllConversations(ctx context.Context, userID *uint, startTime, endTime *time.Time) ([]ConversationSummary, error) {
	if userID != nil {
		if _, err := s.userRepo.FindByID(*userID); err != nil {
			return nil, ErrUserNotFound
		}
	}

	convs, err := s.conversationRepo.ListAllConversations(ctx, userID, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	usernames := make(map[uint]string)
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		name, ok := usernames[c.UserID]
		if !ok {
			if u, err := s.userRepo.FindByID(c.UserID); err == nil {
				name = u.Username
			}
			usernames[c.UserID] = name
		}
		out = append(out, ConversationSummary{
			ConversationID: c.ID,
			UserID:         c.UserID,
			Username:       name,
			Kind:           string(c.Kind),
			Title:          c.Title,
			GameName:       c.GameName,
			UpdatedAt:      model.LocalTime(c.UpdatedAt),
		})
	}
	return out, nil
}
