package repository

import (
	"context"
	"gamehub-go/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreditRepository 负责额度的持久化。扣减使用条件更新，保证并发下不会透支。
type CreditRepository interface {
	Get(ctx context.Context, userID uint) (*model.CreditBalance, error)
	Reset(ctx context.Context, balance *model.CreditBalance) error
	TryConsume(ctx context.Context, userID uint, cost int) (bool, error)
	Refund(ctx context.Context, userID uint, cost int) error
	Adjust(ctx context.Context, userID uint, delta int) error
}

type gormCreditRepository struct {
	db *gorm.DB
}

// NewCreditRepository 创建一个新的 CreditRepository 实例。
func NewCreditRepository(db *gorm.DB) CreditRepository {
	return &gormCreditRepository{db: db}
}

// Get 返回用户额度，不存在时返回 gorm.ErrRecordNotFound。
func (r *gormCreditRepository) Get(ctx context.Context, userID uint) (*model.CreditBalance, error) {
	var b model.CreditBalance
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// Reset 写入新的额度周期（创建或覆盖）。
func (r *gormCreditRepository) Reset(ctx context.Context, balance *model.CreditBalance) error {
	balance.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(balance).Error
}

// TryConsume 在剩余额度充足时扣减，返回是否扣减成功。
func (r *gormCreditRepository) TryConsume(ctx context.Context, userID uint, cost int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.CreditBalance{}).
		Where("user_id = ? AND remaining >= ?", userID, cost).
		Update("remaining", gorm.Expr("remaining - ?", cost))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Refund 退还额度。
func (r *gormCreditRepository) Refund(ctx context.Context, userID uint, cost int) error {
	return r.db.WithContext(ctx).Model(&model.CreditBalance{}).
		Where("user_id = ?", userID).
		Update("remaining", gorm.Expr("remaining + ?", cost)).Error
}

// Adjust 按 delta 修改剩余额度，结果不会小于 0。用户还没有额度记录时不做任何修改。
func (r *gormCreditRepository) Adjust(ctx context.Context, userID uint, delta int) error {
	return r.db.WithContext(ctx).Model(&model.CreditBalance{}).
		Where("user_id = ?", userID).
		Update("remaining", gorm.Expr("CASE WHEN remaining + ? < 0 THEN 0 ELSE remaining + ? END", delta, delta)).Error
}
