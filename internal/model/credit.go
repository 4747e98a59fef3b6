package model

import "time"

// Tier 是用户的订阅等级，只决定额度大小。
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierVanguard Tier = "vanguard"
)

// Valid 判断等级是否合法。
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierVanguard:
		return true
	}
	return false
}

// CreditBalance 对应于数据库中的 credit_balances 表。
type CreditBalance struct {
	UserID        uint      `gorm:"primaryKey" json:"userId"`
	Tier          Tier      `gorm:"type:varchar(20);not null" json:"tier"`
	Remaining     int       `gorm:"not null" json:"remaining"`
	PeriodResetAt time.Time `gorm:"not null" json:"periodResetAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (CreditBalance) TableName() string {
	return "credit_balances"
}
