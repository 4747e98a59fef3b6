package service

import (
	"context"
	"errors"
	"fmt"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"gamehub-go/pkg/log"
	"sync"
	"time"

	"gorm.io/gorm"
)

// 拒绝原因
const (
	ReasonQuotaExhausted = "quota_exhausted"
)

// ErrInvalidTier 订阅等级不合法。
var ErrInvalidTier = errors.New("invalid tier")

// Decision 是额度检查的结果。
type Decision struct {
	Allowed         bool       `json:"allowed"`
	Reason          string     `json:"reason,omitempty"`
	UpgradeRequired bool       `json:"upgradeRequired"`
	Tier            model.Tier `json:"tier"`
	Remaining       int        `json:"remaining"`
	ResetAt         time.Time  `json:"resetAt"`
}

// CreditService 在每次 AI 调用前检查并预扣额度。
type CreditService interface {
	CheckAndReserve(ctx context.Context, userID uint, cost int) (Decision, error)
	Refund(ctx context.Context, userID uint, cost int) error
	Balance(ctx context.Context, userID uint) (*model.CreditBalance, error)
	SetTier(ctx context.Context, userID uint, tier model.Tier) error
}

type creditService struct {
	repo     repository.CreditRepository
	userRepo repository.UserRepository
	quotas   config.CreditsConfig
	deferred OperationSubmitter
	now      func() time.Time

	// 持久层不可用时按最近一次读到的额度扣减，扣减量通过离线队列补记
	mu          sync.Mutex
	snapshots   map[uint]model.CreditBalance
	provisional map[uint]int
}

// NewCreditService 创建额度服务。deferred 为 nil 时持久层故障直接返回错误。
func NewCreditService(repo repository.CreditRepository, userRepo repository.UserRepository, quotas config.CreditsConfig, deferred OperationSubmitter) CreditService {
	return &creditService{
		repo:        repo,
		userRepo:    userRepo,
		quotas:      quotas,
		deferred:    deferred,
		now:         func() time.Time { return time.Now().UTC() },
		snapshots:   make(map[uint]model.CreditBalance),
		provisional: make(map[uint]int),
	}
}

func (s *creditService) quota(tier model.Tier) int {
	switch tier {
	case model.TierPro:
		return s.quotas.Pro
	case model.TierVanguard:
		return s.quotas.Vanguard
	default:
		return s.quotas.Free
	}
}

// nextPeriod 返回下一个自然月的第一天。
func nextPeriod(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

// Balance 返回当前额度，首次访问或周期结束时按等级重置。
func (s *creditService) Balance(ctx context.Context, userID uint) (*model.CreditBalance, error) {
	now := s.now()
	b, err := s.repo.Get(ctx, userID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load credits: %w", err)
	}

	if b == nil {
		tier := model.TierFree
		if u, err := s.userRepo.FindByID(userID); err == nil && u.Tier.Valid() {
			tier = u.Tier
		}
		b = &model.CreditBalance{UserID: userID, Tier: tier}
	} else if now.Before(b.PeriodResetAt) {
		s.remember(*b)
		return b, nil
	}

	b.Remaining = s.quota(b.Tier)
	b.PeriodResetAt = nextPeriod(now)
	if err := s.repo.Reset(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to reset credits: %w", err)
	}
	s.remember(*b)
	log.Infof("[CreditService] 额度已重置: user=%d, tier=%s, remaining=%d", userID, b.Tier, b.Remaining)
	return b, nil
}

// remember 记录从持久层读到的额度，持久层恢复后临时扣减清零。
func (s *creditService) remember(b model.CreditBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[b.UserID] = b
	delete(s.provisional, b.UserID)
}

func (s *creditService) CheckAndReserve(ctx context.Context, userID uint, cost int) (Decision, error) {
	b, err := s.Balance(ctx, userID)
	if err != nil {
		return s.reserveOffline(ctx, userID, cost, err)
	}
	d := Decision{Tier: b.Tier, Remaining: b.Remaining, ResetAt: b.PeriodResetAt}
	if cost <= 0 {
		d.Allowed = true
		return d, nil
	}

	ok, err := s.repo.TryConsume(ctx, userID, cost)
	if err != nil {
		return s.reserveOffline(ctx, userID, cost, err)
	}
	if !ok {
		d.Reason = ReasonQuotaExhausted
		d.UpgradeRequired = b.Tier != model.TierVanguard
		log.Infof("[CreditService] 额度不足: user=%d, tier=%s", userID, b.Tier)
		return d, nil
	}
	d.Allowed = true
	d.Remaining = b.Remaining - cost
	s.mu.Lock()
	if snap, ok := s.snapshots[userID]; ok {
		snap.Remaining = d.Remaining
		s.snapshots[userID] = snap
	}
	s.mu.Unlock()
	return d, nil
}

// reserveOffline 在持久层不可用时按内存中的额度快照预扣，并把扣减作为离线操作入队。
// 没有快照的用户按当前周期的完整免费额度计算。
func (s *creditService) reserveOffline(ctx context.Context, userID uint, cost int, cause error) (Decision, error) {
	if s.deferred == nil {
		return Decision{}, fmt.Errorf("failed to reserve credits: %w", cause)
	}
	now := s.now()

	s.mu.Lock()
	snap, ok := s.snapshots[userID]
	if !ok || !now.Before(snap.PeriodResetAt) {
		tier := model.TierFree
		if ok {
			tier = snap.Tier
		}
		snap = model.CreditBalance{UserID: userID, Tier: tier, Remaining: s.quota(tier), PeriodResetAt: nextPeriod(now)}
	}
	remaining := snap.Remaining - s.provisional[userID]
	d := Decision{Tier: snap.Tier, Remaining: remaining, ResetAt: snap.PeriodResetAt}
	if cost <= 0 {
		s.mu.Unlock()
		d.Allowed = true
		return d, nil
	}
	if remaining < cost {
		s.mu.Unlock()
		d.Reason = ReasonQuotaExhausted
		d.UpgradeRequired = snap.Tier != model.TierVanguard
		return d, nil
	}
	s.provisional[userID] += cost
	s.mu.Unlock()

	payload := model.CreditAdjustmentPayload{UserID: userID, Delta: -cost}
	if err := s.deferred.Submit(ctx, model.OpAdjustCredits, payload); err != nil {
		s.releaseProvisional(userID, cost)
		return Decision{}, fmt.Errorf("failed to defer credit charge: %w", err)
	}
	log.Warnw("[CreditService] 持久层不可用，额度扣减已转入离线队列", "user", userID, "cost", cost, "error", cause)
	d.Allowed = true
	d.Remaining = remaining - cost
	return d, nil
}

func (s *creditService) releaseProvisional(userID uint, cost int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provisional[userID] <= cost {
		delete(s.provisional, userID)
		return
	}
	s.provisional[userID] -= cost
}

func (s *creditService) Refund(ctx context.Context, userID uint, cost int) error {
	if cost <= 0 {
		return nil
	}
	err := s.repo.Refund(ctx, userID, cost)
	if err == nil {
		return nil
	}
	if s.deferred == nil {
		return fmt.Errorf("failed to refund credits: %w", err)
	}
	s.releaseProvisional(userID, cost)
	if qerr := s.deferred.Submit(ctx, model.OpAdjustCredits, model.CreditAdjustmentPayload{UserID: userID, Delta: cost}); qerr != nil {
		return fmt.Errorf("failed to refund credits: %w", qerr)
	}
	return nil
}

// SetTier 修改订阅等级，已用掉的额度在新等级下继续计算。
func (s *creditService) SetTier(ctx context.Context, userID uint, tier model.Tier) error {
	if !tier.Valid() {
		return ErrInvalidTier
	}
	b, err := s.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.userRepo.UpdateTier(userID, tier); err != nil {
		return err
	}

	used := s.quota(b.Tier) - b.Remaining
	if used < 0 {
		used = 0
	}
	b.Tier = tier
	b.Remaining = s.quota(tier) - used
	if b.Remaining < 0 {
		b.Remaining = 0
	}
	if err := s.repo.Reset(ctx, b); err != nil {
		return fmt.Errorf("failed to update credits: %w", err)
	}
	log.Infof("[CreditService] 等级已更新: user=%d, tier=%s, remaining=%d", userID, tier, b.Remaining)
	return nil
}
