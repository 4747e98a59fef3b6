package service

import (
	"context"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCredits() (*creditService, *memCreditRepo, *memUserRepo) {
	repo := newMemCreditRepo()
	users := newMemUserRepo()
	svc := NewCreditService(repo, users, config.CreditsConfig{Free: 2, Pro: 10, Vanguard: 20}, nil).(*creditService)
	return svc, repo, users
}

func TestCheckAndReserveUntilExhausted(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestCredits()

	for i := 0; i < 2; i++ {
		d, err := svc.CheckAndReserve(ctx, 1, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1-i, d.Remaining)
	}

	d, err := svc.CheckAndReserve(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExhausted, d.Reason)
	assert.True(t, d.UpgradeRequired)
	assert.Equal(t, model.TierFree, d.Tier)
}

func TestBalanceUsesUserTierAndResetsMonthly(t *testing.T) {
	ctx := context.Background()
	svc, repo, users := newTestCredits()
	u := &model.User{Username: "pro-player", Tier: model.TierPro}
	require.NoError(t, users.Create(u))

	now := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	b, err := svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, b.Tier)
	assert.Equal(t, 10, b.Remaining)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), b.PeriodResetAt)

	ok, err := repo.TryConsume(ctx, u.ID, 7)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Hour)
	b, err = svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, b.Remaining, "a new period restores the full quota")
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), b.PeriodResetAt)
}

func TestVanguardDenialDoesNotAskForUpgrade(t *testing.T) {
	ctx := context.Background()
	svc, _, users := newTestCredits()
	u := &model.User{Username: "vip", Tier: model.TierVanguard}
	require.NoError(t, users.Create(u))

	d, err := svc.CheckAndReserve(ctx, u.ID, 21)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.UpgradeRequired)
}

func TestRefundRestoresCredit(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestCredits()

	_, err := svc.CheckAndReserve(ctx, 1, 2)
	require.NoError(t, err)
	require.NoError(t, svc.Refund(ctx, 1, 1))
	require.NoError(t, svc.Refund(ctx, 1, 0))

	b, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Remaining)
}

func TestSetTierKeepsUsage(t *testing.T) {
	ctx := context.Background()
	svc, _, users := newTestCredits()
	u := &model.User{Username: "upgrader", Tier: model.TierFree}
	require.NoError(t, users.Create(u))

	_, err := svc.CheckAndReserve(ctx, u.ID, 1)
	require.NoError(t, err)
	require.NoError(t, svc.SetTier(ctx, u.ID, model.TierPro))

	b, err := svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, b.Tier)
	assert.Equal(t, 9, b.Remaining)

	stored, err := users.FindByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, stored.Tier)

	assert.ErrorIs(t, svc.SetTier(ctx, u.ID, "platinum"), ErrInvalidTier)
}

func TestCheckAndReserveDefersChargeWhileOffline(t *testing.T) {
	ctx := context.Background()
	repo := newMemCreditRepo()
	queued := &recordingApplier{}
	sub := directSubmitter{applier: queued}
	svc := NewCreditService(repo, newMemUserRepo(), config.CreditsConfig{Free: 2, Pro: 10, Vanguard: 20}, sub)

	_, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	repo.setOffline(true)

	d, err := svc.CheckAndReserve(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = svc.CheckAndReserve(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = svc.CheckAndReserve(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "the cached quota still applies while offline")
	assert.Equal(t, ReasonQuotaExhausted, d.Reason)

	require.NoError(t, svc.Refund(ctx, 1, 1))
	d, err = svc.CheckAndReserve(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.Equal(t, []string{
		`{"userId":1,"delta":-1}`,
		`{"userId":1,"delta":-1}`,
		`{"userId":1,"delta":1}`,
		`{"userId":1,"delta":-1}`,
	}, queued.snapshot())
}

func TestCheckAndReserveFailsOfflineWithoutQueue(t *testing.T) {
	svc, repo, _ := newTestCredits()
	repo.setOffline(true)

	_, err := svc.CheckAndReserve(context.Background(), 1, 1)
	assert.ErrorIs(t, err, errOffline)
}
