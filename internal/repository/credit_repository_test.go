package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gamehub-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditRepository_TryConsume(t *testing.T) {
	repo := NewCreditRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Reset(ctx, &model.CreditBalance{UserID: 1, Tier: model.TierFree, Remaining: 2, PeriodResetAt: time.Now().Add(time.Hour)}))

	ok, err := repo.TryConsume(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryConsume(ctx, 1, 5)
	require.NoError(t, err)
	assert.False(t, ok, "cannot consume more than remaining")

	require.NoError(t, repo.Refund(ctx, 1, 1))
	b, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Remaining)
}

func TestCreditRepository_NoOverdraftUnderContention(t *testing.T) {
	repo := NewCreditRepository(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Reset(ctx, &model.CreditBalance{UserID: 1, Tier: model.TierFree, Remaining: 3, PeriodResetAt: time.Now().Add(time.Hour)}))

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := repo.TryConsume(ctx, 1, 1); err == nil && ok {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), granted)
	b, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Remaining)
}

func TestCreditRepository_AdjustFloorsAtZero(t *testing.T) {
	repo := NewCreditRepository(newTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Reset(ctx, &model.CreditBalance{UserID: 1, Tier: model.TierFree, Remaining: 2, PeriodResetAt: time.Now().Add(time.Hour)}))

	require.NoError(t, repo.Adjust(ctx, 1, -5))
	b, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Remaining)

	require.NoError(t, repo.Adjust(ctx, 1, 3))
	b, err = repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Remaining)

	// 没有额度记录的用户不受影响
	require.NoError(t, repo.Adjust(ctx, 2, -1))
}
