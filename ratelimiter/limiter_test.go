package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/store"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(store.NewWithClient(rdb, zap.NewNop()), zap.NewNop()), mr
}

func TestCheckFreeTierAdmitsThroughBurst(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := models.LimitsForTier(models.TierFree)

	// 100 base + 20 burst requests are admitted.
	for i := 1; i <= 120; i++ {
		info, err := limiter.Check(ctx, "key:free-tier", limits)
		require.NoError(t, err)
		assert.True(t, info.Allowed, "request %d should be admitted", i)
	}

	info, err := limiter.Check(ctx, "key:free-tier", limits)
	require.NoError(t, err)
	assert.False(t, info.Allowed, "request 121 exceeds limit plus burst")
	assert.Equal(t, 0, info.Remaining)
	assert.Greater(t, info.RetryAfter, time.Duration(0))
	assert.False(t, info.ResetAt.IsZero())
}

func TestCheckRemainingExcludesBurst(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := models.RateLimits{RequestsPerWindow: 10, Window: 15 * time.Minute, Burst: 5}

	info, err := limiter.Check(ctx, "key:r", limits)
	require.NoError(t, err)
	assert.Equal(t, 9, info.Remaining)
	assert.Equal(t, 10, info.Limit)

	for i := 0; i < 9; i++ {
		info, err = limiter.Check(ctx, "key:r", limits)
		require.NoError(t, err)
	}
	// Base quota exhausted; burst admits but remaining stays floored.
	assert.Equal(t, 0, info.Remaining)
	assert.True(t, info.Allowed)
}

func TestCheckUnlimitedBypassesStore(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close() // unreachable store must not matter

	info, err := limiter.Check(context.Background(), "key:u", models.LimitsForTier(models.TierUnlimited))
	require.NoError(t, err)
	assert.True(t, info.Allowed)
	assert.Equal(t, -1, info.Limit)
	assert.Equal(t, -1, info.Remaining)
}

func TestCheckExpiredKeyDenied(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	past := time.Now().Add(-time.Minute)
	limits := models.RateLimits{RequestsPerWindow: 100, Window: 15 * time.Minute, ExpiresAt: &past}

	info, err := limiter.Check(context.Background(), "key:expired", limits)
	assert.ErrorIs(t, err, models.ErrKeyExpired)
	assert.False(t, info.Allowed)
	assert.Equal(t, 0, len(mr.Keys()), "expired key never touches the counter")
}

func TestCheckFailsClosedOnStoreError(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close()

	info, err := limiter.Check(context.Background(), "key:down", models.LimitsForTier(models.TierFree))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.False(t, info.Allowed)
}

func TestCheckWindowRollover(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := models.RateLimits{RequestsPerWindow: 2, Window: 200 * time.Millisecond}

	// Start just after a bucket boundary so the whole sequence lands
	// in one window.
	waitForBucketBoundary(limits.Window)

	for i := 0; i < 2; i++ {
		info, err := limiter.Check(ctx, "key:roll", limits)
		require.NoError(t, err)
		assert.True(t, info.Allowed)
	}
	info, err := limiter.Check(ctx, "key:roll", limits)
	require.NoError(t, err)
	assert.False(t, info.Allowed)

	time.Sleep(limits.Window + 20*time.Millisecond)

	info, err = limiter.Check(ctx, "key:roll", limits)
	require.NoError(t, err)
	assert.True(t, info.Allowed, "fresh window starts a new bucket")
	assert.Equal(t, 1, info.Remaining)
}

func TestCheckPrincipalsAreIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := models.RateLimits{RequestsPerWindow: 1, Window: 15 * time.Minute}

	info, err := limiter.Check(ctx, "key:a", limits)
	require.NoError(t, err)
	assert.True(t, info.Allowed)

	info, err = limiter.Check(ctx, "key:a", limits)
	require.NoError(t, err)
	assert.False(t, info.Allowed)

	info, err = limiter.Check(ctx, "key:b", limits)
	require.NoError(t, err)
	assert.True(t, info.Allowed, "one principal's exhaustion never affects another")
}

func waitForBucketBoundary(window time.Duration) {
	nowMs := time.Now().UnixMilli()
	windowMs := window.Milliseconds()
	next := (nowMs/windowMs + 1) * windowMs
	time.Sleep(time.Duration(next-nowMs)*time.Millisecond + 5*time.Millisecond)
}
