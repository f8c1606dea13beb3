package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLimitsForTier(t *testing.T) {
	tests := []struct {
		tier   Tier
		limit  int
		burst  int
		window time.Duration
	}{
		{TierFree, 100, 20, 15 * time.Minute},
		{TierBasic, 500, 100, 15 * time.Minute},
		{TierPremium, 2000, 400, 15 * time.Minute},
		{TierEnterprise, 10000, 2000, 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			limits := LimitsForTier(tt.tier)
			assert.Equal(t, tt.limit, limits.RequestsPerWindow)
			assert.Equal(t, tt.burst, limits.Burst)
			assert.Equal(t, tt.window, limits.Window)
			assert.False(t, limits.Unlimited)
		})
	}
}

func TestLimitsForTierUnlimited(t *testing.T) {
	assert.True(t, LimitsForTier(TierUnlimited).Unlimited)
}

func TestLimitsForTierUnknownFallsBackToFree(t *testing.T) {
	limits := LimitsForTier("GOLD")
	assert.Equal(t, LimitsForTier(TierFree), limits)
}

func TestAPIKeyLimitsOverrides(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	key := &APIKey{
		KeyID:     uuid.New(),
		Tier:      TierBasic,
		RateLimit: 750,
		Burst:     5,
		ExpiresAt: &expiry,
	}

	limits := key.Limits()
	assert.Equal(t, 750, limits.RequestsPerWindow, "per-key override wins")
	assert.Equal(t, 5, limits.Burst)
	assert.Equal(t, 15*time.Minute, limits.Window, "tier default fills the rest")
	assert.Equal(t, &expiry, limits.ExpiresAt)
}

func TestAPIKeyLimitsNoOverrides(t *testing.T) {
	key := &APIKey{KeyID: uuid.New(), Tier: TierPremium}
	assert.Equal(t, LimitsForTier(TierPremium), key.Limits())
}

func TestPrincipalKey(t *testing.T) {
	id := uuid.New()
	key := &APIKey{KeyID: id}
	assert.Equal(t, "key:"+id.String(), key.PrincipalKey())
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityLow))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityHigh))
}

func TestBlockDuration(t *testing.T) {
	assert.Equal(t, 15*time.Minute, BlockDuration(SeverityLow))
	assert.Equal(t, time.Hour, BlockDuration(SeverityMedium))
	assert.Equal(t, 24*time.Hour, BlockDuration(SeverityHigh))
	assert.Equal(t, 30*24*time.Hour, BlockDuration(SeverityCritical))
}

func TestRuleFor(t *testing.T) {
	rule, ok := RuleFor(AbuseDDOSVelocity)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, rule.Window)
	assert.Equal(t, int64(100), rule.Threshold)
	assert.Equal(t, SeverityCritical, rule.Severity)

	_, ok = RuleFor("UNKNOWN")
	assert.False(t, ok)
}

func TestRetryAfterSeconds(t *testing.T) {
	info := &RateLimitInfo{RetryAfter: 90 * time.Second}
	assert.Equal(t, 90, info.RetryAfterSeconds())

	// Sub-second waits still tell the client to wait at least 1s.
	info = &RateLimitInfo{RetryAfter: 300 * time.Millisecond}
	assert.Equal(t, 1, info.RetryAfterSeconds())

	info = &RateLimitInfo{}
	assert.Equal(t, 0, info.RetryAfterSeconds())
}
