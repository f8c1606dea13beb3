package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is the stored form of an issued credential. SecretHash is a
// one-way derivation of the plaintext key; the plaintext is returned
// exactly once at creation and never persisted or logged.
type APIKey struct {
	KeyID       uuid.UUID  `json:"key_id"`
	OwnerUserID uuid.UUID  `json:"owner_user_id"`
	Name        string     `json:"name"`
	SecretHash  string     `json:"-"`
	Tier        Tier       `json:"tier"`
	RateLimit   int        `json:"rate_limit,omitempty"`
	WindowMs    int64      `json:"window_ms,omitempty"`
	Burst       int        `json:"burst,omitempty"`
	Scopes      []string   `json:"scopes"`
	IsActive    bool       `json:"is_active"`
	IsRevoked   bool       `json:"is_revoked"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// PrincipalKey returns the identifier the rate limiter counts against.
func (k *APIKey) PrincipalKey() string {
	return "key:" + k.KeyID.String()
}

// Limits resolves the effective quota for this key: explicit per-key
// overrides win, the tier default fills the rest.
func (k *APIKey) Limits() RateLimits {
	limits := LimitsForTier(k.Tier)
	if k.RateLimit > 0 {
		limits.RequestsPerWindow = k.RateLimit
	}
	if k.WindowMs > 0 {
		limits.Window = time.Duration(k.WindowMs) * time.Millisecond
	}
	if k.Burst > 0 {
		limits.Burst = k.Burst
	}
	limits.ExpiresAt = k.ExpiresAt
	return limits
}

type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPremium    Tier = "PREMIUM"
	TierEnterprise Tier = "ENTERPRISE"
	TierUnlimited  Tier = "UNLIMITED"
)

// RateLimits is the quota a principal is admitted under.
type RateLimits struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
	Unlimited         bool
	ExpiresAt         *time.Time
}

var tierLimits = map[Tier]RateLimits{
	TierFree:       {RequestsPerWindow: 100, Window: 15 * time.Minute, Burst: 20},
	TierBasic:      {RequestsPerWindow: 500, Window: 15 * time.Minute, Burst: 100},
	TierPremium:    {RequestsPerWindow: 2000, Window: 15 * time.Minute, Burst: 400},
	TierEnterprise: {RequestsPerWindow: 10000, Window: 15 * time.Minute, Burst: 2000},
	TierUnlimited:  {Unlimited: true},
}

// LimitsForTier returns the static quota bundle for a tier. Unknown
// tiers fall back to FREE.
func LimitsForTier(tier Tier) RateLimits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits[TierFree]
}

// ValidTier reports whether the tier name is one of the known tiers.
func ValidTier(tier Tier) bool {
	_, ok := tierLimits[tier]
	return ok
}

// RateLimitInfo is the outbound decision contract surfaced to HTTP
// callers as rate-limit response headers.
type RateLimitInfo struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (i *RateLimitInfo) RetryAfterSeconds() int {
	secs := int(i.RetryAfter.Seconds())
	if secs < 1 && i.RetryAfter > 0 {
		secs = 1
	}
	return secs
}

func (i *RateLimitInfo) String() string {
	return fmt.Sprintf("allowed=%t remaining=%d reset=%s", i.Allowed, i.Remaining, i.ResetAt.Format(time.RFC3339))
}
