// Package ratelimiter admits or denies requests against a tiered
// fixed-window quota with burst allowance. One atomic increment per
// request: the limiter increments first and compares the returned
// count, so two concurrent requests on the boundary can never both
// slip past the limit.
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/store"
)

type Limiter struct {
	store *store.Store
	log   *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Limiter {
	return &Limiter{store: st, log: log}
}

// Check runs a request for principal through its quota. The counter
// is keyed by (principal, window bucket) and expires with the window,
// so a fresh bucket starts from zero without any cleanup job.
//
// The increment is never rolled back on denial: over-counting past
// the limit is harmless because the bucket resets at the window
// boundary, and rolling back would cost a second round trip.
//
// A store failure fails closed: the caller gets Allowed=false along
// with the error. Letting unbounded traffic through on a degraded
// dependency is the worse failure mode.
func (l *Limiter) Check(ctx context.Context, principal string, limits models.RateLimits) (*models.RateLimitInfo, error) {
	if limits.Unlimited {
		return &models.RateLimitInfo{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	// Revoked keys are deactivated mid-window and expiry is only
	// checked at validation time, so re-check here before touching
	// the counter.
	now := time.Now()
	if limits.ExpiresAt != nil && !now.Before(*limits.ExpiresAt) {
		return &models.RateLimitInfo{Allowed: false}, models.ErrKeyExpired
	}

	window := limits.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	bucket := now.UnixMilli() / window.Milliseconds()
	key := fmt.Sprintf("rate:%s:%d", principal, bucket)

	count, err := l.store.Increment(ctx, key, window)
	if err != nil {
		l.log.Warn("rate limit check failed closed",
			zap.String("principal", principal),
			zap.Error(err))
		return &models.RateLimitInfo{Allowed: false, Limit: limits.RequestsPerWindow}, err
	}

	resetAt := time.UnixMilli((bucket + 1) * window.Milliseconds())
	info := &models.RateLimitInfo{
		Allowed:   count <= int64(limits.RequestsPerWindow+limits.Burst),
		Limit:     limits.RequestsPerWindow,
		Remaining: remaining(limits.RequestsPerWindow, count),
		ResetAt:   resetAt,
	}
	if !info.Allowed {
		info.RetryAfter = time.Until(resetAt)
		l.log.Info("rate limit exceeded",
			zap.String("principal", principal),
			zap.Int64("count", count),
			zap.Int("limit", limits.RequestsPerWindow),
			zap.Int("burst", limits.Burst),
			zap.Time("reset_at", resetAt))
	}
	return info, nil
}

func remaining(limit int, count int64) int {
	left := int64(limit) - count
	if left < 0 {
		return 0
	}
	return int(left)
}
