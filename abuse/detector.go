// Package abuse watches per-IP misuse signals and promotes repeat
// offenders to time-boxed blocks. Counters, block records and the
// whitelist all live in the shared store, so a block placed by one
// gateway replica is seen by every other on the next request.
package abuse

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/apishield/admission-control/metrics"
	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/store"
)

const (
	blockKeyPrefix  = "block:"
	abuseKeyPrefix  = "abuse:"
	whitelistKey    = "ip:whitelist"
	blockedIndexKey = "ip:blocked"
)

// BreachSink receives breach events for alerting and audit. The sink
// must never fail the caller; delivery is best-effort.
type BreachSink interface {
	NotifyBreach(ctx context.Context, event *models.BreachEvent)
}

type Detector struct {
	store *store.Store
	sink  BreachSink
	log   *zap.Logger
}

func NewDetector(st *store.Store, sink BreachSink, log *zap.Logger) *Detector {
	return &Detector{store: st, sink: sink, log: log}
}

// RecordAbuse bumps the per-type counter for ip and auto-blocks once
// the type's threshold is crossed inside its detection window.
// Whitelisted IPs accumulate nothing. The returned count is the
// post-increment value.
func (d *Detector) RecordAbuse(ctx context.Context, ip string, abuseType models.AbuseType, metadata map[string]string) (int64, error) {
	rule, ok := models.RuleFor(abuseType)
	if !ok {
		return 0, nil
	}

	whitelisted, err := d.IsIPWhitelisted(ctx, ip)
	if err != nil {
		return 0, err
	}
	if whitelisted {
		return 0, nil
	}

	count, err := d.store.Increment(ctx, abuseKey(abuseType, ip), rule.Window)
	if err != nil {
		return 0, err
	}

	if count == rule.Threshold {
		if _, err := d.autoBlock(ctx, ip, abuseType, rule, count, metadata); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (d *Detector) autoBlock(ctx context.Context, ip string, abuseType models.AbuseType, rule models.AbuseRule, count int64, metadata map[string]string) (*models.BlockRecord, error) {
	record, err := d.BlockIP(ctx, ip, "auto: "+string(abuseType)+" threshold exceeded", rule.Severity, true)
	if err != nil {
		return nil, err
	}

	d.log.Warn("ip auto-blocked",
		zap.String("ip", ip),
		zap.String("abuse_type", string(abuseType)),
		zap.Int64("count", count),
		zap.Int64("threshold", rule.Threshold),
		zap.String("severity", string(rule.Severity)))

	if d.sink != nil {
		details := map[string]string{
			"abuse_type": string(abuseType),
			"count":      strconv.FormatInt(count, 10),
			"auto_block": "true",
		}
		for k, v := range metadata {
			details[k] = v
		}
		event := models.NewBreachEvent(ip, metadata["endpoint"], breachTypeFor(abuseType), rule.Severity, details)
		d.sink.NotifyBreach(ctx, event)
	}
	return record, nil
}

// AnalyzeDDOSPattern feeds the short velocity counter for ip and
// reports true once the request flood threshold is crossed, letting
// the middleware reject before the tiered limiter even runs.
func (d *Detector) AnalyzeDDOSPattern(ctx context.Context, ip, endpoint, method string) (bool, error) {
	rule, _ := models.RuleFor(models.AbuseDDOSVelocity)

	whitelisted, err := d.IsIPWhitelisted(ctx, ip)
	if err != nil {
		return false, err
	}
	if whitelisted {
		return false, nil
	}

	count, err := d.store.Increment(ctx, abuseKey(models.AbuseDDOSVelocity, ip), rule.Window)
	if err != nil {
		return false, err
	}
	if count < rule.Threshold {
		return false, nil
	}

	if count == rule.Threshold {
		meta := map[string]string{"endpoint": endpoint, "method": method}
		if _, err := d.autoBlock(ctx, ip, models.AbuseDDOSVelocity, rule, count, meta); err != nil {
			return true, err
		}
	}
	return true, nil
}

// BlockIP places a block record with TTL derived from severity. The
// record self-expires in the store; there is no garbage collector.
// Blocks only ever escalate: when a record already exists, severity
// and expiry keep the max of old and new, so an offender under a
// CRITICAL block cannot trade it for a shorter one by tripping a
// lighter rule.
func (d *Detector) BlockIP(ctx context.Context, ip, reason string, severity models.Severity, autoBlock bool) (*models.BlockRecord, error) {
	now := time.Now().UTC()
	record := &models.BlockRecord{
		IP:        ip,
		Reason:    reason,
		Severity:  severity,
		AutoBlock: autoBlock,
		BlockedAt: now,
		ExpiresAt: now.Add(models.BlockDuration(severity)),
	}

	existing := &models.BlockRecord{}
	found, err := d.store.GetJSON(ctx, blockKeyPrefix+ip, existing)
	if err != nil {
		return nil, err
	}
	if found {
		if existing.Severity.AtLeast(record.Severity) {
			record.Severity = existing.Severity
			record.Reason = existing.Reason
			record.AutoBlock = existing.AutoBlock
		}
		record.BlockedAt = existing.BlockedAt
		if existing.ExpiresAt.After(record.ExpiresAt) {
			record.ExpiresAt = existing.ExpiresAt
		}
	}

	if err := d.store.SetJSON(ctx, blockKeyPrefix+ip, record, time.Until(record.ExpiresAt)); err != nil {
		return nil, err
	}
	// Index for listing; the record key with its TTL stays the source
	// of truth, stale index members are pruned on read.
	if err := d.store.AddToSet(ctx, blockedIndexKey, ip, 0); err != nil {
		d.log.Warn("failed to index block record", zap.String("ip", ip), zap.Error(err))
	}
	metrics.IPBlocks.WithLabelValues(string(severity)).Inc()
	d.log.Info("ip blocked",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.String("severity", string(severity)),
		zap.Bool("auto", autoBlock),
		zap.Time("expires_at", record.ExpiresAt))
	return record, nil
}

// IsIPBlocked returns the active block record for ip, or nil. A
// whitelisted IP is never reported blocked, even when a stale block
// record exists.
func (d *Detector) IsIPBlocked(ctx context.Context, ip string) (*models.BlockRecord, error) {
	whitelisted, err := d.IsIPWhitelisted(ctx, ip)
	if err != nil {
		return nil, err
	}
	if whitelisted {
		return nil, nil
	}

	record := &models.BlockRecord{}
	found, err := d.store.GetJSON(ctx, blockKeyPrefix+ip, record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return record, nil
}

// UnblockIP removes a block before its TTL runs out.
func (d *Detector) UnblockIP(ctx context.Context, ip string) error {
	if err := d.store.Delete(ctx, blockKeyPrefix+ip); err != nil {
		return err
	}
	if err := d.store.RemoveFromSet(ctx, blockedIndexKey, ip); err != nil {
		d.log.Warn("failed to deindex block record", zap.String("ip", ip), zap.Error(err))
	}
	d.log.Info("ip unblocked", zap.String("ip", ip))
	return nil
}

// ListBlocked returns every block record still alive, pruning index
// entries whose records have already expired.
func (d *Detector) ListBlocked(ctx context.Context) ([]*models.BlockRecord, error) {
	ips, err := d.store.Members(ctx, blockedIndexKey)
	if err != nil {
		return nil, err
	}
	records := make([]*models.BlockRecord, 0, len(ips))
	for _, ip := range ips {
		record := &models.BlockRecord{}
		found, err := d.store.GetJSON(ctx, blockKeyPrefix+ip, record)
		if err != nil {
			return nil, err
		}
		if !found {
			if err := d.store.RemoveFromSet(ctx, blockedIndexKey, ip); err != nil {
				d.log.Warn("failed to prune expired block", zap.String("ip", ip), zap.Error(err))
			}
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (d *Detector) WhitelistIP(ctx context.Context, ip string) error {
	return d.store.AddToSet(ctx, whitelistKey, ip, 0)
}

func (d *Detector) RemoveFromWhitelist(ctx context.Context, ip string) error {
	return d.store.RemoveFromSet(ctx, whitelistKey, ip)
}

func (d *Detector) IsIPWhitelisted(ctx context.Context, ip string) (bool, error) {
	return d.store.IsMember(ctx, whitelistKey, ip)
}

func (d *Detector) Whitelist(ctx context.Context) ([]string, error) {
	return d.store.Members(ctx, whitelistKey)
}

func abuseKey(t models.AbuseType, ip string) string {
	return abuseKeyPrefix + string(t) + ":" + ip
}

func breachTypeFor(t models.AbuseType) models.BreachType {
	switch t {
	case models.AbuseDDOSVelocity:
		return models.BreachDDOS
	case models.AbuseRateLimitBreach:
		return models.BreachRateLimit
	default:
		return models.BreachIPBlock
	}
}
