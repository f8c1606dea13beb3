package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/apishield/admission-control/abuse"
	"github.com/apishield/admission-control/metrics"
	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/ratelimiter"
)

// BreachSink is what admission feeds denial events into; satisfied by
// the notifier.
type BreachSink interface {
	NotifyBreach(ctx context.Context, event *models.BreachEvent)
}

// AdmissionMiddleware runs the per-request gauntlet in two stages:
// Gate (whitelist check, block check, DDOS velocity check) sits
// outermost so a blocked IP is turned away before credentials are
// even looked at, and RateLimit runs after principal resolution. The
// whole chain shares one policy split: anything that decides whether
// the request proceeds fails closed on store trouble, anything that
// merely reports (abuse signals, breach events) fails open.
type AdmissionMiddleware struct {
	limiter   *ratelimiter.Limiter
	detector  *abuse.Detector
	sink      BreachSink
	anonymous models.RateLimits
	log       *zap.Logger
}

func NewAdmissionMiddleware(limiter *ratelimiter.Limiter, detector *abuse.Detector, sink BreachSink, anonymous models.RateLimits, log *zap.Logger) *AdmissionMiddleware {
	return &AdmissionMiddleware{
		limiter:   limiter,
		detector:  detector,
		sink:      sink,
		anonymous: anonymous,
		log:       log,
	}
}

// Gate rejects blocked and flooding IPs before anything downstream
// (credential lookups included) spends work on them. Whitelisted IPs
// skip the block and velocity checks but still pass through RateLimit
// under their own quota.
func (m *AdmissionMiddleware) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := ClientIP(r)

		whitelisted, err := m.detector.IsIPWhitelisted(ctx, ip)
		if err != nil {
			m.denyUnavailable(w, ip, err)
			return
		}

		if !whitelisted {
			record, err := m.detector.IsIPBlocked(ctx, ip)
			if err != nil {
				m.denyUnavailable(w, ip, err)
				return
			}
			if record != nil {
				// Never leak reason or remaining duration.
				metrics.AdmissionDecisions.WithLabelValues("ip_blocked").Inc()
				m.log.Info("request denied: ip blocked",
					zap.String("ip", ip),
					zap.String("severity", string(record.Severity)),
					zap.String("reason", record.Reason))
				writeJSONError(w, http.StatusForbidden, "forbidden")
				return
			}

			flooding, err := m.detector.AnalyzeDDOSPattern(ctx, ip, r.URL.Path, r.Method)
			if err != nil {
				m.denyUnavailable(w, ip, err)
				return
			}
			if flooding {
				metrics.AdmissionDecisions.WithLabelValues("ddos_rejected").Inc()
				writeJSONError(w, http.StatusForbidden, "forbidden")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimit charges the request against the resolved principal's
// quota, or the anonymous per-IP quota when no credential was
// presented.
func (m *AdmissionMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := ClientIP(r)

		principal := GetPrincipal(ctx)
		principalKey, limits := m.principalFor(principal, ip)

		info, err := m.limiter.Check(ctx, principalKey, limits)
		if err != nil {
			metrics.AdmissionDecisions.WithLabelValues("store_error").Inc()
			m.log.Error("rate limit check failed, denying",
				zap.String("principal", principalKey),
				zap.Error(err))
			writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}

		setRateLimitHeaders(w, info)

		if !info.Allowed {
			metrics.AdmissionDecisions.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(info.RetryAfterSeconds()))
			m.reportBreach(ip, r.URL.Path, r.Method, principalKey)
			writeJSONError(w, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded, retry after %d seconds", info.RetryAfterSeconds()))
			return
		}

		metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()
		next.ServeHTTP(w, r)
	})
}

func (m *AdmissionMiddleware) principalFor(p *Principal, ip string) (string, models.RateLimits) {
	if p != nil {
		return p.Key, p.Limits
	}
	return "ip:" + ip, m.anonymous
}

// reportBreach feeds the denial back into abuse accounting and the
// notifier, off the request path.
func (m *AdmissionMiddleware) reportBreach(ip, endpoint, method, principalKey string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		meta := map[string]string{
			"endpoint":  endpoint,
			"method":    method,
			"principal": principalKey,
		}
		metrics.AbuseSignals.WithLabelValues(string(models.AbuseRateLimitBreach)).Inc()
		if _, err := m.detector.RecordAbuse(ctx, ip, models.AbuseRateLimitBreach, meta); err != nil {
			m.log.Warn("failed to record rate limit breach", zap.Error(err))
		}
		if m.sink != nil {
			event := models.NewBreachEvent(ip, endpoint, models.BreachRateLimit, models.SeverityLow, meta)
			m.sink.NotifyBreach(ctx, event)
		}
	}()
}

func (m *AdmissionMiddleware) denyUnavailable(w http.ResponseWriter, ip string, err error) {
	metrics.AdmissionDecisions.WithLabelValues("store_error").Inc()
	m.log.Error("admission check failed, denying", zap.String("ip", ip), zap.Error(err))
	writeJSONError(w, http.StatusServiceUnavailable, "service unavailable")
}

func setRateLimitHeaders(w http.ResponseWriter, info *models.RateLimitInfo) {
	if info.Limit >= 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	}
	if info.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	}
	if !info.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error": %q}`, message)
}
