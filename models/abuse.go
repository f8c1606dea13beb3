package models

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above the given severity floor.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

func ValidSeverity(s Severity) bool {
	_, ok := severityRank[s]
	return ok
}

// blockDurations maps severity to how long an offending IP stays
// blocked. Block durations are deliberately longer than the detection
// windows below so an attacker gains nothing by retrying right after
// a window rolls over.
var blockDurations = map[Severity]time.Duration{
	SeverityLow:      15 * time.Minute,
	SeverityMedium:   time.Hour,
	SeverityHigh:     24 * time.Hour,
	SeverityCritical: 30 * 24 * time.Hour,
}

// BlockDuration returns how long a block at the given severity lasts.
func BlockDuration(s Severity) time.Duration {
	if d, ok := blockDurations[s]; ok {
		return d
	}
	return blockDurations[SeverityMedium]
}

type AbuseType string

const (
	AbuseRateLimitBreach  AbuseType = "RATE_LIMIT_BREACH"
	AbuseFailedAuth       AbuseType = "FAILED_AUTH"
	AbuseMaliciousPayload AbuseType = "MALICIOUS_PAYLOAD"
	AbuseDDOSVelocity     AbuseType = "DDOS_VELOCITY"
)

// AbuseRule is the per-type detection policy: how long observations
// accumulate, how many it takes to trigger a block, and how severe
// the resulting block is.
type AbuseRule struct {
	Window    time.Duration
	Threshold int64
	Severity  Severity
}

var abuseRules = map[AbuseType]AbuseRule{
	AbuseRateLimitBreach:  {Window: time.Hour, Threshold: 10, Severity: SeverityMedium},
	AbuseFailedAuth:       {Window: 15 * time.Minute, Threshold: 20, Severity: SeverityMedium},
	AbuseMaliciousPayload: {Window: time.Hour, Threshold: 3, Severity: SeverityHigh},
	AbuseDDOSVelocity:     {Window: 10 * time.Second, Threshold: 100, Severity: SeverityCritical},
}

// RuleFor returns the detection rule for an abuse type.
func RuleFor(t AbuseType) (AbuseRule, bool) {
	rule, ok := abuseRules[t]
	return rule, ok
}

// BlockRecord describes a time-boxed IP block. ExpiresAt - BlockedAt
// is always BlockDuration(Severity).
type BlockRecord struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Severity  Severity  `json:"severity"`
	AutoBlock bool      `json:"auto_block"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type BreachType string

const (
	BreachRateLimit BreachType = "RATE_LIMIT"
	BreachIPBlock   BreachType = "IP_BLOCK"
	BreachDDOS      BreachType = "DDOS"
)

// BreachEvent is an append-only audit record of a denial or block,
// consumed by the notifier and kept in a bounded history.
type BreachEvent struct {
	ID         uuid.UUID         `json:"id"`
	IP         string            `json:"ip"`
	Endpoint   string            `json:"endpoint"`
	BreachType BreachType        `json:"breach_type"`
	Severity   Severity          `json:"severity"`
	Timestamp  time.Time         `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
	Resolved   bool              `json:"resolved"`
}

func NewBreachEvent(ip, endpoint string, breachType BreachType, severity Severity, details map[string]string) *BreachEvent {
	return &BreachEvent{
		ID:         uuid.New(),
		IP:         ip,
		Endpoint:   endpoint,
		BreachType: breachType,
		Severity:   severity,
		Timestamp:  time.Now().UTC(),
		Details:    details,
	}
}
