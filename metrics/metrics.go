package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by outcome (allowed, rate_limited, ip_blocked, ddos_rejected, store_error)",
		},
		[]string{"outcome"},
	)

	AbuseSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuse_signals_total",
			Help: "Abuse signals recorded by type",
		},
		[]string{"type"},
	)

	IPBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ip_blocks_total",
			Help: "IP blocks placed by severity",
		},
		[]string{"severity"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency through the gateway",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)
