package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger. Counters mirror the
// aggregate totals so drift between storage and metrics is visible in ops
// dashboards.
type Metrics struct {
	CreditsIssued        prometheus.Counter
	CreditsRetired       prometheus.Counter
	CreditsTraded        prometheus.Counter
	TradeVolume          prometheus.Counter
	VerificationsDone    prometheus.Counter
	ChallengesOpened     prometheus.Counter
	EventPublishFailures prometheus.Counter
	OperationDuration    *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		CreditsIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "carbonledger_credits_issued_total",
			Help: "Total credits issued across all projects",
		}),
		CreditsRetired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "carbonledger_credits_retired_total",
			Help: "Total credits retired across all projects",
		}),
		CreditsTraded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "carbonledger_credits_traded_total",
			Help: "Total credits traded on the marketplace",
		}),
		TradeVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "carbonledger_trade_volume_total",
			Help: "Total marketplace volume in price units",
		}),
		VerificationsDone: promauto.NewCounter(prometheus.CounterOpts{
			Name: "carbonledger_verifications_completed_total",
			Help: "Total verification requests completed",
		}),
		ChallengesOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "carbonledger_challenges_opened_total",
			Help: "Total verification challenges opened",
		}),
		EventPublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "carbonledger_event_publish_failures_total",
			Help: "Notification events dropped after a publish failure",
		}),
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carbonledger_operation_duration_seconds",
			Help:    "Latency of ledger operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"subsystem", "operation"}),
	}
}

// NewNop returns an unregistered metrics set for tests that do not want
// global registry collisions.
func NewNop() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		CreditsIssued:        factory.NewCounter(prometheus.CounterOpts{Name: "credits_issued_total"}),
		CreditsRetired:       factory.NewCounter(prometheus.CounterOpts{Name: "credits_retired_total"}),
		CreditsTraded:        factory.NewCounter(prometheus.CounterOpts{Name: "credits_traded_total"}),
		TradeVolume:          factory.NewCounter(prometheus.CounterOpts{Name: "trade_volume_total"}),
		VerificationsDone:    factory.NewCounter(prometheus.CounterOpts{Name: "verifications_completed_total"}),
		ChallengesOpened:     factory.NewCounter(prometheus.CounterOpts{Name: "challenges_opened_total"}),
		EventPublishFailures: factory.NewCounter(prometheus.CounterOpts{Name: "event_publish_failures_total"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "operation_duration_seconds",
		}, []string{"subsystem", "operation"}),
	}
}
