// Package metrics holds the broker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// DefaultCallBuckets cover one fast cache-warm answer up to a full retry cycle.
var DefaultCallBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16}

type Metrics struct {
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	Queries         *prometheus.CounterVec
	Auctions        *prometheus.CounterVec
	SavingsUSD      prometheus.Counter
	PlatformRevenue prometheus.Counter
	RateLimited     prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
}

// New registers every collector on reg. Use a fresh registry per test to
// keep registrations from colliding.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agona_provider_calls_total",
			Help: "Provider calls by provider and outcome",
		}, []string{"provider", "outcome"}),

		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agona_provider_call_duration_seconds",
			Help:    "Provider call wall time including retries",
			Buckets: DefaultCallBuckets,
		}, []string{"provider"}),

		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agona_queries_total",
			Help: "Broker queries by mode",
		}, []string{"mode"}),

		Auctions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agona_auctions_total",
			Help: "Bulk auctions by status and winning provider",
		}, []string{"status", "provider"}),

		SavingsUSD: f.NewCounter(prometheus.CounterOpts{
			Name: "agona_savings_usd_total",
			Help: "Savings reported to callers in USD",
		}),

		PlatformRevenue: f.NewCounter(prometheus.CounterOpts{
			Name: "agona_platform_revenue_usd_total",
			Help: "Broker cut collected on settled auctions in USD",
		}),

		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "agona_rate_limited_total",
			Help: "Requests refused by the rate limiter",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agona_http_requests_total",
			Help: "HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),
	}
}

// ObserveCall records one adapter result.
func (m *Metrics) ObserveCall(res model.CandidateResult) {
	outcome := OutcomeOK
	if !res.OK {
		outcome = OutcomeError
	}
	m.ProviderCalls.WithLabelValues(res.ID, outcome).Inc()
	if res.LatencyMs > 0 {
		m.ProviderLatency.WithLabelValues(res.ID).Observe(float64(res.LatencyMs) / 1000)
	}
}

func (m *Metrics) ObserveAuction(o model.AuctionOutcome) {
	provider := ""
	if o.Winner != nil {
		provider = o.Winner.ModelID
	}
	m.Auctions.WithLabelValues(o.Status, provider).Inc()
	if o.Status == model.OutcomeSettled {
		m.PlatformRevenue.Add(o.AgonaCut)
		m.SavingsUSD.Add(o.SavingsVsMarket)
	}
}

// Initialize pre-creates per-provider series so they show up before traffic.
func (m *Metrics) Initialize(providerIDs ...string) {
	for _, id := range providerIDs {
		m.ProviderCalls.WithLabelValues(id, OutcomeOK).Add(0)
		m.ProviderCalls.WithLabelValues(id, OutcomeError).Add(0)
	}
}
