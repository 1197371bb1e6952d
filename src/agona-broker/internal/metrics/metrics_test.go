package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

func TestNewOnSeparateRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	if a == nil || b == nil {
		t.Fatal("New returned nil")
	}
}

func TestObserveCall(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCall(model.CandidateResult{ID: "cf:x", OK: true, LatencyMs: 120})
	m.ObserveCall(model.CandidateResult{ID: "cf:x", Error: "boom", LatencyMs: 30})
	m.ObserveCall(model.CandidateResult{ID: "openai:y", Error: "Missing OPENAI_API_KEY"})

	if got := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("cf:x", OutcomeOK)); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("cf:x", OutcomeError)); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ProviderLatency); got != 1 {
		t.Errorf("latency series = %d, want 1 (zero-latency calls are not observed)", got)
	}
}

func TestObserveAuction(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveAuction(model.AuctionOutcome{
		Status:          model.OutcomeSettled,
		Winner:          &model.WinningBid{ModelID: "cf:llama"},
		AgonaCut:        0.5,
		SavingsVsMarket: 2,
	})
	m.ObserveAuction(model.AuctionOutcome{Status: model.OutcomeFailed})

	if got := testutil.ToFloat64(m.Auctions.WithLabelValues(model.OutcomeSettled, "cf:llama")); got != 1 {
		t.Errorf("settled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Auctions.WithLabelValues(model.OutcomeFailed, "")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PlatformRevenue); got != 0.5 {
		t.Errorf("revenue = %v, want 0.5", got)
	}
	if got := testutil.ToFloat64(m.SavingsUSD); got != 2 {
		t.Errorf("savings = %v, want 2", got)
	}
}
