package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mhiscox/agona/src/agona-broker/internal/metrics"
	"github.com/mhiscox/agona/src/agona-broker/internal/model"
	"github.com/mhiscox/agona/src/agona-broker/internal/pricing"
	"github.com/mhiscox/agona/src/agona-broker/internal/providers"
	"github.com/mhiscox/agona/src/agona-broker/internal/store"
	"github.com/mhiscox/agona/src/internal/events"
)

const longAnswer = "Paris is the capital city of France, in Europe."

// fakeAdapter answers from memory and counts calls.
type fakeAdapter struct {
	id     string
	answer string
	err    string
	delay  func(prompt string) time.Duration
	panics bool

	calls atomic.Int32
	mu    sync.Mutex
	seen  []string
}

func (f *fakeAdapter) ID() string       { return f.id }
func (f *fakeAdapter) Configured() bool { return true }

func (f *fakeAdapter) Call(ctx context.Context, prompt string) model.CandidateResult {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, prompt)
	f.mu.Unlock()

	if f.panics {
		panic("boom")
	}
	if f.delay != nil {
		time.Sleep(f.delay(prompt))
	}
	if f.err != "" {
		return model.CandidateResult{ID: f.id, ModelID: f.id, Answer: "stale", Error: f.err, LatencyMs: 100}
	}
	return model.CandidateResult{ID: f.id, ModelID: f.id, Answer: f.answer, OK: true, LatencyMs: 100}
}

func (f *fakeAdapter) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func answering(id, answer string) *fakeAdapter {
	return &fakeAdapter{id: id, answer: answer}
}

func failing(id, reason string) *fakeAdapter {
	return &fakeAdapter{id: id, err: reason}
}

// recordingPublisher keeps every published event type.
type recordingPublisher struct {
	mu    sync.Mutex
	types []string
	data  []events.Payload
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, data events.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	p.data = append(p.data, data)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type failingStore struct{}

func (failingStore) Insert(context.Context, model.QueryLog) error { return errors.New("disk full") }
func (failingStore) Close() error                                 { return nil }

type harness struct {
	broker  *Broker
	store   *store.MemoryStore
	events  *recordingPublisher
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, opts Options, adapters ...providers.Adapter) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(100),
		events:  &recordingPublisher{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	for _, a := range adapters {
		opts.Roster = append(opts.Roster, providers.Describe(a))
	}
	if opts.Store == nil {
		opts.Store = h.store
	}
	opts.Events = h.events
	opts.Metrics = h.metrics
	opts.Logger = slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	h.broker = NewBroker(opts)
	t.Cleanup(h.broker.Wait)
	return h
}

func TestQueryPicksCheapestAmongEqualScores(t *testing.T) {
	mistral := failing(mistralID, "timeout after 8000ms")
	h := newHarness(t, Options{},
		answering(openaiID, longAnswer),
		answering(llamaID, longAnswer),
		mistral,
	)

	resp, err := h.broker.Query(context.Background(), "req-1", "hi")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if resp.Winner == nil || *resp.Winner != llamaID {
		t.Fatalf("Winner = %v, want %s", resp.Winner, llamaID)
	}
	if resp.Answer != longAnswer {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if resp.ModelID == nil || *resp.ModelID != llamaID {
		t.Errorf("ModelID = %v, want %s", resp.ModelID, llamaID)
	}
	if resp.LatencyMs == nil || *resp.LatencyMs != 100 {
		t.Errorf("LatencyMs = %v, want 100", resp.LatencyMs)
	}

	if len(resp.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Results))
	}
	for i, want := range []string{openaiID, llamaID, mistralID} {
		if resp.Results[i].ID != want {
			t.Errorf("result %d = %s, want %s", i, resp.Results[i].ID, want)
		}
	}
	if resp.Results[0].Score != 3 || resp.Results[1].Score != 3 {
		t.Errorf("scores = %v, %v, want 3, 3", resp.Results[0].Score, resp.Results[1].Score)
	}
	if !approx(resp.Results[0].PriceUSD, 0.000007) || !approx(resp.Results[1].PriceUSD, 0.000001) {
		t.Errorf("prices = %v, %v", resp.Results[0].PriceUSD, resp.Results[1].PriceUSD)
	}

	failed := resp.Results[2]
	if failed.OK || failed.Answer != "" || failed.Error != "timeout after 8000ms" {
		t.Errorf("failed candidate = %+v", failed)
	}

	if !approx(resp.SavingsUSD, 0.000006) {
		t.Errorf("SavingsUSD = %v, want 0.000006", resp.SavingsUSD)
	}
	if resp.SavingsPct == nil || *resp.SavingsPct != 85.71 {
		t.Errorf("SavingsPct = %v, want 85.71", resp.SavingsPct)
	}
	if !approx(resp.SavingsPer1kTokensUSD, 0.006) {
		t.Errorf("SavingsPer1kTokensUSD = %v, want 0.006", resp.SavingsPer1kTokensUSD)
	}
}

func TestQueryAppliesValidityToSelfReferentialPrompts(t *testing.T) {
	onBrand := "Agona lets LLM providers compete on price, latency and quality for every call."
	h := newHarness(t, Options{},
		answering(openaiID, onBrand),
		answering(llamaID, "I don't know."),
		failing(mistralID, "Missing CF_ACCOUNT_ID or CF_API_TOKEN"),
	)

	resp, err := h.broker.Query(context.Background(), "req-1", DefaultPrompt)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.Winner == nil || *resp.Winner != openaiID {
		t.Fatalf("Winner = %v, want %s", resp.Winner, openaiID)
	}
	if got := resp.Results[1]; got.OK || got.Error != "answer failed validity check" {
		t.Errorf("off-brand candidate = %+v", got)
	}
}

func TestQueryNoWinner(t *testing.T) {
	h := newHarness(t, Options{},
		failing(openaiID, "Missing OPENAI_API_KEY"),
		failing(llamaID, "Missing CF_ACCOUNT_ID or CF_API_TOKEN"),
	)

	resp, err := h.broker.Query(context.Background(), "req-1", "hi")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !resp.OK {
		t.Error("OK = false, want true")
	}
	if resp.Winner != nil || resp.ModelID != nil || resp.LatencyMs != nil || resp.SavingsPct != nil {
		t.Errorf("expected nil winner fields, got %+v", resp)
	}
	if resp.Answer != "" || resp.SavingsUSD != 0 {
		t.Errorf("Answer = %q, SavingsUSD = %v", resp.Answer, resp.SavingsUSD)
	}
}

func TestQueryWaitsForEverySibling(t *testing.T) {
	slow := answering(openaiID, longAnswer)
	slow.delay = func(string) time.Duration { return 150 * time.Millisecond }
	boom := &fakeAdapter{id: llamaID, panics: true}

	h := newHarness(t, Options{}, slow, boom, answering(mistralID, longAnswer))

	start := time.Now()
	resp, err := h.broker.Query(context.Background(), "req-1", "hi")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("Query returned before the slow provider settled")
	}
	if !resp.Results[0].OK {
		t.Errorf("slow provider result = %+v", resp.Results[0])
	}
	if got := resp.Results[1]; got.OK || got.Error != "panic: boom" || got.ID != llamaID {
		t.Errorf("panicking provider result = %+v", got)
	}
	if !resp.Results[2].OK {
		t.Errorf("sibling result = %+v", resp.Results[2])
	}
}

func TestQueryIgnoresCallerCancellation(t *testing.T) {
	a := answering(openaiID, longAnswer)
	h := newHarness(t, Options{}, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := h.broker.Query(ctx, "req-1", "hi")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.Winner == nil {
		t.Fatal("no winner for a cancelled caller")
	}
}

func TestQueryMissingPrompt(t *testing.T) {
	a := answering(openaiID, longAnswer)
	h := newHarness(t, Options{}, a)

	for _, p := range []string{"", "   \n\t"} {
		_, err := h.broker.Query(context.Background(), "req-1", p)
		if !errors.Is(err, ErrMissingPrompt) {
			t.Errorf("Query(%q) error = %v, want ErrMissingPrompt", p, err)
		}
	}
	if a.calls.Load() != 0 {
		t.Errorf("adapter called %d times for invalid input", a.calls.Load())
	}
}

func TestQueryRecordsTelemetry(t *testing.T) {
	h := newHarness(t, Options{},
		answering(openaiID, longAnswer),
		answering(llamaID, longAnswer),
	)

	resp, err := h.broker.Query(context.Background(), "req-42", "hi")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	h.broker.Wait()

	logs, err := h.store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d log entries, want 1", len(logs))
	}
	entry := logs[0]
	if entry.RequestID != "req-42" || entry.Mode != model.ModeSingle || entry.Prompt != "hi" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Winner == nil || *entry.Winner != *resp.Winner {
		t.Errorf("entry winner = %v, want %s", entry.Winner, *resp.Winner)
	}
	if len(entry.Providers) != 2 {
		t.Errorf("entry has %d providers, want 2", len(entry.Providers))
	}
	if entry.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if got := h.events.count(events.EventQueryCompleted); got != 1 {
		t.Errorf("query.completed published %d times, want 1", got)
	}
	if got := promtest.ToFloat64(h.metrics.Queries.WithLabelValues(model.ModeSingle)); got != 1 {
		t.Errorf("single queries = %v, want 1", got)
	}
	if got := promtest.ToFloat64(h.metrics.ProviderCalls.WithLabelValues(openaiID, metrics.OutcomeOK)); got != 1 {
		t.Errorf("openai ok calls = %v, want 1", got)
	}
}

func TestQuerySurvivesTelemetryFailure(t *testing.T) {
	h := newHarness(t, Options{Store: failingStore{}}, answering(openaiID, longAnswer))

	resp, err := h.broker.Query(context.Background(), "req-1", "hi")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.Winner == nil {
		t.Fatal("no winner")
	}
	h.broker.Wait()
	if got := h.events.count(events.EventQueryCompleted); got != 1 {
		t.Errorf("query.completed published %d times, want 1", got)
	}
}

func TestBulkQueryEqualBidsRunFirstInRoster(t *testing.T) {
	first := answering(twinB, longAnswer)
	second := answering(twinA, longAnswer)
	h := newHarness(t, Options{Table: twinTable(t)}, first, second)

	resp, err := h.broker.BulkQuery(context.Background(), "req-twins", []string{strings.Repeat("m", 300)})
	if err != nil {
		t.Fatalf("BulkQuery() error = %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != model.OutcomeSettled {
		t.Fatalf("results = %+v", resp.Results)
	}
	o := resp.Results[0]
	if len(o.AllBids) != 2 || o.AllBids[0].BidScore != o.AllBids[1].BidScore {
		t.Fatalf("bids = %+v, want two equal scores", o.AllBids)
	}
	if o.Winner.ModelID != twinB {
		t.Errorf("winner = %s, want %s", o.Winner.ModelID, twinB)
	}
	if first.calls.Load() != 1 || second.calls.Load() != 0 {
		t.Errorf("calls = %d/%d, want only the first roster entry executed", first.calls.Load(), second.calls.Load())
	}
}

func TestBulkQueryPositionalWinners(t *testing.T) {
	openai := answering(openaiID, longAnswer)
	llama := answering(llamaID, longAnswer)
	mistral := answering(mistralID, longAnswer)
	h := newHarness(t, Options{}, openai, llama, mistral)

	prompts := []string{"hi", "hi", "hi", "hi", "hi"}
	resp, err := h.broker.BulkQuery(context.Background(), "req-bulk", prompts)
	if err != nil {
		t.Fatalf("BulkQuery() error = %v", err)
	}

	wantWinner := []string{openaiID, openaiID, llamaID, llamaID, llamaID}
	wantPriority := []model.Priority{
		model.PriorityHigh, model.PriorityHigh,
		model.PriorityMedium, model.PriorityMedium,
		model.PriorityLow,
	}
	if len(resp.Results) != len(prompts) {
		t.Fatalf("got %d outcomes, want %d", len(resp.Results), len(prompts))
	}
	for i, o := range resp.Results {
		if o.Status != model.OutcomeSettled {
			t.Errorf("outcome %d status = %s, error = %s", i, o.Status, o.Error)
			continue
		}
		if o.Winner.ModelID != wantWinner[i] {
			t.Errorf("outcome %d winner = %s, want %s", i, o.Winner.ModelID, wantWinner[i])
		}
		if o.Priority != wantPriority[i] {
			t.Errorf("outcome %d priority = %s, want %s", i, o.Priority, wantPriority[i])
		}
		if !approx(o.AgonaCut+o.ModelRevenue, o.Winner.PriceUSD) {
			t.Errorf("outcome %d: cut %v + revenue %v != price %v", i, o.AgonaCut, o.ModelRevenue, o.Winner.PriceUSD)
		}
		if o.MarketPrice < o.Winner.PriceUSD || o.SavingsVsMarket < 0 {
			t.Errorf("outcome %d: market %v below actual %v", i, o.MarketPrice, o.Winner.PriceUSD)
		}
		if len(o.AllBids) != 3 || o.AllBids[0].ActualPrice == nil || *o.AllBids[0].ActualPrice != o.Winner.PriceUSD {
			t.Errorf("outcome %d: top bid not stamped with actual price", i)
		}
		for _, b := range o.AllBids[1:] {
			if b.ActualPrice != nil {
				t.Errorf("outcome %d: losing bid %s has an actual price", i, b.ModelID)
			}
		}
		if len(o.AlternativeBids) != 2 {
			t.Errorf("outcome %d has %d alternatives, want 2", i, len(o.AlternativeBids))
		}
	}

	// Only the top bidder executes.
	if openai.calls.Load() != 2 || llama.calls.Load() != 3 || mistral.calls.Load() != 0 {
		t.Errorf("calls = openai %d, llama %d, mistral %d", openai.calls.Load(), llama.calls.Load(), mistral.calls.Load())
	}

	if resp.Summary.TotalPrompts != 5 || resp.Summary.SettledPrompts != 5 || resp.Summary.FailedPrompts != 0 {
		t.Errorf("summary = %+v", resp.Summary)
	}

	h.broker.Wait()
	if h.store.Len() != 5 {
		t.Errorf("store has %d entries, want 5", h.store.Len())
	}
	if got := h.events.count(events.EventAuctionSettled); got != 5 {
		t.Errorf("auction.settled published %d times, want 5", got)
	}
	if got := promtest.ToFloat64(h.metrics.Auctions.WithLabelValues(model.OutcomeSettled, llamaID)); got != 3 {
		t.Errorf("llama settled auctions = %v, want 3", got)
	}
}

func TestBulkQueryFailedWinnerIsReported(t *testing.T) {
	openai := failing(openaiID, "openai: overloaded (HTTP 503)")
	llama := answering(llamaID, longAnswer)
	h := newHarness(t, Options{}, openai, llama, answering(mistralID, longAnswer))

	resp, err := h.broker.BulkQuery(context.Background(), "req-bulk", []string{"hi", "hi", "hi", "hi", "hi"})
	if err != nil {
		t.Fatalf("BulkQuery() error = %v", err)
	}

	for i, o := range resp.Results[:2] {
		if o.Status != model.OutcomeFailed {
			t.Errorf("outcome %d status = %s, want failed", i, o.Status)
		}
		if o.Error != "openai: overloaded (HTTP 503)" {
			t.Errorf("outcome %d error = %q", i, o.Error)
		}
		if o.Winner == nil || o.Winner.OK || o.Winner.Answer != "" {
			t.Errorf("outcome %d winner = %+v", i, o.Winner)
		}
		if o.AgonaCut != 0 || o.ModelRevenue != 0 || o.Winner.PriceUSD != 0 {
			t.Errorf("outcome %d charged for a failed call", i)
		}
		if len(o.AlternativeBids) != 2 || o.AlternativeBids[0].ModelName != "Cloudflare Mistral 7B" {
			t.Errorf("outcome %d alternatives = %+v", i, o.AlternativeBids)
		}
	}

	// No fallback to the runner-up.
	if llama.calls.Load() != 3 {
		t.Errorf("llama called %d times, want 3", llama.calls.Load())
	}
	if resp.Summary.SettledPrompts != 3 || resp.Summary.FailedPrompts != 2 {
		t.Errorf("summary = %+v", resp.Summary)
	}

	h.broker.Wait()
	if got := h.events.count(events.EventAuctionFailed); got != 2 {
		t.Errorf("auction.failed published %d times, want 2", got)
	}
	if h.store.Len() != 5 {
		t.Errorf("store has %d entries, want 5", h.store.Len())
	}
}

func TestBulkQueryNoBids(t *testing.T) {
	h := newHarness(t, Options{},
		answering(llamaID, longAnswer),
		answering(mistralID, longAnswer),
	)

	resp, err := h.broker.BulkQuery(context.Background(), "req-bulk", []string{strings.Repeat("x", 900)})
	if err != nil {
		t.Fatalf("BulkQuery() error = %v", err)
	}
	o := resp.Results[0]
	if o.Status != model.OutcomeFailed || o.Error != "no bids" || o.Winner != nil || len(o.AllBids) != 0 {
		t.Errorf("outcome = %+v", o)
	}
	if o.Tier != pricing.TierHigh {
		t.Errorf("Tier = %s, want high", o.Tier)
	}
	if resp.Summary.FailedPrompts != 1 {
		t.Errorf("summary = %+v", resp.Summary)
	}
}

func TestBulkQueryKeepsInputOrder(t *testing.T) {
	prompts := []string{"a", "bb", "ccc", "dddd", "e", "ff"}
	delays := map[string]time.Duration{}
	for i, p := range prompts {
		delays[p] = time.Duration(len(prompts)-i) * 15 * time.Millisecond
	}
	llama := answering(llamaID, longAnswer)
	llama.delay = func(p string) time.Duration { return delays[p] }

	h := newHarness(t, Options{BulkConcurrency: 3}, llama, answering(mistralID, longAnswer))

	resp, err := h.broker.BulkQuery(context.Background(), "req-bulk", prompts)
	if err != nil {
		t.Fatalf("BulkQuery() error = %v", err)
	}
	for i, o := range resp.Results {
		if o.Prompt != prompts[i] || o.PromptID != fmt.Sprintf("prompt-%d", i+1) {
			t.Errorf("outcome %d = %s %q, want %q", i, o.PromptID, o.Prompt, prompts[i])
		}
	}
	if len(llama.prompts()) != len(prompts) {
		t.Errorf("llama saw %d prompts, want %d", len(llama.prompts()), len(prompts))
	}
}

func TestBulkQueryInvalid(t *testing.T) {
	h := newHarness(t, Options{}, answering(openaiID, longAnswer))

	for _, prompts := range [][]string{nil, {}} {
		if _, err := h.broker.BulkQuery(context.Background(), "req-bulk", prompts); !errors.Is(err, ErrInvalidPrompts) {
			t.Errorf("BulkQuery(%v) error = %v, want ErrInvalidPrompts", prompts, err)
		}
	}
}

func TestBulkLog(t *testing.T) {
	settled := model.AuctionOutcome{
		PromptID:        "prompt-1",
		Prompt:          "hi",
		Status:          model.OutcomeSettled,
		SavingsVsMarket: 0.000002,
		SavingsPct:      25,
		Winner:          &model.WinningBid{ModelID: llamaID, Answer: "x", OK: true, PriceUSD: 0.000006},
	}
	entry := bulkLog("req-1", settled)
	if entry.DocID() != "req-1_prompt-1" || entry.Mode != model.ModeBulk {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Winner == nil || *entry.Winner != llamaID || entry.SavingsPct == nil || *entry.SavingsPct != 25 {
		t.Errorf("settled entry winner fields = %+v", entry)
	}

	failed := model.AuctionOutcome{PromptID: "prompt-2", Status: model.OutcomeFailed, Error: "no bids"}
	entry = bulkLog("req-1", failed)
	if entry.Winner != nil || entry.Providers != nil {
		t.Errorf("failed entry = %+v", entry)
	}
}
