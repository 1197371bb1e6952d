package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mhiscox/agona/src/agona-broker/internal/metrics"
	"github.com/mhiscox/agona/src/agona-broker/internal/model"
	"github.com/mhiscox/agona/src/agona-broker/internal/pricing"
	"github.com/mhiscox/agona/src/agona-broker/internal/providers"
	"github.com/mhiscox/agona/src/agona-broker/internal/store"
	"github.com/mhiscox/agona/src/internal/events"
)

var (
	ErrMissingPrompt  = errors.New("missing prompt")
	ErrInvalidPrompts = errors.New("missing or invalid prompts array")
)

const (
	DefaultBulkConcurrency  = 4
	defaultTelemetryTimeout = 5 * time.Second
)

// EventPublisher is satisfied by *events.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data events.Payload) error
}

type Options struct {
	Roster          []providers.Descriptor
	Table           *pricing.Table
	Store           store.QueryLogStore
	Events          EventPublisher
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	BulkConcurrency int

	// HTTP-facing settings.
	DemoPassword string
	Development  bool
	Env          EnvReport
}

// EnvReport tells the UI which integrations are wired. Never carries secrets.
type EnvReport struct {
	HasOpenAI     bool `json:"hasOpenAI"`
	HasCloudflare bool `json:"hasCloudflare"`
	HasQueryLog   bool `json:"hasQueryLog"`
}

// Broker runs single-mode fan-outs and bulk auctions over a fixed roster.
type Broker struct {
	roster    []providers.Descriptor
	byID      map[string]providers.Descriptor
	table     *pricing.Table
	store     store.QueryLogStore
	events    EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	bulkLimit int

	demoPassword string
	development  bool
	env          EnvReport

	telemetryTimeout time.Duration
	inflight         sync.WaitGroup
}

func NewBroker(opts Options) *Broker {
	if opts.Table == nil {
		opts.Table = pricing.DefaultTable()
	}
	if opts.Store == nil {
		opts.Store = store.Discard{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = DefaultBulkConcurrency
	}

	byID := make(map[string]providers.Descriptor, len(opts.Roster))
	ids := make([]string, 0, len(opts.Roster))
	for _, d := range opts.Roster {
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}
	opts.Metrics.Initialize(ids...)

	return &Broker{
		roster:           opts.Roster,
		byID:             byID,
		table:            opts.Table,
		store:            opts.Store,
		events:           opts.Events,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		bulkLimit:        opts.BulkConcurrency,
		demoPassword:     opts.DemoPassword,
		development:      opts.Development,
		env:              opts.Env,
		telemetryTimeout: defaultTelemetryTimeout,
	}
}

// Wait blocks until every background telemetry write and event has finished.
func (b *Broker) Wait() {
	b.inflight.Wait()
}

// Query fans the prompt out to every provider and picks the best answer.
func (b *Broker) Query(ctx context.Context, requestID, prompt string) (model.QueryResponse, error) {
	if strings.TrimSpace(prompt) == "" {
		return model.QueryResponse{}, ErrMissingPrompt
	}
	b.metrics.Queries.WithLabelValues(model.ModeSingle).Inc()

	resp := b.decide(ctx, requestID, prompt)

	b.background(ctx, func(ctx context.Context) {
		b.record(ctx, model.QueryLog{
			RequestID:             resp.RequestID,
			Mode:                  model.ModeSingle,
			Prompt:                prompt,
			Answer:                resp.Answer,
			ModelID:               resp.ModelID,
			LatencyMs:             resp.LatencyMs,
			Providers:             resp.Results,
			Winner:                resp.Winner,
			SavingsUSD:            resp.SavingsUSD,
			SavingsPct:            resp.SavingsPct,
			SavingsPer1kTokensUSD: resp.SavingsPer1kTokensUSD,
		})
		okCount := 0
		for _, c := range resp.Results {
			if c.OK {
				okCount++
			}
		}
		b.publish(ctx, events.EventQueryCompleted, events.QueryCompletedData{
			RequestID:  resp.RequestID,
			Winner:     resp.Winner,
			LatencyMs:  resp.LatencyMs,
			Candidates: len(resp.Results),
			OKCount:    okCount,
			SavingsUSD: resp.SavingsUSD,
			SavingsPct: resp.SavingsPct,
		})
	})
	return resp, nil
}

// decide is the side-effect free part of Query. Probes use it directly.
func (b *Broker) decide(ctx context.Context, requestID, prompt string) model.QueryResponse {
	results := b.fanOut(ctx, prompt)

	promptTokens := pricing.ApproxTokens(prompt)
	for i := range results {
		c := &results[i]
		c.PriceUSD = pricing.Round6(b.table.Estimate(c.ID, promptTokens, pricing.ApproxTokens(c.Answer)))
		if c.OK && !Valid(prompt, c.Answer) {
			c.Fail("answer failed validity check")
		}
		c.Score = ScoreCandidate(*c)
	}

	resp := model.QueryResponse{
		OK:        true,
		RequestID: requestID,
		Results:   results,
	}

	w := PickWinner(results)
	if w < 0 {
		b.logger.WarnContext(ctx, "no provider produced a valid answer",
			"request_id", requestID,
			"candidates", len(results),
		)
		return resp
	}

	winner := results[w]
	savings := ComputeSavings(results, w)
	resp.Winner = &winner.ID
	resp.ModelID = &winner.ModelID
	resp.LatencyMs = &winner.LatencyMs
	resp.Answer = winner.Answer
	resp.SavingsUSD = savings.USD
	resp.SavingsPct = savings.Pct
	resp.SavingsPer1kTokensUSD = savings.Per1K
	b.metrics.SavingsUSD.Add(savings.USD)

	b.logger.InfoContext(ctx, "query decided",
		"request_id", requestID,
		"winner", winner.ID,
		"latency_ms", winner.LatencyMs,
		"price_usd", winner.PriceUSD,
		"savings_usd", savings.USD,
	)
	return resp
}

// fanOut calls every adapter concurrently and waits for all of them. Each
// goroutine owns one slot of the result slice. Inbound cancellation is not
// forwarded: each call is bounded by its own adapter timeout.
func (b *Broker) fanOut(ctx context.Context, prompt string) []model.CandidateResult {
	work := context.WithoutCancel(ctx)
	results := make([]model.CandidateResult, len(b.roster))

	var g errgroup.Group
	for i, d := range b.roster {
		g.Go(func() error {
			results[i] = b.call(work, d, prompt)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// call invokes one adapter and turns a panic into a failed candidate.
func (b *Broker) call(ctx context.Context, d providers.Descriptor, prompt string) (res model.CandidateResult) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "provider panicked",
				"provider_id", d.ID,
				"panic", fmt.Sprint(r),
			)
			res = model.CandidateResult{ID: d.ID, Error: fmt.Sprintf("panic: %v", r)}
		}
		b.metrics.ObserveCall(res)
	}()

	res = d.Adapter.Call(ctx, prompt)
	if res.ID == "" {
		res.ID = d.ID
	}
	if !res.OK {
		res.Answer = ""
	}
	return res
}

// BulkQuery classifies the prompts and runs one auction per prompt, at most
// bulkLimit at a time. Results keep input order.
func (b *Broker) BulkQuery(ctx context.Context, requestID string, prompts []string) (model.BulkResponse, error) {
	if len(prompts) == 0 {
		return model.BulkResponse{}, ErrInvalidPrompts
	}
	b.metrics.Queries.WithLabelValues(model.ModeBulk).Inc()

	units := Classify(prompts)
	outcomes := make([]model.AuctionOutcome, len(units))
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(b.bulkLimit)
	for i, u := range units {
		g.Go(func() error {
			outcomes[i] = b.auction(work, requestID, u)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summarize(outcomes)
	b.logger.InfoContext(ctx, "bulk batch settled",
		"request_id", requestID,
		"total_prompts", summary.TotalPrompts,
		"settled_prompts", summary.SettledPrompts,
		"failed_prompts", summary.FailedPrompts,
		"total_cost", summary.TotalCost,
	)

	b.background(ctx, func(ctx context.Context) {
		for _, o := range outcomes {
			b.record(ctx, bulkLog(requestID, o))
			eventType, data := auctionEvent(requestID, o)
			b.publish(ctx, eventType, data)
		}
	})

	return model.BulkResponse{
		OK:        true,
		RequestID: requestID,
		Results:   outcomes,
		Summary:   summary,
	}, nil
}

// Classify turns raw prompts into auction units with positional priority.
func Classify(prompts []string) []model.PromptUnit {
	units := make([]model.PromptUnit, len(prompts))
	for i, p := range prompts {
		units[i] = model.PromptUnit{
			ID:       fmt.Sprintf("prompt-%d", i+1),
			Text:     p,
			Tier:     pricing.ClassifyTier(p),
			Priority: PriorityFor(i),
		}
	}
	return units
}

// auction collects bids, executes only the top bidder and settles.
func (b *Broker) auction(ctx context.Context, requestID string, unit model.PromptUnit) model.AuctionOutcome {
	bids := CollectBids(b.roster, b.table, unit)
	out := model.AuctionOutcome{
		PromptID:        unit.ID,
		Prompt:          unit.Text,
		Tier:            unit.Tier,
		Priority:        unit.Priority,
		Status:          model.OutcomeFailed,
		AllBids:         bids,
		AlternativeBids: []model.AlternativeBid{},
	}
	defer func() { b.metrics.ObserveAuction(out) }()

	if len(bids) == 0 {
		out.Error = "no bids"
		return out
	}

	top := bids[0]
	d, ok := b.byID[top.ModelID]
	if !ok {
		out.Error = "winning bidder not in roster: " + top.ModelID
		return out
	}

	res := b.call(ctx, d, unit.Text)
	winner := &model.WinningBid{
		ModelID:   d.ID,
		ModelName: d.Name,
		Answer:    res.Answer,
		OK:        res.OK,
		Error:     res.Error,
		LatencyMs: res.LatencyMs,
		BidScore:  top.BidScore,
		Rationale: top.Rationale,
		Quality:   d.Quality,
		PriceTier: d.PriceTier,
	}
	out.Winner = winner

	if !res.OK {
		out.Error = res.Error
		out.AlternativeBids = alternatives(bids, top.ModelID)
		b.logger.WarnContext(ctx, "auction winner failed",
			"request_id", requestID,
			"prompt_id", unit.ID,
			"provider_id", d.ID,
			"error", res.Error,
		)
		return out
	}

	actual := pricing.Round6(b.table.Estimate(d.ID, pricing.ApproxTokens(unit.Text), pricing.ApproxTokens(res.Answer)))
	winner.PriceUSD = actual
	bids[0].ActualPrice = &actual

	s := Settle(actual, bids, top.ModelID)
	out.Status = model.OutcomeSettled
	out.AgonaCut = s.AgonaCut
	out.ModelRevenue = s.ModelRevenue
	out.MarketPrice = s.MarketPrice
	out.SavingsVsMarket = s.SavingsVsMarket
	out.SavingsPct = s.SavingsPct
	out.AlternativeBids = s.AlternativeBids
	return out
}

func bulkLog(requestID string, o model.AuctionOutcome) model.QueryLog {
	entry := model.QueryLog{
		RequestID:  requestID,
		PromptID:   o.PromptID,
		Mode:       model.ModeBulk,
		Prompt:     o.Prompt,
		SavingsUSD: o.SavingsVsMarket,
	}
	if o.Winner == nil {
		return entry
	}
	entry.Providers = []model.CandidateResult{{
		ID:        o.Winner.ModelID,
		ModelID:   o.Winner.ModelID,
		Answer:    o.Winner.Answer,
		OK:        o.Winner.OK,
		LatencyMs: o.Winner.LatencyMs,
		PriceUSD:  o.Winner.PriceUSD,
		Error:     o.Winner.Error,
	}}
	if o.Status == model.OutcomeSettled {
		pct := o.SavingsPct
		entry.Answer = o.Winner.Answer
		entry.ModelID = &o.Winner.ModelID
		entry.LatencyMs = &o.Winner.LatencyMs
		entry.Winner = &o.Winner.ModelID
		entry.SavingsPct = &pct
		entry.SavingsPer1kTokensUSD = pricing.Per1K(o.SavingsVsMarket)
	}
	return entry
}

func auctionEvent(requestID string, o model.AuctionOutcome) (string, events.Payload) {
	if o.Status == model.OutcomeSettled {
		return events.EventAuctionSettled, events.AuctionSettledData{
			RequestID:       requestID,
			PromptID:        o.PromptID,
			Tier:            string(o.Tier),
			Priority:        string(o.Priority),
			WinnerModelID:   o.Winner.ModelID,
			BidScore:        o.Winner.BidScore,
			ActualPrice:     o.Winner.PriceUSD,
			AgonaCut:        o.AgonaCut,
			ModelRevenue:    o.ModelRevenue,
			SavingsVsMarket: o.SavingsVsMarket,
		}
	}
	data := events.AuctionFailedData{
		RequestID: requestID,
		PromptID:  o.PromptID,
		Reason:    o.Error,
	}
	if o.Winner != nil {
		data.WinnerModelID = o.Winner.ModelID
	}
	return events.EventAuctionFailed, data
}

// background runs fn detached from the request, bounded by the telemetry
// timeout. Wait drains it.
func (b *Broker) background(ctx context.Context, fn func(ctx context.Context)) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.telemetryTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (b *Broker) record(ctx context.Context, entry model.QueryLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := b.store.Insert(ctx, entry); err != nil {
		b.logger.WarnContext(ctx, "query log write failed",
			"request_id", entry.RequestID,
			"prompt_id", entry.PromptID,
			"error", err,
		)
	}
}

func (b *Broker) publish(ctx context.Context, eventType string, data events.Payload) {
	if b.events == nil {
		return
	}
	if err := b.events.Publish(ctx, eventType, data); err != nil {
		b.logger.WarnContext(ctx, "event publish failed",
			"event_type", eventType,
			"error", err,
		)
	}
}
