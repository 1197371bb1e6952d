package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

var (
	PlatformFeeRate = decimal.RequireFromString("0.05") // 5% broker cut
	marketMarkup    = decimal.RequireFromString("1.25")
	hundred         = decimal.NewFromInt(100)
)

// Settlement is the money side of one settled auction.
type Settlement struct {
	AgonaCut        float64
	ModelRevenue    float64
	MarketPrice     float64
	SavingsVsMarket float64
	SavingsPct      float64
	AlternativeBids []model.AlternativeBid
}

// Settle splits the actual price and derives the market baseline from the
// bids. bids must be in bid order with the winner among them.
func Settle(actual float64, bids []model.Bid, winnerID string) Settlement {
	price := decimal.NewFromFloat(actual)
	cut := price.Mul(PlatformFeeRate).Round(6)
	revenue := price.Sub(cut).Round(6)

	market := marketPrice(price, bids)
	savings := market.Sub(price).Round(6)
	pct := decimal.Zero
	if market.IsPositive() {
		pct = savings.Div(market).Mul(hundred).Round(2)
	}

	return Settlement{
		AgonaCut:        cut.InexactFloat64(),
		ModelRevenue:    revenue.InexactFloat64(),
		MarketPrice:     market.InexactFloat64(),
		SavingsVsMarket: savings.InexactFloat64(),
		SavingsPct:      pct.InexactFloat64(),
		AlternativeBids: alternatives(bids, winnerID),
	}
}

// marketPrice is a presentation baseline: the dearest bid, or a 25% markup
// on actual when no bid is dearer. Never below actual.
func marketPrice(actual decimal.Decimal, bids []model.Bid) decimal.Decimal {
	market := decimal.Zero
	for _, b := range bids {
		if est := decimal.NewFromFloat(b.EstimatedPrice); est.GreaterThan(market) {
			market = est
		}
	}
	if market.GreaterThan(actual) {
		return market
	}
	return actual.Mul(marketMarkup).Round(6)
}

func alternatives(bids []model.Bid, winnerID string) []model.AlternativeBid {
	others := make([]model.Bid, 0, len(bids))
	for _, b := range bids {
		if b.ModelID != winnerID {
			others = append(others, b)
		}
	}
	sort.SliceStable(others, func(i, j int) bool { return others[i].EstimatedPrice < others[j].EstimatedPrice })

	out := make([]model.AlternativeBid, 0, len(others))
	for _, b := range others {
		out = append(out, model.AlternativeBid{
			ModelName:      b.ModelName,
			EstimatedPrice: b.EstimatedPrice,
			Quality:        b.Quality,
			PriceTier:      b.PriceTier,
			Rationale:      b.Rationale,
		})
	}
	return out
}

// Summarize totals settled outcomes. Failed outcomes only count toward
// TotalPrompts and FailedPrompts.
func Summarize(outcomes []model.AuctionOutcome) model.BatchSummary {
	cost, cutSum, revSum := decimal.Zero, decimal.Zero, decimal.Zero
	sum := model.BatchSummary{
		TotalPrompts: len(outcomes),
		AgonaCutPct:  PlatformFeeRate.Mul(hundred).InexactFloat64(),
	}
	for _, o := range outcomes {
		if o.Status != model.OutcomeSettled || o.Winner == nil {
			sum.FailedPrompts++
			continue
		}
		sum.SettledPrompts++
		cost = cost.Add(decimal.NewFromFloat(o.Winner.PriceUSD))
		cutSum = cutSum.Add(decimal.NewFromFloat(o.AgonaCut))
		revSum = revSum.Add(decimal.NewFromFloat(o.ModelRevenue))
	}
	sum.TotalCost = cost.Round(6).InexactFloat64()
	sum.AgonaRevenue = cutSum.Round(6).InexactFloat64()
	sum.ModelRevenue = revSum.Round(6).InexactFloat64()
	return sum
}
