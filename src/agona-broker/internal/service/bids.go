package service

import (
	"math"
	"sort"
	"strings"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
	"github.com/mhiscox/agona/src/agona-broker/internal/pricing"
	"github.com/mhiscox/agona/src/agona-broker/internal/providers"
)

// priceWeight makes price count for more on simpler prompts.
var priceWeight = map[pricing.Tier]float64{
	pricing.TierLow:    1.5,
	pricing.TierMedium: 1.0,
	pricing.TierHigh:   0.5,
}

// ShouldBid decides eligibility. Cost-oriented providers sit out high-tier work.
func ShouldBid(d providers.Descriptor, tier pricing.Tier) bool {
	switch {
	case d.Premium():
		return true
	case d.CostOriented():
		return tier == pricing.TierLow || tier == pricing.TierMedium
	default:
		return true
	}
}

// BidInput is everything CalculateBid needs beyond the descriptor.
type BidInput struct {
	Tier           pricing.Tier
	Priority       model.Priority
	EstimatedPrice float64
	Cheapest       bool
}

// CalculateBid scores one provider's offer. The score is deterministic.
func CalculateBid(d providers.Descriptor, in BidInput) model.Bid {
	var score float64
	var why []string

	switch {
	case d.Quality == model.QualityHigh && d.Premium():
		score += 100
		why = append(why, "High quality model")
	case d.Quality == model.QualityHigh:
		score += 90
		why = append(why, "High quality model")
	default:
		score += 60
		why = append(why, "Good quality model")
	}

	w, ok := priceWeight[in.Tier]
	if !ok {
		w = 1.0
	}
	score += math.Max(0, 50-in.EstimatedPrice*100000*w)
	if d.CostOriented() {
		why = append(why, "Competitive pricing")
	}

	score += math.Max(0, 30-float64(d.EstLatencyMs)/100)
	if d.EstLatencyMs < 500 {
		why = append(why, "Fast response time")
	}

	switch {
	case d.Premium() && in.Priority == model.PriorityHigh:
		score += 15
		why = append(why, "Premium for high-priority work")
	case d.CostOriented() && (in.Priority == model.PriorityLow || in.Priority == model.PriorityMedium):
		score += 10
		why = append(why, "Cost-efficient for routine work")
	}

	switch {
	case in.Tier == pricing.TierHigh:
		if d.Premium() {
			score += 20
			why = append(why, "Optimized for this complexity")
		}
	case d.CostOriented():
		score += 20
		why = append(why, "Optimized for this complexity")
	}
	if in.Tier == pricing.TierLow && in.Cheapest {
		score += 10
		why = append(why, "Cheapest for simple prompts")
	}

	return model.Bid{
		ModelID:          d.ID,
		ModelName:        d.Name,
		BidScore:         int(math.Round(score)),
		EstimatedPrice:   in.EstimatedPrice,
		EstimatedLatency: d.EstLatencyMs,
		Rationale:        strings.Join(why, ", "),
		Quality:          d.Quality,
		PriceTier:        d.PriceTier,
		Description:      d.Description,
	}
}

// CollectBids runs the sealed-bid round for one prompt and returns the bids
// best first. Equal scores keep roster order.
func CollectBids(roster []providers.Descriptor, table *pricing.Table, unit model.PromptUnit) []model.Bid {
	tok := pricing.ApproxTokens(unit.Text)

	type entry struct {
		d     providers.Descriptor
		price float64
	}
	eligible := make([]entry, 0, len(roster))
	cheapest := -1
	for _, d := range roster {
		if !ShouldBid(d, unit.Tier) {
			continue
		}
		price := table.Estimate(d.ID, tok, tok*2)
		if cheapest < 0 || price < eligible[cheapest].price {
			cheapest = len(eligible)
		}
		eligible = append(eligible, entry{d: d, price: price})
	}

	bids := make([]model.Bid, 0, len(eligible))
	for i, e := range eligible {
		bids = append(bids, CalculateBid(e.d, BidInput{
			Tier:           unit.Tier,
			Priority:       unit.Priority,
			EstimatedPrice: e.price,
			Cheapest:       i == cheapest,
		}))
	}
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].BidScore > bids[j].BidScore })
	return bids
}

// PriorityFor assigns priority by batch position: two high, two medium, rest low.
func PriorityFor(index int) model.Priority {
	switch {
	case index < 2:
		return model.PriorityHigh
	case index < 4:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}
