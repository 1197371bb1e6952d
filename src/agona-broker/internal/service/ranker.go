package service

import (
	"github.com/mhiscox/agona/src/agona-broker/internal/model"
	"github.com/mhiscox/agona/src/agona-broker/internal/pricing"
)

const (
	fastLatencyMs  = 3000
	cheapPriceUSD  = 0.0002
	longAnswerSize = 30
)

// ScoreCandidate is the single-mode quality heuristic.
func ScoreCandidate(c model.CandidateResult) float64 {
	var s float64
	if c.OK {
		s++
	}
	if len(c.Answer) > longAnswerSize {
		s++
	}
	if c.LatencyMs < fastLatencyMs {
		s += 0.5
	}
	if c.PriceUSD <= cheapPriceUSD {
		s += 0.5
	}
	return s
}

// PickWinner returns the index of the best ok candidate: highest score, then
// lowest price, then lowest latency. Earlier candidates win exact ties.
// Returns -1 when no candidate is ok.
func PickWinner(cands []model.CandidateResult) int {
	best := -1
	for i, c := range cands {
		if !c.OK {
			continue
		}
		if best < 0 || beats(c, cands[best]) {
			best = i
		}
	}
	return best
}

func beats(a, b model.CandidateResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.PriceUSD != b.PriceUSD {
		return a.PriceUSD < b.PriceUSD
	}
	return a.LatencyMs < b.LatencyMs
}

// Savings compares the winner against the cheapest other ok candidate.
type Savings struct {
	USD   float64
	Pct   *float64
	Per1K float64
}

func ComputeSavings(cands []model.CandidateResult, winner int) Savings {
	if winner < 0 {
		return Savings{}
	}
	w := cands[winner]
	baseline := w.PriceUSD
	found := false
	for i, c := range cands {
		if i == winner || !c.OK {
			continue
		}
		if !found || c.PriceUSD < baseline {
			baseline = c.PriceUSD
			found = true
		}
	}

	usd := pricing.Round6(max(0, baseline-w.PriceUSD))
	out := Savings{USD: usd, Per1K: pricing.Per1K(usd)}
	if baseline > 0 {
		pct := pricing.Round2(usd / baseline * 100)
		out.Pct = &pct
	}
	return out
}
