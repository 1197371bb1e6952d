package pricing

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

const charsPerToken = 4

// CharCount is the prompt length in characters (runes), not bytes.
func CharCount(s string) int {
	return utf8.RuneCountInString(s)
}

// ApproxTokens estimates tokens as ceil(chars/4).
func ApproxTokens(s string) int {
	return (CharCount(s) + charsPerToken - 1) / charsPerToken
}

// ClassifyTier buckets a prompt by size. First matching rule wins.
func ClassifyTier(prompt string) Tier {
	n := CharCount(prompt)
	tokens := (n + charsPerToken - 1) / charsPerToken
	switch {
	case tokens > 200 || n > 800:
		return TierHigh
	case tokens > 50 || n > 200:
		return TierMedium
	default:
		return TierLow
	}
}

// Round6 rounds half away from zero to 6 decimal places.
func Round6(v float64) float64 {
	return decimal.NewFromFloat(v).Round(6).InexactFloat64()
}

func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// Per1K multiplies by 1000 and rounds to 6 places.
func Per1K(v float64) float64 {
	return decimal.NewFromFloat(v).Mul(decimal.NewFromInt(1000)).Round(6).InexactFloat64()
}
