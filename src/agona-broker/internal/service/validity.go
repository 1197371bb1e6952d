package service

import "strings"

var selfReferentialMarkers = []string{
	"agona",
	"this service",
	"this system",
	"what do you do",
	"what does it do",
}

var brandKeywords = []string{"price", "latency", "quality", "cost", "speed"}

// isSelfReferential reports whether the prompt asks about the broker itself.
func isSelfReferential(prompt string) bool {
	p := strings.ToLower(prompt)
	for _, m := range selfReferentialMarkers {
		if strings.Contains(p, m) {
			return true
		}
	}
	return false
}

// onBrand requires a mention of a model and at least two marketplace dimensions.
func onBrand(answer string) bool {
	s := strings.ToLower(answer)
	if !strings.Contains(s, "llm") && !strings.Contains(s, "language model") && !strings.Contains(s, "model") {
		return false
	}
	hits := 0
	for _, k := range brandKeywords {
		if strings.Contains(s, k) {
			hits++
		}
	}
	return hits >= 2
}

// Valid applies the answer validity check. Only prompts about the broker
// itself are held to the on-brand rule.
func Valid(prompt, answer string) bool {
	if strings.TrimSpace(answer) == "" {
		return false
	}
	if isSelfReferential(prompt) {
		return onBrand(answer)
	}
	return true
}
