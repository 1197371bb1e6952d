// Package providers wraps each backing LLM behind one call contract:
// Call never fails, every failure mode lands in the returned result.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

// BrandSystem is the system prompt sent with every call.
const BrandSystem = `You answer on behalf of Agona: a real-time LLM bidding marketplace where multiple foundation models compete on price, latency, and quality to answer API calls.
If unsure, say "I don't know." Reply in one concise sentence only.`

const DefaultTimeout = 8 * time.Second

// Adapter is one callable backing model.
type Adapter interface {
	ID() string
	// Configured reports whether credentials are present. Unconfigured
	// adapters answer immediately without network I/O.
	Configured() bool
	Call(ctx context.Context, prompt string) model.CandidateResult
}

// Descriptor is a roster entry. Built once at startup and never mutated.
type Descriptor struct {
	ID           string
	Name         string
	Quality      model.Quality
	PriceTier    model.PriceTier
	Description  string
	EstLatencyMs int64
	Adapter      Adapter
}

// Premium reports whether the descriptor is the high-price, high-quality tier.
func (d Descriptor) Premium() bool {
	return d.PriceTier == model.PriceTierHigh
}

// CostOriented reports whether the descriptor competes on price.
func (d Descriptor) CostOriented() bool {
	return d.PriceTier == model.PriceTierLow
}

type answerFunc func(ctx context.Context) (string, error)

// invoke runs fn under timeout and folds the outcome into a CandidateResult.
// Latency covers every attempt fn makes.
func invoke(ctx context.Context, id, modelID string, timeout time.Duration, fn answerFunc) model.CandidateResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	answer, err := fn(ctx)
	res := model.CandidateResult{
		ID:        id,
		ModelID:   modelID,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		res.Fail(fmt.Sprintf("timeout after %dms", timeout.Milliseconds()))
	case err != nil:
		res.Fail(err.Error())
	case strings.TrimSpace(answer) == "":
		res.Fail("empty response")
	default:
		res.OK = true
		res.Answer = answer
	}
	return res
}

func missing(id, modelID, reason string) model.CandidateResult {
	return model.CandidateResult{
		ID:      id,
		ModelID: modelID,
		Error:   reason,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func brandMessages(prompt string) []chatMessage {
	return []chatMessage{
		{Role: "system", Content: BrandSystem},
		{Role: "user", Content: prompt},
	}
}
