package model

import (
	"time"

	"github.com/mhiscox/agona/src/agona-broker/internal/pricing"
)

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

type PriceTier string

const (
	PriceTierLow    PriceTier = "low"
	PriceTierMedium PriceTier = "medium"
	PriceTierHigh   PriceTier = "high"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// CandidateResult is one provider's outcome for one prompt.
type CandidateResult struct {
	ID        string  `json:"id" bson:"id" firestore:"id"`
	ModelID   string  `json:"model_id" bson:"model_id" firestore:"model_id"`
	Answer    string  `json:"answer" bson:"answer" firestore:"answer"`
	OK        bool    `json:"ok" bson:"ok" firestore:"ok"`
	LatencyMs int64   `json:"latency_ms" bson:"latency_ms" firestore:"latency_ms"`
	PriceUSD  float64 `json:"price_usd" bson:"price_usd" firestore:"price_usd"`
	Error     string  `json:"error,omitempty" bson:"error,omitempty" firestore:"error,omitempty"`
	Score     float64 `json:"score" bson:"score" firestore:"score"`
}

// Fail downgrades the candidate. Failed candidates never carry an answer.
func (c *CandidateResult) Fail(reason string) {
	c.OK = false
	c.Answer = ""
	c.Error = reason
}

// PromptUnit is one prompt of a bulk batch.
type PromptUnit struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Tier     pricing.Tier `json:"tier"`
	Priority Priority     `json:"priority"`
}

// Bid is a provider's pre-execution offer for one prompt.
type Bid struct {
	ModelID          string    `json:"modelId"`
	ModelName        string    `json:"modelName"`
	BidScore         int       `json:"bidScore"`
	EstimatedPrice   float64   `json:"estimatedPrice"`
	EstimatedLatency int64     `json:"estimatedLatency"`
	Rationale        string    `json:"rationale"`
	Quality          Quality   `json:"quality"`
	PriceTier        PriceTier `json:"priceTier"`
	Description      string    `json:"description,omitempty"`
	ActualPrice      *float64  `json:"actualPrice"`
}

type AlternativeBid struct {
	ModelName      string    `json:"modelName"`
	EstimatedPrice float64   `json:"estimatedPrice"`
	Quality        Quality   `json:"quality"`
	PriceTier      PriceTier `json:"priceTier"`
	Rationale      string    `json:"rationale"`
}

type WinningBid struct {
	ModelID   string    `json:"modelId"`
	ModelName string    `json:"modelName"`
	Answer    string    `json:"answer"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	PriceUSD  float64   `json:"price_usd"`
	BidScore  int       `json:"bidScore"`
	Rationale string    `json:"rationale"`
	Quality   Quality   `json:"quality"`
	PriceTier PriceTier `json:"priceTier"`
}

const (
	OutcomeSettled = "settled"
	OutcomeFailed  = "failed"
)

// AuctionOutcome is the bulk-mode result for one prompt.
type AuctionOutcome struct {
	PromptID        string           `json:"promptId"`
	Prompt          string           `json:"prompt"`
	Tier            pricing.Tier     `json:"tier"`
	Priority        Priority         `json:"priority"`
	Status          string           `json:"status"`
	Winner          *WinningBid      `json:"winner"`
	AllBids         []Bid            `json:"allBids"`
	AgonaCut        float64          `json:"agonaCut"`
	ModelRevenue    float64          `json:"modelRevenue"`
	MarketPrice     float64          `json:"marketPrice"`
	SavingsVsMarket float64          `json:"savingsVsMarket"`
	SavingsPct      float64          `json:"savingsPct"`
	AlternativeBids []AlternativeBid `json:"alternativeBids"`
	Error           string           `json:"error,omitempty"`
}

type BatchSummary struct {
	TotalPrompts   int     `json:"totalPrompts"`
	SettledPrompts int     `json:"settledPrompts"`
	FailedPrompts  int     `json:"failedPrompts"`
	TotalCost      float64 `json:"totalCost"`
	AgonaRevenue   float64 `json:"agonaRevenue"`
	ModelRevenue   float64 `json:"modelRevenue"`
	AgonaCutPct    float64 `json:"agonaCutPct"`
}

type QueryRequest struct {
	Prompt string `json:"prompt"`
}

type BulkQueryRequest struct {
	Prompts []string `json:"prompts"`
}

type QueryResponse struct {
	OK                    bool              `json:"ok"`
	RequestID             string            `json:"request_id"`
	Winner                *string           `json:"winner"`
	ModelID               *string           `json:"model_id"`
	LatencyMs             *int64            `json:"latency_ms"`
	Results               []CandidateResult `json:"results"`
	Answer                string            `json:"answer"`
	SavingsUSD            float64           `json:"savings_usd"`
	SavingsPct            *float64          `json:"savings_pct"`
	SavingsPer1kTokensUSD float64           `json:"savings_per_1k_tokens_usd"`
}

type BulkResponse struct {
	OK        bool             `json:"ok"`
	RequestID string           `json:"request_id"`
	Results   []AuctionOutcome `json:"results"`
	Summary   BatchSummary     `json:"summary"`
}

// QueryLog is the telemetry record written after a decided query.
type QueryLog struct {
	RequestID             string            `json:"request_id" bson:"request_id" firestore:"request_id"`
	PromptID              string            `json:"prompt_id,omitempty" bson:"prompt_id,omitempty" firestore:"prompt_id,omitempty"`
	Mode                  string            `json:"mode" bson:"mode" firestore:"mode"`
	Prompt                string            `json:"prompt" bson:"prompt" firestore:"prompt"`
	Answer                string            `json:"answer" bson:"answer" firestore:"answer"`
	ModelID               *string           `json:"model_id" bson:"model_id" firestore:"model_id"`
	LatencyMs             *int64            `json:"latency_ms" bson:"latency_ms" firestore:"latency_ms"`
	Providers             []CandidateResult `json:"providers" bson:"providers" firestore:"providers"`
	Winner                *string           `json:"winner" bson:"winner" firestore:"winner"`
	SavingsUSD            float64           `json:"savings_usd" bson:"savings_usd" firestore:"savings_usd"`
	SavingsPct            *float64          `json:"savings_pct" bson:"savings_pct" firestore:"savings_pct"`
	SavingsPer1kTokensUSD float64           `json:"savings_per_1k_tokens_usd" bson:"savings_per_1k_tokens_usd" firestore:"savings_per_1k_tokens_usd"`
	CreatedAt             time.Time         `json:"created_at" bson:"created_at" firestore:"created_at"`
}

// DocID identifies the record within a sink. Bulk batches write one record
// per prompt under the same request id.
func (q QueryLog) DocID() string {
	if q.PromptID == "" {
		return q.RequestID
	}
	return q.RequestID + "_" + q.PromptID
}

const (
	ModeSingle = "single"
	ModeBulk   = "bulk"
)
