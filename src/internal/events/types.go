package events

import "time"

// Envelope wraps every published event.
type Envelope struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	SchemaVersion  string    `json:"schema_version"`
	IdempotencyKey string    `json:"idempotency_key"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	Data           any       `json:"data"`
}

// Payload is implemented by every event body. Key feeds the idempotency key
// so redelivered events for the same request collapse downstream.
type Payload interface {
	Key() string
}

// QueryCompletedData is emitted once per single-mode query.
type QueryCompletedData struct {
	RequestID  string   `json:"request_id"`
	Winner     *string  `json:"winner"`
	LatencyMs  *int64   `json:"latency_ms"`
	Candidates int      `json:"candidates"`
	OKCount    int      `json:"ok_count"`
	SavingsUSD float64  `json:"savings_usd"`
	SavingsPct *float64 `json:"savings_pct"`
}

func (d QueryCompletedData) Key() string { return d.RequestID }

// AuctionSettledData is emitted per settled prompt in a bulk batch.
type AuctionSettledData struct {
	RequestID       string  `json:"request_id"`
	PromptID        string  `json:"prompt_id"`
	Tier            string  `json:"tier"`
	Priority        string  `json:"priority"`
	WinnerModelID   string  `json:"winner_model_id"`
	BidScore        int     `json:"bid_score"`
	ActualPrice     float64 `json:"actual_price"`
	AgonaCut        float64 `json:"agona_cut"`
	ModelRevenue    float64 `json:"model_revenue"`
	SavingsVsMarket float64 `json:"savings_vs_market"`
}

func (d AuctionSettledData) Key() string { return d.RequestID + "/" + d.PromptID }

// AuctionFailedData is emitted when a prompt got no bids or its winner failed.
type AuctionFailedData struct {
	RequestID     string `json:"request_id"`
	PromptID      string `json:"prompt_id"`
	WinnerModelID string `json:"winner_model_id,omitempty"`
	Reason        string `json:"reason"`
}

func (d AuctionFailedData) Key() string { return d.RequestID + "/" + d.PromptID }

const (
	EventQueryCompleted = "query.completed"
	EventAuctionSettled = "auction.settled"
	EventAuctionFailed  = "auction.failed"
)
