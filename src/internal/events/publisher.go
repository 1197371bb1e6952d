// Package events publishes broker lifecycle events to HTTP webhooks.
package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mhiscox/agona/src/internal/httpclient"
)

const anyEvent = "*"

// Publisher delivers events to registered webhooks. Delivery failures are
// logged and never returned, a broken sink must not fail a query.
type Publisher struct {
	source string
	client *httpclient.Client
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]string // event type (or "*") -> webhook URL
}

func NewPublisher(source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		source:    source,
		client:    httpclient.NewClientWithRetry(source+"-events", 5*time.Second, httpclient.FixedRetryConfig(1, 200*time.Millisecond)),
		logger:    logger,
		endpoints: make(map[string]string),
	}
}

// RegisterEndpoint routes one event type to a webhook.
func (p *Publisher) RegisterEndpoint(eventType, webhookURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[eventType] = webhookURL
}

// RegisterDefault routes every event type without its own endpoint.
func (p *Publisher) RegisterDefault(webhookURL string) {
	p.RegisterEndpoint(anyEvent, webhookURL)
}

func (p *Publisher) endpoint(eventType string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if url, ok := p.endpoints[eventType]; ok {
		return url, true
	}
	url, ok := p.endpoints[anyEvent]
	return url, ok
}

func (p *Publisher) Publish(ctx context.Context, eventType string, data Payload) error {
	envelope := Envelope{
		EventID:        "evt_" + uuid.NewString(),
		EventType:      eventType,
		SchemaVersion:  "1.0",
		IdempotencyKey: eventType + "_" + data.Key(),
		Timestamp:      time.Now().UTC(),
		Source:         p.source,
		Data:           data,
	}

	p.logger.DebugContext(ctx, "event_published",
		"event_id", envelope.EventID,
		"event_type", envelope.EventType,
		"idempotency_key", envelope.IdempotencyKey,
	)

	if url, ok := p.endpoint(eventType); ok {
		p.sendWebhook(ctx, url, envelope)
	}
	return nil
}

func (p *Publisher) sendWebhook(ctx context.Context, url string, envelope Envelope) {
	resp, err := httpclient.NewRequest(http.MethodPost, url).
		Header("X-Event-ID", envelope.EventID).
		Header("X-Event-Type", envelope.EventType).
		Header("Idempotency-Key", envelope.IdempotencyKey).
		JSON(envelope).
		Context(ctx).
		Execute(p.client)
	if err != nil {
		p.logger.WarnContext(ctx, "webhook_failed",
			"url", url,
			"event_type", envelope.EventType,
			"error", err,
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.logger.WarnContext(ctx, "webhook_error",
			"url", url,
			"event_type", envelope.EventType,
			"status", resp.StatusCode,
		)
	}
}
