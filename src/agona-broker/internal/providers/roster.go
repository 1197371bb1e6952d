package providers

import (
	"log/slog"
	"strings"
	"time"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

type RosterConfig struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string

	CFAccountID string
	CFAPIToken  string
	CFBaseURL   string
	CFModel     string
	CFAltModel  string

	Timeout time.Duration
	Breaker BreakerSettings
}

// DefaultRoster builds the three-model roster. Order is bid order.
func DefaultRoster(cfg RosterConfig, logger *slog.Logger) []Descriptor {
	adapters := []Adapter{
		NewOpenAI(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.Timeout,
		}),
		NewCloudflare(CloudflareConfig{
			AccountID: cfg.CFAccountID,
			APIToken:  cfg.CFAPIToken,
			BaseURL:   cfg.CFBaseURL,
			Model:     orDefault(cfg.CFModel, DefaultCFModel),
			Timeout:   cfg.Timeout,
		}),
		NewCloudflare(CloudflareConfig{
			AccountID: cfg.CFAccountID,
			APIToken:  cfg.CFAPIToken,
			BaseURL:   cfg.CFBaseURL,
			Model:     orDefault(cfg.CFAltModel, DefaultCFAltModel),
			Timeout:   cfg.Timeout,
		}),
	}

	roster := make([]Descriptor, 0, len(adapters))
	for _, a := range adapters {
		roster = append(roster, Describe(NewGuarded(a, cfg.Breaker, logger)))
	}
	return roster
}

// Describe derives a roster entry from the adapter's id.
func Describe(a Adapter) Descriptor {
	id := a.ID()
	d := Descriptor{ID: id, Adapter: a, EstLatencyMs: 400}
	switch {
	case strings.HasPrefix(id, "openai:"):
		d.Name = "OpenAI GPT-4o-mini"
		d.Quality, d.PriceTier = model.QualityHigh, model.PriceTierHigh
		d.Description = "Premium quality, highest price"
		d.EstLatencyMs = 800
	case strings.Contains(id, "llama"):
		d.Name = "Cloudflare Llama 3.1"
		d.Quality, d.PriceTier = model.QualityHigh, model.PriceTierLow
		d.Description = "High quality, competitive price"
	case strings.Contains(id, "mistral"):
		d.Name = "Cloudflare Mistral 7B"
		d.Quality, d.PriceTier = model.QualityMedium, model.PriceTierLow
		d.Description = "Good quality, lowest price"
	default:
		d.Name = id
		d.Quality, d.PriceTier = model.QualityMedium, model.PriceTierMedium
	}
	return d
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
