package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mhiscox/agona/src/agona-broker/internal/store"
)

type Config struct {
	Port        string
	Environment string

	OpenAIAPIKey  string
	OpenAIBaseURL string

	CFAccountID string
	CFAPIToken  string
	CFBaseURL   string
	CFModel     string
	CFAltModel  string

	ProviderTimeout time.Duration
	BulkConcurrency int

	RateLimitMax    int
	RateLimitWindow time.Duration
	ProbeRateMax    int

	DemoPassword string

	QueryLogBackend    store.Backend
	MongoURI           string
	MongoDB            string
	FirestoreProjectID string
	DatabaseURL        string

	EventsWebhookURL string
	PricingFile      string
}

func Load() (*Config, error) {
	backend, err := store.ParseBackend(getEnv("QUERY_LOG_BACKEND", string(store.BackendMemory)))
	if err != nil {
		return nil, fmt.Errorf("QUERY_LOG_BACKEND: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "production"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		CFAccountID: os.Getenv("CF_ACCOUNT_ID"),
		CFAPIToken:  os.Getenv("CF_API_TOKEN"),
		CFBaseURL:   os.Getenv("CF_BASE_URL"),
		CFModel:     os.Getenv("CF_MODEL"),
		CFAltModel:  os.Getenv("CF_ALT_MODEL"),

		ProviderTimeout: time.Duration(getEnvInt("PROVIDER_TIMEOUT_MS", 8000)) * time.Millisecond,
		BulkConcurrency: getEnvInt("BULK_CONCURRENCY", 4),

		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 10),
		RateLimitWindow: time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		ProbeRateMax:    getEnvInt("PROBE_RATE_LIMIT_MAX", 2),

		DemoPassword: os.Getenv("DEMO_PASSWORD"),

		QueryLogBackend:    backend,
		MongoURI:           getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:            getEnv("MONGO_DB", "agona"),
		FirestoreProjectID: os.Getenv("FIRESTORE_PROJECT_ID"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),

		EventsWebhookURL: os.Getenv("EVENTS_WEBHOOK_URL"),
		PricingFile:      os.Getenv("PRICING_FILE"),
	}

	switch {
	case backend == store.BackendFirestore && cfg.FirestoreProjectID == "":
		return nil, fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend")
	case backend == store.BackendPostgres && cfg.DatabaseURL == "":
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
	}

	return cfg, nil
}

// StoreSettings locates the configured query log backend.
func (c *Config) StoreSettings() store.Settings {
	return store.Settings{
		Backend:            c.QueryLogBackend,
		MongoURI:           c.MongoURI,
		MongoDB:            c.MongoDB,
		FirestoreProjectID: c.FirestoreProjectID,
		DatabaseURL:        c.DatabaseURL,
	}
}

func (c *Config) Development() bool { return c.Environment == "development" }

func (c *Config) HasOpenAI() bool { return c.OpenAIAPIKey != "" }

func (c *Config) HasCloudflare() bool { return c.CFAccountID != "" && c.CFAPIToken != "" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt falls back to the default on unset, malformed or non-positive values.
func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}
