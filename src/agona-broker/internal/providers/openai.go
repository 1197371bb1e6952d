package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
	"github.com/mhiscox/agona/src/internal/httpclient"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-4o-mini"
	openAIBackoff        = 400 * time.Millisecond
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Backoff time.Duration
}

// OpenAI calls the chat completions endpoint.
type OpenAI struct {
	cfg    OpenAIConfig
	client *httpclient.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = openAIBackoff
	}
	return &OpenAI{
		cfg:    cfg,
		client: httpclient.NewClientWithRetry("openai", 0, httpclient.FixedRetryConfig(1, cfg.Backoff)),
	}
}

func (a *OpenAI) ID() string { return "openai:" + a.cfg.Model }

func (a *OpenAI) ModelID() string { return a.cfg.Model }

func (a *OpenAI) Configured() bool { return a.cfg.APIKey != "" }

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *OpenAI) Call(ctx context.Context, prompt string) model.CandidateResult {
	if !a.Configured() {
		return missing(a.ID(), a.cfg.Model, "Missing OPENAI_API_KEY")
	}
	return invoke(ctx, a.ID(), a.cfg.Model, a.cfg.Timeout, func(ctx context.Context) (string, error) {
		var out chatCompletionResponse
		var errBody openAIErrorBody
		err := httpclient.NewRequest(http.MethodPost, a.cfg.BaseURL).
			Path("/chat/completions").
			Bearer(a.cfg.APIKey).
			JSON(chatCompletionRequest{
				Model:       a.cfg.Model,
				Temperature: 0,
				Messages:    brandMessages(prompt),
			}).
			ErrorJSON(&errBody).
			Context(ctx).
			ExecuteJSON(a.client, &out)
		if err != nil {
			return "", openAIError(err, errBody)
		}
		if len(out.Choices) == 0 {
			return "", nil
		}
		return out.Choices[0].Message.Content, nil
	})
}

// openAIError prefers the API's own message over the raw status line.
func openAIError(err error, body openAIErrorBody) error {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) && body.Error.Message != "" {
		return errors.Newf("openai: %s (HTTP %d)", body.Error.Message, httpErr.StatusCode)
	}
	return errors.Wrap(err, "openai")
}
