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
	DefaultCloudflareBaseURL = "https://api.cloudflare.com/client/v4"
	DefaultCFModel           = "@cf/meta/llama-3.1-8b-instruct"
	DefaultCFAltModel        = "@cf/mistral/mistral-7b-instruct-v0.1"
	cloudflareBackoff        = 500 * time.Millisecond
)

type CloudflareConfig struct {
	AccountID string
	APIToken  string
	BaseURL   string
	Model     string // full slug, e.g. @cf/meta/llama-3.1-8b-instruct
	Timeout   time.Duration
	Backoff   time.Duration
}

// Cloudflare calls Workers AI for one model slug.
type Cloudflare struct {
	cfg    CloudflareConfig
	id     string
	client *httpclient.Client
}

func NewCloudflare(cfg CloudflareConfig) *Cloudflare {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCloudflareBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultCFModel
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = cloudflareBackoff
	}
	return &Cloudflare{
		cfg:    cfg,
		id:     CloudflareID(cfg.Model),
		client: httpclient.NewClientWithRetry("cloudflare", 0, httpclient.FixedRetryConfig(1, cfg.Backoff)),
	}
}

// CloudflareID maps a model slug to its roster id: cf:<last path segment>.
func CloudflareID(slug string) string {
	parts := strings.Split(slug, "/")
	return "cf:" + parts[len(parts)-1]
}

func (a *Cloudflare) ID() string { return a.id }

func (a *Cloudflare) ModelID() string { return a.cfg.Model }

func (a *Cloudflare) Configured() bool {
	return a.cfg.AccountID != "" && a.cfg.APIToken != ""
}

type cloudflareRequest struct {
	Messages []chatMessage `json:"messages"`
	Input    string        `json:"input"`
}

type cloudflareResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		Response string `json:"response"`
		Output   string `json:"output"`
	} `json:"result"`
}

func (r cloudflareResponse) errorMessage() string {
	if len(r.Errors) > 0 && r.Errors[0].Message != "" {
		return r.Errors[0].Message
	}
	return "Cloudflare API error"
}

func (a *Cloudflare) Call(ctx context.Context, prompt string) model.CandidateResult {
	if !a.Configured() {
		return missing(a.id, a.cfg.Model, "Missing CF_ACCOUNT_ID or CF_API_TOKEN")
	}
	return invoke(ctx, a.id, a.cfg.Model, a.cfg.Timeout, func(ctx context.Context) (string, error) {
		var out, errBody cloudflareResponse
		err := httpclient.NewRequest(http.MethodPost, a.cfg.BaseURL).
			Path("/accounts/"+a.cfg.AccountID+"/ai/run/"+a.cfg.Model).
			Bearer(a.cfg.APIToken).
			JSON(cloudflareRequest{Messages: brandMessages(prompt), Input: prompt}).
			ErrorJSON(&errBody).
			Context(ctx).
			ExecuteJSON(a.client, &out)
		if err != nil {
			return "", cloudflareError(err, errBody)
		}
		if !out.Success {
			return "", errors.New(out.errorMessage())
		}
		if out.Result.Response != "" {
			return out.Result.Response, nil
		}
		return out.Result.Output, nil
	})
}

// cloudflareError surfaces the API's own message when an error status
// carries the usual envelope.
func cloudflareError(err error, body cloudflareResponse) error {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) && len(body.Errors) > 0 {
		return errors.New(body.errorMessage())
	}
	return errors.Wrap(err, "cloudflare")
}
