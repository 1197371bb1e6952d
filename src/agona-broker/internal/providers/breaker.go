package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

var errCallFailed = errors.New("provider call failed")

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// modelNamer is implemented by adapters that know their upstream model name.
type modelNamer interface {
	ModelID() string
}

// Guarded puts a circuit breaker in front of an adapter. Unconfigured
// adapters bypass the breaker so missing credentials never trip it.
type Guarded struct {
	inner   Adapter
	modelID string
	cb      *gobreaker.CircuitBreaker[model.CandidateResult]
}

func NewGuarded(inner Adapter, settings BreakerSettings, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.ConsecutiveFailures == 0 {
		settings = DefaultBreakerSettings()
	}
	cb := gobreaker.NewCircuitBreaker[model.CandidateResult](gobreaker.Settings{
		Name:        inner.ID(),
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"provider_id", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	g := &Guarded{inner: inner, cb: cb}
	if n, ok := inner.(modelNamer); ok {
		g.modelID = n.ModelID()
	}
	return g
}

func (g *Guarded) ID() string { return g.inner.ID() }

func (g *Guarded) Configured() bool { return g.inner.Configured() }

func (g *Guarded) State() gobreaker.State { return g.cb.State() }

func (g *Guarded) Call(ctx context.Context, prompt string) model.CandidateResult {
	if !g.inner.Configured() {
		return g.inner.Call(ctx, prompt)
	}
	res, err := g.cb.Execute(func() (model.CandidateResult, error) {
		r := g.inner.Call(ctx, prompt)
		if !r.OK {
			return r, errCallFailed
		}
		return r, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return model.CandidateResult{ID: g.ID(), ModelID: g.modelID, Error: "circuit open for " + g.ID()}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return model.CandidateResult{ID: g.ID(), ModelID: g.modelID, Error: "circuit half-open, probe in flight for " + g.ID()}
	}
	return res
}
