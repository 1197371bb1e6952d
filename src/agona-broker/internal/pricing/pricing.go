package pricing

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rate is a per-model price in USD per 1M tokens.
type Rate struct {
	Key      string  `yaml:"key" json:"key"`
	InPer1M  float64 `yaml:"in" json:"in"`
	OutPer1M float64 `yaml:"out" json:"out"`
}

// DefaultRates is the built-in table. Order matters: lookup is first-prefix-wins.
var DefaultRates = []Rate{
	{Key: "openai:gpt-4o-mini", InPer1M: 0.15, OutPer1M: 0.60},
	{Key: "cf:llama-3.1-8b-instruct", InPer1M: 0.03, OutPer1M: 0.10},
	{Key: "cf:mistral-7b-instruct-v0.1", InPer1M: 0.03, OutPer1M: 0.08},
}

var perMillion = decimal.NewFromInt(1_000_000)

// Table is an ordered, immutable rate table.
type Table struct {
	rates []Rate
}

// NewTable validates rates and rejects keys that prefix one another, since
// that would make the lookup depend on iteration order.
func NewTable(rates []Rate) (*Table, error) {
	for i, r := range rates {
		if strings.TrimSpace(r.Key) == "" {
			return nil, fmt.Errorf("rate %d: key is required", i)
		}
		if r.InPer1M < 0 || r.OutPer1M < 0 {
			return nil, fmt.Errorf("rate %q: negative price", r.Key)
		}
		for _, prev := range rates[:i] {
			if strings.HasPrefix(r.Key, prev.Key) || strings.HasPrefix(prev.Key, r.Key) {
				return nil, fmt.Errorf("rate %q overlaps %q", r.Key, prev.Key)
			}
		}
	}
	out := make([]Rate, len(rates))
	copy(out, rates)
	return &Table{rates: out}, nil
}

// DefaultTable returns a table over DefaultRates.
func DefaultTable() *Table {
	out := make([]Rate, len(DefaultRates))
	copy(out, DefaultRates)
	return &Table{rates: out}
}

// Lookup returns the first rate whose key is a prefix of id.
func (t *Table) Lookup(id string) (Rate, bool) {
	for _, r := range t.rates {
		if strings.HasPrefix(id, r.Key) {
			return r, true
		}
	}
	return Rate{}, false
}

func (t *Table) Rates() []Rate {
	out := make([]Rate, len(t.rates))
	copy(out, t.rates)
	return out
}

// Estimate returns the USD cost of a call, or 0 when the id has no rate.
// The result is unrounded; callers round for presentation.
func (t *Table) Estimate(id string, inputTokens, outputTokens int) float64 {
	r, ok := t.Lookup(id)
	if !ok {
		return 0
	}
	in := decimal.NewFromInt(int64(max(inputTokens, 0))).Mul(decimal.NewFromFloat(r.InPer1M))
	out := decimal.NewFromInt(int64(max(outputTokens, 0))).Mul(decimal.NewFromFloat(r.OutPer1M))
	return in.Add(out).Div(perMillion).InexactFloat64()
}

type rateFile struct {
	Rates []Rate `yaml:"rates"`
}

// LoadFile reads an ordered rate list from YAML:
//
//	rates:
//	  - key: openai:gpt-4o-mini
//	    in: 0.15
//	    out: 0.60
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var f rateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	if len(f.Rates) == 0 {
		return nil, fmt.Errorf("pricing file %s has no rates", path)
	}
	return NewTable(f.Rates)
}
