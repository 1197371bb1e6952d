package service

import (
	"math"
	"strings"
	"testing"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

func TestScoreCandidate(t *testing.T) {
	long := strings.Repeat("w", 31)

	tests := []struct {
		name string
		c    model.CandidateResult
		want float64
	}{
		{name: "failed", c: model.CandidateResult{LatencyMs: 5000, PriceUSD: 1}, want: 0},
		{name: "ok only", c: model.CandidateResult{OK: true, Answer: "short", LatencyMs: 3000, PriceUSD: 0.0003}, want: 1},
		{name: "long answer", c: model.CandidateResult{OK: true, Answer: long, LatencyMs: 3000, PriceUSD: 0.0003}, want: 2},
		{name: "fast", c: model.CandidateResult{OK: true, Answer: "short", LatencyMs: 2999, PriceUSD: 0.0003}, want: 1.5},
		{name: "cheap at threshold", c: model.CandidateResult{OK: true, Answer: "short", LatencyMs: 3000, PriceUSD: 0.0002}, want: 1.5},
		{name: "everything", c: model.CandidateResult{OK: true, Answer: long, LatencyMs: 10, PriceUSD: 0}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreCandidate(tt.c); got != tt.want {
				t.Errorf("ScoreCandidate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPickWinner(t *testing.T) {
	tests := []struct {
		name  string
		cands []model.CandidateResult
		want  int
	}{
		{
			name: "equal score, lower price wins",
			cands: []model.CandidateResult{
				{ID: "A", OK: true, PriceUSD: 0.0001, LatencyMs: 400, Score: 2},
				{ID: "B", OK: true, PriceUSD: 0.00005, LatencyMs: 900, Score: 2},
				{ID: "C", OK: false, Score: 0},
			},
			want: 1,
		},
		{
			name: "equal score and price, lower latency wins",
			cands: []model.CandidateResult{
				{ID: "A", OK: true, PriceUSD: 0.0001, LatencyMs: 900, Score: 2},
				{ID: "B", OK: true, PriceUSD: 0.0001, LatencyMs: 400, Score: 2},
			},
			want: 1,
		},
		{
			name: "higher score beats cheaper",
			cands: []model.CandidateResult{
				{ID: "A", OK: true, PriceUSD: 0.0001, LatencyMs: 900, Score: 2.5},
				{ID: "B", OK: true, PriceUSD: 0.00001, LatencyMs: 100, Score: 2},
			},
			want: 0,
		},
		{
			name: "exact tie keeps the earlier candidate",
			cands: []model.CandidateResult{
				{ID: "A", OK: true, PriceUSD: 0.0001, LatencyMs: 400, Score: 2},
				{ID: "B", OK: true, PriceUSD: 0.0001, LatencyMs: 400, Score: 2},
			},
			want: 0,
		},
		{
			name: "failed candidate never wins",
			cands: []model.CandidateResult{
				{ID: "A", OK: false, Score: 9},
				{ID: "B", OK: true, Score: 1},
			},
			want: 1,
		},
		{
			name: "no ok candidate",
			cands: []model.CandidateResult{
				{ID: "A", Error: "timeout after 8000ms"},
				{ID: "B", Error: "Missing OPENAI_API_KEY"},
			},
			want: -1,
		},
		{name: "empty", want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PickWinner(tt.cands)
			if got != tt.want {
				t.Fatalf("PickWinner() = %d, want %d", got, tt.want)
			}
			if got < 0 {
				return
			}
			for _, c := range tt.cands {
				if c.OK && c.Score > tt.cands[got].Score {
					t.Errorf("winner score %v below ok candidate %s score %v", tt.cands[got].Score, c.ID, c.Score)
				}
			}
		})
	}
}

func TestComputeSavings(t *testing.T) {
	t.Run("against cheapest other ok candidate", func(t *testing.T) {
		cands := []model.CandidateResult{
			{ID: "A", OK: true, PriceUSD: 0.000006},
			{ID: "B", OK: true, PriceUSD: 0.000001},
			{ID: "C", OK: true, PriceUSD: 0.000004},
			{ID: "D", OK: false, PriceUSD: 0.0000001},
		}
		s := ComputeSavings(cands, 1)

		if math.Abs(s.USD-0.000003) > 1e-12 {
			t.Errorf("USD = %v, want 0.000003", s.USD)
		}
		if s.Pct == nil || *s.Pct != 75 {
			t.Errorf("Pct = %v, want 75", s.Pct)
		}
		if math.Abs(s.Per1K-0.003) > 1e-12 {
			t.Errorf("Per1K = %v, want 0.003", s.Per1K)
		}
	})

	t.Run("winner dearer than alternatives saves nothing", func(t *testing.T) {
		cands := []model.CandidateResult{
			{ID: "A", OK: true, PriceUSD: 0.00001},
			{ID: "B", OK: true, PriceUSD: 0.000002},
		}
		s := ComputeSavings(cands, 0)
		if s.USD != 0 {
			t.Errorf("USD = %v, want 0", s.USD)
		}
		if s.Pct == nil || *s.Pct != 0 {
			t.Errorf("Pct = %v, want 0", s.Pct)
		}
	})

	t.Run("sole ok candidate", func(t *testing.T) {
		cands := []model.CandidateResult{
			{ID: "A", OK: true, PriceUSD: 0.00001},
			{ID: "B", Error: "empty response"},
		}
		s := ComputeSavings(cands, 0)
		if s.USD != 0 {
			t.Errorf("USD = %v, want 0", s.USD)
		}
		if s.Pct == nil || *s.Pct != 0 {
			t.Errorf("Pct = %v, want 0", s.Pct)
		}
	})

	t.Run("zero baseline has no percentage", func(t *testing.T) {
		cands := []model.CandidateResult{
			{ID: "A", OK: true, PriceUSD: 0},
			{ID: "B", OK: true, PriceUSD: 0},
		}
		s := ComputeSavings(cands, 0)
		if s.Pct != nil {
			t.Errorf("Pct = %v, want nil", *s.Pct)
		}
	})

	t.Run("no winner", func(t *testing.T) {
		s := ComputeSavings(nil, -1)
		if s.USD != 0 || s.Pct != nil || s.Per1K != 0 {
			t.Errorf("ComputeSavings(-1) = %+v, want zero", s)
		}
	})
}

func TestValid(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		answer string
		want   bool
	}{
		{name: "empty answer", prompt: "hi", answer: "   ", want: false},
		{name: "ordinary prompt accepts anything", prompt: "Capital of France?", answer: "Paris.", want: true},
		{
			name:   "self-referential on brand",
			prompt: "In one sentence, what does Agona do?",
			answer: "Agona routes each call to the LLM with the best price and latency.",
			want:   true,
		},
		{
			name:   "self-referential mentions only one dimension",
			prompt: "What does this service offer?",
			answer: "It picks the fastest language model by speed.",
			want:   false,
		},
		{
			name:   "self-referential without a model",
			prompt: "what do you do",
			answer: "I compare price, latency and quality.",
			want:   false,
		},
		{
			name:   "self-referential off brand",
			prompt: "Tell me about AGONA",
			answer: "I don't know.",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.prompt, tt.answer); got != tt.want {
				t.Errorf("Valid(%q, %q) = %v, want %v", tt.prompt, tt.answer, got, tt.want)
			}
		})
	}
}
