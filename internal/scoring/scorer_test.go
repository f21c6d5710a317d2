package scoring

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestClampConfidence(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{7.3, 1},
	}
	for _, c := range cases {
		if got := ClampConfidence(c.in); got != c.want {
			t.Fatalf("clamp(%f) = %f, want %f", c.in, got, c.want)
		}
	}
}

func TestParseJudgmentPlainJSON(t *testing.T) {
	j, err := parseJudgment(`{"reason":"deep liquidity","confidenceScore":0.8,"suggestedAllocationUsd":2500}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if j.Reason != "deep liquidity" || j.Confidence != 0.8 {
		t.Fatalf("unexpected judgment %+v", j)
	}
	if j.SuggestedAllocationUSD == nil || !j.SuggestedAllocationUSD.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("suggested allocation not parsed: %+v", j.SuggestedAllocationUSD)
	}
}

func TestParseJudgmentStripsCodeFences(t *testing.T) {
	j, err := parseJudgment("```json\n{\"reason\":\"ok\",\"confidenceScore\":0.5}\n```")
	if err != nil {
		t.Fatalf("parse fenced: %v", err)
	}
	if j.Confidence != 0.5 {
		t.Fatalf("unexpected confidence %f", j.Confidence)
	}
}

func TestParseJudgmentClampsOutOfRangeConfidence(t *testing.T) {
	j, err := parseJudgment(`{"reason":"overexcited model","confidenceScore":42}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if j.Confidence != 1 {
		t.Fatalf("confidence must be clamped to 1, got %f", j.Confidence)
	}
}

func TestParseJudgmentRejectsNonJSON(t *testing.T) {
	if _, err := parseJudgment("I think you should buy it"); err == nil {
		t.Fatal("prose response must fail to parse")
	}
}
