package cost

import (
	"math"
	"testing"

	"fathom/internal/core"
)

func TestEstimateTokenCount(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n\t  ", 0},
		{"seven chars", "abcdefg", 2},
		{"exact multiple", "abcdefgabcdefg", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokenCount(tt.text); got != tt.want {
				t.Errorf("EstimateTokenCount(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestPricingForUnknownModel(t *testing.T) {
	p := PricingFor("some-future-model")
	if p.InputCostPer1MTokens <= 0 || p.OutputCostPer1MTokens <= 0 {
		t.Error("fallback pricing must be non-zero")
	}
}

func TestCostOf(t *testing.T) {
	usage := core.TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	got := CostOf("gemini-1.5-flash", usage)
	want := 0.075 + 0.30
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("CostOf() = %f, want %f", got, want)
	}
}

func TestTrackerAccumulates(t *testing.T) {
	tracker := NewTracker()
	tracker.Record("gemini-1.5-flash", core.TokenUsage{InputTokens: 500_000, OutputTokens: 100_000})
	tracker.Record("gemini-2.5-pro", core.TokenUsage{InputTokens: 200_000, OutputTokens: 50_000})

	usage := tracker.Usage()
	if usage.InputTokens != 700_000 || usage.OutputTokens != 150_000 {
		t.Errorf("unexpected totals: %+v", usage)
	}

	wantCost := CostOf("gemini-1.5-flash", core.TokenUsage{InputTokens: 500_000, OutputTokens: 100_000}) +
		CostOf("gemini-2.5-pro", core.TokenUsage{InputTokens: 200_000, OutputTokens: 50_000})
	if math.Abs(tracker.CostUSD()-wantCost) > 1e-9 {
		t.Errorf("CostUSD() = %f, want %f", tracker.CostUSD(), wantCost)
	}

	byModel := tracker.ByModel()
	if len(byModel) != 2 {
		t.Fatalf("expected 2 models, got %d", len(byModel))
	}
	if byModel["gemini-2.5-pro"].InputTokens != 200_000 {
		t.Errorf("per-model breakdown wrong: %+v", byModel["gemini-2.5-pro"])
	}
}

func TestTrackerExceeds(t *testing.T) {
	tracker := NewTracker()
	tracker.Record("gemini-2.5-pro", core.TokenUsage{InputTokens: 10_000_000, OutputTokens: 1_000_000})

	if !tracker.Exceeds(1.0) {
		t.Error("expected budget of $1 to be exceeded")
	}
	if tracker.Exceeds(0) {
		t.Error("zero budget means unlimited")
	}
	if tracker.Exceeds(1000) {
		t.Error("large budget should not be exceeded")
	}
}
