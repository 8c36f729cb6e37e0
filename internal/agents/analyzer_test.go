package agents

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"fathom/internal/core"
	"fathom/internal/llm"
)

func stateWithSources(t *testing.T, n int) *core.ResearchState {
	t.Helper()
	state := core.NewResearchState(testRequest())
	urls := []string{
		"https://example.com/a", "https://research.edu/b", "https://example.com/c",
		"https://journal.org/d", "https://news.net/e",
	}
	for i := 0; i < n; i++ {
		ok := state.AddSource(core.SourceDocument{
			ID:      "src-" + string(rune('a'+i)),
			URL:     urls[i%len(urls)] + string(rune('0'+i)),
			Title:   "Source",
			Content: "Offshore wind farms alter local fish populations through reef effects.",
		})
		if !ok {
			t.Fatalf("source %d not added", i)
		}
	}
	return state
}

func TestAnalyzerExtractsFindingsAndGaps(t *testing.T) {
	// One finding call per source, then gaps, then sufficiency.
	mock := llm.NewMockGenerator(
		`{"findings": [{"claim": "Turbine foundations act as artificial reefs", "evidence": "reef effects", "confidence": 0.9}]}`,
		`{"gaps": [{"description": "no long-term data", "priority": "HIGH", "suggested_query": "long term offshore wind fisheries study"}], "coverage": 0.6}`,
		`{"coverage": 0.6, "quality": 0.7, "diversity": 0.5, "freshness": 0.0, "rationale": "partial"}`,
	)

	state := stateWithSources(t, 1)
	analyzer := NewAnalyzer(mock, 0.8)
	outcome := analyzer.Analyze(context.Background(), state)

	if outcome.NewFindings != 1 || len(state.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d (state %d)", outcome.NewFindings, len(state.Findings))
	}
	if !state.Findings[0].Verified {
		t.Error("confidence 0.9 should mark the finding verified")
	}
	if len(outcome.Gaps) != 1 || outcome.Gaps[0].Priority != core.GapPriorityHigh {
		t.Errorf("gap priority not parsed: %v", outcome.Gaps)
	}

	// Freshness 0 means the weights renormalize over 0.9.
	want := (0.6*0.4 + 0.7*0.3 + 0.5*0.2) / 0.9
	if math.Abs(outcome.Score.Overall-want) > 1e-9 {
		t.Errorf("overall = %f, want %f", outcome.Score.Overall, want)
	}
	if !outcome.NeedsMoreResearch {
		t.Error("score below threshold with gaps should need more research")
	}
}

func TestAnalyzerFreshnessIncludedWhenPresent(t *testing.T) {
	score := core.SufficiencyScore{Coverage: 1, Quality: 1, SourceDiversity: 1, Freshness: 1}
	if got := weightedOverall(score); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("all-ones overall = %f, want 1.0", got)
	}
}

func TestAnalyzerHeuristicFallback(t *testing.T) {
	mock := llm.NewMockGenerator().WithError(errors.New("model down"))

	state := stateWithSources(t, 4)
	analyzer := NewAnalyzer(mock, 0.8)
	outcome := analyzer.Analyze(context.Background(), state)

	if outcome.NewFindings != 0 {
		t.Errorf("expected no findings on failure, got %d", outcome.NewFindings)
	}
	if outcome.Score.Quality != 0.5 {
		t.Errorf("heuristic quality = %f, want 0.5", outcome.Score.Quality)
	}
	// 4 sources across 4 distinct hosts.
	if math.Abs(outcome.Score.SourceDiversity-1.0) > 1e-9 {
		t.Errorf("diversity = %f, want 1.0", outcome.Score.SourceDiversity)
	}
	if outcome.NeedsMoreResearch {
		t.Error("no gaps means no more research regardless of score")
	}
	if len(state.Errors) == 0 {
		t.Error("soft failures should be recorded on state")
	}
}

func TestAnalyzerRespectsSourceCap(t *testing.T) {
	responses := make([]string, 0, 6)
	for i := 0; i < 2; i++ {
		responses = append(responses, `{"findings": [{"claim": "claim `+string(rune('a'+i))+` unique text for this source", "confidence": 0.5}]}`)
	}
	responses = append(responses,
		`{"gaps": [], "coverage": 0.9}`,
		`{"coverage": 0.9, "quality": 0.9, "diversity": 0.9, "freshness": 0, "rationale": "good"}`,
	)
	mock := llm.NewMockGenerator(responses...)

	state := stateWithSources(t, 5)
	analyzer := NewAnalyzer(mock, 0.8, WithMaxSourcesToAnalyze(2))
	analyzer.Analyze(context.Background(), state)

	// 2 capped finding calls + gaps + sufficiency.
	if mock.CallCount() != 4 {
		t.Errorf("expected 4 LLM calls, got %d", mock.CallCount())
	}
}

func TestDedupFindingsKeepsHigherScore(t *testing.T) {
	now := time.Now()
	findings := []core.Finding{
		{ID: "f1", Claim: "Offshore wind farms increase local fish biomass near turbine foundations substantially", VerificationScore: 0.4, DiscoveredAt: now},
		{ID: "f2", Claim: "  offshore WIND farms increase local fish biomass near turbine foundations dramatically", VerificationScore: 0.9, DiscoveredAt: now},
		{ID: "f3", Claim: "Fishing effort is displaced during construction", VerificationScore: 0.6, DiscoveredAt: now},
	}

	out := dedupFindings(findings)
	if len(out) != 2 {
		t.Fatalf("expected 2 findings after dedup, got %d", len(out))
	}
	if out[0].ID != "f2" {
		t.Errorf("expected higher-scored duplicate to win, got %s", out[0].ID)
	}
}

func TestClaimPrefixNormalization(t *testing.T) {
	a := claimPrefix("  Hello   World  example claim text ")
	b := claimPrefix("hello world example claim text")
	if a != b {
		t.Errorf("prefixes differ: %q vs %q", a, b)
	}
}

func TestHeuristicScoreCoverageFromGapDensity(t *testing.T) {
	state := core.NewResearchState(testRequest())
	now := time.Now()
	state.Findings = []core.Finding{
		{ID: "f1", Claim: "a", DiscoveredAt: now},
		{ID: "f2", Claim: "b", DiscoveredAt: now},
		{ID: "f3", Claim: "c", DiscoveredAt: now},
		{ID: "f4", Claim: "d", DiscoveredAt: now},
	}
	state.Gaps = []core.InformationGap{{Description: "g1"}}

	analyzer := NewAnalyzer(llm.NewMockGenerator(), 0.8)
	score := analyzer.heuristicScore(state, -1)

	if math.Abs(score.Coverage-0.75) > 1e-9 {
		t.Errorf("coverage = %f, want 0.75", score.Coverage)
	}
}
