package agents

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"fathom/internal/core"
	"fathom/internal/llm"
	"fathom/internal/logger"
)

const (
	// DefaultMaxSourcesToAnalyze caps how many sources get a finding
	// extraction call per iteration.
	DefaultMaxSourcesToAnalyze = 20

	// dedupPrefixLen is how many normalized characters of a claim decide
	// duplicate status.
	dedupPrefixLen = 50

	// analysisSnippetLen bounds how much source text goes into a prompt.
	analysisSnippetLen = 4000

	// Sufficiency sub-score weights.
	weightCoverage  = 0.4
	weightQuality   = 0.3
	weightDiversity = 0.2
	weightFreshness = 0.1
)

// Analyzer extracts findings from collected sources, identifies information
// gaps, and judges whether the evidence is sufficient. Every LLM step
// degrades to a deterministic path on failure.
type Analyzer struct {
	gen        llm.TextGenerator
	model      string
	maxSources int
	threshold  float64
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithAnalyzerModel overrides the model used for analysis calls.
func WithAnalyzerModel(model string) AnalyzerOption {
	return func(a *Analyzer) { a.model = model }
}

// WithMaxSourcesToAnalyze caps per-iteration finding extraction.
func WithMaxSourcesToAnalyze(n int) AnalyzerOption {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxSources = n
		}
	}
}

// NewAnalyzer creates an analysis agent. threshold is the sufficiency score
// at which research stops.
func NewAnalyzer(gen llm.TextGenerator, threshold float64, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		gen:        gen,
		maxSources: DefaultMaxSourcesToAnalyze,
		threshold:  threshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnalysisOutcome is one analysis pass over the session state.
type AnalysisOutcome struct {
	NewFindings       int
	Gaps              []core.InformationGap
	Score             core.SufficiencyScore
	NeedsMoreResearch bool
	Usage             core.TokenUsage
	Warnings          []string
}

// Analyze runs finding extraction, deduplication, gap analysis, and the
// sufficiency judgment, mutating state in place.
func (a *Analyzer) Analyze(ctx context.Context, state *core.ResearchState) AnalysisOutcome {
	var outcome AnalysisOutcome

	outcome.NewFindings = a.extractFindings(ctx, state, &outcome)
	state.Findings = dedupFindings(state.Findings)

	gaps, llmCoverage := a.analyzeGaps(ctx, state, &outcome)
	state.Gaps = gaps
	outcome.Gaps = gaps

	score := a.evaluateSufficiency(ctx, state, llmCoverage, &outcome)
	score.NewFindings = outcome.NewFindings
	score.EvaluatedAt = time.Now().UTC()
	state.Sufficiency = &score
	outcome.Score = score

	outcome.NeedsMoreResearch = !score.IsSufficient(a.threshold) && len(gaps) > 0
	return outcome
}

type findingsResponse struct {
	Findings []struct {
		Claim      string  `json:"claim"`
		Evidence   string  `json:"evidence"`
		Confidence float64 `json:"confidence"`
	} `json:"findings"`
}

func (a *Analyzer) extractFindings(ctx context.Context, state *core.ResearchState, outcome *AnalysisOutcome) int {
	sources := unanalyzedSources(state)
	if len(sources) > a.maxSources {
		sources = sources[:a.maxSources]
	}

	added := 0
	for _, src := range sources {
		prompt := fmt.Sprintf(`Extract the factual claims from the source below that bear on the research question. For each claim include a short supporting quote and a confidence between 0.0 and 1.0.

Research question: %s

Source title: %s
Source content:
%s

Respond with JSON only:
{"findings": [{"claim": "...", "evidence": "verbatim quote", "confidence": 0.8}]}`,
			state.Request.Query, src.Title, snippet(src.Content, analysisSnippetLen))

		var parsed findingsResponse
		resp, err := llm.GenerateStructured(ctx, a.gen, prompt, llm.Options{
			Model:       a.model,
			Temperature: 0.2,
		}, &parsed)
		if resp != nil {
			outcome.Usage.Add(resp.Usage)
		}
		if err != nil {
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("finding extraction (%s): %v", src.URL, err))
			state.RecordError("finding extraction "+src.URL, err)
			continue
		}

		for _, f := range parsed.Findings {
			claim := strings.TrimSpace(f.Claim)
			if claim == "" {
				continue
			}
			finding := core.Finding{
				ID:                uuid.NewString(),
				Claim:             claim,
				SourceID:          src.ID,
				Evidence:          f.Evidence,
				VerificationScore: clampUnit(f.Confidence),
				Verified:          f.Confidence >= 0.7,
				Iteration:         state.CurrentIteration,
				DiscoveredAt:      time.Now().UTC(),
			}
			if err := state.AddFinding(finding); err == nil {
				added++
			}
		}
	}
	return added
}

// unanalyzedSources returns sources that contributed no findings yet,
// newest first so the current iteration's material leads.
func unanalyzedSources(state *core.ResearchState) []core.SourceDocument {
	analyzed := make(map[string]bool, len(state.Findings))
	for _, f := range state.Findings {
		analyzed[f.SourceID] = true
	}
	var out []core.SourceDocument
	for i := len(state.CollectedSources) - 1; i >= 0; i-- {
		src := state.CollectedSources[i]
		if !analyzed[src.ID] && strings.TrimSpace(src.Content) != "" {
			out = append(out, src)
		}
	}
	return out
}

// dedupFindings drops findings whose normalized 50-character claim prefix
// matches an earlier one, keeping whichever has the higher score.
func dedupFindings(findings []core.Finding) []core.Finding {
	best := make(map[string]int, len(findings)) // prefix -> index into out
	var out []core.Finding
	for _, f := range findings {
		key := claimPrefix(f.Claim)
		if idx, ok := best[key]; ok {
			if f.VerificationScore > out[idx].VerificationScore {
				out[idx] = f
			}
			continue
		}
		best[key] = len(out)
		out = append(out, f)
	}
	return out
}

func claimPrefix(claim string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(claim), " "))
	runes := []rune(normalized)
	if len(runes) > dedupPrefixLen {
		runes = runes[:dedupPrefixLen]
	}
	return string(runes)
}

type gapsResponse struct {
	Gaps []struct {
		Description    string `json:"description"`
		Priority       string `json:"priority"`
		SuggestedQuery string `json:"suggested_query"`
	} `json:"gaps"`
	Coverage float64 `json:"coverage"`
}

func (a *Analyzer) analyzeGaps(ctx context.Context, state *core.ResearchState, outcome *AnalysisOutcome) ([]core.InformationGap, float64) {
	prompt := fmt.Sprintf(`Given the research question and the findings gathered so far, identify what information is still missing. For each gap give a priority (high, medium, low) and one concrete search query that would fill it. Also estimate coverage of the question so far between 0.0 and 1.0.

Research question: %s

Findings:
%s

Respond with JSON only:
{"gaps": [{"description": "...", "priority": "high", "suggested_query": "..."}], "coverage": 0.6}`,
		state.Request.Query, findingsDigest(state.Findings))

	var parsed gapsResponse
	resp, err := llm.GenerateStructured(ctx, a.gen, prompt, llm.Options{
		Model:       a.model,
		Temperature: 0.3,
	}, &parsed)
	if resp != nil {
		outcome.Usage.Add(resp.Usage)
	}
	if err != nil {
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("gap analysis: %v", err))
		state.RecordError("gap analysis", err)
		return nil, -1
	}

	now := time.Now().UTC()
	var gaps []core.InformationGap
	for _, g := range parsed.Gaps {
		if strings.TrimSpace(g.Description) == "" {
			continue
		}
		gaps = append(gaps, core.InformationGap{
			Description:    strings.TrimSpace(g.Description),
			Priority:       core.ParseGapPriority(g.Priority),
			SuggestedQuery: strings.TrimSpace(g.SuggestedQuery),
			IdentifiedAt:   now,
		})
	}
	return gaps, clampUnit(parsed.Coverage)
}

type sufficiencyResponse struct {
	Coverage  float64 `json:"coverage"`
	Quality   float64 `json:"quality"`
	Diversity float64 `json:"diversity"`
	Freshness float64 `json:"freshness"`
	Rationale string  `json:"rationale"`
}

func (a *Analyzer) evaluateSufficiency(ctx context.Context, state *core.ResearchState, llmCoverage float64, outcome *AnalysisOutcome) core.SufficiencyScore {
	prompt := fmt.Sprintf(`Judge whether the evidence below sufficiently answers the research question. Score each dimension between 0.0 and 1.0. Freshness may be 0 when recency is irrelevant to the question.

Research question: %s
Sources collected: %d
Findings:
%s

Respond with JSON only:
{"coverage": 0.0, "quality": 0.0, "diversity": 0.0, "freshness": 0.0, "rationale": "..."}`,
		state.Request.Query, len(state.CollectedSources), findingsDigest(state.Findings))

	var parsed sufficiencyResponse
	resp, err := llm.GenerateStructured(ctx, a.gen, prompt, llm.Options{
		Model:       a.model,
		Temperature: 0.1,
	}, &parsed)
	if resp != nil {
		outcome.Usage.Add(resp.Usage)
	}
	if err != nil {
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("sufficiency evaluation: %v", err))
		state.RecordError("sufficiency evaluation", err)
		return a.heuristicScore(state, llmCoverage)
	}

	score := core.SufficiencyScore{
		Coverage:        clampUnit(parsed.Coverage),
		Quality:         clampUnit(parsed.Quality),
		SourceDiversity: clampUnit(parsed.Diversity),
		Freshness:       clampUnit(parsed.Freshness),
	}
	score.Overall = weightedOverall(score)
	logger.Debug("sufficiency evaluated",
		"overall", fmt.Sprintf("%.2f", score.Overall), "rationale", parsed.Rationale)
	return score
}

// weightedOverall combines sub-scores 0.4/0.3/0.2/0.1, renormalizing when
// freshness was not evaluated.
func weightedOverall(s core.SufficiencyScore) float64 {
	sum := s.Coverage*weightCoverage + s.Quality*weightQuality + s.SourceDiversity*weightDiversity
	total := weightCoverage + weightQuality + weightDiversity
	if s.Freshness > 0 {
		sum += s.Freshness * weightFreshness
		total += weightFreshness
	}
	return sum / total
}

// heuristicScore is the deterministic fallback: coverage from gap density
// (or the gap agent's own estimate when it succeeded), quality fixed at 0.5,
// diversity from distinct domains over source count.
func (a *Analyzer) heuristicScore(state *core.ResearchState, llmCoverage float64) core.SufficiencyScore {
	coverage := llmCoverage
	if coverage < 0 {
		coverage = 1.0
		if len(state.Findings) > 0 {
			density := float64(len(state.Gaps)) / float64(len(state.Findings))
			coverage = clampUnit(1.0 - density)
		} else if len(state.Gaps) > 0 {
			coverage = 0
		}
	}

	diversity := 0.0
	if n := len(state.CollectedSources); n > 0 {
		domains := make(map[string]bool, n)
		for _, src := range state.CollectedSources {
			if u, err := url.Parse(src.URL); err == nil {
				domains[u.Hostname()] = true
			}
		}
		diversity = float64(len(domains)) / float64(n)
	}

	score := core.SufficiencyScore{
		Coverage:        coverage,
		Quality:         0.5,
		SourceDiversity: diversity,
	}
	score.Overall = weightedOverall(score)
	return score
}

func findingsDigest(findings []core.Finding) string {
	if len(findings) == 0 {
		return "(none yet)"
	}
	var b strings.Builder
	for i, f := range findings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f.Claim)
	}
	return b.String()
}

func snippet(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
