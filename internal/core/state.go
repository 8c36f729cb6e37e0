package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResearchState is the mutable per-session record driven by the orchestrator.
// It is mutated only from the orchestrator's sequential control flow, so it
// carries no internal locking.
type ResearchState struct {
	SessionID string          `json:"session_id"`
	Request   ResearchRequest `json:"request"`
	StartedAt time.Time       `json:"started_at"`

	Phase            Phase `json:"phase"`
	CurrentIteration int   `json:"current_iteration"`

	ExecutedQueries  []ExpandedQuery  `json:"executed_queries"`
	SearchResults    []SearchResult   `json:"search_results"`
	CollectedSources []SourceDocument `json:"collected_sources"`
	Findings         []Finding        `json:"findings"`
	Gaps             []InformationGap `json:"gaps"`

	Sufficiency    *SufficiencyScore `json:"sufficiency,omitempty"`
	ExploredAngles []string          `json:"explored_angles,omitempty"`

	Outline  *ReportOutline  `json:"outline,omitempty"`
	Sections []ReportSection `json:"sections,omitempty"`

	TokenUsage    TokenUsage `json:"token_usage"`
	CostUSD       float64    `json:"cost_usd"`
	Errors        []string   `json:"errors,omitempty"`
	ThinkingSteps []string   `json:"thinking_steps,omitempty"`

	sourceIDs  map[string]bool
	sourceURLs map[string]bool
}

// NewResearchState creates the state record for a new session.
func NewResearchState(req ResearchRequest) *ResearchState {
	return &ResearchState{
		SessionID:  uuid.NewString(),
		Request:    req,
		StartedAt:  time.Now().UTC(),
		Phase:      PhasePlanning,
		sourceIDs:  make(map[string]bool),
		sourceURLs: make(map[string]bool),
	}
}

// SetPhase transitions the state machine. Transitions out of a terminal
// phase are rejected.
func (s *ResearchState) SetPhase(p Phase) error {
	if s.Phase.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal phase %s to %s", s.Phase, p)
	}
	s.Phase = p
	return nil
}

// NextIteration advances the iteration counter. The counter never decreases.
func (s *ResearchState) NextIteration() {
	s.CurrentIteration++
}

// AddSource appends a source document unless its canonical URL is already
// collected. It reports whether the source was added.
func (s *ResearchState) AddSource(doc SourceDocument) bool {
	s.ensureIndexes()
	if s.sourceURLs[doc.URL] {
		return false
	}
	s.CollectedSources = append(s.CollectedSources, doc)
	s.sourceURLs[doc.URL] = true
	s.sourceIDs[doc.ID] = true
	return true
}

// HasSourceURL reports whether a canonical URL is already collected.
func (s *ResearchState) HasSourceURL(url string) bool {
	s.ensureIndexes()
	return s.sourceURLs[url]
}

// HasSourceID reports whether a source document id is known.
func (s *ResearchState) HasSourceID(id string) bool {
	s.ensureIndexes()
	return s.sourceIDs[id]
}

// AddFinding appends a finding. Findings referencing unknown sources are
// rejected so the source-id invariant holds.
func (s *ResearchState) AddFinding(f Finding) error {
	if !s.HasSourceID(f.SourceID) {
		return fmt.Errorf("finding %s references unknown source %s", f.ID, f.SourceID)
	}
	s.Findings = append(s.Findings, f)
	return nil
}

// RecordError appends a soft failure to the session's error list.
func (s *ResearchState) RecordError(context string, err error) {
	if err == nil {
		return
	}
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", context, err))
}

// AddThinkingStep appends a user-facing trace line.
func (s *ResearchState) AddThinkingStep(format string, args ...any) {
	s.ThinkingSteps = append(s.ThinkingSteps, fmt.Sprintf(format, args...))
}

// ensureIndexes rebuilds the lookup maps. They are nil after JSON decoding
// a checkpoint.
func (s *ResearchState) ensureIndexes() {
	if s.sourceIDs != nil {
		return
	}
	s.sourceIDs = make(map[string]bool, len(s.CollectedSources))
	s.sourceURLs = make(map[string]bool, len(s.CollectedSources))
	for _, doc := range s.CollectedSources {
		s.sourceIDs[doc.ID] = true
		s.sourceURLs[doc.URL] = true
	}
}

// ResearchCheckpoint is a serializable snapshot of a session taken at a
// phase boundary, sufficient to resume the run out of process.
type ResearchCheckpoint struct {
	SessionID        string         `json:"session_id"`
	CheckpointNumber int            `json:"checkpoint_number"`
	CreatedAt        time.Time      `json:"created_at"`
	State            *ResearchState `json:"state"`
	TopFindings      []Finding      `json:"top_findings,omitempty"`
	TopGapQueries    []string       `json:"top_gap_queries,omitempty"`
	Summary          string         `json:"summary,omitempty"` // Markdown digest of progress so far
}

// NewCheckpoint snapshots the state with derived convenience fields.
func NewCheckpoint(state *ResearchState, number int) *ResearchCheckpoint {
	cp := &ResearchCheckpoint{
		SessionID:        state.SessionID,
		CheckpointNumber: number,
		CreatedAt:        time.Now().UTC(),
		State:            state,
	}

	// Top findings by verification score, capped at 5.
	top := make([]Finding, len(state.Findings))
	copy(top, state.Findings)
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].VerificationScore > top[j].VerificationScore
	})
	if len(top) > 5 {
		top = top[:5]
	}
	cp.TopFindings = top

	for _, gap := range state.Gaps {
		if gap.SuggestedQuery != "" {
			cp.TopGapQueries = append(cp.TopGapQueries, gap.SuggestedQuery)
		}
		if len(cp.TopGapQueries) >= 5 {
			break
		}
	}

	cp.Summary = checkpointSummary(state)
	return cp
}

// checkpointSummary renders a short markdown digest of session progress.
func checkpointSummary(state *ResearchState) string {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("# Research Progress: %s\n\n", state.Request.Query))
	builder.WriteString(fmt.Sprintf("**Session:** %s\n", state.SessionID))
	builder.WriteString(fmt.Sprintf("**Phase:** %s\n", state.Phase))
	builder.WriteString(fmt.Sprintf("**Iteration:** %d/%d\n", state.CurrentIteration, state.Request.MaxIterations))
	builder.WriteString(fmt.Sprintf("**Sources:** %d\n", len(state.CollectedSources)))
	builder.WriteString(fmt.Sprintf("**Findings:** %d\n", len(state.Findings)))
	builder.WriteString(fmt.Sprintf("**Open Gaps:** %d\n", len(state.Gaps)))
	if state.Sufficiency != nil {
		builder.WriteString(fmt.Sprintf("**Sufficiency:** %.2f\n", state.Sufficiency.Overall))
	}

	if len(state.ThinkingSteps) > 0 {
		builder.WriteString("\n## Trace\n\n")
		for _, step := range state.ThinkingSteps {
			builder.WriteString(fmt.Sprintf("- %s\n", step))
		}
	}

	return builder.String()
}

// Result derives the final ResearchResult from a finished state.
func (s *ResearchState) Result(report string) *ResearchResult {
	res := &ResearchResult{
		SessionID:      s.SessionID,
		Query:          s.Request.Query,
		Report:         report,
		Outline:        s.Outline,
		Sections:       s.Sections,
		Sources:        s.CollectedSources,
		Findings:       s.Findings,
		Gaps:           s.Gaps,
		IterationCount: s.CurrentIteration,
		TokenUsage:     s.TokenUsage,
		CostUSD:        s.CostUSD,
		Errors:         s.Errors,
		Duration:       time.Since(s.StartedAt),
	}
	if s.Sufficiency != nil {
		res.Sufficiency = *s.Sufficiency
	}
	return res
}
