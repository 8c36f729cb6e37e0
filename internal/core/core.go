package core

import (
	"strings"
	"time"
)

// ResearchDepth controls how aggressively a research run expands queries and sources.
type ResearchDepth string

const (
	DepthQuick    ResearchDepth = "quick"
	DepthStandard ResearchDepth = "standard"
	DepthDeep     ResearchDepth = "deep"
)

// OutputFormat selects the rendering of the final report.
type OutputFormat string

const (
	FormatMarkdown   OutputFormat = "markdown"
	FormatPlain      OutputFormat = "plain"
	FormatStructured OutputFormat = "structured"
)

// ResearchRequest is the immutable input to a research run.
type ResearchRequest struct {
	Query               string        `json:"query"`                           // The user's research question
	Depth               ResearchDepth `json:"depth"`                           // Quick, standard, or deep
	MaxIterations       int           `json:"max_iterations"`                  // Loop cap (default 5)
	Language            string        `json:"language"`                        // Language code, e.g. "en", "ko"
	OutputFormat        OutputFormat  `json:"output_format"`                   // Markdown, plain, or structured
	SearchProvider      string        `json:"search_provider,omitempty"`       // Optional provider override
	MaxSourcesPerIter   int           `json:"max_sources_per_iter,omitempty"`  // Cap on URLs enriched per iteration
	MaxBudget           float64       `json:"max_budget,omitempty"`            // Monetary cutoff in USD, 0 = unlimited
	IncludeReferences   bool          `json:"include_references"`              // Append a references section to the report
}

// Phase identifies where in the pipeline a research session currently is.
type Phase string

const (
	PhasePlanning              Phase = "planning"
	PhaseSearching             Phase = "searching"
	PhaseContentExtraction     Phase = "content_extraction"
	PhaseAnalysis              Phase = "analysis"
	PhaseSufficiencyEvaluation Phase = "sufficiency_evaluation"
	PhaseReportGeneration      Phase = "report_generation"
	PhaseCompleted             Phase = "completed"
	PhaseFailed                Phase = "failed"
)

// IsTerminal reports whether no further transitions are allowed out of this phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// SearchType categorizes what kind of engine a query should run against.
type SearchType string

const (
	SearchTypeWeb      SearchType = "web"
	SearchTypeNews     SearchType = "news"
	SearchTypeAcademic SearchType = "academic"
)

// SearchDepth maps to provider-side depth settings (e.g. Tavily basic/advanced).
type SearchDepth string

const (
	SearchDepthBasic SearchDepth = "basic"
	SearchDepthDeep  SearchDepth = "deep"
)

// SearchQuery is a fully specified provider request.
type SearchQuery struct {
	Text              string      `json:"text"`                          // Query string sent to the engine
	Type              SearchType  `json:"type"`                          // Web, news, or academic
	Depth             SearchDepth `json:"depth"`                         // Basic or deep
	MaxResults        int         `json:"max_results"`                   // Upper bound on returned sources
	IncludeRawContent bool        `json:"include_raw_content"`           // Ask the provider for page content
	IncludeDomains    []string    `json:"include_domains,omitempty"`     // Restrict results to these domains
	ExcludeDomains    []string    `json:"exclude_domains,omitempty"`     // Drop results from these domains
}

// SearchSource is a single hit returned by a provider.
type SearchSource struct {
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Snippet       string  `json:"snippet"`
	RawContent    string  `json:"raw_content,omitempty"` // Page content when the provider supplies it
	Score         float64 `json:"score"`                 // Provider relevance score
	PublishedDate string  `json:"published_date,omitempty"`
	Provider      string  `json:"provider,omitempty"` // Provider id, stamped during coordination
}

// SearchResult is the provider response for one query.
type SearchResult struct {
	Query     SearchQuery    `json:"query"`            // The originating query
	Provider  string         `json:"provider"`         // Provider id that produced this result
	Answer    string         `json:"answer,omitempty"` // Direct answer when the engine offers one
	Sources   []SearchSource `json:"sources"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExpandedQuery is a planner-produced search string with routing metadata.
type ExpandedQuery struct {
	Text          string     `json:"text"`
	Intent        string     `json:"intent"`                    // What this query is meant to uncover
	Priority      int        `json:"priority"`                  // 1 (highest) to 3
	Type          SearchType `json:"type"`                      // Engine category to route to
	PerspectiveID string     `json:"perspective_id,omitempty"`  // Link back to the motivating perspective
	SubQuestionID string     `json:"sub_question_id,omitempty"` // Link back to the motivating sub-question
}

// SubQuestion is one searchable decomposition of the original query.
type SubQuestion struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Intent    string   `json:"intent"`
	Priority  int      `json:"priority"`             // 1 (highest) to 3
	DependsOn []string `json:"depends_on,omitempty"` // IDs of earlier sub-questions this builds on
}

// Perspective is a research viewpoint used to diversify query expansion.
type Perspective struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	KeyTopics   []string `json:"key_topics,omitempty"`
}

// ResearchPlan is the planner's full output for one iteration.
type ResearchPlan struct {
	SubQuestions    []SubQuestion   `json:"sub_questions"`
	Perspectives    []Perspective   `json:"perspectives"`
	ExpandedQueries []ExpandedQuery `json:"expanded_queries"`
}

// ContentChunk is a token-bounded slice of an extracted document.
type ContentChunk struct {
	SourceID   string `json:"source_id"`
	Index      int    `json:"index"`       // 0-based position within the document
	Total      int    `json:"total"`       // Total chunks for this document
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"` // Best-effort estimate
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
}

// SourceDocument is a deduplicated, extracted web source.
type SourceDocument struct {
	ID             string         `json:"id"`
	URL            string         `json:"url"` // Canonical URL, unique within a session
	Title          string         `json:"title"`
	Content        string         `json:"content"`
	Author         string         `json:"author,omitempty"`
	PublishedDate  string         `json:"published_date,omitempty"`
	ExtractedAt    time.Time      `json:"extracted_at"`
	Provider       string         `json:"provider"`        // Provider that surfaced this URL
	RelevanceScore float64        `json:"relevance_score"` // From the search result
	TrustScore     float64        `json:"trust_score"`     // Heuristic domain trust
	Chunks         []ContentChunk `json:"chunks,omitempty"`
}

// Finding is a single factual claim extracted from a source.
type Finding struct {
	ID                string    `json:"id"`
	Claim             string    `json:"claim"`
	SourceID          string    `json:"source_id"`
	Evidence          string    `json:"evidence,omitempty"` // Supporting quote from the source
	VerificationScore float64   `json:"verification_score"` // 0.0 to 1.0
	Verified          bool      `json:"verified"`
	Iteration         int       `json:"iteration"` // Iteration the finding was discovered in
	DiscoveredAt      time.Time `json:"discovered_at"`
}

// GapPriority ranks how urgently an information gap should be filled.
type GapPriority string

const (
	GapPriorityLow    GapPriority = "low"
	GapPriorityMedium GapPriority = "medium"
	GapPriorityHigh   GapPriority = "high"
)

// ParseGapPriority maps a free-form priority string to a GapPriority.
// Unknown values map to medium.
func ParseGapPriority(s string) GapPriority {
	switch GapPriority(normalizeLower(s)) {
	case GapPriorityLow:
		return GapPriorityLow
	case GapPriorityHigh:
		return GapPriorityHigh
	default:
		return GapPriorityMedium
	}
}

// InformationGap is a missing piece of information with a concrete follow-up query.
type InformationGap struct {
	Description    string      `json:"description"`
	Priority       GapPriority `json:"priority"`
	SuggestedQuery string      `json:"suggested_query"`
	IdentifiedAt   time.Time   `json:"identified_at"`
}

// SufficiencyScore is a scalar judgment that collected evidence answers the query.
type SufficiencyScore struct {
	Overall         float64   `json:"overall"`
	Coverage        float64   `json:"coverage"`
	SourceDiversity float64   `json:"source_diversity"`
	Quality         float64   `json:"quality"`
	Freshness       float64   `json:"freshness,omitempty"` // Optional; 0 means not evaluated
	NewFindings     int       `json:"new_findings"`        // Findings added this iteration
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// IsSufficient reports whether the overall score meets the configured threshold.
func (s SufficiencyScore) IsSufficient(threshold float64) bool {
	return s.Overall >= threshold
}

// ReportSection is one synthesized section of the final report.
type ReportSection struct {
	Title     string           `json:"title"`
	Purpose   string           `json:"purpose"`
	Content   string           `json:"content"`
	Citations []CitationRecord `json:"citations,omitempty"`
}

// CitationRecord ties a quote in a section back to a source document.
type CitationRecord struct {
	SourceID string `json:"source_id"`
	Quote    string `json:"quote,omitempty"`
}

// ReportOutline is the planned structure of the final report.
type ReportOutline struct {
	Title    string           `json:"title"`
	Sections []OutlineSection `json:"sections"`
}

// OutlineSection describes one planned section before synthesis.
type OutlineSection struct {
	Title     string   `json:"title"`
	Purpose   string   `json:"purpose"`
	KeyPoints []string `json:"key_points,omitempty"`
}

// TokenUsage accumulates LLM token consumption for a session.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ExtractionErrorKind classifies why a URL failed to extract.
type ExtractionErrorKind string

const (
	ExtractionNetworkError       ExtractionErrorKind = "network_error"
	ExtractionTimeout            ExtractionErrorKind = "timeout"
	ExtractionAccessDenied       ExtractionErrorKind = "access_denied"
	ExtractionNoContent          ExtractionErrorKind = "no_content"
	ExtractionParseError         ExtractionErrorKind = "parse_error"
	ExtractionUnsupportedContent ExtractionErrorKind = "unsupported_content_type"
	ExtractionUnknown            ExtractionErrorKind = "unknown"
)

// FailedExtraction records a per-URL extraction failure without aborting the batch.
type FailedExtraction struct {
	URL     string              `json:"url"`
	Kind    ExtractionErrorKind `json:"kind"`
	Message string              `json:"message"`
}

// ProgressEvent identifies the kind of milestone a progress message reports.
type ProgressEvent string

const (
	EventPhaseChanged    ProgressEvent = "phase_changed"
	EventPlanGenerated   ProgressEvent = "plan_generated"
	EventSearchCompleted ProgressEvent = "search_completed"
	EventAnalysisDone    ProgressEvent = "analysis_completed"
	EventReportSection   ProgressEvent = "report_section"
	EventCompleted       ProgressEvent = "completed"
	EventFailed          ProgressEvent = "failed"
)

// ResearchProgress is one streaming progress message emitted by the orchestrator.
type ResearchProgress struct {
	SessionID string        `json:"session_id"`
	Event     ProgressEvent `json:"event"`
	Phase     Phase         `json:"phase"`
	Iteration int           `json:"iteration"`
	Message   string        `json:"message"`
	Error     string        `json:"error,omitempty"` // Set only on EventFailed
	Timestamp time.Time     `json:"timestamp"`
}

// ResearchResult is the final output derived from a completed session.
type ResearchResult struct {
	SessionID      string           `json:"session_id"`
	Query          string           `json:"query"`
	Report         string           `json:"report"`
	Outline        *ReportOutline   `json:"outline,omitempty"`
	Sections       []ReportSection  `json:"sections,omitempty"`
	Sources        []SourceDocument `json:"sources"`
	UncitedSources []string         `json:"uncited_sources,omitempty"` // Source IDs collected but never cited
	Findings       []Finding        `json:"findings"`
	Gaps           []InformationGap `json:"gaps,omitempty"`
	Sufficiency    SufficiencyScore `json:"sufficiency"`
	IterationCount int              `json:"iteration_count"`
	TokenUsage     TokenUsage       `json:"token_usage"`
	CostUSD        float64          `json:"cost_usd"`
	Errors         []string         `json:"errors,omitempty"` // Soft failures recorded during the run
	Duration       time.Duration    `json:"duration"`
}

func normalizeLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
