package agents

import (
	"context"
	"fmt"
	"strings"

	"fathom/internal/citations"
	"fathom/internal/core"
	"fathom/internal/llm"
	"fathom/internal/logger"
)

const (
	// DefaultMaxSections bounds the report outline.
	DefaultMaxSections = 8

	// sectionSnippetLen bounds per-source context in a synthesis prompt.
	sectionSnippetLen = 1200

	// sectionSourceCap bounds how many sources a synthesis prompt cites.
	sectionSourceCap = 8
)

// fallbackOutlineSections is the outline used when the LLM cannot produce one.
var fallbackOutlineSections = []core.OutlineSection{
	{Title: "Summary", Purpose: "concise answer to the research question"},
	{Title: "Overview", Purpose: "background and context"},
	{Title: "Key Findings", Purpose: "the main evidence, claim by claim"},
	{Title: "Conclusion", Purpose: "synthesis and remaining uncertainty"},
}

// Reporter synthesizes the final cited report from session state.
type Reporter struct {
	gen         llm.TextGenerator
	model       string
	maxSections int
	style       citations.ReferenceStyle
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithReporterModel overrides the synthesis model.
func WithReporterModel(model string) ReporterOption {
	return func(r *Reporter) { r.model = model }
}

// WithMaxSections caps the outline length.
func WithMaxSections(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.maxSections = n
		}
	}
}

// WithReferenceStyle selects the references list format.
func WithReferenceStyle(style citations.ReferenceStyle) ReporterOption {
	return func(r *Reporter) { r.style = style }
}

// NewReporter creates a report generation agent.
func NewReporter(gen llm.TextGenerator, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		gen:         gen,
		maxSections: DefaultMaxSections,
		style:       citations.StyleNumbered,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report is the assembled output of one generation run.
type Report struct {
	Title          string
	Body           string // Full markdown including references
	Sections       []core.ReportSection
	CitedSourceIDs []string // In citation-number order
	UncitedSources []string
	Usage          core.TokenUsage
	Warnings       []string
}

// Generate runs outline, per-section synthesis, and assembly. onSection,
// when non-nil, is invoked after each completed section for streaming
// progress.
func (r *Reporter) Generate(ctx context.Context, state *core.ResearchState, onSection func(core.ReportSection)) *Report {
	report := &Report{}

	outline := r.buildOutline(ctx, state, report)
	state.Outline = &outline
	report.Title = outline.Title

	var sections []core.ReportSection
	for _, planned := range outline.Sections {
		section := r.synthesizeSection(ctx, state, planned, sections, report)
		sections = append(sections, section)
		if onSection != nil {
			onSection(section)
		}
	}
	state.Sections = sections
	report.Sections = sections

	r.assemble(state, report)
	return report
}

type outlineResponse struct {
	Title    string `json:"title"`
	Sections []struct {
		Title     string   `json:"title"`
		Purpose   string   `json:"purpose"`
		KeyPoints []string `json:"key_points"`
	} `json:"sections"`
}

func (r *Reporter) buildOutline(ctx context.Context, state *core.ResearchState, report *Report) core.ReportOutline {
	prompt := fmt.Sprintf(`Design a report outline answering the research question below, based on the findings. At most %d sections, each with a title, a one-line purpose, and optional key points. Write in language %q.

Research question: %s

Findings:
%s

Respond with JSON only:
{"title": "...", "sections": [{"title": "...", "purpose": "...", "key_points": ["..."]}]}`,
		r.maxSections, languageOrDefault(state.Request.Language), state.Request.Query, findingsDigest(state.Findings))

	var parsed outlineResponse
	resp, err := llm.GenerateStructured(ctx, r.gen, prompt, llm.Options{
		Model:       r.model,
		Temperature: 0.4,
	}, &parsed)
	if resp != nil {
		report.Usage.Add(resp.Usage)
	}
	if err != nil || len(parsed.Sections) == 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("outline fallback: %v", err))
		logger.Warn("outline generation failed, using fallback", "error", fmt.Sprint(err))
		return core.ReportOutline{
			Title:    state.Request.Query,
			Sections: append([]core.OutlineSection(nil), fallbackOutlineSections...),
		}
	}

	outline := core.ReportOutline{Title: strings.TrimSpace(parsed.Title)}
	if outline.Title == "" {
		outline.Title = state.Request.Query
	}
	for _, s := range parsed.Sections {
		if strings.TrimSpace(s.Title) == "" {
			continue
		}
		outline.Sections = append(outline.Sections, core.OutlineSection{
			Title:     strings.TrimSpace(s.Title),
			Purpose:   s.Purpose,
			KeyPoints: s.KeyPoints,
		})
		if len(outline.Sections) >= r.maxSections {
			break
		}
	}
	if len(outline.Sections) == 0 {
		outline.Sections = append([]core.OutlineSection(nil), fallbackOutlineSections...)
	}
	return outline
}

type sectionResponse struct {
	Content   string `json:"content"`
	Citations []struct {
		SourceID string `json:"source_id"`
		Quote    string `json:"quote"`
	} `json:"citations"`
}

func (r *Reporter) synthesizeSection(ctx context.Context, state *core.ResearchState, planned core.OutlineSection, prior []core.ReportSection, report *Report) core.ReportSection {
	relevant := relevantFindings(state.Findings, planned)
	sources := sectionSources(state, relevant)

	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\nPurpose: %s\n", planned.Title, planned.Purpose)
	if len(planned.KeyPoints) > 0 {
		fmt.Fprintf(&b, "Key points: %s\n", strings.Join(planned.KeyPoints, "; "))
	}
	b.WriteString("\nFindings to draw on:\n")
	for _, f := range relevant {
		fmt.Fprintf(&b, "- %s (source %s)\n", f.Claim, f.SourceID)
	}
	b.WriteString("\nSource excerpts:\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "[%s] %s\n%s\n\n", src.ID, src.Title, snippet(src.Content, sectionSnippetLen))
	}
	if len(prior) > 0 {
		b.WriteString("Sections already written (do not repeat their content):\n")
		for _, s := range prior {
			fmt.Fprintf(&b, "- %s\n", s.Title)
		}
	}

	prompt := fmt.Sprintf(`Write the report section described below in language %q. Cite sources inline as [source-id] using the bracketed ids from the excerpts. Only cite ids that appear in the excerpts.

%s
Respond with JSON only:
{"content": "section body with [source-id] citations", "citations": [{"source_id": "...", "quote": "supporting quote"}]}`,
		languageOrDefault(state.Request.Language), b.String())

	var parsed sectionResponse
	resp, err := llm.GenerateStructured(ctx, r.gen, prompt, llm.Options{
		Model:       r.model,
		Temperature: 0.4,
	}, &parsed)
	if resp != nil {
		report.Usage.Add(resp.Usage)
	}

	section := core.ReportSection{Title: planned.Title, Purpose: planned.Purpose}
	if err != nil || strings.TrimSpace(parsed.Content) == "" {
		report.Warnings = append(report.Warnings, fmt.Sprintf("section %q fallback: %v", planned.Title, err))
		section.Content = fallbackSectionContent(planned, relevant)
		return section
	}

	section.Content = strings.TrimSpace(parsed.Content)
	for _, c := range parsed.Citations {
		if c.SourceID == "" {
			continue
		}
		section.Citations = append(section.Citations, core.CitationRecord{
			SourceID: c.SourceID,
			Quote:    c.Quote,
		})
	}
	return section
}

// fallbackSectionContent renders the relevant findings as bullets when the
// LLM could not write the section.
func fallbackSectionContent(planned core.OutlineSection, findings []core.Finding) string {
	if len(findings) == 0 {
		return "No findings were available for this section."
	}
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s [%s]\n", f.Claim, f.SourceID)
	}
	return strings.TrimRight(b.String(), "\n")
}

// relevantFindings filters findings by word overlap with the section's
// title and purpose, falling back to all findings when nothing overlaps.
func relevantFindings(findings []core.Finding, planned core.OutlineSection) []core.Finding {
	sectionWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(planned.Title + " " + planned.Purpose)) {
		if len(w) > 3 {
			sectionWords[w] = true
		}
	}

	var out []core.Finding
	for _, f := range findings {
		for _, w := range strings.Fields(strings.ToLower(f.Claim)) {
			if sectionWords[w] {
				out = append(out, f)
				break
			}
		}
	}
	if len(out) == 0 {
		return findings
	}
	return out
}

// sectionSources picks the sources backing the given findings, best
// relevance first, capped.
func sectionSources(state *core.ResearchState, findings []core.Finding) []core.SourceDocument {
	wanted := make(map[string]bool, len(findings))
	for _, f := range findings {
		wanted[f.SourceID] = true
	}
	var out []core.SourceDocument
	for _, src := range state.CollectedSources {
		if wanted[src.ID] {
			out = append(out, src)
			if len(out) >= sectionSourceCap {
				break
			}
		}
	}
	return out
}

// assemble concatenates sections, renumbers citations to sequential [N]
// markers, and appends the references list.
func (r *Reporter) assemble(state *core.ResearchState, report *Report) {
	validIDs := make(map[string]bool, len(state.CollectedSources))
	sourcesByID := make(map[string]core.SourceDocument, len(state.CollectedSources))
	for _, src := range state.CollectedSources {
		validIDs[src.ID] = true
		sourcesByID[src.ID] = src
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", report.Title)
	for _, section := range report.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.Title, section.Content)
	}

	renumbered := citations.Renumber(b.String(), validIDs)
	if renumbered.Dropped > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("dropped %d citations referencing unknown sources", renumbered.Dropped))
	}

	body := renumbered.Body
	if state.Request.IncludeReferences && len(renumbered.Order) > 0 {
		body += citations.FormatReferences(renumbered.Order, sourcesByID, r.style)
	}

	report.Body = strings.TrimRight(body, "\n") + "\n"
	report.CitedSourceIDs = renumbered.Order
	report.UncitedSources = citations.UncitedSources(renumbered.Order, state.CollectedSources)
}
