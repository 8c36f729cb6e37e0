package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"fathom/internal/core"
	"fathom/internal/llm"
	"fathom/internal/logger"
)

const (
	decomposeTemperature    = 0.3
	perspectivesTemperature = 0.5
	expandTemperature       = 0.4

	minSubQuestions  = 5
	minPerspectives  = 3
	fallbackQueryCap = 5
)

// Planner turns a research request into sub-questions, perspectives, and
// engine-ready search queries. Every LLM step has a deterministic fallback,
// so Plan always returns a usable plan.
type Planner struct {
	gen                llm.TextGenerator
	model              string
	maxSubQuestions    int
	maxPerspectives    int
	maxExpandedQueries int
	includeNews        bool
	includeAcademic    bool
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerModel overrides the model used for planning calls.
func WithPlannerModel(model string) PlannerOption {
	return func(p *Planner) { p.model = model }
}

// WithMaxExpandedQueries caps the expanded query list.
func WithMaxExpandedQueries(n int) PlannerOption {
	return func(p *Planner) {
		if n > 0 {
			p.maxExpandedQueries = n
		}
	}
}

// WithNewsQueries allows news-typed expanded queries.
func WithNewsQueries(ok bool) PlannerOption {
	return func(p *Planner) { p.includeNews = ok }
}

// WithAcademicQueries allows academic-typed expanded queries.
func WithAcademicQueries(ok bool) PlannerOption {
	return func(p *Planner) { p.includeAcademic = ok }
}

// NewPlanner creates a query planner.
func NewPlanner(gen llm.TextGenerator, opts ...PlannerOption) *Planner {
	p := &Planner{
		gen:                gen,
		maxSubQuestions:    10,
		maxPerspectives:    5,
		maxExpandedQueries: 8,
		includeNews:        true,
		includeAcademic:    true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanOutcome is the planner's result plus accounting.
type PlanOutcome struct {
	Plan     *core.ResearchPlan
	Usage    core.TokenUsage
	Warnings []string // Soft failures where a fallback was engaged
}

// Plan runs the three planning steps. On iterations after the first, gap
// hints steer decomposition toward unanswered questions.
func (p *Planner) Plan(ctx context.Context, req core.ResearchRequest, gaps []core.InformationGap) PlanOutcome {
	var outcome PlanOutcome
	plan := &core.ResearchPlan{}

	plan.SubQuestions = p.decompose(ctx, req, gaps, &outcome)
	plan.Perspectives = p.discoverPerspectives(ctx, req, &outcome)
	plan.ExpandedQueries = p.expand(ctx, req, plan, &outcome)

	sort.SliceStable(plan.ExpandedQueries, func(i, j int) bool {
		return plan.ExpandedQueries[i].Priority < plan.ExpandedQueries[j].Priority
	})

	outcome.Plan = plan
	return outcome
}

type decomposeResponse struct {
	SubQuestions []struct {
		Text      string   `json:"text"`
		Intent    string   `json:"intent"`
		Priority  int      `json:"priority"`
		DependsOn []string `json:"depends_on"`
	} `json:"sub_questions"`
}

func (p *Planner) decompose(ctx context.Context, req core.ResearchRequest, gaps []core.InformationGap, outcome *PlanOutcome) []core.SubQuestion {
	var gapHints strings.Builder
	if len(gaps) > 0 {
		gapHints.WriteString("\nPrevious research iterations left these gaps unanswered. Prioritize sub-questions that close them:\n")
		for _, gap := range gaps {
			fmt.Fprintf(&gapHints, "- [%s] %s\n", gap.Priority, gap.Description)
		}
	}

	prompt := fmt.Sprintf(`You are a research planner. Decompose the research question below into %d to %d searchable sub-questions in language %q.

Research question: %s
%s
Respond with JSON only:
{"sub_questions": [{"text": "...", "intent": "what this uncovers", "priority": 1, "depends_on": []}]}

Priority is 1 (highest) to 3. depends_on lists zero-based indexes of earlier sub-questions this one builds on.`,
		minSubQuestions, p.maxSubQuestions, languageOrDefault(req.Language), req.Query, gapHints.String())

	var parsed decomposeResponse
	resp, err := llm.GenerateStructured(ctx, p.gen, prompt, llm.Options{
		Model:       p.model,
		Temperature: decomposeTemperature,
	}, &parsed)
	if resp != nil {
		outcome.Usage.Add(resp.Usage)
	}
	if err != nil || len(parsed.SubQuestions) == 0 {
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("decompose fallback: %v", err))
		logger.Warn("planner decomposition failed, using original query", "error", fmt.Sprint(err))
		return []core.SubQuestion{{
			ID:       uuid.NewString(),
			Text:     req.Query,
			Intent:   "answer the original research question",
			Priority: 1,
		}}
	}

	ids := make([]string, len(parsed.SubQuestions))
	for i := range parsed.SubQuestions {
		ids[i] = uuid.NewString()
	}

	out := make([]core.SubQuestion, 0, len(parsed.SubQuestions))
	for i, sq := range parsed.SubQuestions {
		if strings.TrimSpace(sq.Text) == "" {
			continue
		}
		out = append(out, core.SubQuestion{
			ID:        ids[i],
			Text:      strings.TrimSpace(sq.Text),
			Intent:    sq.Intent,
			Priority:  clampPriority(sq.Priority),
			DependsOn: resolveDependencyIDs(sq.DependsOn, ids, i),
		})
		if len(out) >= p.maxSubQuestions {
			break
		}
	}
	if len(out) == 0 {
		return []core.SubQuestion{{
			ID:       uuid.NewString(),
			Text:     req.Query,
			Intent:   "answer the original research question",
			Priority: 1,
		}}
	}
	return out
}

type perspectivesResponse struct {
	Perspectives []struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		KeyTopics   []string `json:"key_topics"`
	} `json:"perspectives"`
}

func (p *Planner) discoverPerspectives(ctx context.Context, req core.ResearchRequest, outcome *PlanOutcome) []core.Perspective {
	prompt := fmt.Sprintf(`Identify %d to %d distinct research perspectives for investigating the question below. Each perspective is a viewpoint an expert would bring, with the topics they would focus on.

Research question: %s

Respond with JSON only:
{"perspectives": [{"name": "...", "description": "...", "key_topics": ["..."]}]}`,
		minPerspectives, p.maxPerspectives, req.Query)

	var parsed perspectivesResponse
	resp, err := llm.GenerateStructured(ctx, p.gen, prompt, llm.Options{
		Model:       p.model,
		Temperature: perspectivesTemperature,
	}, &parsed)
	if resp != nil {
		outcome.Usage.Add(resp.Usage)
	}
	if err != nil || len(parsed.Perspectives) == 0 {
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("perspectives fallback: %v", err))
		return []core.Perspective{{
			ID:          uuid.NewString(),
			Name:        "overview",
			Description: "general overview of the topic",
		}}
	}

	out := make([]core.Perspective, 0, len(parsed.Perspectives))
	for _, ps := range parsed.Perspectives {
		if strings.TrimSpace(ps.Name) == "" {
			continue
		}
		out = append(out, core.Perspective{
			ID:          uuid.NewString(),
			Name:        strings.TrimSpace(ps.Name),
			Description: ps.Description,
			KeyTopics:   ps.KeyTopics,
		})
		if len(out) >= p.maxPerspectives {
			break
		}
	}
	if len(out) == 0 {
		return []core.Perspective{{
			ID:          uuid.NewString(),
			Name:        "overview",
			Description: "general overview of the topic",
		}}
	}
	return out
}

type expandResponse struct {
	Queries []struct {
		Text        string `json:"text"`
		Intent      string `json:"intent"`
		Priority    int    `json:"priority"`
		Type        string `json:"type"`
		Perspective int    `json:"perspective"`
		SubQuestion int    `json:"sub_question"`
	} `json:"queries"`
}

func (p *Planner) expand(ctx context.Context, req core.ResearchRequest, plan *core.ResearchPlan, outcome *PlanOutcome) []core.ExpandedQuery {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nSub-questions:\n", req.Query)
	for i, sq := range plan.SubQuestions {
		fmt.Fprintf(&b, "%d. %s\n", i, sq.Text)
	}
	b.WriteString("\nPerspectives:\n")
	for i, ps := range plan.Perspectives {
		fmt.Fprintf(&b, "%d. %s: %s\n", i, ps.Name, ps.Description)
	}

	allowed := p.allowedTypes()
	prompt := fmt.Sprintf(`Turn the research material below into at most %d search-engine-optimized query strings. Cover the sub-questions and vary across perspectives. Allowed search types: %s.

%s
Respond with JSON only:
{"queries": [{"text": "...", "intent": "...", "priority": 1, "type": "web", "perspective": 0, "sub_question": 0}]}

Priority is 1 (highest) to 3. perspective and sub_question are zero-based indexes into the lists above, or -1 when not applicable.`,
		p.maxExpandedQueries, strings.Join(allowed, ", "), b.String())

	var parsed expandResponse
	resp, err := llm.GenerateStructured(ctx, p.gen, prompt, llm.Options{
		Model:       p.model,
		Temperature: expandTemperature,
	}, &parsed)
	if resp != nil {
		outcome.Usage.Add(resp.Usage)
	}
	if err != nil || len(parsed.Queries) == 0 {
		outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("expand fallback: %v", err))
		return p.fallbackQueries(req, plan)
	}

	allowedSet := make(map[core.SearchType]bool, len(allowed))
	for _, t := range allowed {
		allowedSet[core.SearchType(t)] = true
	}

	out := make([]core.ExpandedQuery, 0, len(parsed.Queries))
	for _, q := range parsed.Queries {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			continue
		}
		qType := core.SearchType(strings.ToLower(q.Type))
		if !allowedSet[qType] {
			qType = core.SearchTypeWeb
		}
		eq := core.ExpandedQuery{
			Text:     text,
			Intent:   q.Intent,
			Priority: clampPriority(q.Priority),
			Type:     qType,
		}
		if q.Perspective >= 0 && q.Perspective < len(plan.Perspectives) {
			eq.PerspectiveID = plan.Perspectives[q.Perspective].ID
		}
		if q.SubQuestion >= 0 && q.SubQuestion < len(plan.SubQuestions) {
			eq.SubQuestionID = plan.SubQuestions[q.SubQuestion].ID
		}
		out = append(out, eq)
		if len(out) >= p.maxExpandedQueries {
			break
		}
	}
	if len(out) == 0 {
		return p.fallbackQueries(req, plan)
	}
	return out
}

// fallbackQueries is the deterministic expansion: the original query plus
// up to five sub-questions verbatim.
func (p *Planner) fallbackQueries(req core.ResearchRequest, plan *core.ResearchPlan) []core.ExpandedQuery {
	out := []core.ExpandedQuery{{
		Text:     req.Query,
		Intent:   "answer the original research question",
		Priority: 1,
		Type:     core.SearchTypeWeb,
	}}
	for i, sq := range plan.SubQuestions {
		if i >= fallbackQueryCap {
			break
		}
		if strings.EqualFold(strings.TrimSpace(sq.Text), strings.TrimSpace(req.Query)) {
			continue
		}
		out = append(out, core.ExpandedQuery{
			Text:          sq.Text,
			Intent:        sq.Intent,
			Priority:      clampPriority(sq.Priority),
			Type:          core.SearchTypeWeb,
			SubQuestionID: sq.ID,
		})
	}
	return out
}

func (p *Planner) allowedTypes() []string {
	types := []string{string(core.SearchTypeWeb)}
	if p.includeNews {
		types = append(types, string(core.SearchTypeNews))
	}
	if p.includeAcademic {
		types = append(types, string(core.SearchTypeAcademic))
	}
	return types
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 3 {
		return 3
	}
	return p
}

// resolveDependencyIDs maps model-supplied index strings to the generated
// sub-question ids. Only backward references are kept.
func resolveDependencyIDs(refs []string, ids []string, selfIndex int) []string {
	var out []string
	for _, ref := range refs {
		idx := -1
		if _, err := fmt.Sscanf(strings.TrimSpace(ref), "%d", &idx); err != nil {
			continue
		}
		if idx >= 0 && idx < selfIndex {
			out = append(out, ids[idx])
		}
	}
	return out
}

func languageOrDefault(lang string) string {
	if strings.TrimSpace(lang) == "" {
		return "en"
	}
	return lang
}
