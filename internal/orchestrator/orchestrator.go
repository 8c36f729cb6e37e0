package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fathom/internal/agents"
	"fathom/internal/core"
	"fathom/internal/cost"
	"fathom/internal/llm"
	"fathom/internal/logger"
)

// ErrCancelled marks a run terminated by its context.
var ErrCancelled = errors.New("research cancelled")

// DefaultSufficiencyThreshold ends the loop when the overall score reaches it.
const DefaultSufficiencyThreshold = 0.8

// Options tunes the orchestrator's loop control and cost attribution.
type Options struct {
	SufficiencyThreshold float64
	MaxSourcesPerIter    int     // Cap on URLs enriched per iteration
	MaxBudget            float64 // Default monetary cutoff in USD
	AnalysisModel        string  // Model id used for cost attribution of planning/analysis
	SynthesisModel       string  // Model id used for cost attribution of reporting
}

func (o Options) withDefaults() Options {
	if o.SufficiencyThreshold <= 0 {
		o.SufficiencyThreshold = DefaultSufficiencyThreshold
	}
	if o.AnalysisModel == "" {
		o.AnalysisModel = llm.DefaultAnalysisModel
	}
	if o.SynthesisModel == "" {
		o.SynthesisModel = llm.DefaultModel
	}
	return o
}

// Orchestrator drives the research state machine across the pipeline agents.
type Orchestrator struct {
	planner     *agents.Planner
	coordinator *agents.Coordinator
	enricher    *agents.Enricher
	analyzer    *agents.Analyzer
	reporter    *agents.Reporter
	opts        Options
	sessions    *SessionStore
}

// New wires the pipeline agents into an orchestrator.
func New(planner *agents.Planner, coordinator *agents.Coordinator, enricher *agents.Enricher, analyzer *agents.Analyzer, reporter *agents.Reporter, opts Options) *Orchestrator {
	return &Orchestrator{
		planner:     planner,
		coordinator: coordinator,
		enricher:    enricher,
		analyzer:    analyzer,
		reporter:    reporter,
		opts:        opts.withDefaults(),
		sessions:    NewSessionStore(),
	}
}

// Sessions exposes the in-memory session registry.
func (o *Orchestrator) Sessions() *SessionStore { return o.sessions }

// emitFunc receives progress events. May be nil.
type emitFunc func(core.ResearchProgress)

func emit(fn emitFunc, state *core.ResearchState, event core.ProgressEvent, message, errMsg string) {
	if fn == nil {
		return
	}
	fn(core.ResearchProgress{
		SessionID: state.SessionID,
		Event:     event,
		Phase:     state.Phase,
		Iteration: state.CurrentIteration,
		Message:   message,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

// Execute runs a full research session to completion and returns the result.
func (o *Orchestrator) Execute(ctx context.Context, req core.ResearchRequest) (*core.ResearchResult, error) {
	state := o.newState(req)
	return o.run(ctx, state, nil, nil)
}

// ExecuteStream runs a session in the background and streams progress
// events. The channel is closed after the terminal event. The final result
// is carried on the session registered under the state's session id.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req core.ResearchRequest) (<-chan core.ResearchProgress, string) {
	state := o.newState(req)
	session := o.sessions.create(o, state)

	ch := make(chan core.ResearchProgress, 16)
	go func() {
		defer close(ch)
		result, err := o.run(ctx, state, func(p core.ResearchProgress) {
			select {
			case ch <- p:
			case <-ctx.Done():
			}
		}, session.storeCheckpoint)
		session.finish(result, err)
	}()
	return ch, state.SessionID
}

// StartInteractive registers a session that the caller advances manually
// through Session.Continue and Session.Finalize.
func (o *Orchestrator) StartInteractive(req core.ResearchRequest) *Session {
	return o.sessions.create(o, o.newState(req))
}

// Resume drives a registered session from its current phase to completion.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*core.ResearchResult, error) {
	session, ok := o.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	return session.runToCompletion(ctx)
}

// newState normalizes request defaults. MaxIterations is honored as given;
// zero means an immediate report from zero sources.
func (o *Orchestrator) newState(req core.ResearchRequest) *core.ResearchState {
	if req.MaxIterations < 0 {
		req.MaxIterations = 0
	}
	if req.MaxBudget == 0 {
		req.MaxBudget = o.opts.MaxBudget
	}
	if req.MaxSourcesPerIter == 0 {
		req.MaxSourcesPerIter = o.opts.MaxSourcesPerIter
	}
	return core.NewResearchState(req)
}

// run executes the full loop: iterations until sufficiency, budget, or the
// iteration cap, then report generation.
func (o *Orchestrator) run(ctx context.Context, state *core.ResearchState, fn emitFunc, onCheckpoint func(*core.ResearchState)) (*core.ResearchResult, error) {
	tracker := cost.NewTracker()

	for state.CurrentIteration < state.Request.MaxIterations {
		if err := o.runIteration(ctx, state, tracker, nil, fn, onCheckpoint); err != nil {
			return nil, o.fail(state, fn, err)
		}
		if o.shouldReport(state) {
			break
		}
	}

	result, err := o.generateReport(ctx, state, tracker, fn, onCheckpoint)
	if err != nil {
		return nil, o.fail(state, fn, err)
	}
	return result, nil
}

// runIteration executes one Plan through Evaluate cycle. extraQueries are
// user-injected searches prepended to the planner's output.
func (o *Orchestrator) runIteration(ctx context.Context, state *core.ResearchState, tracker *cost.Tracker, extraQueries []core.ExpandedQuery, fn emitFunc, onCheckpoint func(*core.ResearchState)) error {
	// Planning.
	if err := o.enterPhase(ctx, state, core.PhasePlanning, fn, onCheckpoint); err != nil {
		return err
	}
	plan := o.planner.Plan(ctx, state.Request, state.Gaps)
	o.record(state, tracker, o.opts.AnalysisModel, plan.Usage, plan.Warnings)
	queries := append(extraQueries, plan.Plan.ExpandedQueries...)
	state.AddThinkingStep("iteration %d: planned %d queries across %d perspectives",
		state.CurrentIteration+1, len(queries), len(plan.Plan.Perspectives))
	emit(fn, state, core.EventPlanGenerated,
		fmt.Sprintf("planned %d queries", len(queries)), "")

	// Searching. Provider resolution failures are fatal before any search.
	if err := o.enterPhase(ctx, state, core.PhaseSearching, fn, onCheckpoint); err != nil {
		return err
	}
	sources, err := o.coordinator.Search(ctx, state, queries)
	if err != nil {
		return err
	}
	emit(fn, state, core.EventSearchCompleted,
		fmt.Sprintf("found %d unique sources", len(sources)), "")

	// Content extraction.
	if err := o.enterPhase(ctx, state, core.PhaseContentExtraction, fn, onCheckpoint); err != nil {
		return err
	}
	stats := o.enricher.Enrich(ctx, state, sources, state.Request.MaxSourcesPerIter)
	state.AddThinkingStep("iteration %d: enriched %d/%d sources (%d chunks)",
		state.CurrentIteration+1, stats.Successful, stats.Total, stats.ChunksCreated)

	if len(sources) == 0 {
		// An empty search round is not an error; record the hole so the
		// next planning pass steers around it.
		state.Gaps = append(state.Gaps, core.InformationGap{
			Description:    "no sources were found for this iteration's queries",
			Priority:       core.GapPriorityHigh,
			SuggestedQuery: state.Request.Query,
			IdentifiedAt:   time.Now().UTC(),
		})
	}

	// Analysis.
	if err := o.enterPhase(ctx, state, core.PhaseAnalysis, fn, onCheckpoint); err != nil {
		return err
	}
	analysis := o.analyzer.Analyze(ctx, state)
	o.record(state, tracker, o.opts.AnalysisModel, analysis.Usage, analysis.Warnings)
	emit(fn, state, core.EventAnalysisDone,
		fmt.Sprintf("%d new findings, %d gaps, sufficiency %.2f",
			analysis.NewFindings, len(analysis.Gaps), analysis.Score.Overall), "")

	// Sufficiency evaluation closes the iteration.
	if err := o.enterPhase(ctx, state, core.PhaseSufficiencyEvaluation, fn, onCheckpoint); err != nil {
		return err
	}
	state.NextIteration()
	return nil
}

// generateReport runs the terminal phase and derives the result.
func (o *Orchestrator) generateReport(ctx context.Context, state *core.ResearchState, tracker *cost.Tracker, fn emitFunc, onCheckpoint func(*core.ResearchState)) (*core.ResearchResult, error) {
	if err := o.enterPhase(ctx, state, core.PhaseReportGeneration, fn, onCheckpoint); err != nil {
		return nil, err
	}

	report := o.reporter.Generate(ctx, state, func(section core.ReportSection) {
		emit(fn, state, core.EventReportSection, section.Title, "")
	})
	o.record(state, tracker, o.opts.SynthesisModel, report.Usage, report.Warnings)

	if err := state.SetPhase(core.PhaseCompleted); err != nil {
		return nil, err
	}
	if onCheckpoint != nil {
		onCheckpoint(state)
	}

	result := state.Result(report.Body)
	result.UncitedSources = report.UncitedSources
	emit(fn, state, core.EventCompleted, "research completed", "")
	logger.Info("research completed",
		"session_id", state.SessionID,
		"iterations", result.IterationCount,
		"sources", len(result.Sources),
		"findings", len(result.Findings),
		"cost_usd", fmt.Sprintf("%.4f", result.CostUSD))
	return result, nil
}

// enterPhase transitions the state machine, honoring cancellation, and
// emits the phase change plus a checkpoint.
func (o *Orchestrator) enterPhase(ctx context.Context, state *core.ResearchState, phase core.Phase, fn emitFunc, onCheckpoint func(*core.ResearchState)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if err := state.SetPhase(phase); err != nil {
		return err
	}
	emit(fn, state, core.EventPhaseChanged, string(phase), "")
	if onCheckpoint != nil {
		onCheckpoint(state)
	}
	return nil
}

// shouldReport decides whether the loop ends after this iteration.
func (o *Orchestrator) shouldReport(state *core.ResearchState) bool {
	if state.Sufficiency != nil && state.Sufficiency.IsSufficient(o.opts.SufficiencyThreshold) {
		return true
	}
	if state.Sufficiency != nil && len(state.Gaps) == 0 {
		// Nothing actionable remains even though the score is low.
		return true
	}
	if state.Request.MaxBudget > 0 && state.CostUSD >= state.Request.MaxBudget {
		logger.Warn("budget exhausted, forcing report generation",
			"session_id", state.SessionID, "cost_usd", fmt.Sprintf("%.4f", state.CostUSD))
		return true
	}
	return false
}

// record folds an agent outcome's accounting into state and the tracker.
func (o *Orchestrator) record(state *core.ResearchState, tracker *cost.Tracker, model string, usage core.TokenUsage, warnings []string) {
	tracker.Record(model, usage)
	state.TokenUsage.Add(usage)
	state.CostUSD += cost.CostOf(model, usage)
	for _, w := range warnings {
		state.Errors = append(state.Errors, w)
	}
}

// fail transitions to the terminal failure phase and emits the error.
func (o *Orchestrator) fail(state *core.ResearchState, fn emitFunc, err error) error {
	state.RecordError("run failed", err)
	if !state.Phase.IsTerminal() {
		_ = state.SetPhase(core.PhaseFailed)
	}
	emit(fn, state, core.EventFailed, "research failed", err.Error())
	logger.Error("research failed", err, "session_id", state.SessionID)
	return err
}
