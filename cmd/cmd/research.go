package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"fathom/internal/agents"
	"fathom/internal/cache"
	"fathom/internal/chunk"
	"fathom/internal/citations"
	"fathom/internal/config"
	"fathom/internal/core"
	"fathom/internal/fetch"
	"fathom/internal/httpclient"
	"fathom/internal/llm"
	"fathom/internal/logger"
	"fathom/internal/orchestrator"
	"fathom/internal/search"
)

var (
	phaseStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

var researchCmd = &cobra.Command{
	Use:   "research [query]",
	Short: "Run an iterative research session and write a cited report",
	Long: `Run the full research pipeline for a query: plan sub-questions, search,
extract and analyze sources, and iterate until the evidence is sufficient.

Example:
  fathom research "impact of heat pumps on residential grid demand"
  fathom research --depth deep --provider tavily --output report.md "query"
  fathom research --format structured "query" > result.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.TrimSpace(strings.Join(args, " "))
		if query == "" {
			return fmt.Errorf("query must not be empty")
		}
		return runResearch(cmd, query)
	},
}

func init() {
	rootCmd.AddCommand(researchCmd)

	researchCmd.Flags().String("depth", "standard", "research depth: quick, standard, or deep")
	researchCmd.Flags().Int("max-iterations", -1, "iteration cap (default from config)")
	researchCmd.Flags().String("provider", "", "search provider override: tavily, google, or duckduckgo")
	researchCmd.Flags().String("format", "markdown", "output format: markdown, plain, or structured")
	researchCmd.Flags().String("style", "numbered", "reference style: numbered, apa, or mla")
	researchCmd.Flags().Bool("references", true, "append a references section to the report")
	researchCmd.Flags().String("language", "en", "report language code")
	researchCmd.Flags().Float64("budget", 0, "cost cutoff in USD, 0 uses the configured default")
	researchCmd.Flags().StringP("output", "o", "", "write the report to a file instead of stdout")
}

func runResearch(cmd *cobra.Command, query string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Get()
	res := cfg.Research

	depth, err := parseDepth(mustString(cmd, "depth"))
	if err != nil {
		return err
	}
	format, err := parseFormat(mustString(cmd, "format"))
	if err != nil {
		return err
	}
	style, err := parseStyle(mustString(cmd, "style"))
	if err != nil {
		return err
	}

	maxIterations, _ := cmd.Flags().GetInt("max-iterations")
	if maxIterations < 0 {
		maxIterations = res.MaxIterations
	}
	budget, _ := cmd.Flags().GetFloat64("budget")
	providerOverride := mustString(cmd, "provider")
	includeRefs, _ := cmd.Flags().GetBool("references")

	gen, err := llm.NewClient(ctx, cfg.AI.Gemini.APIKey, cfg.AI.Gemini.Model)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	factory, err := buildProviderFactory(cfg, providerOverride)
	if err != nil {
		return err
	}

	analysisModel := res.AnalysisModel
	if !res.UseSmallModelForAnalysis {
		analysisModel = cfg.AI.Gemini.Model
	}

	orch := buildOrchestrator(cfg, gen, factory, analysisModel, style)

	req := core.ResearchRequest{
		Query:             query,
		Depth:             depth,
		MaxIterations:     maxIterations,
		Language:          mustString(cmd, "language"),
		OutputFormat:      format,
		SearchProvider:    providerOverride,
		MaxBudget:         budget,
		IncludeReferences: includeRefs,
	}

	started := time.Now()
	events, sessionID := orch.ExecuteStream(ctx, req)
	for event := range events {
		renderProgress(event)
	}

	session, ok := orch.Sessions().Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s disappeared before completion", sessionID)
	}
	result, err := session.Result()
	if err != nil {
		return fmt.Errorf("research failed: %w", err)
	}

	output := result.Report
	if format == core.FormatStructured {
		raw, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		output = string(raw)
	}

	if path := mustString(cmd, "output"); path != "" {
		if err := os.WriteFile(path, []byte(output+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintln(os.Stderr, sectionStyle.Render("Report written to "+path))
	} else {
		fmt.Println(output)
	}

	printSummary(result, time.Since(started))
	return nil
}

// buildProviderFactory registers every configured provider, each wrapped in
// the shared search cache. DuckDuckGo needs no key and is always available.
func buildProviderFactory(cfg *config.Config, override string) (*search.Factory, error) {
	searchCache := cache.New()

	var providers []search.Provider
	if key := cfg.Search.APIKeys["tavily"]; key != "" {
		tavily, err := search.NewTavilyProvider(key,
			search.WithTavilyMaxParallel(cfg.Research.MaxParallelSearches))
		if err != nil {
			return nil, fmt.Errorf("failed to configure Tavily: %w", err)
		}
		providers = append(providers, tavily)
	}
	if key := cfg.Search.APIKeys["google"]; key != "" && cfg.Search.Providers.Google.SearchID != "" {
		google, err := search.NewGoogleProvider(key, cfg.Search.Providers.Google.SearchID)
		if err != nil {
			return nil, fmt.Errorf("failed to configure Google: %w", err)
		}
		providers = append(providers, google)
	}
	providers = append(providers, search.NewDuckDuckGoProvider())

	registered := make(map[string]bool, len(providers))
	for _, p := range providers {
		registered[strings.ToLower(p.ProviderID())] = true
	}

	defaultID := strings.ToLower(cfg.Search.DefaultProvider)
	if override != "" {
		defaultID = strings.ToLower(override)
	}
	switch {
	case defaultID == "":
		// No preference at all: DuckDuckGo needs no credentials.
		defaultID = "duckduckgo"
	case !registered[defaultID]:
		// A requested-but-unconfigured provider fails fast rather than
		// silently searching somewhere else.
		return nil, fmt.Errorf("%w: provider %q (available: %s)",
			search.ErrMissingAPIKey, defaultID, strings.Join(availableIDs(registered), ", "))
	}

	factory := search.NewFactory(defaultID)
	for _, p := range providers {
		factory.Register(search.NewCachedProvider(p, searchCache))
	}
	return factory, nil
}

func availableIDs(registered map[string]bool) []string {
	ids := make([]string, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func buildOrchestrator(cfg *config.Config, gen llm.TextGenerator, factory *search.Factory, analysisModel string, style citations.ReferenceStyle) *orchestrator.Orchestrator {
	res := cfg.Research

	planner := agents.NewPlanner(gen,
		agents.WithPlannerModel(analysisModel),
		agents.WithMaxExpandedQueries(res.MaxExpandedQueries),
	)
	coordinator := agents.NewCoordinator(factory, cfg.Search.MaxResults)

	extractor := fetch.NewExtractor(
		fetch.WithClient(httpclient.New(httpclient.Config{
			Name:       "fetch",
			Timeout:    cfg.HTTPTimeout(),
			MaxRetries: cfg.HTTP.MaxRetries,
		})),
		fetch.WithParallelism(res.MaxParallelExtractions),
	)
	chunkerOpts := []chunk.Option{}
	if counter, err := chunk.NewTiktokenCounter(analysisModel); err == nil {
		chunkerOpts = append(chunkerOpts, chunk.WithTokenCounter(counter))
	} else {
		logger.Debug("tiktoken unavailable, using heuristic token counter", "error", err.Error())
	}
	enricher := agents.NewEnricher(extractor, chunk.New(chunkerOpts...))

	analyzer := agents.NewAnalyzer(gen, res.SufficiencyThreshold,
		agents.WithAnalyzerModel(analysisModel),
		agents.WithMaxSourcesToAnalyze(res.MaxSourcesToAnalyze),
	)
	reporter := agents.NewReporter(gen,
		agents.WithReporterModel(res.SynthesisModel),
		agents.WithMaxSections(res.MaxSections),
		agents.WithReferenceStyle(style),
	)

	return orchestrator.New(planner, coordinator, enricher, analyzer, reporter, orchestrator.Options{
		SufficiencyThreshold: res.SufficiencyThreshold,
		MaxSourcesPerIter:    res.MaxSourcesPerIteration,
		MaxBudget:            res.MaxBudget,
		AnalysisModel:        analysisModel,
		SynthesisModel:       res.SynthesisModel,
	})
}

func renderProgress(p core.ResearchProgress) {
	switch p.Event {
	case core.EventPhaseChanged:
		label := fmt.Sprintf("[%d] %s", p.Iteration, p.Phase)
		fmt.Fprintln(os.Stderr, phaseStyle.Render(label)+" "+p.Message)
	case core.EventReportSection:
		fmt.Fprintln(os.Stderr, sectionStyle.Render("  § ")+p.Message)
	case core.EventFailed:
		fmt.Fprintln(os.Stderr, failStyle.Render("✗ "+p.Message))
		if p.Error != "" {
			fmt.Fprintln(os.Stderr, failStyle.Render("  "+p.Error))
		}
	case core.EventCompleted:
		fmt.Fprintln(os.Stderr, sectionStyle.Render("✓ "+p.Message))
	default:
		fmt.Fprintln(os.Stderr, dimStyle.Render("  · "+p.Message))
	}
}

func printSummary(result *core.ResearchResult, elapsed time.Duration) {
	lines := []string{
		fmt.Sprintf("sources: %d  findings: %d  iterations: %d",
			len(result.Sources), len(result.Findings), result.IterationCount),
		fmt.Sprintf("tokens: %d in / %d out  cost: $%.4f  elapsed: %s",
			result.TokenUsage.InputTokens, result.TokenUsage.OutputTokens,
			result.CostUSD, elapsed.Round(time.Second)),
	}
	if result.Sufficiency.Overall > 0 {
		lines = append(lines, fmt.Sprintf("sufficiency: %.2f", result.Sufficiency.Overall))
	}
	if len(result.Errors) > 0 {
		lines = append(lines, fmt.Sprintf("soft failures: %d", len(result.Errors)))
	}
	fmt.Fprintln(os.Stderr, dimStyle.Render(strings.Join(lines, "\n")))
}

func parseDepth(s string) (core.ResearchDepth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quick":
		return core.DepthQuick, nil
	case "standard", "":
		return core.DepthStandard, nil
	case "deep":
		return core.DepthDeep, nil
	}
	return "", fmt.Errorf("invalid depth %q (expected quick, standard, or deep)", s)
}

func parseFormat(s string) (core.OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "":
		return core.FormatMarkdown, nil
	case "plain":
		return core.FormatPlain, nil
	case "structured", "json":
		return core.FormatStructured, nil
	}
	return "", fmt.Errorf("invalid format %q (expected markdown, plain, or structured)", s)
}

func parseStyle(s string) (citations.ReferenceStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "numbered", "":
		return citations.StyleNumbered, nil
	case "apa":
		return citations.StyleAPA, nil
	case "mla":
		return citations.StyleMLA, nil
	}
	return "", fmt.Errorf("invalid reference style %q (expected numbered, apa, or mla)", s)
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
