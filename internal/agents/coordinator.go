package agents

import (
	"context"

	"fathom/internal/core"
	"fathom/internal/fetch"
	"fathom/internal/logger"
	"fathom/internal/search"
)

const (
	defaultQueryMaxResults = 10
)

// Coordinator routes expanded queries to search providers and reduces the
// responses to a de-duplicated, ordered source list.
type Coordinator struct {
	factory    *search.Factory
	maxResults int
}

// NewCoordinator creates a search coordinator over the provider factory.
func NewCoordinator(factory *search.Factory, maxResults int) *Coordinator {
	if maxResults <= 0 {
		maxResults = defaultQueryMaxResults
	}
	return &Coordinator{factory: factory, maxResults: maxResults}
}

// Search runs the iteration's queries. providerOverride, when non-empty,
// pins every query to that provider; otherwise each query is routed by its
// search type. Partial provider failures degrade to empty per-query results
// and never abort the batch. Results are recorded on the state and the
// surviving sources are returned in first-seen order with canonical-URL
// de-duplication applied.
func (c *Coordinator) Search(ctx context.Context, state *core.ResearchState, queries []core.ExpandedQuery) ([]core.SearchSource, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	depth := core.SearchDepthBasic
	if state.Request.Depth == core.DepthDeep {
		depth = core.SearchDepthDeep
	}

	// Group query positions by resolved provider so each provider's own
	// batch policy (parallel or politely sequential) stays in charge.
	groups := make(map[string][]int)
	providers := make(map[string]search.Provider)
	searchQueries := make([]core.SearchQuery, len(queries))

	for i, eq := range queries {
		searchQueries[i] = core.SearchQuery{
			Text:       eq.Text,
			Type:       eq.Type,
			Depth:      depth,
			MaxResults: c.maxResults,
		}

		provider, err := c.resolve(state.Request.SearchProvider, eq.Type)
		if err != nil {
			return nil, err
		}
		id := provider.ProviderID()
		providers[id] = provider
		groups[id] = append(groups[id], i)
	}

	results := make([]*core.SearchResult, len(queries))
	for id, positions := range groups {
		batch := make([]core.SearchQuery, len(positions))
		for j, pos := range positions {
			batch[j] = searchQueries[pos]
		}

		batchResults, err := providers[id].SearchBatch(ctx, batch)
		if err != nil {
			// A whole-batch failure degrades to empty results for the group.
			logger.Warn("search batch failed", "provider", id, "error", err.Error())
			state.RecordError("search batch "+id, err)
			continue
		}
		for j, pos := range positions {
			if j < len(batchResults) {
				results[pos] = batchResults[j]
			}
		}
	}

	seen := make(map[string]bool)
	var sources []core.SearchSource
	for i, result := range results {
		if result == nil {
			continue
		}
		state.SearchResults = append(state.SearchResults, *result)
		state.ExecutedQueries = append(state.ExecutedQueries, queries[i])

		for _, src := range result.Sources {
			canonical, err := fetch.CanonicalURL(src.URL)
			if err != nil {
				continue
			}
			if seen[canonical] {
				continue
			}
			seen[canonical] = true
			src.Provider = result.Provider
			sources = append(sources, src)
		}
	}

	logger.Info("search coordination complete",
		"queries", len(queries), "unique_sources", len(sources))
	return sources, nil
}

func (c *Coordinator) resolve(override string, t core.SearchType) (search.Provider, error) {
	if override != "" {
		return c.factory.Get(override)
	}
	return c.factory.SelectForType(t)
}
