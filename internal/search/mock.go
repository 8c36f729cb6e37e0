package search

import (
	"context"
	"time"

	"fathom/internal/core"
)

// MockProvider implements Provider for testing purposes.
type MockProvider struct {
	id           string
	capabilities Capability
	sources      []core.SearchSource
	err          error
	callCount    int
}

// NewMockProvider creates a mock search provider with canned results.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		id:           "mock",
		capabilities: CapWebSearch | CapNewsSearch | CapAcademicSearch,
		sources: []core.SearchSource{
			{
				URL:     "https://example.com/article1",
				Title:   "Example Article 1",
				Snippet: "This is a mock search result for testing purposes.",
				Score:   0.95,
			},
			{
				URL:     "https://test.org/article2",
				Title:   "Test Article 2",
				Snippet: "Another mock search result with different content.",
				Score:   0.85,
			},
			{
				URL:     "https://demo.net/article3",
				Title:   "Demo Article 3",
				Snippet: "Third mock result to simulate multiple search results.",
				Score:   0.75,
			},
		},
	}
}

// WithSources replaces the canned results.
func (m *MockProvider) WithSources(sources []core.SearchSource) *MockProvider {
	m.sources = sources
	return m
}

// WithError makes every call fail with err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.err = err
	return m
}

// WithCapabilities overrides the advertised capability flags.
func (m *MockProvider) WithCapabilities(c Capability) *MockProvider {
	m.capabilities = c
	return m
}

// WithID overrides the provider id.
func (m *MockProvider) WithID(id string) *MockProvider {
	m.id = id
	return m
}

// CallCount reports how many Search calls were made.
func (m *MockProvider) CallCount() int { return m.callCount }

// ProviderID returns the stable identifier of this provider.
func (m *MockProvider) ProviderID() string { return m.id }

// Capabilities returns the provider's capability flags.
func (m *MockProvider) Capabilities() Capability { return m.capabilities }

// Search returns the canned results, truncated to the query's max.
func (m *MockProvider) Search(_ context.Context, query core.SearchQuery) (*core.SearchResult, error) {
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}

	sources := m.sources
	if query.MaxResults > 0 && len(sources) > query.MaxResults {
		sources = sources[:query.MaxResults]
	}
	return &core.SearchResult{
		Query:     query,
		Provider:  m.id,
		Sources:   sources,
		Timestamp: time.Now().UTC(),
	}, nil
}

// SearchBatch runs the queries sequentially.
func (m *MockProvider) SearchBatch(ctx context.Context, queries []core.SearchQuery) ([]*core.SearchResult, error) {
	results := make([]*core.SearchResult, len(queries))
	for i, query := range queries {
		result, err := m.Search(ctx, query)
		if err != nil {
			results[i] = emptyResult(query, m.id)
			continue
		}
		results[i] = result
	}
	return results, nil
}
