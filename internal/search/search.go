package search

import (
	"context"
	"time"

	"fathom/internal/core"
)

// Capability is a bit flag describing what a provider can do.
type Capability uint8

// Provider capabilities. A provider advertises the union of its flags.
const (
	CapWebSearch Capability = 1 << iota
	CapNewsSearch
	CapAcademicSearch
	CapImageSearch
	CapContentExtraction
	CapSemanticSearch
)

// Has reports whether all bits in want are set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Provider defines the unified interface for search providers.
// SearchBatch lets each implementation enforce its own concurrency policy;
// callers must not assume the batch runs in parallel.
type Provider interface {
	// ProviderID returns the stable identifier of this provider.
	ProviderID() string

	// Capabilities returns the provider's capability flags.
	Capabilities() Capability

	// Search performs a single search.
	Search(ctx context.Context, query core.SearchQuery) (*core.SearchResult, error)

	// SearchBatch performs multiple searches. Per-query failures are replaced
	// by empty results; the batch fails only when nothing can be attempted.
	SearchBatch(ctx context.Context, queries []core.SearchQuery) ([]*core.SearchResult, error)
}

// RequiredCapability maps a search type to the capability a provider needs
// to serve it.
func RequiredCapability(t core.SearchType) Capability {
	switch t {
	case core.SearchTypeNews:
		return CapNewsSearch
	case core.SearchTypeAcademic:
		return CapAcademicSearch
	default:
		return CapWebSearch
	}
}

// emptyResult builds the placeholder result used when a query in a batch
// fails softly.
func emptyResult(query core.SearchQuery, providerID string) *core.SearchResult {
	return &core.SearchResult{
		Query:     query,
		Provider:  providerID,
		Sources:   nil,
		Timestamp: time.Now().UTC(),
	}
}
