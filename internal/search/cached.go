package search

import (
	"context"

	"fathom/internal/cache"
	"fathom/internal/core"
	"fathom/internal/logger"
)

// CachedProvider wraps a Provider with the search result cache. The cache
// lookup happens before the wrapped provider's circuit breaker is consulted,
// so a hit sidesteps resilience machinery entirely.
type CachedProvider struct {
	inner Provider
	cache *cache.SearchCache
}

// NewCachedProvider wraps a provider with result caching.
func NewCachedProvider(inner Provider, c *cache.SearchCache) *CachedProvider {
	return &CachedProvider{inner: inner, cache: c}
}

// ProviderID returns the wrapped provider's identifier.
func (p *CachedProvider) ProviderID() string { return p.inner.ProviderID() }

// Capabilities returns the wrapped provider's capability flags.
func (p *CachedProvider) Capabilities() Capability { return p.inner.Capabilities() }

// Search consults the cache first and stores fresh non-empty results.
func (p *CachedProvider) Search(ctx context.Context, query core.SearchQuery) (*core.SearchResult, error) {
	key := cache.Key(query)
	if result, ok := p.cache.TryGet(key); ok {
		logger.Debug("search cache hit", "provider", p.ProviderID(), "query", query.Text)
		return result, nil
	}

	result, err := p.inner.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, result, 0)
	return result, nil
}

// SearchBatch resolves cached queries locally and forwards the remainder to
// the wrapped provider's own batch policy.
func (p *CachedProvider) SearchBatch(ctx context.Context, queries []core.SearchQuery) ([]*core.SearchResult, error) {
	results := make([]*core.SearchResult, len(queries))
	var missed []core.SearchQuery
	missedByKey := make(map[string][]int) // key -> positions awaiting this query

	for i, query := range queries {
		key := cache.Key(query)
		if result, ok := p.cache.TryGet(key); ok {
			results[i] = result
			continue
		}
		// Identical queries within one batch collapse to a single call.
		if _, seen := missedByKey[key]; !seen {
			missed = append(missed, query)
		}
		missedByKey[key] = append(missedByKey[key], i)
	}

	if len(missed) == 0 {
		return results, nil
	}

	fresh, err := p.inner.SearchBatch(ctx, missed)
	if err != nil {
		return results, err
	}
	for j, result := range fresh {
		key := cache.Key(missed[j])
		for _, idx := range missedByKey[key] {
			results[idx] = result
		}
		if result != nil {
			p.cache.Set(key, result, 0)
		}
	}
	return results, nil
}
