package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"fathom/internal/core"
)

const (
	keyPrefix   = "search:"
	defaultTTL  = 1 * time.Hour
	slidingIdle = 15 * time.Minute
)

// SearchCache memoizes provider responses by canonical query fingerprint.
// A miss is indistinguishable from a never-cached query; the cache never
// fails user-visibly.
type SearchCache struct {
	store *gocache.Cache
}

// New creates a search result cache with the default TTL policy.
func New() *SearchCache {
	return &SearchCache{
		store: gocache.New(defaultTTL, 10*time.Minute),
	}
}

// Key builds the canonical fingerprint for a query. Queries equal on all
// contributing fields share a key; domain list order does not matter.
func Key(query core.SearchQuery) string {
	include := append([]string(nil), query.IncludeDomains...)
	exclude := append([]string(nil), query.ExcludeDomains...)
	sort.Strings(include)
	sort.Strings(exclude)

	var builder strings.Builder
	builder.WriteString(query.Text)
	builder.WriteByte('|')
	builder.WriteString(string(query.Type))
	builder.WriteByte('|')
	builder.WriteString(string(query.Depth))
	builder.WriteByte('|')
	fmt.Fprintf(&builder, "%d", query.MaxResults)
	builder.WriteByte('|')
	builder.WriteString(strings.Join(include, ","))
	builder.WriteByte('|')
	builder.WriteString(strings.Join(exclude, ","))

	sum := sha256.Sum256([]byte(builder.String()))
	return keyPrefix + hex.EncodeToString(sum[:])[:16]
}

// TryGet returns the cached result for a key, refreshing the sliding idle
// window on a hit.
func (c *SearchCache) TryGet(key string) (*core.SearchResult, bool) {
	value, expiresAt, found := c.store.GetWithExpiration(key)
	if !found {
		return nil, false
	}
	result, ok := value.(*core.SearchResult)
	if !ok {
		return nil, false
	}

	// Sliding idle: a hit near expiry renews the entry for one more idle
	// window, so an entry stays cached as long as it keeps getting hits.
	if !expiresAt.IsZero() && time.Until(expiresAt) < slidingIdle {
		c.store.Set(key, result, slidingIdle)
	}
	return result, true
}

// Set caches a result under the key. Results without sources are skipped so
// transient provider failures are not memoized.
func (c *SearchCache) Set(key string, result *core.SearchResult, ttl time.Duration) {
	if result == nil || len(result.Sources) == 0 {
		return
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c.store.Set(key, result, ttl)
}

// Invalidate removes a key from the cache.
func (c *SearchCache) Invalidate(key string) {
	c.store.Delete(key)
}
