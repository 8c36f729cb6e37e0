package search

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"fathom/internal/core"
	"fathom/internal/httpclient"
	"fathom/internal/logger"
)

const ddgEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGoProvider implements Provider by scraping the DuckDuckGo HTML
// endpoint. The engine answers parallel or rapid-fire requests with bot
// protection (HTTP 202), so batches are serialized with jittered delays.
type DuckDuckGoProvider struct {
	client    *httpclient.Client
	endpoint  string
	userAgent string
	region    string

	botRetries    int
	botRetryBase  time.Duration
	batchDelayMin time.Duration
	batchDelayMax time.Duration
}

// DuckDuckGoOption configures the provider.
type DuckDuckGoOption func(*DuckDuckGoProvider)

// WithDuckDuckGoEndpoint overrides the HTML endpoint. Used by tests.
func WithDuckDuckGoEndpoint(endpoint string) DuckDuckGoOption {
	return func(d *DuckDuckGoProvider) { d.endpoint = endpoint }
}

// WithDuckDuckGoClient injects a custom resilient client.
func WithDuckDuckGoClient(client *httpclient.Client) DuckDuckGoOption {
	return func(d *DuckDuckGoProvider) { d.client = client }
}

// WithDuckDuckGoDelays overrides the bot-protection retry base delay and the
// inter-query batch delays. Used by tests to avoid multi-second sleeps.
func WithDuckDuckGoDelays(retryBase, batchMin, batchMax time.Duration) DuckDuckGoOption {
	return func(d *DuckDuckGoProvider) {
		d.botRetryBase = retryBase
		d.batchDelayMin = batchMin
		d.batchDelayMax = batchMax
	}
}

// NewDuckDuckGoProvider creates a DuckDuckGo search provider.
func NewDuckDuckGoProvider(opts ...DuckDuckGoOption) *DuckDuckGoProvider {
	d := &DuckDuckGoProvider{
		endpoint:      ddgEndpoint,
		userAgent:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		region:        "us-en",
		botRetries:    3,
		botRetryBase:  2 * time.Second,
		batchDelayMin: 1500 * time.Millisecond,
		batchDelayMax: 2500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = httpclient.New(httpclient.Config{Name: "duckduckgo", Timeout: 30 * time.Second, MaxRetries: 2})
	}
	return d
}

// ProviderID returns the stable identifier of this provider.
func (d *DuckDuckGoProvider) ProviderID() string { return "duckduckgo" }

// Capabilities returns the provider's capability flags.
func (d *DuckDuckGoProvider) Capabilities() Capability {
	return CapWebSearch | CapNewsSearch
}

// Search performs a search and parses results from DuckDuckGo's HTML.
// Bot protection (202 responses) is retried with jittered delay; if every
// retry is blocked an empty result is surfaced instead of an error.
func (d *DuckDuckGoProvider) Search(ctx context.Context, query core.SearchQuery) (*core.SearchResult, error) {
	for attempt := 0; attempt <= d.botRetries; attempt++ {
		if attempt > 0 {
			// 2s + Uniform[500,1500)ms by default
			delay := d.botRetryBase + time.Duration(500+rand.Intn(1000))*time.Millisecond
			logger.Debug("DuckDuckGo bot protection, retrying", "query", query.Text, "attempt", attempt, "delay", delay.String())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		html, status, err := d.fetchHTML(ctx, query.Text)
		if err != nil {
			return nil, err
		}
		if status == http.StatusAccepted {
			continue
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("DuckDuckGo request failed with status: %d", status)
		}

		sources := d.parseSearchResults(html, query.MaxResults)
		if len(sources) == 0 && attempt < d.botRetries {
			// Empty HTML with a 200 is another bot-protection shape.
			continue
		}

		logger.Info("DuckDuckGo search completed", "query", query.Text, "results_found", len(sources))
		return &core.SearchResult{
			Query:     query,
			Provider:  d.ProviderID(),
			Sources:   sources,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	logger.Warn("DuckDuckGo blocked after retries, returning empty result", "query", query.Text)
	return emptyResult(query, d.ProviderID()), nil
}

// SearchBatch runs queries sequentially with jittered delays between them.
// Parallel requests trip DuckDuckGo's bot protection.
func (d *DuckDuckGoProvider) SearchBatch(ctx context.Context, queries []core.SearchQuery) ([]*core.SearchResult, error) {
	results := make([]*core.SearchResult, len(queries))
	for i, query := range queries {
		if i > 0 {
			gap := d.batchDelayMin
			if span := d.batchDelayMax - d.batchDelayMin; span > 0 {
				gap += time.Duration(rand.Int63n(int64(span)))
			}
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(gap):
			}
		}

		result, err := d.Search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			logger.Warn("DuckDuckGo batch query failed", "query", query.Text, "error", err.Error())
			results[i] = emptyResult(query, d.ProviderID())
			continue
		}
		results[i] = result
	}
	return results, nil
}

// fetchHTML posts the search form and returns the body and status code.
func (d *DuckDuckGoProvider) fetchHTML(ctx context.Context, query string) (string, int, error) {
	form := url.Values{}
	form.Set("q", query)
	form.Set("kl", d.region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	resp, err := d.client.Do(ctx, req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to execute search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

// Parsing patterns. The primary pattern matches DuckDuckGo's explicit result
// anchors; the fallback catches any result-class anchor with an absolute URL
// in case the markup shifts.
var (
	ddgResultPattern   = regexp.MustCompile(`<a[^>]*class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	ddgSnippetPattern  = regexp.MustCompile(`<a[^>]*class="result__snippet"[^>]*>(.*?)</a>`)
	ddgFallbackPattern = regexp.MustCompile(`<a[^>]*class="[^"]*result[^"]*"[^>]*href="(https?://[^"]+)"[^>]*>(.*?)</a>`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// parseSearchResults extracts search results from the HTML response using
// the primary pattern, falling back to the looser one.
func (d *DuckDuckGoProvider) parseSearchResults(html string, maxResults int) []core.SearchSource {
	matches := ddgResultPattern.FindAllStringSubmatch(html, -1)
	if len(matches) == 0 {
		matches = ddgFallbackPattern.FindAllStringSubmatch(html, -1)
	}
	snippets := ddgSnippetPattern.FindAllStringSubmatch(html, -1)

	var sources []core.SearchSource
	for i, match := range matches {
		if maxResults > 0 && len(sources) >= maxResults {
			break
		}
		if len(match) < 3 {
			continue
		}

		finalURL := d.extractFinalURL(match[1])
		if finalURL == "" {
			continue
		}

		snippet := ""
		if i < len(snippets) && len(snippets[i]) >= 2 {
			snippet = cleanHTMLText(snippets[i][1])
		}

		sources = append(sources, core.SearchSource{
			URL:     finalURL,
			Title:   cleanHTMLText(match[2]),
			Snippet: snippet,
			Score:   1.0 - float64(len(sources))*0.05, // Rank-derived score
		})
	}
	return sources
}

// extractFinalURL unwraps DuckDuckGo's redirect URL by extracting the uddg
// query parameter.
func (d *DuckDuckGoProvider) extractFinalURL(redirectURL string) string {
	if strings.HasPrefix(redirectURL, "//") {
		redirectURL = "https:" + redirectURL
	}
	if strings.Contains(redirectURL, "uddg=") {
		parsed, err := url.Parse(redirectURL)
		if err != nil {
			return ""
		}
		if uddg := parsed.Query().Get("uddg"); uddg != "" {
			decoded, err := url.QueryUnescape(uddg)
			if err != nil {
				return ""
			}
			return decoded
		}
	}
	if strings.HasPrefix(redirectURL, "http://") || strings.HasPrefix(redirectURL, "https://") {
		return redirectURL
	}
	return ""
}

// cleanHTMLText removes HTML tags and decodes common HTML entities.
func cleanHTMLText(text string) string {
	text = htmlTagPattern.ReplaceAllString(text, "")

	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", "\"")
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.ReplaceAll(text, "&nbsp;", " ")

	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
