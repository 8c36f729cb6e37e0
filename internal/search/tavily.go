package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"fathom/internal/core"
	"fathom/internal/httpclient"
	"fathom/internal/logger"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// TavilyProvider implements Provider against the Tavily search API.
type TavilyProvider struct {
	apiKey      string
	client      *httpclient.Client
	endpoint    string
	maxParallel int
}

// TavilyOption configures the provider.
type TavilyOption func(*TavilyProvider)

// WithTavilyEndpoint overrides the API endpoint. Used by tests.
func WithTavilyEndpoint(endpoint string) TavilyOption {
	return func(t *TavilyProvider) { t.endpoint = endpoint }
}

// WithTavilyClient injects a custom resilient client.
func WithTavilyClient(client *httpclient.Client) TavilyOption {
	return func(t *TavilyProvider) { t.client = client }
}

// WithTavilyMaxParallel bounds SearchBatch concurrency.
func WithTavilyMaxParallel(n int) TavilyOption {
	return func(t *TavilyProvider) {
		if n > 0 {
			t.maxParallel = n
		}
	}
}

// NewTavilyProvider creates a Tavily search provider.
func NewTavilyProvider(apiKey string, opts ...TavilyOption) (*TavilyProvider, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	t := &TavilyProvider{
		apiKey:      apiKey,
		endpoint:    tavilyEndpoint,
		maxParallel: 5,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = httpclient.New(httpclient.Config{Name: "tavily", Timeout: 30 * time.Second, MaxRetries: 3})
	}
	return t, nil
}

// ProviderID returns the stable identifier of this provider.
func (t *TavilyProvider) ProviderID() string { return "tavily" }

// Capabilities returns the provider's capability flags.
func (t *TavilyProvider) Capabilities() Capability {
	return CapWebSearch | CapNewsSearch | CapContentExtraction
}

// tavilyRequest mirrors the Tavily POST body.
type tavilyRequest struct {
	Query             string   `json:"query"`
	SearchDepth       string   `json:"search_depth"`
	IncludeAnswer     bool     `json:"include_answer"`
	IncludeRawContent bool     `json:"include_raw_content"`
	MaxResults        int      `json:"max_results"`
	Topic             string   `json:"topic,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty"`
}

// tavilyResponse mirrors the Tavily response body.
type tavilyResponse struct {
	Query   string `json:"query"`
	Answer  string `json:"answer,omitempty"`
	Results []struct {
		URL           string  `json:"url"`
		Title         string  `json:"title"`
		Content       string  `json:"content,omitempty"`
		RawContent    string  `json:"raw_content,omitempty"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date,omitempty"`
	} `json:"results"`
	ResponseTime float64 `json:"response_time"`
}

// Search performs a single Tavily search.
func (t *TavilyProvider) Search(ctx context.Context, query core.SearchQuery) (*core.SearchResult, error) {
	depth := "basic"
	if query.Depth == core.SearchDepthDeep {
		depth = "advanced"
	}

	body := tavilyRequest{
		Query:             query.Text,
		SearchDepth:       depth,
		IncludeAnswer:     true,
		IncludeRawContent: query.IncludeRawContent,
		MaxResults:        query.MaxResults,
		IncludeDomains:    query.IncludeDomains,
		ExcludeDomains:    query.ExcludeDomains,
	}
	if query.Type == core.SearchTypeNews {
		body.Topic = "news"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode Tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create Tavily request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute Tavily request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrProviderAuth, resp.StatusCode)
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("Tavily request failed with status: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Tavily response: %w", err)
	}

	var apiResponse tavilyResponse
	if err := json.Unmarshal(raw, &apiResponse); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	result := &core.SearchResult{
		Query:     query,
		Provider:  t.ProviderID(),
		Answer:    apiResponse.Answer,
		Timestamp: time.Now().UTC(),
	}
	for i, item := range apiResponse.Results {
		if query.MaxResults > 0 && i >= query.MaxResults {
			break
		}
		result.Sources = append(result.Sources, core.SearchSource{
			URL:           item.URL,
			Title:         item.Title,
			Snippet:       item.Content,
			RawContent:    item.RawContent,
			Score:         item.Score,
			PublishedDate: item.PublishedDate,
		})
	}

	logger.Info("Tavily search completed", "query", query.Text, "results_found", len(result.Sources))
	return result, nil
}

// SearchBatch runs queries concurrently, bounded by the configured maximum.
// Per-query failures are caught and replaced by empty results.
func (t *TavilyProvider) SearchBatch(ctx context.Context, queries []core.SearchQuery) ([]*core.SearchResult, error) {
	results := make([]*core.SearchResult, len(queries))
	sem := make(chan struct{}, t.maxParallel)
	var wg sync.WaitGroup

	for i, query := range queries {
		wg.Add(1)
		go func(idx int, q core.SearchQuery) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := t.Search(ctx, q)
			if err != nil {
				logger.Warn("Tavily batch query failed", "query", q.Text, "error", err.Error())
				results[idx] = emptyResult(q, t.ProviderID())
				return
			}
			results[idx] = result
		}(i, query)
	}
	wg.Wait()

	return results, nil
}
