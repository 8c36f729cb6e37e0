package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fathom/internal/core"
	"fathom/internal/httpclient"
	"fathom/internal/logger"
)

const googleEndpoint = "https://www.googleapis.com/customsearch/v1"

// GoogleProvider implements Provider using the Google Custom Search JSON API.
type GoogleProvider struct {
	apiKey   string
	searchID string
	client   *httpclient.Client
	endpoint string
}

// GoogleOption configures the provider.
type GoogleOption func(*GoogleProvider)

// WithGoogleEndpoint overrides the API endpoint. Used by tests.
func WithGoogleEndpoint(endpoint string) GoogleOption {
	return func(g *GoogleProvider) { g.endpoint = endpoint }
}

// WithGoogleClient injects a custom HTTP client.
func WithGoogleClient(client *httpclient.Client) GoogleOption {
	return func(g *GoogleProvider) { g.client = client }
}

// NewGoogleProvider creates a Google Custom Search provider.
func NewGoogleProvider(apiKey, searchID string, opts ...GoogleOption) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if searchID == "" {
		return nil, ErrMissingSearchID
	}
	g := &GoogleProvider{
		apiKey:   apiKey,
		searchID: searchID,
		endpoint: googleEndpoint,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = httpclient.New(httpclient.Config{Name: "google", Timeout: 30 * time.Second, MaxRetries: 3})
	}
	return g, nil
}

// ProviderID returns the stable identifier of this provider.
func (g *GoogleProvider) ProviderID() string { return "google" }

// Capabilities returns the provider's capability flags.
func (g *GoogleProvider) Capabilities() Capability {
	return CapWebSearch | CapImageSearch
}

// Search performs a search using the Custom Search API.
func (g *GoogleProvider) Search(ctx context.Context, query core.SearchQuery) (*core.SearchResult, error) {
	params := url.Values{}
	params.Set("key", g.apiKey)
	params.Set("cx", g.searchID)
	params.Set("q", query.Text)
	params.Set("num", strconv.Itoa(min(query.MaxResults, 10))) // CSE allows max 10 per request

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google request: %w", err)
	}

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute Google request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrProviderAuth, resp.StatusCode)
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("Google request failed with status: %d", resp.StatusCode)
	}

	var apiResponse struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	result := &core.SearchResult{
		Query:     query,
		Provider:  g.ProviderID(),
		Timestamp: time.Now().UTC(),
	}
	for i, item := range apiResponse.Items {
		if query.MaxResults > 0 && i >= query.MaxResults {
			break
		}
		result.Sources = append(result.Sources, core.SearchSource{
			URL:     item.Link,
			Title:   item.Title,
			Snippet: item.Snippet,
			Score:   1.0 - float64(i)*0.05,
		})
	}

	logger.Info("Google search completed", "query", query.Text, "results_found", len(result.Sources))
	return result, nil
}

// SearchBatch runs queries sequentially with a small delay. The CSE free
// tier throttles aggressively, so this provider keeps batches serial.
func (g *GoogleProvider) SearchBatch(ctx context.Context, queries []core.SearchQuery) ([]*core.SearchResult, error) {
	results := make([]*core.SearchResult, len(queries))
	for i, query := range queries {
		if i > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
		result, err := g.Search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			logger.Warn("Google batch query failed", "query", query.Text, "error", err.Error())
			results[i] = emptyResult(query, g.ProviderID())
			continue
		}
		results[i] = result
	}
	return results, nil
}
