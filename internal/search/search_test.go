package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fathom/internal/cache"
	"fathom/internal/core"
	"fathom/internal/httpclient"
)

func testClient() *httpclient.Client {
	return httpclient.New(httpclient.Config{Timeout: 5 * time.Second, MaxRetries: 0, Name: "test"})
}

func TestTavilyRequestContract(t *testing.T) {
	var captured tavilyRequest
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"query":  captured.Query,
			"answer": "direct answer",
			"results": []map[string]any{
				{"url": "https://a.com/1", "title": "One", "content": "snippet", "score": 0.9, "published_date": "2025-01-01"},
				{"url": "https://b.com/2", "title": "Two", "content": "snippet2", "score": 0.8},
				{"url": "https://c.com/3", "title": "Three", "content": "snippet3", "score": 0.7},
			},
			"response_time": 0.3,
		})
	}))
	defer server.Close()

	provider, err := NewTavilyProvider("key-123",
		WithTavilyEndpoint(server.URL), WithTavilyClient(testClient()))
	if err != nil {
		t.Fatalf("constructor: %v", err)
	}

	result, err := provider.Search(context.Background(), core.SearchQuery{
		Text:       "test query",
		Type:       core.SearchTypeNews,
		Depth:      core.SearchDepthDeep,
		MaxResults: 2,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if auth != "Bearer key-123" {
		t.Errorf("auth header = %q", auth)
	}
	if captured.SearchDepth != "advanced" {
		t.Errorf("deep should map to advanced, got %q", captured.SearchDepth)
	}
	if !captured.IncludeAnswer {
		t.Error("include_answer must be set")
	}
	if captured.Topic != "news" {
		t.Errorf("news query should set topic, got %q", captured.Topic)
	}

	if result.Answer != "direct answer" {
		t.Errorf("answer = %q", result.Answer)
	}
	if len(result.Sources) != 2 {
		t.Errorf("max results not applied: got %d sources", len(result.Sources))
	}
	if result.Sources[0].PublishedDate != "2025-01-01" {
		t.Errorf("published date lost: %+v", result.Sources[0])
	}
}

func TestTavilyErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, "{}", ErrProviderAuth},
		{"forbidden", http.StatusForbidden, "{}", ErrProviderAuth},
		{"rate limited", http.StatusTooManyRequests, "{}", ErrRateLimited},
		{"invalid json", http.StatusOK, "not json", ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider, _ := NewTavilyProvider("key",
				WithTavilyEndpoint(server.URL), WithTavilyClient(testClient()))
			_, err := provider.Search(context.Background(), core.SearchQuery{Text: "q"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTavilyRequiresAPIKey(t *testing.T) {
	if _, err := NewTavilyProvider(""); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestTavilyBatchSurvivesPartialFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"url": "https://a.com", "title": "A", "score": 0.9}},
		})
	}))
	defer server.Close()

	provider, _ := NewTavilyProvider("key",
		WithTavilyEndpoint(server.URL), WithTavilyClient(testClient()))

	results, err := provider.SearchBatch(context.Background(), []core.SearchQuery{
		{Text: "good"}, {Text: "bad"}, {Text: "good"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if len(results[0].Sources) != 1 || len(results[2].Sources) != 1 {
		t.Error("successful queries lost their sources")
	}
	if len(results[1].Sources) != 0 {
		t.Error("failed query should yield an empty result")
	}
}

const ddgHTML = `<html><body>
<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&amp;rut=abc">Example <b>Title</b></a>
<a class="result__snippet" href="#">A &amp; B snippet</a>
<a class="result__a" href="https://direct.org/doc">Direct Result</a>
</body></html>`

func TestDuckDuckGoParsesAndUnwrapsRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil || r.PostFormValue("q") == "" {
			t.Errorf("form body missing q: %v", err)
		}
		if r.Header.Get("Sec-Fetch-Mode") != "navigate" {
			t.Error("browser headers missing")
		}
		w.Write([]byte(ddgHTML))
	}))
	defer server.Close()

	provider := NewDuckDuckGoProvider(
		WithDuckDuckGoEndpoint(server.URL),
		WithDuckDuckGoClient(testClient()),
		WithDuckDuckGoDelays(time.Millisecond, time.Millisecond, 2*time.Millisecond),
	)

	result, err := provider.Search(context.Background(), core.SearchQuery{Text: "q", MaxResults: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(result.Sources) != 2 {
		t.Fatalf("got %d sources", len(result.Sources))
	}
	if result.Sources[0].URL != "https://example.com/page" {
		t.Errorf("uddg redirect not unwrapped: %q", result.Sources[0].URL)
	}
	if result.Sources[0].Title != "Example Title" {
		t.Errorf("title not cleaned: %q", result.Sources[0].Title)
	}
	if result.Sources[0].Snippet != "A & B snippet" {
		t.Errorf("snippet not decoded: %q", result.Sources[0].Snippet)
	}
	if result.Sources[1].URL != "https://direct.org/doc" {
		t.Errorf("direct URL mangled: %q", result.Sources[1].URL)
	}
}

func TestDuckDuckGoRetriesBotProtection(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Write([]byte(ddgHTML))
	}))
	defer server.Close()

	provider := NewDuckDuckGoProvider(
		WithDuckDuckGoEndpoint(server.URL),
		WithDuckDuckGoClient(testClient()),
		WithDuckDuckGoDelays(time.Millisecond, time.Millisecond, 2*time.Millisecond),
	)

	result, err := provider.Search(context.Background(), core.SearchQuery{Text: "q"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 1 retry, got %d calls", calls)
	}
	if len(result.Sources) == 0 {
		t.Error("retry result lost")
	}
}

func TestDuckDuckGoEmptyAfterRetriesIsNotError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	provider := NewDuckDuckGoProvider(
		WithDuckDuckGoEndpoint(server.URL),
		WithDuckDuckGoClient(testClient()),
		WithDuckDuckGoDelays(time.Millisecond, time.Millisecond, 2*time.Millisecond),
	)

	result, err := provider.Search(context.Background(), core.SearchQuery{Text: "q"})
	if err != nil {
		t.Fatalf("bot protection must not surface as error, got %v", err)
	}
	if len(result.Sources) != 0 {
		t.Errorf("expected empty result, got %d sources", len(result.Sources))
	}
	// Initial attempt plus three retries.
	if atomic.LoadInt32(&calls) != 4 {
		t.Errorf("expected 4 attempts, got %d", calls)
	}
}

func TestGoogleProviderContract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "api-key" || q.Get("cx") != "cx-id" {
			t.Errorf("credentials missing from query: %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"link": "https://a.com", "title": "A", "snippet": "sa"},
			},
		})
	}))
	defer server.Close()

	provider, err := NewGoogleProvider("api-key", "cx-id",
		WithGoogleEndpoint(server.URL), WithGoogleClient(testClient()))
	if err != nil {
		t.Fatalf("constructor: %v", err)
	}

	result, err := provider.Search(context.Background(), core.SearchQuery{Text: "q", MaxResults: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(result.Sources) != 1 || result.Sources[0].URL != "https://a.com" {
		t.Errorf("sources = %+v", result.Sources)
	}
}

func TestGoogleRequiresCredentials(t *testing.T) {
	if _, err := NewGoogleProvider("", "cx"); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := NewGoogleProvider("key", ""); !errors.Is(err, ErrMissingSearchID) {
		t.Errorf("expected ErrMissingSearchID, got %v", err)
	}
}

func TestFactorySelection(t *testing.T) {
	webOnly := NewMockProvider().WithID("webonly").WithCapabilities(CapWebSearch)
	academic := NewMockProvider().WithID("scholar").WithCapabilities(CapWebSearch | CapAcademicSearch)

	factory := NewFactory("webonly")
	factory.Register(webOnly)
	factory.Register(academic)

	def, err := factory.Default()
	if err != nil || def.ProviderID() != "webonly" {
		t.Fatalf("default = %v, %v", def, err)
	}

	// Case-insensitive lookup.
	if p, err := factory.Get("SCHOLAR"); err != nil || p.ProviderID() != "scholar" {
		t.Errorf("case-insensitive get failed: %v, %v", p, err)
	}

	// Academic routes to the capable provider, not the default.
	p, err := factory.SelectForType(core.SearchTypeAcademic)
	if err != nil || p.ProviderID() != "scholar" {
		t.Errorf("SelectForType(academic) = %v, %v", p, err)
	}

	// Web keeps the default.
	p, err = factory.SelectForType(core.SearchTypeWeb)
	if err != nil || p.ProviderID() != "webonly" {
		t.Errorf("SelectForType(web) = %v, %v", p, err)
	}

	if _, err := factory.Get("nope"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
	if _, err := NewFactory("").Default(); !errors.Is(err, ErrNoDefaultProvider) {
		t.Errorf("expected ErrNoDefaultProvider, got %v", err)
	}
}

func TestCachedProviderSingleQuery(t *testing.T) {
	inner := NewMockProvider()
	cached := NewCachedProvider(inner, cache.New())

	query := core.SearchQuery{Text: "repeated", MaxResults: 3}

	first, err := cached.Search(context.Background(), query)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	second, err := cached.Search(context.Background(), query)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if inner.CallCount() != 1 {
		t.Errorf("provider called %d times, want 1", inner.CallCount())
	}
	// Same instance while the entry is live.
	if first != second {
		t.Error("cache hit must return the stored instance")
	}
}

func TestCachedProviderBatchDeduplicatesIdenticalQueries(t *testing.T) {
	inner := NewMockProvider()
	cached := NewCachedProvider(inner, cache.New())

	queries := make([]core.SearchQuery, 10)
	for i := range queries {
		queries[i] = core.SearchQuery{Text: "identical", MaxResults: 3}
	}

	results, err := cached.SearchBatch(context.Background(), queries)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if inner.CallCount() != 1 {
		t.Errorf("provider called %d times for 10 identical queries, want 1", inner.CallCount())
	}
	for i, r := range results {
		if r == nil {
			t.Fatalf("result %d is nil", i)
		}
		if r != results[0] {
			t.Errorf("result %d is not the shared instance", i)
		}
	}
}

func TestCachedProviderDoesNotCacheEmptyResults(t *testing.T) {
	inner := NewMockProvider().WithSources(nil)
	cached := NewCachedProvider(inner, cache.New())

	query := core.SearchQuery{Text: "nothing"}
	cached.Search(context.Background(), query)
	cached.Search(context.Background(), query)

	if inner.CallCount() != 2 {
		t.Errorf("empty results must not be served from cache, calls = %d", inner.CallCount())
	}
}

func TestRequiredCapability(t *testing.T) {
	tests := []struct {
		searchType core.SearchType
		want       Capability
	}{
		{core.SearchTypeWeb, CapWebSearch},
		{core.SearchTypeNews, CapNewsSearch},
		{core.SearchTypeAcademic, CapAcademicSearch},
	}
	for _, tt := range tests {
		if got := RequiredCapability(tt.searchType); got != tt.want {
			t.Errorf("RequiredCapability(%s) = %v, want %v", tt.searchType, got, tt.want)
		}
	}
}
