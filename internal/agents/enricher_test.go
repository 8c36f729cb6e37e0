package agents

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fathom/internal/chunk"
	"fathom/internal/core"
	"fathom/internal/fetch"
	"fathom/internal/httpclient"
)

func testEnricher(client *httpclient.Client) *Enricher {
	opts := []fetch.ExtractorOption{fetch.WithPerURLTimeout(5 * time.Second)}
	if client != nil {
		opts = append(opts, fetch.WithClient(client))
	}
	return NewEnricher(fetch.NewExtractor(opts...), chunk.New())
}

func TestEnricherRawContentShortCircuit(t *testing.T) {
	raw := strings.Repeat("Provider-supplied body text about reef effects. ", 10)

	state := core.NewResearchState(testRequest())
	stats := testEnricher(nil).Enrich(context.Background(), state, []core.SearchSource{
		{URL: "https://example.com/raw", Title: "Raw Source", RawContent: raw, Score: 0.9, Provider: "tavily"},
	}, 0)

	if stats.Successful != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(state.CollectedSources) != 1 {
		t.Fatalf("expected 1 collected source, got %d", len(state.CollectedSources))
	}
	doc := state.CollectedSources[0]
	if doc.Content != raw {
		t.Error("raw content not used verbatim")
	}
	if len(doc.Chunks) == 0 || stats.ChunksCreated == 0 {
		t.Error("raw content should still be chunked")
	}
	if doc.RelevanceScore != 0.9 {
		t.Errorf("relevance = %f, want 0.9", doc.RelevanceScore)
	}
	if doc.Provider != "tavily" {
		t.Errorf("provider = %q, want tavily", doc.Provider)
	}
}

func TestEnricherFetchesMissingContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Fetched</title></head><body><article><p>` +
			strings.Repeat("Fetched page body text. ", 20) + `</p></article></body></html>`))
	}))
	defer server.Close()

	client := httpclient.New(httpclient.Config{Timeout: 5 * time.Second, Name: "test"})
	state := core.NewResearchState(testRequest())
	stats := testEnricher(client).Enrich(context.Background(), state, []core.SearchSource{
		{URL: server.URL + "/page", Title: "Search Title"},
	}, 0)

	if stats.Successful != 1 {
		t.Fatalf("stats = %+v, errors = %v", stats, state.Errors)
	}
	doc := state.CollectedSources[0]
	if doc.Title != "Fetched" {
		t.Errorf("extractor title should override search title, got %q", doc.Title)
	}
	if !strings.Contains(doc.Content, "Fetched page body text.") {
		t.Error("fetched content missing")
	}
}

func TestEnricherSkipsAlreadyCollected(t *testing.T) {
	raw := strings.Repeat("Body text long enough to pass the raw threshold. ", 10)

	state := core.NewResearchState(testRequest())
	enricher := testEnricher(nil)

	src := core.SearchSource{URL: "https://example.com/raw", RawContent: raw}
	first := enricher.Enrich(context.Background(), state, []core.SearchSource{src}, 0)
	second := enricher.Enrich(context.Background(), state, []core.SearchSource{src}, 0)

	if first.Successful != 1 || second.Successful != 0 {
		t.Errorf("first = %+v, second = %+v", first, second)
	}
	if len(state.CollectedSources) != 1 {
		t.Errorf("source collected twice")
	}
}

func TestEnricherRecordsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := httpclient.New(httpclient.Config{Timeout: 5 * time.Second, Name: "test"})
	state := core.NewResearchState(testRequest())
	stats := testEnricher(client).Enrich(context.Background(), state, []core.SearchSource{
		{URL: server.URL + "/denied"},
	}, 0)

	if stats.Failed != 1 || stats.Successful != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(state.Errors) == 0 {
		t.Error("failure not recorded on state")
	}
}

func TestEnricherHonorsMaxSources(t *testing.T) {
	raw := strings.Repeat("Enough body text for the raw content short circuit. ", 10)
	sources := []core.SearchSource{
		{URL: "https://example.com/1", RawContent: raw},
		{URL: "https://example.com/2", RawContent: raw},
		{URL: "https://example.com/3", RawContent: raw},
	}

	state := core.NewResearchState(testRequest())
	stats := testEnricher(nil).Enrich(context.Background(), state, sources, 2)

	if stats.Total != 2 || len(state.CollectedSources) != 2 {
		t.Errorf("cap ignored: stats = %+v, collected = %d", stats, len(state.CollectedSources))
	}
}
