package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fathom/internal/core"
	"fathom/internal/httpclient"
)

func testExtractor(opts ...ExtractorOption) *Extractor {
	base := []ExtractorOption{
		WithPerURLTimeout(5 * time.Second),
		WithClient(httpclient.New(httpclient.Config{Timeout: 5 * time.Second, Name: "fetch-test"})),
	}
	return NewExtractor(append(base, opts...)...)
}

func articlePage(body string) string {
	return `<html><head>
<title>Page Title</title>
<meta name="author" content="Jane Writer">
<meta property="article:published_time" content="2025-03-01">
</head><body>
<script>ignored()</script>
<nav>menu menu menu</nav>
<article><p>` + body + `</p></article>
</body></html>`
}

func TestExtractCleansContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(articlePage("The   main    body text.")))
	}))
	defer server.Close()

	got, err := testExtractor().Extract(context.Background(), server.URL+"/a", Options{IncludeMetadata: true})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if got.Title != "Page Title" {
		t.Errorf("title = %q", got.Title)
	}
	if !strings.Contains(got.Text, "The main body text.") {
		t.Errorf("whitespace not collapsed: %q", got.Text)
	}
	if strings.Contains(got.Text, "ignored()") {
		t.Error("script content leaked into text")
	}
	if got.Author != "Jane Writer" || got.PublishedAt != "2025-03-01" {
		t.Errorf("metadata = %q / %q", got.Author, got.PublishedAt)
	}
}

func TestExtractRejectsNonHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	defer server.Close()

	_, err := testExtractor().Extract(context.Background(), server.URL, Options{})
	if err == nil || classifyError(err) != core.ExtractionUnsupportedContent {
		t.Errorf("expected unsupported content error, got %v", err)
	}
}

func TestExtractTruncatesAtWordBoundary(t *testing.T) {
	long := strings.Repeat("word ", 200)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articlePage(long)))
	}))
	defer server.Close()

	got, err := testExtractor(WithMaxContentLength(103)).Extract(context.Background(), server.URL, Options{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got.Text) > 103 {
		t.Errorf("text not truncated: %d chars", len(got.Text))
	}
	if strings.HasSuffix(got.Text, "wor") || strings.HasSuffix(got.Text, "wo") {
		t.Errorf("truncation split a word: %q", got.Text[len(got.Text)-10:])
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercases host and scheme", "HTTPS://Example.COM/Path", "https://example.com/Path", false},
		{"strips fragment", "https://example.com/page#section", "https://example.com/page", false},
		{"sorts query params", "https://example.com/p?b=2&a=1", "https://example.com/p?a=1&b=2", false},
		{"trims whitespace", "  https://example.com/x ", "https://example.com/x", false},
		{"rejects ftp", "ftp://example.com/file", "", true},
		{"rejects relative", "/just/a/path", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalURLEquivalence(t *testing.T) {
	a, _ := CanonicalURL("https://Example.com/page?b=2&a=1#frag")
	b, _ := CanonicalURL("https://example.com/page?a=1&b=2")
	if a != b {
		t.Errorf("equivalent URLs canonicalize differently: %q vs %q", a, b)
	}
}

func TestExtractBatchMixedResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/fail") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articlePage("Body for " + r.URL.Path)))
	}))
	defer server.Close()

	var urls []string
	for i := 0; i < 17; i++ {
		urls = append(urls, fmt.Sprintf("%s/ok/%d", server.URL, i))
	}
	for i := 0; i < 3; i++ {
		urls = append(urls, fmt.Sprintf("%s/fail/%d", server.URL, i))
	}

	result := testExtractor().ExtractBatch(context.Background(), urls, Options{})

	if len(result.Extracted) != 17 {
		t.Errorf("successes = %d, want 17", len(result.Extracted))
	}
	if len(result.Failed) != 3 {
		t.Errorf("failures = %d, want 3", len(result.Failed))
	}
	for _, f := range result.Failed {
		if f.Kind != core.ExtractionNetworkError {
			t.Errorf("failure kind = %s for %s", f.Kind, f.URL)
		}
	}
}

func TestExtractBatchDeduplicatesCanonicalURLs(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articlePage("Body")))
	}))
	defer server.Close()

	urls := []string{
		server.URL + "/p?a=1&b=2",
		server.URL + "/p?b=2&a=1",
		server.URL + "/p?a=1&b=2#frag",
	}
	result := testExtractor(WithParallelism(1)).ExtractBatch(context.Background(), urls, Options{})

	if len(result.Extracted) != 1 {
		t.Errorf("expected 1 extraction, got %d", len(result.Extracted))
	}
	if calls != 1 {
		t.Errorf("server hit %d times, want 1", calls)
	}
}

func TestExtractBatchReportsInvalidURLs(t *testing.T) {
	result := testExtractor().ExtractBatch(context.Background(), []string{"not a url", "ftp://x/y"}, Options{})
	if len(result.Extracted) != 0 || len(result.Failed) != 2 {
		t.Errorf("got %d/%d, want 0 extracted and 2 failed", len(result.Extracted), len(result.Failed))
	}
}

func TestTruncateAtWordBoundary(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{"no truncation needed", "short", 10, "short"},
		{"cuts at space", "alpha beta gamma", 12, "alpha beta"},
		{"single long word", "abcdefghij", 5, "abcde"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateAtWordBoundary(tt.text, tt.max); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.text, tt.max, got, tt.want)
			}
		})
	}
}
