package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"fathom/internal/core"
	"fathom/internal/httpclient"
	"fathom/internal/logger"
)

// ErrUnsupportedContentType is returned for non-HTML responses.
var ErrUnsupportedContentType = errors.New("fetch: unsupported content type")

// ErrNoContent is returned when a page yields no usable text.
var ErrNoContent = errors.New("fetch: no content extracted")

const (
	// DefaultMaxContentLength bounds extracted text, truncated at a word boundary.
	DefaultMaxContentLength = 50000
	// DefaultParallelism bounds concurrent fetches in a batch.
	DefaultParallelism = 10
)

// Options control a single extraction.
type Options struct {
	IncludeMetadata bool // Extract author and publication date from meta tags
	IncludeLinks    bool // Harvest outbound absolute http(s) links
	IncludeImages   bool // Harvest image URLs
}

// Extracted is the cleaned result of one URL.
type Extracted struct {
	ID          string
	URL         string // Canonical URL
	Title       string
	Text        string
	Author      string
	PublishedAt string
	Links       []string
	Images      []string
	ExtractedAt time.Time
}

// Extractor fetches URLs and turns them into clean text plus metadata.
type Extractor struct {
	client           *httpclient.Client
	maxContentLength int
	parallelism      int
	perURLTimeout    time.Duration
	userAgent        string
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithClient injects a custom resilient client.
func WithClient(client *httpclient.Client) ExtractorOption {
	return func(e *Extractor) { e.client = client }
}

// WithMaxContentLength overrides the truncation bound.
func WithMaxContentLength(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.maxContentLength = n
		}
	}
}

// WithParallelism overrides the batch fan-out.
func WithParallelism(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithPerURLTimeout overrides the per-URL extraction timeout.
func WithPerURLTimeout(d time.Duration) ExtractorOption {
	return func(e *Extractor) {
		if d > 0 {
			e.perURLTimeout = d
		}
	}
}

// NewExtractor creates a content extractor.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		maxContentLength: DefaultMaxContentLength,
		parallelism:      DefaultParallelism,
		perURLTimeout:    30 * time.Second,
		userAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = httpclient.New(httpclient.Config{Name: "fetch", Timeout: e.perURLTimeout, MaxRetries: 2})
	}
	return e
}

// Extract fetches one URL and returns its cleaned content.
func (e *Extractor) Extract(ctx context.Context, rawURL string, opts Options) (*Extracted, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid URL %s: %w", rawURL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.perURLTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: failed to create request for %s: %w", canonical, err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := e.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch: failed to fetch %s: %w", canonical, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("fetch: access denied for %s: status %d", canonical, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: failed to fetch %s: status code %d", canonical, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedContentType, contentType, canonical)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch: failed to read body from %s: %w", canonical, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("fetch: failed to parse HTML from %s: %w", canonical, err)
	}

	extracted := &Extracted{
		ID:          uuid.NewString(),
		URL:         canonical,
		ExtractedAt: time.Now().UTC(),
	}

	extracted.Title = strings.TrimSpace(doc.Find("title").First().Text())

	// Drop non-content blocks before text extraction.
	doc.Find("script, style, noscript, iframe, svg").Remove()

	extracted.Text = e.cleanText(doc)
	if extracted.Text == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoContent, canonical)
	}

	if opts.IncludeMetadata {
		extracted.Author = firstMetaContent(doc,
			`meta[name="author"]`, `meta[property="article:author"]`)
		extracted.PublishedAt = firstMetaContent(doc,
			`meta[property="article:published_time"]`, `meta[name="date"]`, `meta[name="publish-date"]`)
	}

	if opts.IncludeLinks {
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
				extracted.Links = append(extracted.Links, href)
			}
		})
	}

	if opts.IncludeImages {
		doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
			src, _ := s.Attr("src")
			if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
				extracted.Images = append(extracted.Images, src)
			}
		})
	}

	return extracted, nil
}

// cleanText pulls readable text out of the document, collapses whitespace,
// and truncates at a word boundary.
func (e *Extractor) cleanText(doc *goquery.Document) string {
	var builder strings.Builder

	// Prefer article-ish containers, fall back to the whole body.
	selectors := []string{"article", "main", `div[role="main"]`, "body"}
	for _, selector := range selectors {
		container := doc.Find(selector).First()
		if container.Length() == 0 {
			continue
		}
		container.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote, pre").Each(func(_ int, item *goquery.Selection) {
			text := strings.TrimSpace(item.Text())
			if text != "" {
				builder.WriteString(text)
				builder.WriteString("\n\n")
			}
		})
		if builder.Len() > 0 {
			break
		}
	}

	text := strings.TrimSpace(builder.String())
	text = collapseWhitespace(text)
	return truncateAtWordBoundary(text, e.maxContentLength)
}

// collapseWhitespace normalizes runs of spaces and blank lines while keeping
// paragraph breaks.
func collapseWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// truncateAtWordBoundary cuts text to at most max characters, backing up to
// the previous word break.
func truncateAtWordBoundary(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

// firstMetaContent returns the first non-empty content attribute among the
// given selectors.
func firstMetaContent(doc *goquery.Document, selectors ...string) string {
	for _, selector := range selectors {
		if content, ok := doc.Find(selector).First().Attr("content"); ok {
			content = strings.TrimSpace(content)
			if content != "" {
				return content
			}
		}
	}
	return ""
}

// CanonicalURL normalizes a URL: lowercase scheme and host, fragment
// stripped, query parameters sorted.
func CanonicalURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		values := parsed.Query()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			vs := values[k]
			sort.Strings(vs)
			for _, v := range vs {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		parsed.RawQuery = strings.Join(parts, "&")
	}

	return parsed.String(), nil
}

// classifyError maps an extraction failure to its error kind.
func classifyError(err error) core.ExtractionErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.ExtractionTimeout
	case errors.Is(err, ErrUnsupportedContentType):
		return core.ExtractionUnsupportedContent
	case errors.Is(err, ErrNoContent):
		return core.ExtractionNoContent
	case strings.Contains(err.Error(), "access denied"):
		return core.ExtractionAccessDenied
	case strings.Contains(err.Error(), "status code"):
		return core.ExtractionNetworkError
	case strings.Contains(err.Error(), "parse"):
		return core.ExtractionParseError
	case strings.Contains(err.Error(), "failed to fetch"):
		return core.ExtractionNetworkError
	default:
		return core.ExtractionUnknown
	}
}

// BatchResult carries both successes and failures of a batch extraction.
type BatchResult struct {
	Extracted []*Extracted
	Failed    []core.FailedExtraction
}

// ExtractBatch fetches many URLs with bounded parallelism. URLs sharing a
// canonical form are fetched at most once. The batch always returns both
// the successes and the failure list.
func (e *Extractor) ExtractBatch(ctx context.Context, urls []string, opts Options) *BatchResult {
	// Canonical pre-dedup so the same page is fetched at most once.
	seen := make(map[string]bool)
	var unique []string
	var failed []core.FailedExtraction
	for _, raw := range urls {
		canonical, err := CanonicalURL(raw)
		if err != nil {
			failed = append(failed, core.FailedExtraction{
				URL:     raw,
				Kind:    core.ExtractionParseError,
				Message: err.Error(),
			})
			continue
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		unique = append(unique, canonical)
	}

	type outcome struct {
		extracted *Extracted
		failure   *core.FailedExtraction
	}

	outcomes := make([]outcome, len(unique))
	sem := make(chan struct{}, e.parallelism)
	done := make(chan int, len(unique))

	for i, u := range unique {
		go func(idx int, target string) {
			defer func() { done <- idx }()
			sem <- struct{}{}
			defer func() { <-sem }()

			extracted, err := e.Extract(ctx, target, opts)
			if err != nil {
				outcomes[idx] = outcome{failure: &core.FailedExtraction{
					URL:     target,
					Kind:    classifyError(err),
					Message: err.Error(),
				}}
				return
			}
			outcomes[idx] = outcome{extracted: extracted}
		}(i, u)
	}
	for range unique {
		<-done
	}

	result := &BatchResult{Failed: failed}
	for _, o := range outcomes {
		if o.extracted != nil {
			result.Extracted = append(result.Extracted, o.extracted)
		} else if o.failure != nil {
			result.Failed = append(result.Failed, *o.failure)
		}
	}

	logger.Info("batch extraction completed",
		"requested", len(urls), "unique", len(unique),
		"succeeded", len(result.Extracted), "failed", len(result.Failed))
	return result
}
