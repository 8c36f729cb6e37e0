package agents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"fathom/internal/chunk"
	"fathom/internal/core"
	"fathom/internal/fetch"
	"fathom/internal/logger"
)

// minUsableRawContent is the threshold below which provider-supplied raw
// content is considered a teaser rather than the page body.
const minUsableRawContent = 200

// Enricher turns search hits into chunked SourceDocuments, fetching page
// content only when the provider did not already supply it.
type Enricher struct {
	extractor *fetch.Extractor
	chunker   *chunk.Chunker
}

// NewEnricher creates a content enrichment agent.
func NewEnricher(extractor *fetch.Extractor, chunker *chunk.Chunker) *Enricher {
	return &Enricher{extractor: extractor, chunker: chunker}
}

// EnrichStats summarizes one enrichment pass for progress reporting.
type EnrichStats struct {
	Total         int
	Completed     int
	Successful    int
	Failed        int
	ChunksCreated int
}

// Enrich processes up to maxSources hits: raw-content short-circuit, batch
// extraction for the rest, chunking, and de-duplicated appends to state.
func (e *Enricher) Enrich(ctx context.Context, state *core.ResearchState, sources []core.SearchSource, maxSources int) EnrichStats {
	if maxSources > 0 && len(sources) > maxSources {
		sources = sources[:maxSources]
	}
	stats := EnrichStats{Total: len(sources)}

	bySourceURL := make(map[string]core.SearchSource, len(sources))
	var toFetch []string

	for _, src := range sources {
		canonical, err := fetch.CanonicalURL(src.URL)
		if err != nil {
			stats.Completed++
			stats.Failed++
			continue
		}
		if state.HasSourceURL(canonical) {
			stats.Completed++
			continue
		}
		bySourceURL[canonical] = src

		// Raw content from the provider skips the fetch entirely.
		if len(strings.TrimSpace(src.RawContent)) >= minUsableRawContent {
			doc := e.buildDocument(canonical, src, src.RawContent, "", "")
			if state.AddSource(doc) {
				stats.Successful++
				stats.ChunksCreated += len(doc.Chunks)
			}
			stats.Completed++
			continue
		}
		toFetch = append(toFetch, src.URL)
	}

	if len(toFetch) == 0 {
		return stats
	}

	batch := e.extractor.ExtractBatch(ctx, toFetch, fetch.Options{IncludeMetadata: true})
	for _, ext := range batch.Extracted {
		src := bySourceURL[ext.URL]
		doc := e.buildDocument(ext.URL, src, ext.Text, ext.Author, ext.PublishedAt)
		if ext.Title != "" {
			doc.Title = ext.Title
		}
		if state.AddSource(doc) {
			stats.Successful++
			stats.ChunksCreated += len(doc.Chunks)
		}
		stats.Completed++
	}
	for _, failed := range batch.Failed {
		stats.Completed++
		stats.Failed++
		state.RecordError("extract "+failed.URL, errors.New(failed.Message))
		logger.Debug("extraction failed", "url", failed.URL, "kind", string(failed.Kind), "message", failed.Message)
	}

	logger.Info("enrichment complete",
		"total", stats.Total, "successful", stats.Successful,
		"failed", stats.Failed, "chunks", stats.ChunksCreated)
	return stats
}

func (e *Enricher) buildDocument(canonicalURL string, src core.SearchSource, content, author, published string) core.SourceDocument {
	id := uuid.NewString()
	doc := core.SourceDocument{
		ID:             id,
		URL:            canonicalURL,
		Title:          src.Title,
		Content:        content,
		Author:         author,
		PublishedDate:  firstNonEmpty(published, src.PublishedDate),
		ExtractedAt:    time.Now().UTC(),
		Provider:       src.Provider,
		RelevanceScore: src.Score,
		TrustScore:     domainTrust(canonicalURL),
	}
	doc.Chunks = e.chunker.Split(id, content)
	return doc
}

// domainTrust is a coarse prior on source quality by TLD and known hosts.
func domainTrust(url string) float64 {
	switch {
	case strings.Contains(url, ".gov/") || strings.HasSuffix(url, ".gov"):
		return 0.9
	case strings.Contains(url, ".edu/") || strings.HasSuffix(url, ".edu"):
		return 0.85
	case strings.Contains(url, "wikipedia.org"):
		return 0.8
	case strings.Contains(url, ".org/") || strings.HasSuffix(url, ".org"):
		return 0.7
	default:
		return 0.5
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
