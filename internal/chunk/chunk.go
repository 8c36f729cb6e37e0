package chunk

import (
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"fathom/internal/core"
)

const (
	// DefaultMaxTokens is the target size for one chunk.
	DefaultMaxTokens = 500
	// DefaultOverlap is the token overlap between adjacent chunks.
	DefaultOverlap = 50
)

// TokenCounter estimates how many tokens a string holds.
type TokenCounter interface {
	Count(text string) int
}

// Chunker splits extracted text into overlapping token-bounded chunks,
// preferring paragraph boundaries, then sentences, then raw positions.
type Chunker struct {
	maxTokens int
	overlap   int
	counter   TokenCounter
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxTokens overrides the per-chunk token target.
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithOverlap overrides the inter-chunk overlap.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

// WithTokenCounter injects an exact tokenizer. Without one, a language-aware
// character-ratio heuristic is used.
func WithTokenCounter(counter TokenCounter) Option {
	return func(c *Chunker) { c.counter = counter }
}

// New creates a Chunker.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxTokens: DefaultMaxTokens,
		overlap:   DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.counter == nil {
		c.counter = heuristicCounter{}
	}
	return c
}

// Split breaks text into chunks attributed to sourceID.
func (c *Chunker) Split(sourceID, text string) []core.ContentChunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	pieces := c.assemble(splitParagraphs(text))

	chunks := make([]core.ContentChunk, len(pieces))
	cursor := 0
	for i, piece := range pieces {
		start := strings.Index(text[cursor:], firstLine(piece))
		if start < 0 {
			start = 0
		}
		start += cursor
		end := start + len(piece)
		if end > len(text) {
			end = len(text)
		}

		chunks[i] = core.ContentChunk{
			SourceID:   sourceID,
			Index:      i,
			Total:      len(pieces),
			Text:       piece,
			TokenCount: c.counter.Count(piece),
			StartChar:  start,
			EndChar:    end,
		}
		// Overlapping chunks share text; advance conservatively.
		if end > cursor {
			cursor = start
		}
	}
	return chunks
}

// assemble packs units into chunks up to maxTokens, carrying overlap text
// between adjacent chunks.
func (c *Chunker) assemble(units []string) []string {
	var pieces []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		pieces = append(pieces, strings.Join(current, "\n\n"))

		// Seed the next chunk with trailing overlap.
		var carry []string
		carryTokens := 0
		for i := len(current) - 1; i >= 0 && carryTokens < c.overlap; i-- {
			carry = append([]string{current[i]}, carry...)
			carryTokens += c.counter.Count(current[i])
		}
		if carryTokens >= c.maxTokens {
			carry = nil
		}
		current = carry
		currentTokens = carryTokens
	}

	for _, unit := range units {
		unitTokens := c.counter.Count(unit)

		// A single oversized paragraph falls back to sentence and then raw
		// character splitting.
		if unitTokens > c.maxTokens {
			for _, sub := range c.splitOversized(unit) {
				subTokens := c.counter.Count(sub)
				if currentTokens+subTokens > c.maxTokens {
					flush()
				}
				current = append(current, sub)
				currentTokens += subTokens
			}
			continue
		}

		if currentTokens+unitTokens > c.maxTokens {
			flush()
		}
		current = append(current, unit)
		currentTokens += unitTokens
	}

	if len(current) > 0 {
		pieces = append(pieces, strings.Join(current, "\n\n"))
	}
	return pieces
}

// splitOversized breaks a too-large paragraph into sentences, then raw
// character windows when even a sentence exceeds the budget.
func (c *Chunker) splitOversized(paragraph string) []string {
	var out []string
	for _, sentence := range splitSentences(paragraph) {
		if c.counter.Count(sentence) <= c.maxTokens {
			out = append(out, sentence)
			continue
		}
		// Raw character windows sized from the heuristic ratio.
		window := c.maxTokens * 4
		for len(sentence) > 0 {
			if len(sentence) <= window {
				out = append(out, sentence)
				break
			}
			out = append(out, sentence[:window])
			sentence = sentence[window:]
		}
	}
	return out
}

// splitParagraphs splits on blank lines.
func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits on sentence-final punctuation.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(text[start : i+1])
			if sentence != "" {
				out = append(out, sentence)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx > 0 {
		return s[:idx]
	}
	return s
}

// heuristicCounter estimates tokens from character counts. CJK text runs
// close to one token per rune; Latin text close to one per four characters.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	cjk := 0
	total := 0
	for _, r := range text {
		total++
		if unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana) {
			cjk++
		}
	}
	latin := total - cjk
	tokens := cjk + (latin+3)/4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// TiktokenCounter wraps a tiktoken encoding as a TokenCounter.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter builds an exact counter for a model, falling back to
// the cl100k_base encoding for unknown models.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &TiktokenCounter{encoding: encoding}, nil
}

// Count returns the exact token count for text.
func (t *TiktokenCounter) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}
