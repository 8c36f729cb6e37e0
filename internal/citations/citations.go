package citations

import (
	"fmt"
	"regexp"
	"strings"

	"fathom/internal/core"
)

// ReferenceStyle selects how the references list is rendered.
type ReferenceStyle string

const (
	StyleNumbered ReferenceStyle = "numbered"
	StyleAPA      ReferenceStyle = "apa"
	StyleMLA      ReferenceStyle = "mla"
)

// markerPattern matches inline citation markers of the form [source-id].
// Source ids are UUIDs or similar opaque tokens, never bare numbers.
var markerPattern = regexp.MustCompile(`\[([A-Za-z0-9][A-Za-z0-9_-]*)\]`)

// Renumbering is the result of rewriting inline citation markers.
type Renumbering struct {
	Body    string         // Body with [source-id] markers replaced by [N]
	Order   []string       // Source ids in order of first occurrence; position i maps to [i+1]
	Dropped int            // Count of markers referencing unknown source ids
	Numbers map[string]int // Source id to assigned number
}

// Renumber rewrites [source-id] markers in body to sequential [N] markers
// assigned by first occurrence. Markers whose id is not in validIDs are
// removed from the text rather than numbered, so the final report never
// carries dangling references. Bracketed text immediately followed by "("
// is a markdown link, not a marker, and passes through untouched.
func Renumber(body string, validIDs map[string]bool) Renumbering {
	numbers := make(map[string]int)
	var order []string
	dropped := 0

	var b strings.Builder
	last := 0
	for _, m := range markerPattern.FindAllStringSubmatchIndex(body, -1) {
		start, end := m[0], m[1]
		id := body[m[2]:m[3]]

		if end < len(body) && body[end] == '(' {
			continue
		}
		// Already-numeric markers pass through untouched.
		if isNumeric(id) {
			continue
		}

		b.WriteString(body[last:start])
		last = end

		if !validIDs[id] {
			dropped++
			// Eat one of the flanking spaces so the drop does not leave a
			// doubled gap mid-sentence.
			if last < len(body) && body[last] == ' ' && start > 0 && body[start-1] == ' ' {
				last++
			}
			continue
		}
		n, ok := numbers[id]
		if !ok {
			n = len(order) + 1
			numbers[id] = n
			order = append(order, id)
		}
		fmt.Fprintf(&b, "[%d]", n)
	}
	b.WriteString(body[last:])

	return Renumbering{
		Body:    b.String(),
		Order:   order,
		Dropped: dropped,
		Numbers: numbers,
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FormatReferences renders the references list for the cited sources, in
// citation-number order. Sources never cited in the body are excluded.
func FormatReferences(order []string, sources map[string]core.SourceDocument, style ReferenceStyle) string {
	if len(order) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## References\n\n")
	for i, id := range order {
		src, ok := sources[id]
		if !ok {
			continue
		}
		switch style {
		case StyleAPA:
			b.WriteString(fmt.Sprintf("%d. %s %s. Retrieved from %s\n", i+1, apaAuthor(src), src.Title, src.URL))
		case StyleMLA:
			b.WriteString(fmt.Sprintf("%d. %s \"%s.\" %s. Web.\n", i+1, mlaAuthor(src), src.Title, src.URL))
		default:
			b.WriteString(fmt.Sprintf("%d. [%s](%s)\n", i+1, referenceTitle(src), src.URL))
		}
	}
	return b.String()
}

func referenceTitle(src core.SourceDocument) string {
	if t := strings.TrimSpace(src.Title); t != "" {
		return t
	}
	return src.URL
}

func apaAuthor(src core.SourceDocument) string {
	author := strings.TrimSpace(src.Author)
	if author == "" {
		return ""
	}
	if date := strings.TrimSpace(src.PublishedDate); date != "" {
		return fmt.Sprintf("%s (%s).", author, date)
	}
	return author + "."
}

func mlaAuthor(src core.SourceDocument) string {
	author := strings.TrimSpace(src.Author)
	if author == "" {
		return ""
	}
	return author + "."
}

// UncitedSources returns ids of sources that were collected but never made
// it into the citation order, sorted by their order in sources.
func UncitedSources(order []string, sources []core.SourceDocument) []string {
	cited := make(map[string]bool, len(order))
	for _, id := range order {
		cited[id] = true
	}
	var out []string
	for _, src := range sources {
		if !cited[src.ID] {
			out = append(out, src.ID)
		}
	}
	return out
}
