package citations

import (
	"strings"
	"testing"

	"fathom/internal/core"
)

func TestRenumberFirstOccurrenceOrder(t *testing.T) {
	valid := map[string]bool{"src-b": true, "src-a": true, "src-c": true}
	body := "Claim one [src-b]. Claim two [src-a]. Repeat [src-b]. Third [src-c]."

	r := Renumber(body, valid)

	want := "Claim one [1]. Claim two [2]. Repeat [1]. Third [3]."
	if r.Body != want {
		t.Errorf("body = %q, want %q", r.Body, want)
	}
	if len(r.Order) != 3 || r.Order[0] != "src-b" || r.Order[1] != "src-a" || r.Order[2] != "src-c" {
		t.Errorf("order = %v", r.Order)
	}
	if r.Dropped != 0 {
		t.Errorf("dropped = %d, want 0", r.Dropped)
	}
}

func TestRenumberDropsUnknownIDs(t *testing.T) {
	valid := map[string]bool{"src-a": true}
	body := "Known [src-a] and unknown [src-zzz] here."

	r := Renumber(body, valid)

	if strings.Contains(r.Body, "src-zzz") {
		t.Errorf("unknown marker survived: %q", r.Body)
	}
	if !strings.Contains(r.Body, "[1]") {
		t.Errorf("known marker not numbered: %q", r.Body)
	}
	if r.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", r.Dropped)
	}
}

func TestRenumberIgnoresMarkdownLinks(t *testing.T) {
	valid := map[string]bool{"src-a": true}
	body := "See [here](https://example.com/doc) for context; the claim [src-a] holds."

	r := Renumber(body, valid)

	want := "See [here](https://example.com/doc) for context; the claim [1] holds."
	if r.Body != want {
		t.Errorf("body = %q, want %q", r.Body, want)
	}
	if r.Dropped != 0 {
		t.Errorf("dropped = %d, want 0", r.Dropped)
	}
}

func TestRenumberDropPreservesIndentation(t *testing.T) {
	valid := map[string]bool{"src-a": true}
	body := "Lead claim [ghost] continues.\n    indented block stays\nTail [src-a]."

	r := Renumber(body, valid)

	want := "Lead claim continues.\n    indented block stays\nTail [1]."
	if r.Body != want {
		t.Errorf("body = %q, want %q", r.Body, want)
	}
	if r.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", r.Dropped)
	}
}

func TestRenumberLeavesNumericMarkersAlone(t *testing.T) {
	r := Renumber("Already numbered [1] and [12].", map[string]bool{})
	if r.Body != "Already numbered [1] and [12]." {
		t.Errorf("numeric markers altered: %q", r.Body)
	}
	if r.Dropped != 0 {
		t.Errorf("dropped = %d, want 0", r.Dropped)
	}
}

func TestRenumberEmptyBody(t *testing.T) {
	r := Renumber("", map[string]bool{"src-a": true})
	if r.Body != "" || len(r.Order) != 0 {
		t.Errorf("unexpected result for empty body: %+v", r)
	}
}

func TestFormatReferences(t *testing.T) {
	sources := map[string]core.SourceDocument{
		"src-a": {ID: "src-a", URL: "https://example.com/a", Title: "Alpha Report", Author: "Smith, J.", PublishedDate: "2024"},
		"src-b": {ID: "src-b", URL: "https://example.com/b", Title: "Beta Study"},
	}
	order := []string{"src-b", "src-a"}

	t.Run("numbered", func(t *testing.T) {
		got := FormatReferences(order, sources, StyleNumbered)
		if !strings.Contains(got, "1. [Beta Study](https://example.com/b)") {
			t.Errorf("missing first entry:\n%s", got)
		}
		if !strings.Contains(got, "2. [Alpha Report](https://example.com/a)") {
			t.Errorf("missing second entry:\n%s", got)
		}
	})

	t.Run("apa includes author and year", func(t *testing.T) {
		got := FormatReferences(order, sources, StyleAPA)
		if !strings.Contains(got, "Smith, J. (2024). Alpha Report") {
			t.Errorf("APA entry malformed:\n%s", got)
		}
	})

	t.Run("mla quotes title", func(t *testing.T) {
		got := FormatReferences(order, sources, StyleMLA)
		if !strings.Contains(got, `"Alpha Report."`) {
			t.Errorf("MLA entry malformed:\n%s", got)
		}
	})

	t.Run("empty order yields no heading", func(t *testing.T) {
		if got := FormatReferences(nil, sources, StyleNumbered); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})
}

func TestUncitedSources(t *testing.T) {
	sources := []core.SourceDocument{
		{ID: "src-a"}, {ID: "src-b"}, {ID: "src-c"},
	}
	got := UncitedSources([]string{"src-b"}, sources)
	if len(got) != 2 || got[0] != "src-a" || got[1] != "src-c" {
		t.Errorf("UncitedSources() = %v", got)
	}
}
