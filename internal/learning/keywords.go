package learning

import (
	"math"
	"strings"
)

// stopWords are dropped during keyword extraction.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"how": true, "what": true, "where": true, "when": true, "why": true,
	"does": true, "do": true, "can": true, "could": true, "would": true,
	"should": true, "will": true, "was": true, "were": true, "been": true,
	"in": true, "on": true, "at": true, "to": true, "for": true,
	"of": true, "with": true, "and": true, "or": true, "but": true,
	"it": true, "this": true, "that": true, "these": true, "those": true,
	"from": true, "into": true, "all": true, "any": true, "not": true,
}

func keywordDelimiter(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '-', '_', '.', '/', '?', ',', ':', ';', '(', ')', '"', '\'', '`':
		return true
	}
	return false
}

// ExtractKeywords pulls meaningful lowercase keywords out of free-form
// text. Stop words, short words, and duplicates are dropped; order of
// first appearance is preserved.
func ExtractKeywords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), keywordDelimiter)

	seen := make(map[string]bool, len(words))
	keywords := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	return keywords
}

// similarity scores the overlap of two keyword sets on a 0..1 scale as
// the cosine of their set-membership vectors.
func similarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(a))
	for _, k := range a {
		setA[k] = true
	}

	setB := make(map[string]bool, len(b))
	shared := 0
	for _, k := range b {
		if setB[k] {
			continue
		}
		setB[k] = true
		if setA[k] {
			shared++
		}
	}

	return float64(shared) / math.Sqrt(float64(len(setA))*float64(len(setB)))
}
