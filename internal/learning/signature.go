package learning

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/undercity-dev/undercity/internal/store"
)

// Normalisation passes applied before hashing. Paths go first since they
// contain digits and hex runs of their own.
var (
	pathPattern  = regexp.MustCompile(`\S*/\S*`)
	hexPattern   = regexp.MustCompile(`\b0x[0-9a-f]+\b|\b[0-9a-f]{8,}\b`)
	digitPattern = regexp.MustCompile(`\d+`)
)

// Signature canonicalises an error message into a stable hash: lowercase,
// paths/hex runs/digits collapsed to placeholders, whitespace squeezed,
// then FNV-1a hashed. Two occurrences of the same failure in different
// files or line numbers share a signature.
func Signature(message string) string {
	s := strings.ToLower(strings.TrimSpace(message))
	s = pathPattern.ReplaceAllString(s, "<path>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = digitPattern.ReplaceAllString(s, "<n>")
	s = strings.Join(strings.Fields(s), " ")

	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// RecordError folds one failure into its canonical pattern, creating the
// pattern on first sight and bumping occurrence counts after.
func (s *Store) RecordError(ctx context.Context, message, category string) (*store.ErrorPattern, error) {
	return s.db.UpsertErrorPattern(ctx, Signature(message), category, message)
}

// AddFix records a remedy against the pattern matching message.
func (s *Store) AddFix(ctx context.Context, message, description, patch string, filesChanged []string) (*store.ErrorFix, error) {
	fix := &store.ErrorFix{
		Signature:    Signature(message),
		Description:  description,
		Patch:        patch,
		FilesChanged: filesChanged,
		CreatedAt:    s.now(),
	}
	if err := s.db.AddErrorFix(ctx, fix); err != nil {
		return nil, err
	}
	return fix, nil
}

// FixOutcome records whether a previously suggested fix worked.
func (s *Store) FixOutcome(ctx context.Context, fixID int64, success bool) error {
	return s.db.RecordFixOutcome(ctx, fixID, success)
}

// SuggestFixes returns known remedies for the failure in message, best
// track record first.
func (s *Store) SuggestFixes(ctx context.Context, message string, limit int) ([]store.ErrorFix, error) {
	fixes, err := s.db.ListErrorFixes(ctx, Signature(message))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(fixes) > limit {
		fixes = fixes[:limit]
	}
	return fixes, nil
}

// RenderFixes formats fix suggestions for feedback-prompt injection.
func RenderFixes(fixes []store.ErrorFix) string {
	if len(fixes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previously successful fixes for this error:\n")
	for _, f := range fixes {
		fmt.Fprintf(&b, "- %s (worked %d time(s)", f.Description, f.SuccessCount)
		if f.FailureCount > 0 {
			fmt.Fprintf(&b, ", failed %d", f.FailureCount)
		}
		b.WriteString(")\n")
	}
	return b.String()
}
