package learning

import (
	"context"
	"sort"

	"github.com/undercity-dev/undercity/internal/store"
)

// RecordTaskOutcome feeds one finished task into the pattern stores.
// Keyword success ratios update on every outcome; file associations and
// co-modification pairs only accrue from successful tasks.
func (s *Store) RecordTaskOutcome(ctx context.Context, objective string, files []string, success bool) error {
	keywords := ExtractKeywords(objective)
	for _, kw := range keywords {
		if err := s.db.RecordKeywordTask(ctx, kw, success); err != nil {
			return err
		}
	}
	if !success {
		return nil
	}

	for _, kw := range keywords {
		for _, f := range files {
			if err := s.db.BumpFilePattern(ctx, kw, f); err != nil {
				return err
			}
		}
	}
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if err := s.db.BumpCoModification(ctx, files[i], files[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// PredictFiles suggests the files an objective will likely touch, scored
// by accumulated keyword-to-file counts.
func (s *Store) PredictFiles(ctx context.Context, objective string, limit int) ([]store.FileCount, error) {
	totals := make(map[string]int)
	for _, kw := range ExtractKeywords(objective) {
		counts, err := s.db.FilesForKeyword(ctx, kw, 0)
		if err != nil {
			return nil, err
		}
		for _, fc := range counts {
			totals[fc.File] += fc.Count
		}
	}

	out := make([]store.FileCount, 0, len(totals))
	for f, c := range totals {
		out = append(out, store.FileCount{File: f, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].File < out[j].File
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CoModifiedWith returns the files historically changed together with
// file, most frequent first.
func (s *Store) CoModifiedWith(ctx context.Context, file string, limit int) ([]store.FileCount, error) {
	return s.db.CoModifiedWith(ctx, file, limit)
}

// KeywordReliability returns the historical success ratio for a keyword.
// Unseen keywords report a zero-valued stat.
func (s *Store) KeywordReliability(ctx context.Context, keyword string) (store.KeywordStat, error) {
	return s.db.GetKeywordStat(ctx, keyword)
}
