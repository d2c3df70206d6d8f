package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Legacy JSON side files from before the database existed. Imported once
// when their tables are empty, then left in place.
const (
	legacyKnowledgeFile    = "knowledge.json"
	legacyDecisionsFile    = "decisions.json"
	legacyFilePatternsFile = "task-file-patterns.json"
	legacyErrorFixesFile   = "error-fix-patterns.json"
)

type legacyKnowledge struct {
	Learnings []Learning `json:"learnings"`
}

type legacyDecisions struct {
	Decisions []legacyDecision `json:"decisions"`
}

type legacyDecision struct {
	Decision
	Overrides []string `json:"overrides,omitempty"`
}

type legacyErrorPatterns struct {
	Patterns []legacyErrorPattern `json:"patterns"`
}

type legacyErrorPattern struct {
	ErrorPattern
	Fixes []ErrorFix `json:"fixes,omitempty"`
}

type legacyFilePatterns struct {
	KeywordFiles    map[string]map[string]int `json:"keywordFiles"`
	KeywordStats    map[string]KeywordStat    `json:"keywordStats"`
	CoModifications map[string]map[string]int `json:"coModifications"`
}

// importLegacy loads pre-database JSON state from dir. Each file imports
// only while its tables are empty, so a re-open never duplicates rows.
// Corrupted files are treated as empty with a warning.
func (s *Store) importLegacy(dir string) error {
	ctx := context.Background()

	if data, ok := s.readLegacyFile(filepath.Join(dir, legacyKnowledgeFile)); ok {
		var kb legacyKnowledge
		if err := json.Unmarshal(data, &kb); err != nil {
			s.logger.Warn("corrupt legacy file treated as empty", "file", legacyKnowledgeFile, "error", err.Error())
		} else if err := s.importLearnings(ctx, kb.Learnings); err != nil {
			return err
		}
	}

	if data, ok := s.readLegacyFile(filepath.Join(dir, legacyDecisionsFile)); ok {
		var ld legacyDecisions
		if err := json.Unmarshal(data, &ld); err != nil {
			s.logger.Warn("corrupt legacy file treated as empty", "file", legacyDecisionsFile, "error", err.Error())
		} else if err := s.importDecisions(ctx, ld.Decisions); err != nil {
			return err
		}
	}

	if data, ok := s.readLegacyFile(filepath.Join(dir, legacyErrorFixesFile)); ok {
		var lp legacyErrorPatterns
		if err := json.Unmarshal(data, &lp); err != nil {
			s.logger.Warn("corrupt legacy file treated as empty", "file", legacyErrorFixesFile, "error", err.Error())
		} else if err := s.importErrorPatterns(ctx, lp.Patterns); err != nil {
			return err
		}
	}

	if data, ok := s.readLegacyFile(filepath.Join(dir, legacyFilePatternsFile)); ok {
		var fp legacyFilePatterns
		if err := json.Unmarshal(data, &fp); err != nil {
			s.logger.Warn("corrupt legacy file treated as empty", "file", legacyFilePatternsFile, "error", err.Error())
		} else if err := s.importFilePatterns(ctx, fp); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) readLegacyFile(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Store) importLearnings(ctx context.Context, learnings []Learning) error {
	if len(learnings) == 0 {
		return nil
	}
	count, err := s.CountLearnings(ctx)
	if err != nil || count > 0 {
		return err
	}

	for i := range learnings {
		l := learnings[i]
		if l.ID == "" {
			continue
		}
		if err := s.SaveLearning(ctx, &l); err != nil {
			return err
		}
	}
	s.logger.Info("imported legacy learnings", "count", len(learnings))
	return nil
}

func (s *Store) importDecisions(ctx context.Context, decisions []legacyDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	count, err := s.CountDecisions(ctx, "")
	if err != nil || count > 0 {
		return err
	}

	for i := range decisions {
		d := decisions[i].Decision
		if d.ID == "" {
			continue
		}
		if err := s.SaveDecision(ctx, &d); err != nil {
			return err
		}
		for _, override := range decisions[i].Overrides {
			if err := s.AddDecisionOverride(ctx, d.ID, override); err != nil {
				return err
			}
		}
	}
	s.logger.Info("imported legacy decisions", "count", len(decisions))
	return nil
}

func (s *Store) importErrorPatterns(ctx context.Context, patterns []legacyErrorPattern) error {
	if len(patterns) == 0 {
		return nil
	}
	existing, err := s.ListErrorPatterns(ctx, 1)
	if err != nil || len(existing) > 0 {
		return err
	}

	for i := range patterns {
		p := patterns[i]
		if p.Signature == "" {
			continue
		}
		if p.FirstSeen.IsZero() {
			p.FirstSeen = time.Now().UTC()
		}
		if p.LastSeen.IsZero() {
			p.LastSeen = p.FirstSeen
		}
		if p.Occurrences < 1 {
			p.Occurrences = 1
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO error_patterns (signature, category, sample_message, occurrences, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.Signature, p.Category, p.SampleMessage, p.Occurrences, p.FirstSeen, p.LastSeen); err != nil {
			return err
		}
		for j := range p.Fixes {
			fix := p.Fixes[j]
			fix.Signature = p.Signature
			if err := s.AddErrorFix(ctx, &fix); err != nil {
				return err
			}
		}
	}
	s.logger.Info("imported legacy error patterns", "count", len(patterns))
	return nil
}

func (s *Store) importFilePatterns(ctx context.Context, fp legacyFilePatterns) error {
	if len(fp.KeywordFiles) == 0 && len(fp.KeywordStats) == 0 && len(fp.CoModifications) == 0 {
		return nil
	}

	var existing int
	if err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM task_file_patterns) + (SELECT COUNT(*) FROM keyword_stats) + (SELECT COUNT(*) FROM co_modifications)`).
		Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	for keyword, files := range fp.KeywordFiles {
		for file, count := range files {
			if _, err := s.db.ExecContext(ctx, `
				INSERT OR IGNORE INTO task_file_patterns (keyword, file, count) VALUES (?, ?, ?)`,
				keyword, file, count); err != nil {
				return err
			}
		}
	}

	for keyword, stat := range fp.KeywordStats {
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO keyword_stats (keyword, task_count, success_count) VALUES (?, ?, ?)`,
			keyword, stat.TaskCount, stat.SuccessCount); err != nil {
			return err
		}
	}

	for fileA, pairs := range fp.CoModifications {
		for fileB, count := range pairs {
			a, b := fileA, fileB
			if a == b {
				continue
			}
			if a > b {
				a, b = b, a
			}
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO co_modifications (file_a, file_b, count) VALUES (?, ?, ?)
				ON CONFLICT(file_a, file_b) DO UPDATE SET count = count + excluded.count`,
				a, b, count); err != nil {
				return err
			}
		}
	}

	s.logger.Info("imported legacy file patterns",
		"keywords", len(fp.KeywordFiles), "stats", len(fp.KeywordStats), "pairs", len(fp.CoModifications))
	return nil
}
