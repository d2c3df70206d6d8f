package store

import (
	"context"
	"database/sql"
	"fmt"
)

// -----------------------------------------------------------------------------
// Task→file patterns, keyword stats, co-modifications
// -----------------------------------------------------------------------------

// BumpFilePattern records that a task matching keyword touched file.
func (s *Store) BumpFilePattern(ctx context.Context, keyword, file string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_file_patterns (keyword, file, count) VALUES (?, ?, 1)
		ON CONFLICT(keyword, file) DO UPDATE SET count = count + 1`,
		keyword, file)
	if err != nil {
		return fmt.Errorf("failed to bump file pattern: %w", err)
	}
	return nil
}

// FilesForKeyword returns the files most often modified by tasks matching
// keyword, highest count first.
func (s *Store) FilesForKeyword(ctx context.Context, keyword string, limit int) ([]FileCount, error) {
	query := `SELECT file, count FROM task_file_patterns WHERE keyword = ? ORDER BY count DESC, file ASC`
	args := []any{keyword}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file patterns: %w", err)
	}
	defer rows.Close()

	var files []FileCount
	for rows.Next() {
		var fc FileCount
		if err := rows.Scan(&fc.File, &fc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan file pattern: %w", err)
		}
		files = append(files, fc)
	}
	return files, rows.Err()
}

// RecordKeywordTask counts one task against a keyword, incrementing the
// success counter when the task succeeded.
func (s *Store) RecordKeywordTask(ctx context.Context, keyword string, success bool) error {
	successInc := 0
	if success {
		successInc = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keyword_stats (keyword, task_count, success_count) VALUES (?, 1, ?)
		ON CONFLICT(keyword) DO UPDATE SET
			task_count = task_count + 1,
			success_count = success_count + excluded.success_count`,
		keyword, successInc)
	if err != nil {
		return fmt.Errorf("failed to record keyword task: %w", err)
	}
	return nil
}

// GetKeywordStat returns the stat row for a keyword, zero-valued when the
// keyword has never been seen.
func (s *Store) GetKeywordStat(ctx context.Context, keyword string) (KeywordStat, error) {
	stat := KeywordStat{Keyword: keyword}
	err := s.db.QueryRowContext(ctx,
		`SELECT task_count, success_count FROM keyword_stats WHERE keyword = ?`, keyword).
		Scan(&stat.TaskCount, &stat.SuccessCount)
	if err != nil && err != sql.ErrNoRows {
		return stat, fmt.Errorf("failed to get keyword stat: %w", err)
	}
	return stat, nil
}

// ListKeywordStats returns every keyword stat, most-used keywords first.
func (s *Store) ListKeywordStats(ctx context.Context) ([]KeywordStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT keyword, task_count, success_count FROM keyword_stats ORDER BY task_count DESC, keyword ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keyword stats: %w", err)
	}
	defer rows.Close()

	var stats []KeywordStat
	for rows.Next() {
		var st KeywordStat
		if err := rows.Scan(&st.Keyword, &st.TaskCount, &st.SuccessCount); err != nil {
			return nil, fmt.Errorf("failed to scan keyword stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// BumpCoModification records that two files changed in the same successful
// task. Pairs are stored with the lexically smaller path first so (a,b)
// and (b,a) land on one row.
func (s *Store) BumpCoModification(ctx context.Context, fileA, fileB string) error {
	if fileA == fileB {
		return nil
	}
	if fileA > fileB {
		fileA, fileB = fileB, fileA
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO co_modifications (file_a, file_b, count) VALUES (?, ?, 1)
		ON CONFLICT(file_a, file_b) DO UPDATE SET count = count + 1`,
		fileA, fileB)
	if err != nil {
		return fmt.Errorf("failed to bump co-modification: %w", err)
	}
	return nil
}

// CoModifiedWith returns files historically changed alongside file,
// highest count first.
func (s *Store) CoModifiedWith(ctx context.Context, file string, limit int) ([]FileCount, error) {
	query := `
		SELECT other, SUM(count) AS total FROM (
			SELECT file_b AS other, count FROM co_modifications WHERE file_a = ?
			UNION ALL
			SELECT file_a AS other, count FROM co_modifications WHERE file_b = ?
		)
		GROUP BY other ORDER BY total DESC, other ASC`
	args := []any{file, file}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query co-modifications: %w", err)
	}
	defer rows.Close()

	var files []FileCount
	for rows.Next() {
		var fc FileCount
		if err := rows.Scan(&fc.File, &fc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan co-modification: %w", err)
		}
		files = append(files, fc)
	}
	return files, rows.Err()
}
