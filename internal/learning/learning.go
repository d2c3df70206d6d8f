// Package learning maintains the knowledge gathered across runs: reusable
// learnings with confidence tracking, canonicalised error patterns with
// their fixes, keyword-to-file prediction data, and permanent-failure
// records. Everything persists through the embedded store; this package
// owns the scoring and adjustment rules.
package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/store"
)

// Learning categories.
const (
	CategoryPattern    = "pattern"
	CategoryFact       = "fact"
	CategoryGotcha     = "gotcha"
	CategoryConstraint = "constraint"
	CategoryApproach   = "approach"
)

// Confidence bounds and adjustment steps.
const (
	ConfidenceMin     = 0.1
	ConfidenceMax     = 1.0
	ConfidenceDefault = 0.5

	confidenceGain  = 0.05
	confidenceDecay = 0.1
)

// DuplicateThreshold is the similarity above which a new learning is
// rejected as a near-duplicate.
const DuplicateThreshold = 0.85

var categories = map[string]bool{
	CategoryPattern:    true,
	CategoryFact:       true,
	CategoryGotcha:     true,
	CategoryConstraint: true,
	CategoryApproach:   true,
}

// ValidCategory reports whether c is a known learning category.
func ValidCategory(c string) bool { return categories[c] }

// AddResult reports the outcome of an AddLearning call.
type AddResult struct {
	// Added is false when the learning was rejected as a near-duplicate.
	Added bool `json:"added"`
	// ID is the stored learning's id when added.
	ID string `json:"id,omitempty"`
	// NoveltyScore is 1 minus the highest similarity against existing
	// learnings; 1.0 means nothing like it exists yet.
	NoveltyScore float64 `json:"noveltyScore"`
	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`
}

// Store is the learning service over the embedded database.
type Store struct {
	db     *store.Store
	logger *logging.Logger
	now    func() time.Time
}

// NewStore creates a learning store backed by db.
func NewStore(db *store.Store, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// AddLearning stores a new insight unless something too similar already
// exists. Similarity compares the combined content and keyword token
// sets of the candidate against every stored learning.
func (s *Store) AddLearning(ctx context.Context, l store.Learning) (AddResult, error) {
	if strings.TrimSpace(l.Content) == "" {
		return AddResult{}, errors.NewValidationError("learning content is empty")
	}
	if !ValidCategory(l.Category) {
		return AddResult{}, errors.NewValidationError(fmt.Sprintf("unknown learning category %q", l.Category))
	}

	if l.Confidence == 0 {
		l.Confidence = ConfidenceDefault
	}
	l.Confidence = clampConfidence(l.Confidence)

	existing, err := s.db.ListLearnings(ctx)
	if err != nil {
		return AddResult{}, err
	}

	tokens := learningTokens(l)
	maxSim, nearest := 0.0, ""
	for _, e := range existing {
		if sim := similarity(tokens, learningTokens(e)); sim > maxSim {
			maxSim, nearest = sim, e.ID
		}
	}

	novelty := 1 - maxSim
	if maxSim >= DuplicateThreshold {
		s.logger.Debug("learning rejected as near-duplicate",
			"nearest", nearest,
			"similarity", maxSim,
		)
		return AddResult{
			NoveltyScore: novelty,
			Reason:       fmt.Sprintf("near-duplicate of %s", nearest),
		}, nil
	}

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := s.now()
	l.CreatedAt, l.UpdatedAt = now, now

	if err := s.db.SaveLearning(ctx, &l); err != nil {
		return AddResult{}, err
	}
	return AddResult{Added: true, ID: l.ID, NoveltyScore: novelty}, nil
}

// RecordUse bumps a learning's usage counters and adjusts confidence:
// success adds 0.05 capped at 1.0, failure subtracts 0.1 floored at 0.1.
func (s *Store) RecordUse(ctx context.Context, id string, success bool) (*store.Learning, error) {
	l, err := s.db.GetLearning(ctx, id)
	if err != nil {
		return nil, err
	}

	l.UsedCount++
	if success {
		l.SuccessCount++
		l.Confidence = clampConfidence(l.Confidence + confidenceGain)
	} else {
		l.Confidence = clampConfidence(l.Confidence - confidenceDecay)
	}

	if err := s.db.UpdateLearningCounters(ctx, id, l.Confidence, l.UsedCount, l.SuccessCount); err != nil {
		return nil, err
	}
	return l, nil
}

// Relevant returns the learnings most related to text, ranked by keyword
// similarity weighted by confidence.
func (s *Store) Relevant(ctx context.Context, text string, limit int) ([]store.Learning, error) {
	keywords := ExtractKeywords(text)
	if len(keywords) == 0 {
		return nil, nil
	}

	all, err := s.db.ListLearnings(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		l     store.Learning
		score float64
	}
	matches := make([]scored, 0, len(all))
	for _, l := range all {
		sim := similarity(keywords, learningTokens(l))
		if sim <= 0 {
			continue
		}
		matches = append(matches, scored{l, sim * l.Confidence})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].l.ID < matches[j].l.ID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]store.Learning, len(matches))
	for i, m := range matches {
		out[i] = m.l
	}
	return out, nil
}

// RenderCompact formats learnings as prompt-injection bullet lines.
func RenderCompact(learnings []store.Learning) string {
	if len(learnings) == 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range learnings {
		fmt.Fprintf(&b, "- [%s] %s (confidence %.2f)\n", l.Category, l.Content, l.Confidence)
	}
	return b.String()
}

// RecordPermanentFailure stores the record for an exhausted task. At most
// one record per task is kept; added reports whether this call stored it.
func (s *Store) RecordPermanentFailure(ctx context.Context, pf store.PermanentFailure) (bool, error) {
	if pf.Signature == "" {
		pf.Signature = Signature(pf.SampleMessage)
	}
	if pf.CreatedAt.IsZero() {
		pf.CreatedAt = s.now()
	}

	added, err := s.db.AddPermanentFailure(ctx, &pf)
	if err != nil {
		return false, err
	}
	if added {
		s.logger.Warn("permanent failure recorded",
			"task_id", pf.TaskID,
			"category", pf.Category,
			"attempts", pf.AttemptCount,
		)
	}
	return added, nil
}

// learningTokens is the token set a learning is compared by: extracted
// content keywords plus its declared keywords.
func learningTokens(l store.Learning) []string {
	tokens := ExtractKeywords(l.Content)
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		seen[t] = true
	}
	for _, k := range l.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		tokens = append(tokens, k)
	}
	return tokens
}

func clampConfidence(c float64) float64 {
	if c < ConfidenceMin {
		return ConfidenceMin
	}
	if c > ConfidenceMax {
		return ConfidenceMax
	}
	return c
}
