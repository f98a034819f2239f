package records

import (
	"context"
	"strings"
)

// DefaultDuplicateThreshold is the similarity at which two questions are
// considered duplicates.
const DefaultDuplicateThreshold = 0.85

// Duplicate is an existing record that resembles a candidate question.
type Duplicate struct {
	Record     KnowledgeRecord
	Similarity float64
}

// CheckDuplicate looks for an existing question equal to (case-insensitive)
// or resembling question. Resemblance is the Jaccard similarity of the two
// questions' character sets. It returns nil when nothing reaches threshold.
func (s *Store) CheckDuplicate(ctx context.Context, question string, threshold float64) (*Duplicate, error) {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return nil, nil
	}
	if threshold <= 0 {
		threshold = DefaultDuplicateThreshold
	}
	snap, err := s.Knowledge(ctx)
	if err != nil {
		return nil, err
	}

	for _, r := range snap.Records {
		if strings.ToLower(strings.TrimSpace(r.Question)) == q {
			return &Duplicate{Record: r, Similarity: 1}, nil
		}
	}

	var best *Duplicate
	for _, r := range snap.Records {
		sim := charJaccard(q, strings.ToLower(r.Question))
		if best == nil || sim > best.Similarity {
			best = &Duplicate{Record: r, Similarity: sim}
		}
	}
	if best != nil && best.Similarity >= threshold {
		return best, nil
	}
	return nil, nil
}

func charJaccard(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	sa := make(map[rune]struct{})
	for _, r := range a {
		sa[r] = struct{}{}
	}
	sb := make(map[rune]struct{})
	for _, r := range b {
		sb[r] = struct{}{}
	}
	inter := 0
	for r := range sa {
		if _, ok := sb[r]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
