package retrieval

import (
	"sort"
	"strings"
)

// Rewriter normalizes a query for the lexical pass: configured stop phrases
// are removed and synonym targets appended.
type Rewriter struct {
	stopPhrases []string
	synonyms    [][2]string
}

// NewRewriter copies the phrase list and synonym map. Stop phrases are
// applied longest first so a phrase never leaves a fragment of a longer one.
func NewRewriter(stopPhrases []string, synonyms map[string]string) *Rewriter {
	rw := &Rewriter{}
	for _, p := range stopPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			rw.stopPhrases = append(rw.stopPhrases, p)
		}
	}
	sort.SliceStable(rw.stopPhrases, func(i, j int) bool {
		return len(rw.stopPhrases[i]) > len(rw.stopPhrases[j])
	})

	for from, to := range synonyms {
		from = strings.ToLower(strings.TrimSpace(from))
		to = strings.ToLower(strings.TrimSpace(to))
		if from != "" && to != "" {
			rw.synonyms = append(rw.synonyms, [2]string{from, to})
		}
	}
	sort.Slice(rw.synonyms, func(i, j int) bool { return rw.synonyms[i][0] < rw.synonyms[j][0] })
	return rw
}

// Rewrite returns the lowercased query without stop phrases, followed by
// the targets of every synonym found in the original query. If stripping
// leaves fewer than two characters the original query is kept.
func (rw *Rewriter) Rewrite(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	cleaned := q
	for _, p := range rw.stopPhrases {
		cleaned = strings.ReplaceAll(cleaned, p, " ")
	}
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if len([]rune(cleaned)) < 2 {
		cleaned = q
	}

	var expanded []string
	for _, syn := range rw.synonyms {
		if !strings.Contains(q, syn[0]) || strings.Contains(cleaned, syn[1]) {
			continue
		}
		dup := false
		for _, e := range expanded {
			if e == syn[1] {
				dup = true
				break
			}
		}
		if !dup {
			expanded = append(expanded, syn[1])
		}
	}
	if len(expanded) == 0 {
		return cleaned
	}
	return cleaned + " " + strings.Join(expanded, " ")
}
