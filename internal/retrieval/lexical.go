package retrieval

import (
	"sort"
	"strings"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
)

const (
	maxQueryTokens = 40
	maxHanBigrams  = 12

	keywordHitScore   = 0.35
	keywordHitCap     = 0.7
	questionTokenRate = 0.22
	answerTokenRate   = 0.14
	questionPhrase    = 0.12
	answerPhrase      = 0.08
)

// Tokenize splits text into lowercase terms. Runs of letters and digits of
// length two or more are terms; Han runs contribute the run itself plus up
// to twelve overlapping bigrams. Terms are unique, in order of appearance,
// and capped at forty.
func Tokenize(text string) []string {
	return tokenize(text, maxQueryTokens, maxHanBigrams)
}

// indexTerms is tokenize without caps, for indexing documents.
func indexTerms(text string) []string {
	return tokenize(text, 0, 0)
}

// tokenize caps the term count at maxTerms and the bigrams per Han run at
// maxBigrams; zero means unlimited.
func tokenize(text string, maxTerms, maxBigrams int) []string {
	var (
		out  []string
		seen = make(map[string]bool)
		run  []rune
		han  bool
	)
	full := func() bool { return maxTerms > 0 && len(out) >= maxTerms }
	add := func(t string) {
		if !seen[t] && !full() {
			seen[t] = true
			out = append(out, t)
		}
	}
	flush := func() {
		if len(run) >= 2 {
			add(string(run))
			if han {
				for i := 0; i+1 < len(run); i++ {
					if maxBigrams > 0 && i >= maxBigrams {
						break
					}
					add(string(run[i : i+2]))
				}
			}
		}
		run = run[:0]
	}

	for _, r := range strings.ToLower(text) {
		if full() {
			return out
		}
		isHan := unicode.Is(unicode.Han, r)
		isWord := isHan || unicode.IsLetter(r) || unicode.IsDigit(r)
		if !isWord || (len(run) > 0 && isHan != han) {
			flush()
		}
		if isWord {
			han = isHan
			run = append(run, r)
		}
	}
	flush()
	return out
}

// entry is a record with its lowercased search fields.
type entry struct {
	record   records.KnowledgeRecord
	question string
	answer   string
	keywords []string
	chunks   []string
}

// Corpus is an immutable lexical view of the knowledge records at one store
// version, with a roaring-bitmap inverted index from term to record ordinal.
type Corpus struct {
	version  uint64
	entries  []entry
	byID     map[string]uint32
	postings map[string]*roaring.Bitmap
	all      *roaring.Bitmap
}

// NewCorpus indexes recs. The slice is not retained.
func NewCorpus(version uint64, recs []records.KnowledgeRecord) *Corpus {
	sorted := append([]records.KnowledgeRecord(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool {
		return vectorindex.CompareIDs(sorted[i].ID, sorted[j].ID) < 0
	})

	c := &Corpus{
		version:  version,
		entries:  make([]entry, len(sorted)),
		byID:     make(map[string]uint32, len(sorted)),
		postings: make(map[string]*roaring.Bitmap),
		all:      roaring.New(),
	}
	for i, r := range sorted {
		ord := uint32(i)
		e := entry{
			record:   r,
			question: strings.ToLower(r.Question),
			answer:   strings.ToLower(r.Answer),
		}
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				e.keywords = append(e.keywords, kw)
			}
		}
		for _, ch := range r.Chunks {
			e.chunks = append(e.chunks, strings.ToLower(ch))
		}
		c.entries[i] = e
		c.byID[r.ID] = ord
		c.all.Add(ord)

		text := r.Question + " " + r.Answer + " " + strings.Join(r.Keywords, " ")
		for _, t := range indexTerms(text) {
			bm, ok := c.postings[t]
			if !ok {
				bm = roaring.New()
				c.postings[t] = bm
			}
			bm.Add(ord)
		}
	}
	return c
}

// Version is the store version the corpus was built from.
func (c *Corpus) Version() uint64 { return c.version }

// Len is the number of records.
func (c *Corpus) Len() int { return len(c.entries) }

// Record returns the record with id.
func (c *Corpus) Record(id string) (records.KnowledgeRecord, bool) {
	ord, ok := c.byID[id]
	if !ok {
		return records.KnowledgeRecord{}, false
	}
	return c.entries[ord].record, true
}

// candidates returns the ordinals sharing at least one term with tokens,
// or every ordinal when none do.
func (c *Corpus) candidates(tokens []string) *roaring.Bitmap {
	var bms []*roaring.Bitmap
	for _, t := range tokens {
		if bm, ok := c.postings[t]; ok {
			bms = append(bms, bm)
		}
	}
	if len(bms) == 0 {
		return c.all
	}
	return roaring.FastOr(bms...)
}

// lexicalScores scores every candidate against query. Records scoring zero
// are omitted.
func (c *Corpus) lexicalScores(query string) map[string]float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	tokens := Tokenize(q)
	if len(tokens) == 0 {
		tokens = []string{q}
	}

	out := make(map[string]float64)
	it := c.candidates(tokens).Iterator()
	for it.HasNext() {
		e := &c.entries[it.Next()]
		if s := e.keywordScore(q, tokens); s > 0 {
			out[e.record.ID] = s
		}
	}
	return out
}

func (e *entry) keywordScore(q string, tokens []string) float64 {
	var score float64
	hits := 0
	for _, kw := range e.keywords {
		if strings.Contains(q, kw) {
			hits++
		}
	}
	score += min(keywordHitCap, keywordHitScore*float64(hits))

	qHit, aHit := 0, 0
	for _, t := range tokens {
		if strings.Contains(e.question, t) {
			qHit++
		}
		if strings.Contains(e.answer, t) {
			aHit++
		}
	}
	denom := float64(max(1, len(tokens)))
	score += questionTokenRate * float64(qHit) / denom
	score += answerTokenRate * float64(aHit) / denom

	if strings.Contains(e.question, q) {
		score += questionPhrase
	}
	if strings.Contains(e.answer, q) {
		score += answerPhrase
	}
	return min(1, score)
}

// coverage is the share of query terms found in the record's text, blended
// with its keyword hits. The result is in [0,1].
func (e *entry) coverage(q string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, t := range tokens {
		if e.contains(t) {
			hits++
		}
	}
	cover := float64(hits) / float64(len(tokens))

	kwHits := 0
	for _, kw := range e.keywords {
		if strings.Contains(q, kw) {
			kwHits++
		}
	}
	kwBonus := min(1, 0.4*float64(kwHits))
	return min(1, 0.75*cover+0.25*kwBonus)
}

func (e *entry) contains(t string) bool {
	if strings.Contains(e.question, t) || strings.Contains(e.answer, t) {
		return true
	}
	for _, ch := range e.chunks {
		if strings.Contains(ch, t) {
			return true
		}
	}
	return false
}

// bestChunks returns up to n of the record's chunks ordered by how many
// query terms they contain, ties in chunk order.
func (e *entry) bestChunks(tokens []string, n int) []string {
	type scored struct {
		idx  int
		hits int
	}
	if len(e.record.Chunks) == 0 || n <= 0 {
		return nil
	}
	ranked := make([]scored, len(e.chunks))
	for i, ch := range e.chunks {
		ranked[i].idx = i
		for _, t := range tokens {
			if strings.Contains(ch, t) {
				ranked[i].hits++
			}
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].hits > ranked[j].hits })
	out := make([]string, 0, n)
	for _, s := range ranked[:min(n, len(ranked))] {
		out = append(out, e.record.Chunks[s.idx])
	}
	return out
}
