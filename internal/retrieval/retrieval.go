// Package retrieval ranks knowledge records for a query by fusing a lexical
// keyword pass with a vector similarity pass over the live index generation.
//
// The vector pass is optional at query time: when the embedding gateway
// fails, times out, or no index generation is ready, the result is marked
// Degraded and built from the lexical pass alone. Retrieve never returns an
// error for a gateway failure.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/generation"
	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
)

const instrumentationName = "github.com/fyrsmithlabs/knowledged/internal/retrieval"

// ContextSeparator joins context parts.
const ContextSeparator = "\n\n---\n\n"

const (
	maxCoverageBonus = 0.25
	candidateFactor  = 3
)

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query text is empty")

// Method reports which passes contributed to a result.
type Method string

const (
	MethodHybrid  Method = "hybrid"
	MethodVector  Method = "vector"
	MethodLexical Method = "lexical"
	MethodNone    Method = "none"
)

// Degradation reasons.
const (
	ReasonNoGateway  = "no_gateway"
	ReasonGateway    = "gateway"
	ReasonTimeout    = "timeout"
	ReasonNoIndex    = "no_index"
	ReasonIndexError = "index_error"
)

// QueryEmbedder embeds query text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// GenerationSource yields the live index generation, or nil.
type GenerationSource interface {
	Current() *generation.Generation
}

// CorpusSource yields the lexical corpus for the current store version.
type CorpusSource interface {
	Corpus(ctx context.Context) (*Corpus, error)
}

// Settings are the tunables of a retrieval.
type Settings struct {
	TopK          int
	Threshold     float64
	VectorWeight  float64
	LexicalWeight float64
	// ContextMaxChars bounds the assembled context; 0 means unbounded.
	ContextMaxChars int
	ContextTopN     int
	// ChunkTopN is the number of chunks taken from each context record.
	ChunkTopN    int
	QueryTimeout time.Duration
	StopPhrases  []string
	Synonyms     map[string]string
}

// DefaultSettings returns the stock tunables.
func DefaultSettings() Settings {
	return Settings{
		TopK:            5,
		Threshold:       0.4,
		VectorWeight:    0.7,
		LexicalWeight:   0.3,
		ContextMaxChars: 4000,
		ContextTopN:     3,
		ChunkTopN:       2,
		QueryTimeout:    5 * time.Second,
	}
}

// Config wires an Orchestrator.
type Config struct {
	Settings Settings

	// Embedder may be nil, in which case every query is lexical only.
	Embedder    QueryEmbedder
	Generations GenerationSource
	Corpus      CorpusSource

	// OnIndexError is told about index failures during search so the
	// caller can schedule a rebuild.
	OnIndexError func(ctx context.Context, err error)

	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
	Logger *zap.Logger
}

// Query is one retrieval request. Zero TopK and nil Threshold use the
// configured defaults.
type Query struct {
	Text      string
	TopK      int
	Threshold *float64
}

// Hit is one ranked record.
type Hit struct {
	ID           string                  `json:"id"`
	Score        float64                 `json:"score"`
	VectorScore  float64                 `json:"vector_score"`
	LexicalScore float64                 `json:"lexical_score"`
	Record       records.KnowledgeRecord `json:"record"`
}

// Result is the outcome of Retrieve.
type Result struct {
	Query          string  `json:"query"`
	Rewritten      string  `json:"rewritten_query"`
	Hits           []Hit   `json:"hits"`
	Context        string  `json:"context"`
	Confidence     float64 `json:"confidence"`
	Method         Method  `json:"method"`
	Degraded       bool    `json:"degraded"`
	DegradedReason string  `json:"degraded_reason,omitempty"`
	Generation     uint64  `json:"generation"`
}

// Orchestrator runs retrievals.
type Orchestrator struct {
	settings     Settings
	embedder     QueryEmbedder
	generations  GenerationSource
	corpus       CorpusSource
	rewriter     *Rewriter
	onIndexError func(ctx context.Context, err error)
	logger       *zap.Logger
	tracer       trace.Tracer
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Corpus == nil {
		return nil, errors.New("retrieval: corpus source is required")
	}
	if cfg.Generations == nil {
		return nil, errors.New("retrieval: generation source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := cfg.Settings
	d := DefaultSettings()
	if s.TopK <= 0 {
		s.TopK = d.TopK
	}
	if s.VectorWeight < 0 || s.LexicalWeight < 0 || s.VectorWeight+s.LexicalWeight == 0 {
		s.VectorWeight, s.LexicalWeight = d.VectorWeight, d.LexicalWeight
	}
	if s.ContextTopN <= 0 {
		s.ContextTopN = d.ContextTopN
	}
	if s.ChunkTopN <= 0 {
		s.ChunkTopN = d.ChunkTopN
	}
	if s.QueryTimeout <= 0 {
		s.QueryTimeout = d.QueryTimeout
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Orchestrator{
		settings:     s,
		embedder:     cfg.Embedder,
		generations:  cfg.Generations,
		corpus:       cfg.Corpus,
		rewriter:     NewRewriter(s.StopPhrases, s.Synonyms),
		onIndexError: cfg.OnIndexError,
		logger:       cfg.Logger,
		tracer:       tracer,
	}, nil
}

// Settings returns the effective tunables.
func (o *Orchestrator) Settings() Settings { return o.settings }

// candidate accumulates per-record scores across passes.
type candidate struct {
	id      string
	vector  float64
	lexical float64
	inV     bool
	inL     bool
	score   float64
}

// Retrieve ranks records for q.
func (o *Orchestrator) Retrieve(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	defer func() { queryDuration.Observe(time.Since(start).Seconds()) }()

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	topK := q.TopK
	if topK <= 0 {
		topK = o.settings.TopK
	}
	threshold := o.settings.Threshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}

	ctx, span := o.tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.Int("top_k", topK),
		attribute.Float64("threshold", threshold),
		attribute.Int("query_length", len(text)),
	)

	corpus, err := o.corpus.Corpus(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "loading corpus")
		return nil, fmt.Errorf("loading corpus: %w", err)
	}

	res := &Result{Query: text, Rewritten: o.rewriter.Rewrite(text)}
	queries := uniqueQueries(res.Rewritten, strings.ToLower(text))

	cands := make(map[string]*candidate)
	get := func(id string) *candidate {
		c, ok := cands[id]
		if !ok {
			c = &candidate{id: id}
			cands[id] = c
		}
		return c
	}

	for _, qt := range queries {
		for id, s := range corpus.lexicalScores(qt) {
			c := get(id)
			c.inL = true
			c.lexical = max(c.lexical, s)
		}
	}

	o.vectorPass(ctx, corpus, queries, topK, res, get)
	if res.Degraded {
		degradedTotal.WithLabelValues(res.DegradedReason).Inc()
		span.AddEvent("degraded", trace.WithAttributes(attribute.String("reason", res.DegradedReason)))
	}

	origLower := strings.ToLower(text)
	origTokens := Tokenize(origLower)
	lexicalFloor := min(threshold, keywordHitScore)

	var anyV, anyL bool
	for _, c := range cands {
		anyV = anyV || c.inV
		anyL = anyL || c.inL
	}
	fuse := o.fusion(anyV, anyL)

	ranked := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		c.score = fuse(c)
		if c.inV {
			if ord, ok := corpus.byID[c.id]; ok {
				c.score += maxCoverageBonus * corpus.entries[ord].coverage(origLower, origTokens)
			}
		}
		c.score = min(1, c.score)

		keep := c.score >= threshold || (!c.inV && c.lexical >= lexicalFloor)
		if keep {
			ranked = append(ranked, c)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return vectorindex.CompareIDs(ranked[i].id, ranked[j].id) < 0
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	var usedV, usedL bool
	res.Hits = make([]Hit, 0, len(ranked))
	for _, c := range ranked {
		rec, _ := corpus.Record(c.id)
		res.Hits = append(res.Hits, Hit{
			ID:           c.id,
			Score:        c.score,
			VectorScore:  c.vector,
			LexicalScore: c.lexical,
			Record:       rec,
		})
		usedV = usedV || c.inV
		usedL = usedL || c.inL
	}
	switch {
	case usedV && usedL:
		res.Method = MethodHybrid
	case usedV:
		res.Method = MethodVector
	case usedL:
		res.Method = MethodLexical
	default:
		res.Method = MethodNone
	}

	res.Context = o.assembleContext(corpus, res.Hits, Tokenize(strings.Join(queries, " ")))
	res.Confidence = confidence(origLower, res.Hits)

	queriesTotal.WithLabelValues(string(res.Method)).Inc()
	hitsReturned.Observe(float64(len(res.Hits)))
	span.SetAttributes(
		attribute.String("method", string(res.Method)),
		attribute.Int("hits", len(res.Hits)),
		attribute.Bool("degraded", res.Degraded),
		attribute.Float64("confidence", res.Confidence),
		attribute.Int64("generation", int64(res.Generation)),
	)
	o.logger.Debug("retrieval completed",
		zap.String("method", string(res.Method)),
		zap.Int("hits", len(res.Hits)),
		zap.Bool("degraded", res.Degraded),
		zap.Uint64("generation", res.Generation),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// vectorPass embeds each query and merges index matches into the
// candidates. Failures mark res degraded instead of returning an error.
// fusion returns the scoring function for one query. Every pass that
// produced candidates contributes its weight to every record, with a missing
// score counting as zero, so more lexical evidence never lowers a score.
func (o *Orchestrator) fusion(vectorRan, lexicalRan bool) func(*candidate) float64 {
	var wv, wl float64
	if vectorRan {
		wv = o.settings.VectorWeight
	}
	if lexicalRan {
		wl = o.settings.LexicalWeight
	}
	if wv+wl == 0 {
		return func(c *candidate) float64 { return max(c.vector, c.lexical) }
	}
	return func(c *candidate) float64 {
		return (wv*c.vector + wl*c.lexical) / (wv + wl)
	}
}

func (o *Orchestrator) vectorPass(ctx context.Context, corpus *Corpus, queries []string, topK int, res *Result, get func(string) *candidate) {
	degrade := func(reason string, err error) {
		res.Degraded = true
		res.DegradedReason = reason
		fields := []zap.Field{zap.String("reason", reason)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		o.logger.Warn("vector pass skipped, serving lexical results", fields...)
	}

	if o.embedder == nil {
		degrade(ReasonNoGateway, nil)
		return
	}
	gen := o.generations.Current()
	if gen == nil {
		degrade(ReasonNoIndex, nil)
		return
	}
	res.Generation = gen.Seq

	ctx, span := o.tracer.Start(ctx, "retrieval.vector_pass")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.settings.QueryTimeout)
	defer cancel()

	searched := false
	for _, qt := range queries {
		vec, err := o.embedder.EmbedQuery(ctx, qt)
		if err != nil {
			if searched {
				// One query embedded; use what we have.
				break
			}
			span.RecordError(err)
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				degrade(ReasonTimeout, err)
			} else {
				degrade(ReasonGateway, err)
			}
			return
		}
		matches, err := gen.Search(vec, topK*candidateFactor, -1)
		if err != nil {
			span.RecordError(err)
			if o.onIndexError != nil {
				o.onIndexError(ctx, err)
			}
			degrade(ReasonIndexError, err)
			return
		}
		searched = true
		for _, m := range matches {
			if _, ok := corpus.byID[m.ID]; !ok {
				continue
			}
			c := get(m.ID)
			if !c.inV || float64(m.Score) > c.vector {
				c.vector = float64(m.Score)
			}
			c.inV = true
		}
	}
}

// assembleContext joins the top records' best chunks until the character
// budget is spent. Lower-ranked parts are dropped first; a single part
// larger than the budget is truncated.
func (o *Orchestrator) assembleContext(corpus *Corpus, hits []Hit, tokens []string) string {
	budget := o.settings.ContextMaxChars
	var parts []string
	total := 0
	for _, h := range hits[:min(len(hits), o.settings.ContextTopN)] {
		ord, ok := corpus.byID[h.ID]
		if !ok {
			continue
		}
		e := &corpus.entries[ord]
		var texts []string
		for _, ch := range e.bestChunks(tokens, o.settings.ChunkTopN) {
			texts = append(texts, fmt.Sprintf("Question: %s\nContent: %s", h.Record.Question, ch))
		}
		if len(texts) == 0 {
			texts = []string{fmt.Sprintf("Question: %s\nAnswer: %s", h.Record.Question, h.Record.Answer)}
		}
		for _, p := range texts {
			n := len([]rune(p))
			if budget > 0 && total+n > budget {
				if len(parts) == 0 {
					parts = append(parts, truncateRunes(p, budget))
				}
				return strings.Join(parts, ContextSeparator)
			}
			parts = append(parts, p)
			total += n
		}
	}
	return strings.Join(parts, ContextSeparator)
}

// confidence starts from the top score and adds bonuses for a clear gap to
// the runner-up, keyword coverage of the top record and the number of hits.
func confidence(query string, hits []Hit) float64 {
	if len(hits) == 0 {
		return 0
	}
	top := hits[0].Score
	gap := 0.0
	if len(hits) > 1 {
		gap = top - hits[1].Score
	}

	cover := 0.0
	var kws []string
	for _, kw := range hits[0].Record.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			kws = append(kws, kw)
		}
	}
	if len(kws) > 0 {
		denom := min(len(kws), 6)
		hit := 0
		for _, kw := range kws[:denom] {
			if strings.Contains(query, kw) {
				hit++
			}
		}
		cover = float64(hit) / float64(denom)
	}

	depth := 0.0
	if len(hits) > 1 {
		depth = float64(min(len(hits), 5)-1) / 4
	}

	c := top + 0.15*clamp01(gap) + 0.08*clamp01(cover) + 0.04*clamp01(depth)
	return clamp01(c)
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func uniqueQueries(qs ...string) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if o == q {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, q)
		}
	}
	return out
}
