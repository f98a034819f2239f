package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ResilientConfig configures the wrapper around a provider.
type ResilientConfig struct {
	// BatchSize caps texts per gateway call. Defaults to 32.
	BatchSize int
	// Concurrency caps batches in flight. Defaults to 2.
	Concurrency int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialBackoff and MaxBackoff bound the jittered exponential delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RateLimit is calls per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
	// BreakerTrip consecutive failures open the circuit for BreakerWait.
	BreakerTrip int
	BreakerWait time.Duration
	// CacheSize is the number of query embeddings kept; 0 disables the cache.
	CacheSize int
	// Timeout bounds each attempt.
	Timeout time.Duration
	Logger  *zap.Logger
	// Metrics defaults to the instruments on the global meter provider.
	Metrics *Metrics
}

// ApplyDefaults fills zero values.
func (c *ResilientConfig) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = defaultMetrics()
	}
}

// Resilient wraps a Gateway with batching, retry with jittered backoff,
// rate limiting, a circuit breaker and a query embedding cache.
type Resilient struct {
	inner   Gateway
	name    string
	cfg     ResilientConfig
	limiter *rate.Limiter
	breaker *CircuitBreaker
	cache   *lru.Cache[string, []float32]
	metrics *Metrics
	logger  *zap.Logger
}

// NewResilient wraps inner. name labels errors and logs.
func NewResilient(inner Gateway, name string, cfg ResilientConfig) (*Resilient, error) {
	cfg.ApplyDefaults()
	r := &Resilient{
		inner:   inner,
		name:    name,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Inf, 0),
		breaker: NewCircuitBreaker(int32(cfg.BreakerTrip), cfg.BreakerWait),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	if cfg.CacheSize > 0 {
		c, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: query cache: %v", ErrInvalidConfig, err)
		}
		r.cache = c
	}
	return r, nil
}

// BreakerState returns the circuit breaker state.
func (r *Resilient) BreakerState() string { return r.breaker.State() }

// Embed embeds texts in batches of at most BatchSize, preserving order.
func (r *Resilient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for start := 0; start < len(texts); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := r.call(gctx, func(ctx context.Context) ([][]float32, error) {
				return r.inner.Embed(ctx, texts[start:end])
			})
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return &GatewayError{Kind: KindServer, Provider: r.name,
					Err: fmt.Errorf("%w: %d vectors for %d inputs", ErrBadResponse, len(vecs), end-start)}
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, checkDimensions(r.name, out)
}

// EmbedQuery embeds one query, serving repeats from the cache.
func (r *Resilient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(text); ok {
			r.metrics.RecordCache(ctx, true)
			return v, nil
		}
		r.metrics.RecordCache(ctx, false)
	}
	vecs, err := r.call(ctx, func(ctx context.Context) ([][]float32, error) {
		if qe, ok := r.inner.(QueryEmbedder); ok {
			v, err := qe.EmbedQuery(ctx, text)
			if err != nil {
				return nil, err
			}
			return [][]float32{v}, nil
		}
		return r.inner.Embed(ctx, []string{text})
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, &GatewayError{Kind: KindServer, Provider: r.name,
			Err: fmt.Errorf("%w: %d vectors for 1 input", ErrBadResponse, len(vecs))}
	}
	if r.cache != nil {
		r.cache.Add(text, vecs[0])
	}
	return vecs[0], nil
}

// call runs one gateway call through breaker, limiter and retry.
func (r *Resilient) call(ctx context.Context, fn func(ctx context.Context) ([][]float32, error)) ([][]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff

	attempt := 0
	op := func() ([][]float32, error) {
		attempt++
		if !r.breaker.Allow() {
			r.metrics.RecordCircuitRejection(ctx)
			return nil, backoff.Permanent(&GatewayError{Kind: KindServer, Provider: r.name, Err: ErrCircuitOpen})
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(&GatewayError{Kind: KindTimeout, Provider: r.name, Err: err})
		}

		actx := ctx
		if r.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
		}
		vecs, err := fn(actx)
		if err == nil {
			r.breaker.RecordSuccess()
			return vecs, nil
		}
		if errors.Is(err, ErrEmptyInput) {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(&GatewayError{Kind: KindTimeout, Provider: r.name, Err: ctx.Err()})
		}

		var ge *GatewayError
		if !errors.As(err, &ge) {
			ge = &GatewayError{Kind: KindNetwork, Provider: r.name, Err: err}
			if errors.Is(err, context.DeadlineExceeded) {
				ge.Kind = KindTimeout
			}
		}
		if ge.Kind != KindRateLimit {
			r.breaker.RecordFailure()
		}
		if !ge.Retryable() {
			return nil, backoff.Permanent(ge)
		}
		r.metrics.RecordRetry(ctx, ge.Kind)
		r.logger.Debug("embeddings: gateway call failed",
			zap.String("provider", r.name),
			zap.Int("attempt", attempt),
			zap.Stringer("kind", ge.Kind),
			zap.Error(ge))
		if ge.Kind == KindRateLimit && ge.RetryAfter > 0 {
			return nil, backoff.RetryAfter(int(ge.RetryAfter.Round(time.Second) / time.Second))
		}
		return nil, ge
	}

	vecs, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries+1)),
	)
	if err != nil {
		if errors.Is(err, ErrEmptyInput) {
			return nil, err
		}
		if ctx.Err() != nil && KindOf(err) != KindTimeout {
			return nil, &GatewayError{Kind: KindTimeout, Provider: r.name, Err: fmt.Errorf("%w (last error: %v)", ctx.Err(), err)}
		}
		var ge *GatewayError
		if errors.As(err, &ge) {
			return nil, err
		}
		// Exhausted Retry-After waits surface as backoff's own error.
		return nil, &GatewayError{Kind: KindRateLimit, Provider: r.name, Err: err}
	}
	return vecs, nil
}

func checkDimensions(provider string, vecs [][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) != dim || dim == 0 {
			return &GatewayError{Kind: KindServer, Provider: provider,
				Err: fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrBadResponse, i, len(v), dim)}
		}
	}
	return nil
}
