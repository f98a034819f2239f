package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedGateway returns vectors derived from the text length and fails
// while failures remain.
type scriptedGateway struct {
	mu       sync.Mutex
	calls    int
	batches  [][]string
	failures []error
	queries  atomic.Int32
}

func (g *scriptedGateway) Embed(_ context.Context, texts []string) ([][]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.batches = append(g.batches, append([]string(nil), texts...))
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = []float32{float32(len(s)), 1}
	}
	return out, nil
}

func (g *scriptedGateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	g.queries.Add(1)
	v, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newResilient(t *testing.T, g Gateway, cfg ResilientConfig) *Resilient {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	r, err := NewResilient(g, "test", cfg)
	require.NoError(t, err)
	return r
}

func serverErr() error { return &GatewayError{Kind: KindServer, Provider: "test", StatusCode: 503} }

func TestResilient_BatchesPreserveOrder(t *testing.T) {
	g := &scriptedGateway{}
	r := newResilient(t, g, ResilientConfig{BatchSize: 2, Concurrency: 3})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := r.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, s := range texts {
		assert.Equal(t, float32(len(s)), vecs[i][0])
	}
	assert.Equal(t, 3, g.callCount())
	for _, b := range g.batches {
		assert.LessOrEqual(t, len(b), 2)
	}
}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	g := &scriptedGateway{failures: []error{serverErr(), &GatewayError{Kind: KindNetwork, Err: errors.New("reset")}}}
	r := newResilient(t, g, ResilientConfig{MaxRetries: 3})

	vecs, err := r.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, float32(5), vecs[0][0])
	assert.Equal(t, 3, g.callCount())
}

func TestResilient_GivesUpAfterMaxRetries(t *testing.T) {
	g := &scriptedGateway{failures: []error{serverErr(), serverErr(), serverErr(), serverErr()}}
	r := newResilient(t, g, ResilientConfig{MaxRetries: 2, BreakerTrip: 10})

	_, err := r.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.Equal(t, KindServer, KindOf(err))
	assert.Equal(t, 3, g.callCount())
}

func TestResilient_AuthIsNotRetried(t *testing.T) {
	g := &scriptedGateway{failures: []error{&GatewayError{Kind: KindAuth, StatusCode: 401}}}
	r := newResilient(t, g, ResilientConfig{MaxRetries: 5})

	_, err := r.Embed(context.Background(), []string{"hello"})
	assert.Equal(t, KindAuth, KindOf(err))
	assert.Equal(t, 1, g.callCount())
}

func TestResilient_UnclassifiedErrorBecomesNetwork(t *testing.T) {
	g := &scriptedGateway{failures: []error{errors.New("boom")}}
	r := newResilient(t, g, ResilientConfig{MaxRetries: 0})

	_, err := r.Embed(context.Background(), []string{"hello"})
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestResilient_CircuitOpens(t *testing.T) {
	g := &scriptedGateway{failures: []error{serverErr(), serverErr()}}
	r := newResilient(t, g, ResilientConfig{MaxRetries: 0, BreakerTrip: 2, BreakerWait: time.Minute})

	for range 2 {
		_, err := r.Embed(context.Background(), []string{"x"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", r.BreakerState())

	_, err := r.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, g.callCount(), "open circuit does not reach the gateway")
}

func TestResilient_RateLimitedCallsWait(t *testing.T) {
	g := &scriptedGateway{}
	r := newResilient(t, g, ResilientConfig{RateLimit: 20, RateBurst: 1})

	start := time.Now()
	for i := range 3 {
		_, err := r.Embed(context.Background(), []string{fmt.Sprint(i)})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestResilient_QueryCache(t *testing.T) {
	g := &scriptedGateway{}
	r := newResilient(t, g, ResilientConfig{CacheSize: 8})
	ctx := context.Background()

	a, err := r.EmbedQuery(ctx, "refund policy")
	require.NoError(t, err)
	b, err := r.EmbedQuery(ctx, "refund policy")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), g.queries.Load())

	_, err = r.EmbedQuery(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int32(2), g.queries.Load())
}

func TestResilient_EmptyInput(t *testing.T) {
	r := newResilient(t, &scriptedGateway{}, ResilientConfig{})
	_, err := r.Embed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = r.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestResilient_ContextCancelled(t *testing.T) {
	g := &scriptedGateway{failures: []error{serverErr(), serverErr(), serverErr()}}
	r := newResilient(t, g, ResilientConfig{MaxRetries: 10, InitialBackoff: time.Second, MaxBackoff: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Embed(ctx, []string{"x"})
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestResilient_InconsistentDimensions(t *testing.T) {
	g := gatewayFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = make([]float32, i+1)
		}
		return out, nil
	})
	r := newResilient(t, g, ResilientConfig{})
	_, err := r.Embed(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrBadResponse)
}

type gatewayFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f gatewayFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}
