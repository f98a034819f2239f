package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/knowledged/internal/backup"
	"github.com/fyrsmithlabs/knowledged/internal/engine"
	"github.com/fyrsmithlabs/knowledged/internal/filelock"
	"github.com/fyrsmithlabs/knowledged/internal/indexmap"
	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/fyrsmithlabs/knowledged/internal/telemetry"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
)

const testDim = 32

// hashGateway embeds text as a hashed bag of words.
type hashGateway struct{}

func (hashGateway) vector(text string) []float32 {
	v := make([]float32, testDim)
	v[testDim-1] = 0.01
	for _, term := range retrieval.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(term))
		v[h.Sum32()%uint32(testDim-1)]++
	}
	return v
}

func (g hashGateway) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = g.vector(t)
	}
	return out, nil
}

func (g hashGateway) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return g.vector(text), nil
}

func newTestEngine(t *testing.T, gw engine.Gateway) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	guard := filelock.New(filelock.Config{
		Timeout:      5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	store, err := records.Open(records.Config{Dir: dir, Guard: guard})
	require.NoError(t, err)

	e, err := engine.New(engine.Config{
		Store:     store,
		Guard:     guard,
		DataDir:   dir,
		Gateway:   gw,
		Dimension: testDim,
		Selector:  vectorindex.Selector{Params: vectorindex.DefaultParams(), Probe: vectorindex.NewProbe(false, nil)},
		Retrieval: retrieval.DefaultSettings(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Open(context.Background()))
	return e
}

func setupTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	e := newTestEngine(t, hashGateway{})
	server, err := NewServer(e, e.Store(), zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	return server
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decode[map[string]any](t, rec)
	msg, _ := resp["message"].(string)
	return msg
}

func TestNewServer(t *testing.T) {
	e := newTestEngine(t, nil)

	t.Run("requires service", func(t *testing.T) {
		_, err := NewServer(nil, e.Store(), zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("requires record store", func(t *testing.T) {
		_, err := NewServer(e, nil, zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("requires logger", func(t *testing.T) {
		_, err := NewServer(e, e.Store(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("uses default config", func(t *testing.T) {
		server, err := NewServer(e, e.Store(), zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
		assert.Equal(t, "1M", server.config.BodyLimit)
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t, &Config{Version: "1.2.3"})

	rec := doJSON(t, server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "ready", resp.Index)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestKnowledgeLifecycle(t *testing.T) {
	server := setupTestServer(t, nil)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/knowledge", KnowledgeRequest{
		Question: "What is the refund policy?",
		Answer:   "Refunds are issued within 7 days of delivery.",
		Keywords: []string{"refund"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[records.KnowledgeRecord](t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "General", created.Category)

	rec = doJSON(t, server, http.MethodPut, "/api/v1/knowledge/"+created.ID, KnowledgeRequest{
		Question: "What is the refund policy?",
		Answer:   "Refunds are issued within 14 days of delivery.",
		Keywords: []string{"refund"},
		Category: "Returns",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, server, http.MethodGet, "/api/v1/knowledge/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[records.KnowledgeRecord](t, rec)
	assert.Contains(t, got.Answer, "14 days")
	assert.Equal(t, "Returns", got.Category)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/knowledge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[KnowledgeListResponse](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/retrieve", RetrieveRequest{Query: "refund policy"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[retrieval.Result](t, rec)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, created.ID, res.Hits[0].ID)
	assert.Equal(t, retrieval.MethodHybrid, res.Method)

	rec = doJSON(t, server, http.MethodDelete, "/api/v1/records/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	del := decode[DeleteResponse](t, rec)
	assert.Equal(t, records.CollectionKnowledge, del.Collection)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/knowledge/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertKnowledge_Errors(t *testing.T) {
	server := setupTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		msg    string
	}{
		{
			name:   "missing answer",
			method: http.MethodPost,
			path:   "/api/v1/knowledge",
			body:   KnowledgeRequest{Question: "Where are you?"},
			status: http.StatusBadRequest,
			msg:    "answer is required",
		},
		{
			name:   "id mismatch",
			method: http.MethodPut,
			path:   "/api/v1/knowledge/K1",
			body:   KnowledgeRequest{ID: "K2", Question: "q", Answer: "a"},
			status: http.StatusBadRequest,
			msg:    "does not match",
		},
		{
			name:   "invalid json",
			method: http.MethodPost,
			path:   "/api/v1/knowledge",
			body:   json.RawMessage(`"not an object"`),
			status: http.StatusBadRequest,
			msg:    "invalid request body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, server, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.msg)
		})
	}
}

func TestProductLifecycle(t *testing.T) {
	server := setupTestServer(t, nil)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/products", ProductRequest{
		Name:     "Red Mug",
		Price:    9.99,
		Category: "Kitchen",
		Stock:    3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[ProductResponse](t, rec)
	require.NotEmpty(t, resp.Product.ID)
	assert.Equal(t, records.SynthesizedID(resp.Product.ID), resp.Synthesized.ID)
	assert.Contains(t, resp.Synthesized.Answer, "$9.99")

	t.Run("synthesized record cannot be deleted directly", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodDelete, "/api/v1/records/"+resp.Synthesized.ID, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("synthesized record is retrievable", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/retrieve", RetrieveRequest{Query: "red mug price"})
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[retrieval.Result](t, rec)
		require.NotEmpty(t, res.Hits)
		assert.Equal(t, resp.Synthesized.ID, res.Hits[0].ID)
	})

	t.Run("list and categories", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/products", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, decode[ProductListResponse](t, rec).Count)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/categories", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, decode[CategoriesResponse](t, rec).Categories, "Product information")
	})

	t.Run("deleting the product removes its record", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodDelete, "/api/v1/records/"+resp.Product.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, records.CollectionProducts, decode[DeleteResponse](t, rec).Collection)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/knowledge/"+resp.Synthesized.ID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = doJSON(t, server, http.MethodGet, "/api/v1/products/"+resp.Product.ID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleRetrieve_Validation(t *testing.T) {
	server := setupTestServer(t, nil)

	tooHigh := 1.5
	tests := []struct {
		name string
		body RetrieveRequest
		msg  string
	}{
		{"empty query", RetrieveRequest{Query: "   "}, "empty"},
		{"negative top_k", RetrieveRequest{Query: "refund", TopK: -1}, "top_k"},
		{"threshold out of range", RetrieveRequest{Query: "refund", Threshold: &tooHigh}, "threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, server, http.MethodPost, "/api/v1/retrieve", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.msg)
		})
	}
}

func TestHandleCheckDuplicate(t *testing.T) {
	server := setupTestServer(t, nil)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/knowledge", KnowledgeRequest{
		Question: "How long does shipping take?",
		Answer:   "Orders ship within two business days.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/knowledge/duplicates", DuplicateRequest{Question: "how long does shipping take?"})
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decode[DuplicateResponse](t, rec)
	assert.True(t, dup.Duplicate)
	require.NotNil(t, dup.Record)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/knowledge/duplicates", DuplicateRequest{Question: "zzz"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[DuplicateResponse](t, rec).Duplicate)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/knowledge/duplicates", DuplicateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexEndpoints(t *testing.T) {
	t.Run("rebuild and status", func(t *testing.T) {
		server := setupTestServer(t, nil)
		rec := doJSON(t, server, http.MethodPost, "/api/v1/knowledge", KnowledgeRequest{Question: "q one", Answer: "a one"})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = doJSON(t, server, http.MethodPost, "/api/v1/index/rebuild", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		desc := decode[indexmap.Descriptor](t, rec)
		assert.Equal(t, 1, desc.RecordCount)
		assert.Equal(t, testDim, desc.Dimension)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/index/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		st := decode[map[string]any](t, rec)
		assert.Equal(t, "ready", st["state"])
		assert.EqualValues(t, 1, st["record_count"])
		assert.Equal(t, "closed", st["gateway"])
	})

	t.Run("rebuild without a gateway is unavailable", func(t *testing.T) {
		e := newTestEngine(t, nil)
		server, err := NewServer(e, e.Store(), zap.NewNop(), nil)
		require.NoError(t, err)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/index/rebuild", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/index/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		st := decode[engine.Status](t, rec)
		assert.True(t, st.Degraded)
		assert.Contains(t, st.DegradedReasons, engine.DegradedNoGateway)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, nil)
	doJSON(t, server, http.MethodPost, "/api/v1/retrieve", RetrieveRequest{Query: "anything"})

	rec := doJSON(t, server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "knowledged_retrieval_")
}

// busyService fails every write with a lock timeout.
type busyService struct {
	*engine.Engine
}

func (busyService) UpsertKnowledgeRecord(context.Context, records.KnowledgeRecord) (records.KnowledgeRecord, error) {
	return records.KnowledgeRecord{}, &records.StorageError{Op: "write", Path: "knowledge.json", Err: records.ErrLockTimeout}
}

func TestStorageErrorsAreRetryable(t *testing.T) {
	e := newTestEngine(t, nil)
	server, err := NewServer(busyService{e}, e.Store(), zap.NewNop(), nil)
	require.NoError(t, err)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/knowledge", KnowledgeRequest{Question: "q", Answer: "a"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimit(t *testing.T) {
	server := setupTestServer(t, &Config{RateLimit: 1, RateBurst: 1})

	first := doJSON(t, server, http.MethodGet, "/api/v1/categories", nil)
	assert.Equal(t, http.StatusOK, first.Code)
	second := doJSON(t, server, http.MethodGet, "/api/v1/categories", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// health stays reachable
	health := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

type fakeBackups struct {
	created []backup.Manifest
}

func (f *fakeBackups) Create(context.Context) (backup.Manifest, error) {
	m := backup.Manifest{ID: "20261017T120000.000Z", CreatedAt: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
	f.created = append(f.created, m)
	return m, nil
}

func (f *fakeBackups) List(context.Context) ([]backup.Manifest, error) {
	return f.created, nil
}

func TestBackupRoutes(t *testing.T) {
	t.Run("absent without a backup manager", func(t *testing.T) {
		server := setupTestServer(t, nil)
		rec := doJSON(t, server, http.MethodPost, "/api/v1/backups", nil)
		assert.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, rec.Code)
	})

	t.Run("create and list", func(t *testing.T) {
		fb := &fakeBackups{}
		server := setupTestServer(t, &Config{Backups: fb})

		rec := doJSON(t, server, http.MethodPost, "/api/v1/backups", nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "20261017T120000.000Z", decode[backup.Manifest](t, rec).ID)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/backups", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]backup.Manifest](t, rec), 1)
	})
}

func TestRequestIDPropagation(t *testing.T) {
	server := setupTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderXRequestID, "req_abc")
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, "req_abc", rec.Header().Get(echo.HeaderXRequestID))
	assert.False(t, strings.Contains(rec.Body.String(), "panic"))
}

func TestInstrumentation(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	server := setupTestServer(t, &Config{Tracer: tt.Tracer("httpapi-test"), Meter: tt.Meter("httpapi-test")})

	rec := doJSON(t, server, http.MethodGet, "/api/v1/knowledge/K404", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	tt.AssertSpanExists(t, "GET /api/v1/knowledge/:id")
	tt.AssertSpanAttribute(t, "GET /api/v1/knowledge/:id", "http.route", "/api/v1/knowledge/:id")
	tt.AssertSpanAttribute(t, "GET /api/v1/knowledge/:id", "http.response.status_code", int64(http.StatusNotFound))

	names, err := tt.MetricNames(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "knowledged.http.requests_total")
	assert.Contains(t, names, "knowledged.http.request_duration_seconds")
}
