package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const teiName = "tei"

// TEIConfig configures a Text Embeddings Inference client.
type TEIConfig struct {
	// BaseURL is the base URL for the embedding API
	BaseURL string

	// Model is the embedding model served at BaseURL
	Model string

	// APIKey is sent as a bearer token when set
	APIKey string

	// Timeout bounds one HTTP request. Defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// TEI is a Text Embeddings Inference client.
type TEI struct {
	config    TEIConfig
	client    *http.Client
	dimension int
	metrics   *Metrics
}

// NewTEI creates a TEI client.
func NewTEI(config TEIConfig) (*TEI, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &TEI{
		config:    config,
		client:    client,
		dimension: detectDimensionFromModel(config.Model),
		metrics:   defaultMetrics(),
	}, nil
}

// teiRequest is the request body for TEI embed endpoint.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

func (t *TEI) Name() string   { return teiName }
func (t *TEI) Dimension() int { return t.dimension }

// Close is a no-op for TEI since it uses HTTP.
func (t *TEI) Close() error { return nil }

// Embed generates embeddings for multiple texts.
func (t *TEI) Embed(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		t.metrics.RecordGeneration(ctx, t.config.Model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	return t.post(ctx, texts)
}

// EmbedQuery generates an embedding for a single query.
func (t *TEI) EmbedQuery(ctx context.Context, text string) (vec []float32, err error) {
	start := time.Now()
	defer func() {
		t.metrics.RecordGeneration(ctx, t.config.Model, "embed_query", time.Since(start), 1, err)
	}()

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := t.post(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (t *TEI) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, transportError(teiName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(teiName, resp.StatusCode, resp.Header, strings.TrimSpace(string(respBody)))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, &GatewayError{Kind: KindServer, Provider: teiName, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: decoding response: %v", ErrBadResponse, err)}
	}
	if len(vectors) != len(texts) {
		return nil, &GatewayError{Kind: KindServer, Provider: teiName, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: %d vectors for %d inputs", ErrBadResponse, len(vectors), len(texts))}
	}
	return vectors, nil
}
