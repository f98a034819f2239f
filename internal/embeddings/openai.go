package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const openaiName = "openai"

// OpenAIConfig configures an OpenAI-compatible embeddings client.
type OpenAIConfig struct {
	// BaseURL overrides the API base, e.g. a local OpenAI-compatible server.
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// OpenAI embeds through the OpenAI embeddings endpoint.
type OpenAI struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dimension int
	metrics   *Metrics
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: api key or base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = openai.AdaEmbeddingV2.String()
	}
	model, err := embeddingModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAI{
		client:    openai.NewClientWithConfig(oc),
		model:     model,
		dimension: detectDimensionFromModel(cfg.Model),
		metrics:   defaultMetrics(),
	}, nil
}

func (o *OpenAI) Name() string   { return openaiName }
func (o *OpenAI) Dimension() int { return o.dimension }
func (o *OpenAI) Close() error   { return nil }

// Embed generates embeddings for multiple texts.
func (o *OpenAI) Embed(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		o.metrics.RecordGeneration(ctx, o.model.String(), "embed_documents", time.Since(start), len(texts), err)
	}()
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: o.model,
	})
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, &GatewayError{Kind: KindServer, Provider: openaiName,
			Err: fmt.Errorf("%w: %d vectors for %d inputs", ErrBadResponse, len(resp.Data), len(texts))}
	}
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	vectors = make([][]float32, len(data))
	for i, d := range data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (o *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := o.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embeddingModel resolves a model name to the client's enum. Names the
// client does not know decode to Unknown, which the API would reject.
func embeddingModel(name string) (openai.EmbeddingModel, error) {
	var m openai.EmbeddingModel
	if err := m.UnmarshalText([]byte(name)); err != nil {
		return openai.Unknown, fmt.Errorf("%w: embedding model %q: %v", ErrInvalidConfig, name, err)
	}
	if m == openai.Unknown {
		return openai.Unknown, fmt.Errorf("%w: unsupported embedding model %q", ErrInvalidConfig, name)
	}
	return m, nil
}

// openAIError maps go-openai errors onto GatewayError kinds.
func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(openaiName, apiErr.HTTPStatusCode, nil, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return statusError(openaiName, reqErr.HTTPStatusCode, nil, msg)
	}
	return transportError(openaiName, err)
}
