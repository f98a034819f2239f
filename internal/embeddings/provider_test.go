package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ProviderConfig
		wantName string
		wantErr  error
	}{
		{
			name:     "tei provider with valid config",
			cfg:      ProviderConfig{Provider: "tei", BaseURL: "http://localhost:8080", Model: "BAAI/bge-small-en-v1.5"},
			wantName: "tei",
		},
		{
			name:     "empty provider defaults to tei",
			cfg:      ProviderConfig{BaseURL: "http://localhost:8080"},
			wantName: "tei",
		},
		{
			name:    "tei provider without base URL",
			cfg:     ProviderConfig{Provider: "tei", Model: "BAAI/bge-small-en-v1.5"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:     "openai provider",
			cfg:      ProviderConfig{Provider: "openai", APIKey: "sk-test"},
			wantName: "openai",
		},
		{
			name:    "openai without key or url",
			cfg:     ProviderConfig{Provider: "openai"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "unknown provider",
			cfg:     ProviderConfig{Provider: "unknown"},
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.cfg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, provider)
				return
			}
			require.NoError(t, err)
			defer provider.Close()
			assert.Equal(t, tt.wantName, provider.Name())
		})
	}
}

func TestDetectDimensionFromModel(t *testing.T) {
	tests := []struct {
		model   string
		wantDim int
	}{
		{"BAAI/bge-small-en-v1.5", 384},
		{"BAAI/bge-base-en-v1.5", 768},
		{"sentence-transformers/all-MiniLM-L6-v2", 384},
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"intfloat/e5-large-v2", 1024},
		{"unknown-model", 384},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.wantDim, detectDimensionFromModel(tt.model))
		})
	}
}
