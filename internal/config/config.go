// Package config provides configuration loading for knowledged.
//
// Configuration is an explicit value: it is loaded once at startup and passed
// into constructors. Nothing in this module reads configuration from a
// process-wide singleton.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete knowledged configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Data          DataConfig          `koanf:"data"`
	Lock          LockConfig          `koanf:"lock"`
	Chunking      ChunkingConfig      `koanf:"chunking"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Index         IndexConfig         `koanf:"index"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Workers       WorkersConfig       `koanf:"workers"`
	Backup        BackupConfig        `koanf:"backup"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained retrieve requests per second per client (0 disables).
	RateLimit float64 `koanf:"rate_limit"`
}

// DataConfig locates the durable files.
type DataConfig struct {
	Dir string `koanf:"dir"`
	// Watch enables detection of record files modified by other processes.
	Watch bool `koanf:"watch"`
}

// LockConfig configures the cross-process file guard.
type LockConfig struct {
	Timeout      Duration `koanf:"timeout"`
	TTL          Duration `koanf:"ttl"`
	PollInterval Duration `koanf:"poll_interval"`
}

// ChunkingConfig controls derived text chunks.
type ChunkingConfig struct {
	Size       int `koanf:"size"`
	Overlap    int `koanf:"overlap"`
	MaxPerItem int `koanf:"max_per_item"`
}

// RetrievalConfig controls query behavior.
type RetrievalConfig struct {
	TopK                int               `koanf:"top_k"`
	SimilarityThreshold float64           `koanf:"similarity_threshold"`
	VectorWeight        float64           `koanf:"vector_weight"`
	LexicalWeight       float64           `koanf:"lexical_weight"`
	ContextMaxChars     int               `koanf:"context_max_chars"`
	ContextTopN         int               `koanf:"context_top_n"`
	QueryTimeout        Duration          `koanf:"query_timeout"`
	StopPhrases         []string          `koanf:"stop_phrases"`
	Synonyms            map[string]string `koanf:"synonyms"`
}

// IndexConfig controls backend selection.
type IndexConfig struct {
	IVFThreshold   int `koanf:"ivf_threshold"`
	HNSWThreshold  int `koanf:"hnsw_threshold"`
	IVFMinTrain    int `koanf:"ivf_min_train"`
	HNSWM          int `koanf:"hnsw_m"`
	EfConstruction int `koanf:"hnsw_ef_construction"`
	EfSearch       int `koanf:"hnsw_ef_search"`
	// DisableAccel forces LinearFallback for every build.
	DisableAccel bool `koanf:"disable_accel"`
}

// EmbeddingsConfig configures the embedding gateway client.
type EmbeddingsConfig struct {
	Provider    string   `koanf:"provider"` // tei, openai, fastembed, none
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	CacheDir    string   `koanf:"cache_dir"`
	Timeout     Duration `koanf:"timeout"`
	BatchSize   int      `koanf:"batch_size"`
	MaxRetries  int      `koanf:"max_retries"`
	RateLimit   float64  `koanf:"rate_limit"`
	RateBurst   int      `koanf:"rate_burst"`
	CacheSize   int      `koanf:"cache_size"`
	BreakerTrip int      `koanf:"breaker_trip"`
	BreakerWait Duration `koanf:"breaker_wait"`
}

// WorkersConfig sizes the background pool.
type WorkersConfig struct {
	Count     int `koanf:"count"`
	QueueSize int `koanf:"queue_size"`
}

// BackupConfig controls record file snapshots.
type BackupConfig struct {
	Dir       string `koanf:"dir"`
	Retention int    `koanf:"retention"`
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey Secret `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	Insecure        bool   `koanf:"insecure"`
}

// ProviderNone disables the embedding gateway; retrieval is lexical only.
const ProviderNone = "none"

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       20,
		},
		Data: DataConfig{
			Dir:   "~/.local/share/knowledged",
			Watch: true,
		},
		Lock: LockConfig{
			Timeout:      Duration(10 * time.Second),
			TTL:          Duration(30 * time.Second),
			PollInterval: Duration(100 * time.Millisecond),
		},
		Chunking: ChunkingConfig{
			Size:       500,
			Overlap:    50,
			MaxPerItem: 6,
		},
		Retrieval: RetrievalConfig{
			TopK:                5,
			SimilarityThreshold: 0.4,
			VectorWeight:        0.7,
			LexicalWeight:       0.3,
			ContextMaxChars:     4000,
			ContextTopN:         3,
			QueryTimeout:        Duration(5 * time.Second),
			StopPhrases: []string{
				"could you tell me", "i want to know", "can you", "please", "hello", "thanks",
			},
			Synonyms: map[string]string{
				"how much":   "price",
				"cost":       "price",
				"return":     "refund",
				"money back": "refund",
				"shipping":   "delivery",
				"in stock":   "stock",
			},
		},
		Index: IndexConfig{
			IVFThreshold:   1000,
			HNSWThreshold:  50000,
			IVFMinTrain:    39,
			HNSWM:          32,
			EfConstruction: 200,
			EfSearch:       64,
		},
		Embeddings: EmbeddingsConfig{
			Provider:    "tei",
			BaseURL:     "http://localhost:8080",
			Model:       "BAAI/bge-small-en-v1.5",
			Timeout:     Duration(30 * time.Second),
			BatchSize:   32,
			MaxRetries:  3,
			RateLimit:   10,
			RateBurst:   20,
			CacheSize:   512,
			BreakerTrip: 5,
			BreakerWait: Duration(30 * time.Second),
		},
		Workers: WorkersConfig{
			Count:     2,
			QueueSize: 64,
		},
		Backup: BackupConfig{
			Retention: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			ServiceName: "knowledged",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Data.Dir == "" {
		return errors.New("data dir is required")
	}
	if c.Lock.Timeout.Duration() <= 0 || c.Lock.TTL.Duration() <= 0 || c.Lock.PollInterval.Duration() <= 0 {
		return errors.New("lock timeout, ttl and poll_interval must be positive")
	}
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking overlap must be in [0, size), got %d", c.Chunking.Overlap)
	}
	if c.Chunking.MaxPerItem < 1 {
		return errors.New("chunking max_per_item must be at least 1")
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval top_k must be at least 1, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0, 1], got %f", c.Retrieval.SimilarityThreshold)
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.LexicalWeight < 0 ||
		c.Retrieval.VectorWeight+c.Retrieval.LexicalWeight == 0 {
		return errors.New("retrieval weights must be non-negative and not both zero")
	}
	if c.Index.IVFThreshold <= 0 || c.Index.HNSWThreshold <= c.Index.IVFThreshold {
		return fmt.Errorf("index thresholds must satisfy 0 < ivf_threshold (%d) < hnsw_threshold (%d)",
			c.Index.IVFThreshold, c.Index.HNSWThreshold)
	}
	if c.Index.HNSWM < 2 || c.Index.EfConstruction < 1 || c.Index.EfSearch < 1 {
		return errors.New("hnsw parameters must be positive (m >= 2)")
	}
	switch c.Embeddings.Provider {
	case "tei", "openai", "fastembed", ProviderNone:
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize < 1 {
		return errors.New("embeddings batch_size must be at least 1")
	}
	if c.Workers.Count < 1 || c.Workers.QueueSize < 1 {
		return errors.New("workers count and queue_size must be at least 1")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}
