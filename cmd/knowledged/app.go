package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/knowledged/internal/backup"
	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/engine"
	"github.com/fyrsmithlabs/knowledged/internal/filelock"
	"github.com/fyrsmithlabs/knowledged/internal/indexmap"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/fyrsmithlabs/knowledged/internal/telemetry"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
	"github.com/fyrsmithlabs/knowledged/internal/workers"
)

// appOptions selects the optional parts of an app.
type appOptions struct {
	// background runs index work on a worker pool instead of inline.
	background bool
}

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Telemetry
	guard     *filelock.Guard
	store     *records.Store
	provider  embeddings.Provider
	pool      *workers.Pool
	engine    *engine.Engine
}

// newApp wires configuration into a ready engine. An embedding provider that
// cannot be created is logged and the engine serves lexical retrieval only.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel

	logger, err := newLogger(cfg.Logging, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	a.logger = logger

	a.guard = filelock.New(filelock.Config{
		Timeout:      cfg.Lock.Timeout.Duration(),
		TTL:          cfg.Lock.TTL.Duration(),
		PollInterval: cfg.Lock.PollInterval.Duration(),
		Logger:       logger,
	})

	store, err := records.Open(records.Config{
		Dir:     cfg.Data.Dir,
		Guard:   a.guard,
		Chunker: records.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap, cfg.Chunking.MaxPerItem),
		Logger:  logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	a.store = store

	ecfg := engine.Config{
		Store:   store,
		Guard:   a.guard,
		DataDir: cfg.Data.Dir,
		Selector: vectorindex.Selector{
			IVFThreshold:  cfg.Index.IVFThreshold,
			HNSWThreshold: cfg.Index.HNSWThreshold,
			Params:        indexParams(cfg.Index),
			Probe:         vectorindex.NewProbe(cfg.Index.DisableAccel, logger),
		},
		Retrieval: retrievalSettings(cfg.Retrieval),
		Logger:    logger,
	}

	gw, err := a.newGateway()
	if err != nil {
		logger.Warn("embedding gateway unavailable, serving lexical retrieval only",
			zap.String("provider", cfg.Embeddings.Provider), zap.Error(err))
	} else if gw != nil {
		ecfg.Gateway = gw
		ecfg.Dimension = a.provider.Dimension()
	}

	if opts.background {
		a.pool = workers.New(workers.Config{
			Workers:   cfg.Workers.Count,
			QueueSize: cfg.Workers.QueueSize,
			Logger:    logger,
		})
		a.pool.Start(ctx)
		ecfg.Pool = a.pool
	}

	eng, err := engine.New(ecfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.engine = eng

	if err := eng.Open(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// newGateway returns nil without error when embeddings are disabled.
func (a *app) newGateway() (*embeddings.Resilient, error) {
	ec := a.cfg.Embeddings
	if ec.Provider == config.ProviderNone {
		return nil, nil
	}
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: ec.Provider,
		Model:    ec.Model,
		BaseURL:  ec.BaseURL,
		APIKey:   ec.APIKey.Value(),
		CacheDir: config.ExpandHome(ec.CacheDir),
		Timeout:  ec.Timeout.Duration(),
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	gw, err := embeddings.NewResilient(provider, provider.Name(), embeddings.ResilientConfig{
		BatchSize:   ec.BatchSize,
		MaxRetries:  ec.MaxRetries,
		RateLimit:   ec.RateLimit,
		RateBurst:   ec.RateBurst,
		BreakerTrip: ec.BreakerTrip,
		BreakerWait: ec.BreakerWait.Duration(),
		CacheSize:   ec.CacheSize,
		Timeout:     ec.Timeout.Duration(),
		Logger:      a.logger,
	})
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	a.provider = provider
	return gw, nil
}

// newBackups builds the snapshot manager: a local sink always, plus an
// object store sink when an endpoint is configured.
func (a *app) newBackups(ctx context.Context) (*backup.Manager, error) {
	bc := a.cfg.Backup
	sinks := []backup.Sink{backup.NewLocalSink(bc.Dir)}
	if bc.Endpoint != "" {
		remote, err := backup.NewMinioSink(ctx, backup.MinioConfig{
			Endpoint:  bc.Endpoint,
			AccessKey: bc.AccessKey,
			SecretKey: bc.SecretKey.Value(),
			Bucket:    bc.Bucket,
			Prefix:    "knowledged",
			UseSSL:    bc.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create object store sink: %w", err)
		}
		sinks = append(sinks, remote)
	}

	knowledge, products := a.store.Paths()
	indexDir := filepath.Join(a.cfg.Data.Dir, engine.IndexDir)
	blob := filepath.Join(indexDir, indexmap.BlobFile)
	return backup.New(backup.Config{
		DataDir: a.cfg.Data.Dir,
		Sources: []backup.Source{
			{Path: knowledge},
			{Path: products},
			{Path: blob, Lock: blob},
			{Path: filepath.Join(indexDir, indexmap.MappingFile), Lock: blob},
		},
		Guard:  a.guard,
		Sinks:  sinks,
		Retain: bc.Retention,
		Logger: a.logger,
	})
}

// Close waits for queued index work, then releases everything newApp
// acquired. It is safe on a partially built app.
func (a *app) Close(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Flush(ctx); err != nil && a.logger != nil {
			a.logger.Warn("index work did not finish before shutdown", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Stop(ctx); err != nil && a.logger != nil {
			a.logger.Warn("worker pool stop", zap.Error(err))
		}
	}
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if a.logger != nil {
		_ = logging.Sync(a.logger)
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
}

// newLogger builds the zap logger from the logging section. Console output
// goes to stderr so command results on stdout stay machine readable.
func newLogger(lc config.LoggingConfig, tel *telemetry.Telemetry) (*zap.Logger, error) {
	cfg, err := logging.FromConfig(lc)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	cfg.Writer = zapcore.Lock(os.Stderr)
	lp := tel.LoggerProvider()
	cfg.OTel = lp != nil

	l, err := logging.New(cfg, lp)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l, nil
}

func indexParams(ic config.IndexConfig) vectorindex.Params {
	p := vectorindex.DefaultParams()
	p.IVFMinTrain = ic.IVFMinTrain
	p.HNSWM = ic.HNSWM
	p.EfConstruction = ic.EfConstruction
	p.EfSearch = ic.EfSearch
	return p
}

func retrievalSettings(rc config.RetrievalConfig) retrieval.Settings {
	s := retrieval.DefaultSettings()
	s.TopK = rc.TopK
	s.Threshold = rc.SimilarityThreshold
	s.VectorWeight = rc.VectorWeight
	s.LexicalWeight = rc.LexicalWeight
	s.ContextMaxChars = rc.ContextMaxChars
	s.ContextTopN = rc.ContextTopN
	s.QueryTimeout = rc.QueryTimeout.Duration()
	s.StopPhrases = rc.StopPhrases
	s.Synonyms = rc.Synonyms
	return s
}

// withApp loads configuration, runs fn against a foreground app and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}
