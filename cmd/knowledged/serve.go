package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/httpapi"
	"github.com/fyrsmithlabs/knowledged/internal/watch"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the knowledged HTTP API until interrupted.

Index work runs on a background worker pool. When data.watch is enabled the
record files are watched, and edits made by other processes (including the
other knowledged commands) bring the index up to date.

Examples:
  # Serve with the default config
  knowledged serve

  # Serve a different data directory at debug level
  knowledged serve --data-dir ./data --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{background: true})
	if err != nil {
		return err
	}
	// Shutdown must outlive the cancelled signal context.
	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	}
	defer func() {
		sctx, cancel := shutdownCtx()
		defer cancel()
		a.Close(sctx)
	}()
	logger := a.logger

	backups, err := a.newBackups(ctx)
	if err != nil {
		return err
	}
	defer backups.Close()

	if cfg.Data.Watch {
		knowledge, products := a.store.Paths()
		w, err := watch.New(watch.Config{
			Dir:      cfg.Data.Dir,
			Files:    []string{filepath.Base(knowledge), filepath.Base(products)},
			OnChange: a.engine.ExternalChange,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to watch data dir: %w", err)
		}
		w.Start(ctx)
		defer func() {
			if err := w.Stop(); err != nil {
				logger.Warn("stopping file watcher", zap.Error(err))
			}
		}()
	}

	server, err := httpapi.NewServer(a.engine, a.store, logger, &httpapi.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		Backups:   backups,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	logger.Info("knowledged starting",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.String("data_dir", cfg.Data.Dir),
		zap.String("embeddings", cfg.Embeddings.Provider))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := shutdownCtx()
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	return nil
}
