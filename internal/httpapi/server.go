// Package httpapi exposes the knowledge engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/knowledged/internal/backup"
	"github.com/fyrsmithlabs/knowledged/internal/engine"
	"github.com/fyrsmithlabs/knowledged/internal/indexmap"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
)

// Service is the engine surface the API serves. *engine.Engine implements it.
type Service interface {
	UpsertKnowledgeRecord(ctx context.Context, r records.KnowledgeRecord) (records.KnowledgeRecord, error)
	UpsertProductRecord(ctx context.Context, p records.ProductRecord) (records.ProductRecord, records.KnowledgeRecord, error)
	DeleteRecord(ctx context.Context, id string) (records.Collection, error)
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
	RebuildIndex(ctx context.Context) (indexmap.Descriptor, error)
	IndexStatus(ctx context.Context) engine.Status
}

// Records is the read side of the record store. *records.Store implements it.
type Records interface {
	Knowledge(ctx context.Context) (records.Snapshot, error)
	GetKnowledge(ctx context.Context, id string) (records.KnowledgeRecord, error)
	ListProducts(ctx context.Context) ([]records.ProductRecord, error)
	GetProduct(ctx context.Context, id string) (records.ProductRecord, error)
	Categories(ctx context.Context) ([]string, error)
	CheckDuplicate(ctx context.Context, question string, threshold float64) (*records.Duplicate, error)
}

// Backups creates and lists snapshots. *backup.Manager implements it.
type Backups interface {
	Create(ctx context.Context) (backup.Manifest, error)
	List(ctx context.Context) ([]backup.Manifest, error)
}

// Server provides HTTP endpoints for knowledged.
type Server struct {
	echo    *echo.Echo
	service Service
	records Records
	backups Backups
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is the sustained requests per second allowed per client
	// address. Zero disables limiting.
	RateLimit float64
	RateBurst int

	// BodyLimit caps request bodies, in echo notation ("1M").
	BodyLimit string

	// Backups enables the /api/v1/backups routes when set.
	Backups Backups

	// Version is reported by /health.
	Version string

	// Tracer and Meter default to the global providers.
	Tracer trace.Tracer
	Meter  metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(service Service, store Records, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newInstruments(cfg.Tracer, cfg.Meter, logger).middleware())
	e.Use(requestLogger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimit),
				Burst:     burst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}

	s := &Server{
		echo:    e,
		service: service,
		records: store,
		backups: cfg.Backups,
		logger:  logger,
		config:  cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// requestLogger logs every request and carries the request id in the
// request context so downstream logs can pick it up.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			ctx := logging.WithLogger(logging.WithRequestID(req.Context(), reqID), logger)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				// Let echo write the error so the logged status is final.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
			return nil
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.GET("/knowledge", s.handleListKnowledge)
	v1.GET("/knowledge/:id", s.handleGetKnowledge)
	v1.POST("/knowledge", s.handleUpsertKnowledge)
	v1.PUT("/knowledge/:id", s.handleUpsertKnowledge)
	v1.POST("/knowledge/duplicates", s.handleCheckDuplicate)

	v1.GET("/products", s.handleListProducts)
	v1.GET("/products/:id", s.handleGetProduct)
	v1.POST("/products", s.handleUpsertProduct)
	v1.PUT("/products/:id", s.handleUpsertProduct)

	v1.DELETE("/records/:id", s.handleDeleteRecord)
	v1.GET("/categories", s.handleCategories)

	v1.POST("/retrieve", s.handleRetrieve)

	v1.POST("/index/rebuild", s.handleRebuild)
	v1.GET("/index/status", s.handleIndexStatus)

	if s.backups != nil {
		v1.GET("/backups", s.handleListBackups)
		v1.POST("/backups", s.handleCreateBackup)
	}
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// apiError maps engine and store errors onto HTTP errors.
func (s *Server) apiError(c echo.Context, op string, err error) error {
	var se *records.StorageError
	switch {
	case errors.Is(err, records.ErrInvalidRecord), errors.Is(err, retrieval.ErrEmptyQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, records.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, records.ErrSynthesizedRecord):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNoGateway):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &se) && se.Retryable():
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store busy, retry")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	}
	logging.FromContext(c.Request().Context()).Error(op+" failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
