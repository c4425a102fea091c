// Package server exposes the cliscope HTTP API: ingestion, inference,
// reports, recommendations, experiments, and credential issuance.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/runger/cliscope/internal/config"
	"github.com/runger/cliscope/internal/experiment"
	"github.com/runger/cliscope/internal/infer"
	"github.com/runger/cliscope/internal/ingest"
	"github.com/runger/cliscope/internal/privacy"
	"github.com/runger/cliscope/internal/recommend"
	"github.com/runger/cliscope/internal/report"
	"github.com/runger/cliscope/internal/storage"
)

// Version is set at build time.
var Version = "dev"

// Request deadlines. Inference gets a longer budget because it holds a
// transaction across the whole batch.
const (
	requestTimeout  = 30 * time.Second
	inferTimeout    = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// ServerConfig contains the dependencies for a Server.
type ServerConfig struct {
	// Store is the storage backend (required).
	Store storage.Store

	// Config is the loaded server configuration (required).
	Config *config.Config

	// Logger is the structured logger (optional, uses default if nil).
	Logger *slog.Logger
}

// Server wires the services behind the HTTP API.
type Server struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger

	ingestor    *ingest.Ingestor
	engine      *infer.Engine
	reporter    *report.Reporter
	recommender *recommend.Recommender
	experiments *experiment.Service

	ingestLimiter *rate.Limiter
	httpServer    *http.Server
}

// NewServer creates a Server from its dependencies.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Config == nil {
		return nil, fmt.Errorf("server configuration is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	norm := privacy.NewNormalizer(cfg.Config.HashSalt)
	s := &Server{
		cfg:      cfg.Config,
		store:    cfg.Store,
		logger:   logger,
		ingestor: ingest.New(cfg.Store, norm, logger),
		engine: infer.New(cfg.Store, infer.Options{
			SessionTimeout:   time.Duration(cfg.Config.SessionTimeoutMinutes) * time.Minute,
			EntryCommands:    cfg.Config.EntryCommands,
			TerminalCommands: cfg.Config.TerminalCommands,
		}, logger),
		reporter:    report.New(cfg.Store),
		recommender: recommend.New(cfg.Store),
		experiments: experiment.New(cfg.Store),
	}

	if cfg.Config.IngestRPS > 0 {
		burst := cfg.Config.IngestBurst
		if burst <= 0 {
			burst = int(cfg.Config.IngestRPS)
			if burst < 1 {
				burst = 1
			}
		}
		s.ingestLimiter = rate.NewLimiter(rate.Limit(cfg.Config.IngestRPS), burst)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router builds the route tree. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	// Bootstrap and internal endpoints are not credential-gated.
	r.With(middleware.Timeout(requestTimeout)).Post("/keys", s.handleCreateKey)
	r.With(middleware.Timeout(inferTimeout)).Post("/infer", s.handleInfer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(s.requireAPIKey)

		r.With(s.ingestRateLimit).Post("/ingest", s.handleIngest)
		r.Get("/reports/summary", s.handleSummary)
		r.Get("/reports/workflows/{name}", s.handleWorkflowDetail)
		r.Get("/recommendations", s.handleRecommendations)
		r.Post("/experiments", s.handleCreateExperiment)
		r.Get("/experiments", s.handleListExperiments)
		r.Get("/experiments/{name}/variant", s.handleVariant)
		r.Get("/experiments/{name}/results", s.handleResults)
		r.Post("/experiments/{name}/stop", s.handleStopExperiment)
	})

	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.UsingInsecureSalt() {
		s.logger.Warn("using the default hash salt; set HASH_SALT in production")
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.ListenAddr, "version", Version)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// requestLogger logs one line per request with status and latency.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ingestRateLimit applies the configured ingestion rate limit.
func (s *Server) ingestRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ingestLimiter != nil && !s.ingestLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "ingestion rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
