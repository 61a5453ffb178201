package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-actuarial/heron/internal/calibration"
	"github.com/opensource-actuarial/heron/internal/compliance"
	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/opensource-actuarial/heron/internal/knowledge"
	"github.com/opensource-actuarial/heron/internal/pipeline"
	"github.com/opensource-actuarial/heron/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, schema domain.FeatureSchema, registry *rules.Registry, cal *calibration.Store, kn *knowledge.Store, guard *compliance.Guard, processor *pipeline.Processor, version string) *Server {
	handler := NewHandler(repo, cache, bus, schema, registry, cal, kn, guard, processor, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no portfolio required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (portfolio required)
	router.Route("/", func(r chi.Router) {
		r.Use(PortfolioMiddleware)

		// Explanation pipeline
		r.Post("/explain", handler.Explain)
		r.Get("/explanations/{id}", handler.GetExplanation)

		// Narrative compliance check against an existing bundle
		r.Post("/narrative/check", handler.NarrativeCheck)

		// Segment registry management
		r.Get("/segments", handler.ListSegments)
		r.Get("/segments/{id}", handler.GetSegment)
		r.Post("/segments", handler.CreateSegment)
		r.Post("/segments/reload", handler.ReloadSegments)

		// Calibration management
		r.Get("/calibration", handler.GetCalibration)
		r.Put("/calibration", handler.PutCalibration)
		r.Post("/calibration/reload", handler.ReloadCalibration)

		// Knowledge base management
		r.Get("/knowledge", handler.ListKnowledge)
		r.Post("/knowledge", handler.CreateKnowledge)
		r.Post("/knowledge/reload", handler.ReloadKnowledge)

		// Compliance rule management
		r.Get("/compliance/rules", handler.ListComplianceRules)
		r.Post("/compliance/rules", handler.CreateComplianceRule)
		r.Post("/compliance/rules/reload", handler.ReloadComplianceRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
