// Package server exposes the client-facing HTTP and WebSocket surface:
// the filtered flow query API, backfill trigger, store statistics, GEX
// surfaces, the live scanner, vendor proxies, Prometheus metrics, and the
// /ws live stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/config"
	"github.com/quantfeed/optionsflow/internal/gex"
	"github.com/quantfeed/optionsflow/internal/ingest"
	"github.com/quantfeed/optionsflow/internal/massive"
	"github.com/quantfeed/optionsflow/internal/metrics"
	"github.com/quantfeed/optionsflow/internal/query"
	"github.com/quantfeed/optionsflow/internal/scanner"
	"github.com/quantfeed/optionsflow/internal/store"
	"github.com/quantfeed/optionsflow/internal/stream"
)

const shutdownGrace = 10 * time.Second

// Server wires the service components behind a chi router.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	logger     *logrus.Logger
	cfg        *config.Config

	store      *store.Store
	queries    *query.Engine
	backfiller *ingest.Backfiller
	status     *ingest.StatusCache
	gex        *gex.Engine
	scanner    *scanner.Scanner
	vendor     *massive.Client
	hub        *stream.Hub
	metrics    *metrics.Metrics
}

// Deps bundles the service components the server fronts.
type Deps struct {
	Store      *store.Store
	Queries    *query.Engine
	Backfiller *ingest.Backfiller
	Status     *ingest.StatusCache
	GEX        *gex.Engine
	Scanner    *scanner.Scanner
	Vendor     *massive.Client
	Hub        *stream.Hub
	Metrics    *metrics.Metrics
}

// New builds the server and its routes.
func New(cfg *config.Config, deps Deps, logger *logrus.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger,
		cfg:        cfg,
		store:      deps.Store,
		queries:    deps.Queries,
		backfiller: deps.Backfiller,
		status:     deps.Status,
		gex:        deps.GEX,
		scanner:    deps.Scanner,
		vendor:     deps.Vendor,
		hub:        deps.Hub,
		metrics:    deps.Metrics,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(corsMiddleware(s.cfg.AllowedOrigins()))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/options-flow", s.handleOptionsFlow)
		r.Post("/options-flow/refresh", s.handleRefresh)
		r.Get("/options-flow/stats", s.handleStats)

		r.Get("/gex/{ticker}", s.handleGEX)
		r.Get("/gex/{ticker}/heatmap", s.handleGEXHeatmap)

		r.Get("/live-scanner", s.handleScanner)
		r.Get("/options-chain/{ticker}", s.handleOptionsChain)

		r.Get("/bars/{ticker}", s.handleBars)
		r.Get("/quote/{ticker}", s.handleQuote)
		r.Get("/trades/{ticker}", s.handleTrades)
		r.Get("/indicators/{type}/{ticker}", s.handleIndicators)
		r.Get("/market-status", s.handleMarketStatus)
	})

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		s.router.Handle("/ws", s.hub)
	}
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled, then drains with a grace
// period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.cfg.Server.Port).Info("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// requestLogger emits one structured line per request at Debug. The /ws
// endpoint is skipped so long-lived socket upgrades do not log on close.
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start).String(),
			}).Debug("http request")
		})
	}
}

// corsMiddleware answers preflights and stamps allowed origins. An empty
// allow-list admits any origin.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		allowedSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (len(allowedSet) == 0 || allowedSet[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
