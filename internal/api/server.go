// Package api wires the perimetra REST server: routing, middleware,
// authentication, and lifecycle.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perimetra/perimetra/internal/api/handlers"
	"github.com/perimetra/perimetra/internal/api/middleware"
	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/engine"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second

	// APIKeyHeader authenticates API clients.
	APIKeyHeader = "X-API-Key"
)

// Server is the perimetra HTTP API server.
type Server struct {
	cfg     config.APIConfig
	router  *mux.Router
	server  *http.Server
	db      *db.DB
	engine  *engine.Engine
	logger  *logging.Logger
	version string
}

// NewServer assembles the API server with all routes and middleware.
func NewServer(cfg config.APIConfig, database *db.DB, eng *engine.Engine, version string) *Server {
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		db:      database,
		engine:  eng,
		logger:  logging.Default().WithComponent("api"),
		version: version,
	}
	s.registerRoutes()

	var handler http.Handler = s.router
	if cfg.EnableCORS {
		handler = gorillahandlers.CORS(
			gorillahandlers.AllowedOrigins(cfg.AllowedOrigins),
			gorillahandlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
			gorillahandlers.AllowedHeaders([]string{"Content-Type", APIKeyHeader}),
		)(handler)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(mux.MiddlewareFunc(middleware.RequestID))
	s.router.Use(mux.MiddlewareFunc(middleware.Recovery(s.logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.Logging(s.logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.Metrics))

	health := handlers.NewHealthHandler(s.db, s.version)
	s.router.HandleFunc("/healthz", health.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/livez", health.Liveness).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(
		metrics.GetGlobalMetrics().GetRegistry(),
		promhttp.HandlerOpts{},
	)).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(mux.MiddlewareFunc(s.authenticate))
	if s.cfg.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(s.cfg.RateLimit, time.Minute)
		api.Use(mux.MiddlewareFunc(limiter.Middleware))
	}

	api.HandleFunc("/status", health.Status).Methods(http.MethodGet)

	scanHandler := handlers.NewScanHandler(s.engine, s.db)
	api.HandleFunc("/scans", scanHandler.SubmitScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", scanHandler.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scanHandler.GetScan).Methods(http.MethodGet)

	assetHandler := handlers.NewAssetHandler(s.db)
	api.HandleFunc("/assets", assetHandler.ListAssets).Methods(http.MethodGet)
	api.HandleFunc("/assets/{id}", assetHandler.GetAsset).Methods(http.MethodGet)
	api.HandleFunc("/assets/{id}", assetHandler.DeleteAsset).Methods(http.MethodDelete)
	api.HandleFunc("/vulnerabilities", assetHandler.ListVulnerabilities).Methods(http.MethodGet)
}

// authenticate resolves the X-API-Key header to a user and stores it on
// the request context. Requests without a valid key never reach handlers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing API key","code":"UNAUTHORIZED"}`))
			return
		}
		user, err := s.db.AuthenticateAPIKey(r.Context(), key)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid API key","code":"UNAUTHORIZED"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(handlers.WithUser(r.Context(), user)))
	})
}

// Start runs the server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Router exposes the router for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
