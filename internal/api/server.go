package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/VedantPanchal23/Studio-sub001/internal/config"
	"github.com/VedantPanchal23/Studio-sub001/internal/monitor"
	"github.com/VedantPanchal23/Studio-sub001/internal/storage"
)

// RuntimeHealth reports whether the container runtime is reachable.
type RuntimeHealth interface {
	Healthy(ctx context.Context) bool
}

// Server is the main HTTP server for the environment API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, eng Engine, cleaner CleanupReporter, runtime RuntimeHealth, db *storage.DB, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(eng, cleaner, db, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured — all requests will be accepted")
	}

	// Environment API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /environments", handlers.HandleCreateEnvironment)
	apiMux.HandleFunc("GET /environments", handlers.HandleListEnvironments)
	apiMux.HandleFunc("GET /environments/{id}", handlers.HandleGetEnvironment)
	apiMux.HandleFunc("DELETE /environments/{id}", handlers.HandleStopEnvironment)
	apiMux.HandleFunc("POST /environments/{id}/execute", handlers.HandleExecute)
	apiMux.HandleFunc("GET /environments/{id}/security", handlers.HandleSecurityReport)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("DELETE /executions/{id}", handlers.HandleStopExecution)
	apiMux.HandleFunc("GET /cleanup/stats", handlers.HandleCleanupStats)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(runtime, db))
	if metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	if metrics != nil {
		handler = MetricsMiddleware(metrics)(handler)
	}
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(runtime RuntimeHealth, db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())
		runtimeOK := runtime == nil || runtime.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Runtime:  runtimeOK,
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK || !runtimeOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
