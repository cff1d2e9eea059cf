// Package api serves the WebSocket endpoint plus a small HTTP
// introspection surface (status, health, fan-out counters).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/tradeflow-ai/tradeflow/internal/api/websocket"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/config"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/infra"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/logger"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
)

type Server struct {
	cfg        *config.Config
	inf        *infra.Infrastructure
	hub        *websocket.Hub
	router     *chi.Mux
	httpServer *http.Server
	log        zerolog.Logger
	started    time.Time
}

func NewServer(cfg *config.Config, inf *infra.Infrastructure) *Server {
	s := &Server{
		cfg: cfg,
		inf: inf,
		hub: websocket.NewHub(cfg.WebSocket),
		log: logger.WithComponent("api"),
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(metrics.Middleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.WebSocket.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	})
	router.Use(corsHandler.Handler)

	router.Get("/status", s.handleStatus)
	router.Get("/health", s.handleHealth)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws", s.hub.HandleConnection)

	s.router = router
	s.httpServer = &http.Server{
		Addr:         cfg.WebSocket.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	return s
}

// Start attaches the fan-out hub to the event bus and begins serving.
// Listener errors after startup are reported on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	if err := s.hub.Start(s.inf.Bus); err != nil {
		return nil, err
	}
	s.started = time.Now()

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	return errc, nil
}

// Shutdown stops accepting connections, drains in-flight requests, and
// closes every WebSocket session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	s.log.Info().Msg("HTTP server stopped")
	return err
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"server":    "tradeflow",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.inf.Health(r.Context())
	stats := s.hub.Stats()

	status := "healthy"
	code := http.StatusOK
	if !health.Healthy() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"websocket": map[string]any{
			"connected_clients": stats.ConnectedClients,
			"total_connections": stats.TotalConnections,
		},
		"infrastructure": health,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
