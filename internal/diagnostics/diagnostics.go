// Package diagnostics serves a loopback-only HTTP surface exposing
// engine health snapshots and accepting control commands, built the
// way this codebase's relay server exposes its HTTP API: chi router,
// huma for typed operations, rs/cors for the handful of cases a local
// dev tool needs cross-origin access. Disabled by default.
package diagnostics

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/orlyd/relayd/internal/chk"
	"github.com/orlyd/relayd/internal/logging"
	"github.com/orlyd/relayd/internal/relayconn"
)

// Engine is the subset of engine.Engine the diagnostics surface
// drives; kept narrow so diagnostics never needs the full engine type.
type Engine interface {
	Stats() Stats
	RefreshConnections(ctx context.Context) error
	SyncConfigurations(ctx context.Context) error
	TestConnectionHealth(ctx context.Context) error
	ForceReconnectAll(ctx context.Context) error
}

// Stats is the detailed-stats snapshot served by the diagnostics endpoint.
type Stats struct {
	Connections []relayconn.Health `json:"connections"`
	PingInterval int               `json:"ping_interval_s"`
	LedgerPath   string            `json:"ledger_path"`
	CacheSize    int               `json:"event_cache_size"`
}

// Server is the loopback diagnostics HTTP server.
type Server struct {
	httpServer *http.Server
	listenAddr string
}

// New builds the diagnostics server, registering its operations under
// /api on a chi router wrapped in huma, with CORS restricted to
// loopback origins (this endpoint is never meant to leave localhost).
func New(listenAddr string, engine Engine) *Server {
	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler)

	api := humachi.New(router, huma.DefaultConfig("relayd diagnostics", "1.0.0"))
	registerOperations(api, engine)

	return &Server{
		listenAddr: listenAddr,
		httpServer: &http.Server{Addr: listenAddr, Handler: router},
	}
}

// Start begins serving in the background; ctx cancellation triggers a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chk.T(s.httpServer.Shutdown(shutdownCtx))
	}()
	go func() {
		logging.I.F("diagnostics: listening on %s", s.listenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.E.F("diagnostics: serve failed: %v", err)
		}
	}()
}
