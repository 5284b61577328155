// Package server exposes the add-on's management HTTP API: tunnel CRUD
// and lifecycle commands, access-control mutations, and log streaming.
// This surface faces the local operator UI only; public traffic never
// reaches it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/hle-world/hle-addon/internal/config"
	"github.com/hle-world/hle-addon/internal/controller"
	"github.com/hle-world/hle-addon/internal/policy"
	"github.com/hle-world/hle-addon/internal/relay"
	"github.com/hle-world/hle-addon/internal/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	cfg    config.Config
	ctrl   *controller.Controller
	policy *policy.Engine
	relay  *relay.Client
	store  *sqlite.Store
	log    *slog.Logger
}

func New(cfg config.Config, ctrl *controller.Controller, engine *policy.Engine, relayClient *relay.Client, store *sqlite.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		policy: engine,
		relay:  relayClient,
		store:  store,
		log:    logger,
	}
}

// Run serves the management API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("management api listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/tunnels", s.handleListTunnels)
		r.Post("/tunnels", s.handleCreateTunnel)
		r.Route("/tunnels/{tunnel}", func(r chi.Router) {
			r.Get("/", s.handleGetTunnel)
			r.Patch("/", s.handleUpdateTunnel)
			r.Delete("/", s.handleDeleteTunnel)
			r.Post("/start", s.handleStartTunnel)
			r.Post("/stop", s.handleStopTunnel)
			r.Get("/logs", s.handleTunnelLogs)
			r.Get("/logs/stream", s.handleTunnelLogStream)

			r.Get("/access", s.handleListAccessRules)
			r.Post("/access", s.handleAddAccessRule)
			r.Delete("/access/{rule}", s.handleDeleteAccessRule)

			r.Get("/pin", s.handleGetPin)
			r.Put("/pin", s.handleSetPin)
			r.Delete("/pin", s.handleRemovePin)

			r.Get("/basic-auth", s.handleGetBasicAuth)
			r.Put("/basic-auth", s.handleSetBasicAuth)
			r.Delete("/basic-auth", s.handleRemoveBasicAuth)

			r.Get("/share", s.handleListShareLinks)
			r.Post("/share", s.handleCreateShareLink)
			r.Delete("/share/{link}", s.handleDeleteShareLink)

			r.Get("/conflicts", s.handleConflicts)
		})

		r.Post("/share/redeem", s.handleRedeemShareLink)

		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleUpdateConfig)

		r.Get("/relay/ping", s.handleRelayPing)
		r.Get("/relay/tunnels", s.handleRelayTunnels)
	})

	return r
}
