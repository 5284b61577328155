package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hle-world/hle-addon/internal/controller"
	"github.com/hle-world/hle-addon/internal/domain"
)

const defaultLogLines = 100

type tunnelResponse struct {
	ID            string    `json:"id"`
	ServiceURL    string    `json:"service_url"`
	Label         string    `json:"label"`
	Name          string    `json:"name,omitempty"`
	AuthMode      string    `json:"auth_mode"`
	SkipTLSVerify bool      `json:"skip_tls_verify"`
	Websockets    bool      `json:"websockets"`
	HasAPIKey     bool      `json:"has_api_key"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	PublicURL     string    `json:"public_url"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toTunnelResponse(st domain.TunnelStatus) tunnelResponse {
	return tunnelResponse{
		ID:            st.ID,
		ServiceURL:    st.ServiceURL,
		Label:         st.Label,
		Name:          st.Name,
		AuthMode:      st.AuthMode,
		SkipTLSVerify: st.SkipTLSVerify,
		Websockets:    st.Websockets,
		HasAPIKey:     st.APIKey != "",
		State:         string(st.State),
		Reason:        st.Reason,
		PublicURL:     st.PublicURL,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.ctrl.StatusAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]tunnelResponse, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toTunnelResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

type createTunnelRequest struct {
	ServiceURL    string `json:"service_url"`
	Label         string `json:"label"`
	Name          string `json:"name"`
	AuthMode      string `json:"auth_mode"`
	SkipTLSVerify bool   `json:"skip_tls_verify"`
	Websockets    bool   `json:"websockets"`
	APIKey        string `json:"api_key"`
	UpstreamUser  string `json:"upstream_user"`
	UpstreamPass  string `json:"upstream_pass"`
}

func (s *Server) handleCreateTunnel(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cfg, err := s.ctrl.Create(r.Context(), controller.CreateRequest{
		ServiceURL:    req.ServiceURL,
		Label:         req.Label,
		Name:          req.Name,
		AuthMode:      req.AuthMode,
		SkipTLSVerify: req.SkipTLSVerify,
		Websockets:    req.Websockets,
		APIKey:        req.APIKey,
		UpstreamUser:  req.UpstreamUser,
		UpstreamPass:  req.UpstreamPass,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.ctrl.Status(r.Context(), cfg.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTunnelResponse(status))
}

func (s *Server) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.ctrl.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTunnelResponse(status))
}

type updateTunnelRequest struct {
	ServiceURL    *string `json:"service_url"`
	Label         *string `json:"label"`
	Name          *string `json:"name"`
	AuthMode      *string `json:"auth_mode"`
	SkipTLSVerify *bool   `json:"skip_tls_verify"`
	Websockets    *bool   `json:"websockets"`
	APIKey        *string `json:"api_key"`
	UpstreamUser  *string `json:"upstream_user"`
	UpstreamPass  *string `json:"upstream_pass"`
}

func (s *Server) handleUpdateTunnel(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req updateTunnelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.ctrl.Update(r.Context(), id, domain.TunnelUpdate{
		ServiceURL:    req.ServiceURL,
		Label:         req.Label,
		Name:          req.Name,
		AuthMode:      req.AuthMode,
		SkipTLSVerify: req.SkipTLSVerify,
		Websockets:    req.Websockets,
		APIKey:        req.APIKey,
		UpstreamUser:  req.UpstreamUser,
		UpstreamPass:  req.UpstreamPass,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.ctrl.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTunnelResponse(status))
}

func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ctrl.Remove(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartTunnel(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ctrl.Start(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopTunnel(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ctrl.Stop(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTunnelLogs(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, domain.Validationf("lines", "must be a positive integer"))
			return
		}
		lines = n
	}
	out, err := s.ctrl.Logs(r.Context(), id, lines)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if out == nil {
		out = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": out})
}

// handleTunnelLogStream upgrades to a websocket and forwards the process
// log stream line by line until the client disconnects.
func (s *Server) handleTunnelLogStream(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		if err := s.ctrl.StreamLogs(ctx, id, lines); err != nil {
			s.log.Warn("log stream ended", "tunnel", id, "error", err)
		}
	}()

	// Reader goroutine notices client disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for line := range lines {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			cancel()
			break
		}
	}
}
