package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hle-world/hle-addon/internal/controller"
	"github.com/hle-world/hle-addon/internal/domain"
)

type configResponse struct {
	RelayHost    string `json:"relay_host"`
	APIKeySet    bool   `json:"api_key_set"`
	APIKeyMasked string `json:"api_key_masked"`
	ClientImage  string `json:"client_image"`
}

// maskKey renders a key safe for display: first and last four characters
// for long keys, a bare "set" marker otherwise.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "set"
	}
	return fmt.Sprintf("%s...%s", key[:4], key[len(key)-4:])
}

// relayAPIKey returns the effective relay API key: the stored override
// wins over the environment-provided one.
func (s *Server) relayAPIKey(ctx context.Context) string {
	if value, ok, err := s.store.GetSetting(ctx, controller.SettingRelayAPIKey); err == nil && ok && value != "" {
		return value
	}
	return s.cfg.APIKey
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key := s.relayAPIKey(r.Context())
	writeJSON(w, http.StatusOK, configResponse{
		RelayHost:    s.cfg.RelayHost,
		APIKeySet:    key != "",
		APIKeyMasked: maskKey(key),
		ClientImage:  s.cfg.ClientImage,
	})
}

type updateConfigRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.APIKey == "" {
		s.writeError(w, domain.Validationf("api_key", "must not be empty"))
		return
	}
	if err := s.store.SetSetting(r.Context(), controller.SettingRelayAPIKey, req.APIKey); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("relay api key updated")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelayPing(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil || s.relayAPIKey(r.Context()) == "" {
		writeErrorMessage(w, http.StatusServiceUnavailable, "relay api key not configured")
		return
	}
	if err := s.relay.Ping(r.Context()); err != nil {
		writeErrorMessage(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelayTunnels(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil || s.relayAPIKey(r.Context()) == "" {
		writeErrorMessage(w, http.StatusServiceUnavailable, "relay api key not configured")
		return
	}
	tunnels, err := s.relay.ListTunnels(r.Context())
	if err != nil {
		writeErrorMessage(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tunnels)
}
