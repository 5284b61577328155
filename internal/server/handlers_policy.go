package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hle-world/hle-addon/internal/domain"
)

const relaySyncTimeout = 5 * time.Second

type accessRuleResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

func toAccessRuleResponse(r domain.AccessRule) accessRuleResponse {
	return accessRuleResponse{ID: r.ID, Email: r.Email, Provider: r.Provider, CreatedAt: r.CreatedAt}
}

func (s *Server) handleListAccessRules(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rules, err := s.policy.ListAccessRules(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]accessRuleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toAccessRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

type addAccessRuleRequest struct {
	Email    string `json:"email"`
	Provider string `json:"provider"`
}

func (s *Server) handleAddAccessRule(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req addAccessRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rule, err := s.policy.AddAccessRule(r.Context(), id, req.Email, req.Provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.syncRelayRules(r.Context(), id)
	writeJSON(w, http.StatusCreated, toAccessRuleResponse(rule))
}

func (s *Server) handleDeleteAccessRule(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.policy.RemoveAccessRule(r.Context(), id, chi.URLParam(r, "rule")); err != nil {
		s.writeError(w, err)
		return
	}
	s.syncRelayRules(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// syncRelayRules mirrors the tunnel's allow-list to the relay edge.
// Best-effort: the local store is authoritative and the next mutation
// converges the relay again.
func (s *Server) syncRelayRules(ctx context.Context, tunnelID string) {
	if s.relay == nil || s.relayAPIKey(ctx) == "" {
		return
	}
	cfg, err := s.store.GetTunnel(ctx, tunnelID)
	if err != nil {
		return
	}
	rules, err := s.store.ListAccessRules(ctx, tunnelID)
	if err != nil {
		return
	}
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relaySyncTimeout)
	defer cancel()
	if err := s.relay.SyncAccessRules(syncCtx, cfg.Label, rules); err != nil {
		s.log.Warn("relay allow-list sync failed", "tunnel", tunnelID, "error", err)
	}
}

func (s *Server) handleGetPin(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_, err = s.store.GetPin(r.Context(), id)
	if err != nil && !errors.Is(err, domain.ErrPinNotSet) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"set": err == nil})
}

type setPinRequest struct {
	Pin string `json:"pin"`
}

func (s *Server) handleSetPin(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req setPinRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.policy.SetPin(r.Context(), id, req.Pin); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemovePin(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.policy.RemovePin(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBasicAuth(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cred, err := s.store.GetBasicAuth(r.Context(), id)
	if errors.Is(err, domain.ErrBasicAuthNotSet) {
		writeJSON(w, http.StatusOK, map[string]any{"set": false})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"set": true, "username": cred.Username})
}

type setBasicAuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type conflictsResponse struct {
	BasicAuthSet      bool `json:"basic_auth_set"`
	ShadowedPin       bool `json:"shadowed_pin"`
	ShadowedAllowList bool `json:"shadowed_allow_list"`
}

func (s *Server) handleSetBasicAuth(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req setBasicAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	conflicts, err := s.policy.SetBasicAuth(r.Context(), id, req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflictsResponse{
		BasicAuthSet:      conflicts.BasicAuthSet,
		ShadowedPin:       conflicts.ShadowedPin,
		ShadowedAllowList: conflicts.ShadowedAllowList,
	})
}

func (s *Server) handleRemoveBasicAuth(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.policy.RemoveBasicAuth(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conflicts, err := s.policy.Conflicts(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflictsResponse{
		BasicAuthSet:      conflicts.BasicAuthSet,
		ShadowedPin:       conflicts.ShadowedPin,
		ShadowedAllowList: conflicts.ShadowedAllowList,
	})
}

type shareLinkResponse struct {
	ID          string    `json:"id"`
	TunnelID    string    `json:"tunnel_id"`
	TokenPrefix string    `json:"token_prefix"`
	Label       string    `json:"label,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	MaxUses     int       `json:"max_uses"`
	UseCount    int       `json:"use_count"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func toShareLinkResponse(l domain.ShareLink) shareLinkResponse {
	return shareLinkResponse{
		ID:          l.ID,
		TunnelID:    l.TunnelID,
		TokenPrefix: l.TokenPrefix,
		Label:       l.Label,
		ExpiresAt:   l.ExpiresAt,
		MaxUses:     l.MaxUses,
		UseCount:    l.UseCount,
		Active:      l.Active,
		CreatedAt:   l.CreatedAt,
	}
}

func (s *Server) handleListShareLinks(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	links, err := s.policy.ListShareLinks(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]shareLinkResponse, 0, len(links))
	for _, l := range links {
		out = append(out, toShareLinkResponse(l))
	}
	writeJSON(w, http.StatusOK, out)
}

type createShareLinkRequest struct {
	Duration string `json:"duration"`
	Label    string `json:"label"`
	MaxUses  int    `json:"max_uses"`
}

type createShareLinkResponse struct {
	shareLinkResponse
	Token string `json:"token"`
}

func (s *Server) handleCreateShareLink(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req createShareLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.policy.CreateShareLink(r.Context(), id, req.Duration, req.Label, req.MaxUses)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The only response that ever carries the full token.
	writeJSON(w, http.StatusCreated, createShareLinkResponse{
		shareLinkResponse: toShareLinkResponse(created.ShareLink),
		Token:             created.Token,
	})
}

func (s *Server) handleDeleteShareLink(w http.ResponseWriter, r *http.Request) {
	id, err := s.tunnelID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.policy.RemoveShareLink(r.Context(), id, chi.URLParam(r, "link")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRedeemShareLink(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	// The edge redeems by token alone; tunnel_id in the response tells it
	// which tunnel the bypass is scoped to.
	link, err := s.policy.Redeem(r.Context(), "", req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShareLinkResponse(link))
}
