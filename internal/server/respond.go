package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hle-world/hle-addon/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTunnelNotFound),
		errors.Is(err, domain.ErrRuleNotFound),
		errors.Is(err, domain.ErrShareLinkUnknown),
		errors.Is(err, domain.ErrPinNotSet),
		errors.Is(err, domain.ErrBasicAuthNotSet):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrLabelInUse),
		errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrNotRunning):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrShareLinkExpired):
		writeErrorMessage(w, http.StatusGone, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Validationf("body", "malformed json: %v", err)
	}
	return nil
}

// tunnelID resolves the {tunnel} path segment, which may be a tunnel id
// or a subdomain label.
func (s *Server) tunnelID(r *http.Request) (string, error) {
	ref := chi.URLParam(r, "tunnel")
	if ref == "" {
		return "", domain.ErrTunnelNotFound
	}
	return s.resolveTunnelID(r.Context(), ref)
}

func (s *Server) resolveTunnelID(ctx context.Context, ref string) (string, error) {
	if _, err := s.store.GetTunnel(ctx, ref); err == nil {
		return ref, nil
	}
	cfg, err := s.store.GetTunnelByLabel(ctx, ref)
	if err != nil {
		return "", err
	}
	return cfg.ID, nil
}
