// Package relay is a thin client for the relay server's management API.
// The relay terminates public traffic at the edge; this client queries its
// live tunnel view and mirrors the local allow-list so edge enforcement
// matches what the operator configured here.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hle-world/hle-addon/internal/domain"
)

const requestTimeout = 10 * time.Second

// Client calls the relay server's HTTP API with bearer authentication.
// The key is resolved per request so an operator-stored key takes effect
// without a restart.
type Client struct {
	baseURL string
	key     func(context.Context) string
	http    *http.Client
	log     *slog.Logger
}

// New creates a client for the given relay host, e.g. "hle.world". A host
// carrying a scheme is used as the base URL verbatim. key returns the
// current API key; an empty result sends the request unauthenticated.
func New(host string, key func(context.Context) string, logger *slog.Logger) *Client {
	baseURL := strings.TrimSuffix(host, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	return &Client{
		baseURL: baseURL,
		key:     key,
		http:    &http.Client{Timeout: requestTimeout},
		log:     logger,
	}
}

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay api: status %d: %s", e.StatusCode, e.Message)
}

// LiveTunnel is the relay's view of one connected tunnel client.
type LiveTunnel struct {
	Subdomain     string    `json:"subdomain"`
	ClientVersion string    `json:"client_version"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// ListTunnels returns the tunnels currently connected at the relay edge.
func (c *Client) ListTunnels(ctx context.Context) ([]LiveTunnel, error) {
	var out []LiveTunnel
	if err := c.do(ctx, http.MethodGet, "/api/tunnels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks relay reachability and API-key validity.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/ping", nil, nil)
}

type syncRulesRequest struct {
	Rules []syncRule `json:"rules"`
}

type syncRule struct {
	Email    string `json:"email"`
	Provider string `json:"provider"`
}

// SyncAccessRules replaces the relay-side allow-list of a subdomain with
// the locally configured one. Callers treat failures as best-effort: the
// local store stays authoritative and the next sync converges.
func (c *Client) SyncAccessRules(ctx context.Context, subdomain string, rules []domain.AccessRule) error {
	req := syncRulesRequest{Rules: make([]syncRule, 0, len(rules))}
	for _, r := range rules {
		req.Rules = append(req.Rules, syncRule{Email: r.Email, Provider: r.Provider})
	}
	return c.do(ctx, http.MethodPut, "/api/tunnels/"+subdomain+"/access", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if k := c.key(ctx); k != "" {
		req.Header.Set("Authorization", "Bearer "+k)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		// Prefer the structured message when the relay sends one.
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
