// Package domain defines the core data types shared across the hle-addon
// store, controller, policy engine, and API layers.
package domain

import "time"

// Auth mode constants select the primary protection applied at the relay
// edge for a tunnel.
const (
	AuthModeSSO  = "sso"
	AuthModeNone = "none"
)

// TunnelState describes the externally visible lifecycle state of a
// tunnel's relay-client process. It is derived at runtime and never
// persisted.
type TunnelState string

// Tunnel runtime states owned by the lifecycle controller.
const (
	StateStopped    TunnelState = "stopped"
	StateConnecting TunnelState = "connecting"
	StateConnected  TunnelState = "connected"
	StateFailed     TunnelState = "failed"
)

// Identity provider constants for SSO allow-list rules.
const (
	ProviderAny    = "any"
	ProviderGoogle = "google"
	ProviderGitHub = "github"
	ProviderHLE    = "hle"
)

// TunnelConfig is the persisted configuration of one exposed service.
type TunnelConfig struct {
	ID            string
	ServiceURL    string
	Label         string
	Name          string
	AuthMode      string
	SkipTLSVerify bool
	Websockets    bool
	APIKey        string // per-tunnel relay API key override; empty = global key
	UpstreamUser  string // basic-auth injected into forwarded requests
	UpstreamPass  string
	RelayHost     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TunnelUpdate carries a partial edit of a [TunnelConfig]. Nil fields are
// left unchanged.
type TunnelUpdate struct {
	ServiceURL    *string
	Label         *string
	Name          *string
	AuthMode      *string
	SkipTLSVerify *bool
	Websockets    *bool
	APIKey        *string
	UpstreamUser  *string
	UpstreamPass  *string
}

// TunnelStatus is a [TunnelConfig] extended with the controller's live view.
type TunnelStatus struct {
	TunnelConfig
	State     TunnelState
	Reason    string // failure detail when State is failed
	PublicURL string
}

// AccessRule is one SSO allow-list entry scoped to a tunnel.
type AccessRule struct {
	ID        string
	TunnelID  string
	Email     string // exact address or *@domain wildcard
	Provider  string // "any" or a named identity provider
	CreatedAt time.Time
}

// PinCredential is the at-most-one numeric PIN gate of a tunnel. Only the
// salted hash is ever stored.
type PinCredential struct {
	TunnelID  string
	Hash      string
	UpdatedAt time.Time
}

// BasicAuthCredential is the at-most-one HTTP basic-auth gate of a tunnel.
type BasicAuthCredential struct {
	TunnelID     string
	Username     string
	PasswordHash string
	UpdatedAt    time.Time
}

// Share link duration enum accepted at creation time.
const (
	ShareDuration1h  = "1h"
	ShareDuration24h = "24h"
	ShareDuration7d  = "7d"
)

// ShareLink is an ephemeral bypass credential for a tunnel. The full token
// is returned exactly once at creation; only its hash and a short display
// prefix persist.
type ShareLink struct {
	ID          string
	TunnelID    string
	TokenHash   string
	TokenPrefix string
	Label       string
	ExpiresAt   time.Time
	MaxUses     int // 0 = unlimited
	UseCount    int
	Active      bool
	CreatedAt   time.Time
}

// Usable reports whether the link can still be redeemed at the given time.
func (l ShareLink) Usable(now time.Time) bool {
	if !l.Active || now.After(l.ExpiresAt) {
		return false
	}
	return l.MaxUses == 0 || l.UseCount < l.MaxUses
}

// Change kinds emitted by the store after successful tunnel mutations.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// TunnelChange is appended to the store's change feed on every successful
// tunnel create/update/delete. The lifecycle controller consumes it.
type TunnelChange struct {
	Kind     string
	TunnelID string
}
