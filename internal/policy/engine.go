// Package policy owns the per-tunnel access-control layers: SSO
// allow-lists, numeric PINs, basic-auth credentials, and share links. It
// validates mutations, stores only salted hashes, and arbitrates the
// precedence between layers when several are configured at once.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/hle-world/hle-addon/internal/store/sqlite"
)

// Engine evaluates and mutates a tunnel's access-control layers.
type Engine struct {
	store  *sqlite.Store
	pepper string
	log    *slog.Logger
	now    func() time.Time
}

// New creates an engine. The pepper is mixed into share-token hashes so a
// leaked database alone cannot be used to forge tokens.
func New(store *sqlite.Store, pepper string, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		pepper: pepper,
		log:    logger,
		now:    time.Now,
	}
}

// Conflicts reports access-control layers shadowed by a higher-precedence
// one. Basic-auth, when configured, is the sole gate: a PIN or allow-list
// on the same tunnel is unreachable. Advisory only; mutations that create
// a conflict still succeed.
type Conflicts struct {
	BasicAuthSet      bool
	ShadowedPin       bool
	ShadowedAllowList bool
}

// Any reports whether at least one layer is shadowed.
func (c Conflicts) Any() bool {
	return c.ShadowedPin || c.ShadowedAllowList
}

// Conflicts computes the tunnel's current conflict view.
func (e *Engine) Conflicts(ctx context.Context, tunnelID string) (Conflicts, error) {
	if _, err := e.store.GetTunnel(ctx, tunnelID); err != nil {
		return Conflicts{}, err
	}
	return e.conflictsOf(ctx, tunnelID)
}

func (e *Engine) conflictsOf(ctx context.Context, tunnelID string) (Conflicts, error) {
	var c Conflicts
	if _, err := e.store.GetBasicAuth(ctx, tunnelID); err == nil {
		c.BasicAuthSet = true
	}
	if !c.BasicAuthSet {
		return c, nil
	}
	if _, err := e.store.GetPin(ctx, tunnelID); err == nil {
		c.ShadowedPin = true
	}
	rules, err := e.store.ListAccessRules(ctx, tunnelID)
	if err != nil {
		return Conflicts{}, err
	}
	c.ShadowedAllowList = len(rules) > 0
	return c, nil
}
