package policy

import (
	"context"
	"time"

	"github.com/hle-world/hle-addon/internal/auth"
	"github.com/hle-world/hle-addon/internal/domain"
)

// CreatedShareLink pairs a persisted link with its full token. The token
// is returned exactly once here and can never be retrieved again.
type CreatedShareLink struct {
	domain.ShareLink
	Token string
}

// CreateShareLink mints a share link for the tunnel. Duration must be one
// of the [domain.ShareDuration1h] enum values; maxUses of zero means
// unlimited.
func (e *Engine) CreateShareLink(ctx context.Context, tunnelID, duration, label string, maxUses int) (CreatedShareLink, error) {
	if _, err := e.store.GetTunnel(ctx, tunnelID); err != nil {
		return CreatedShareLink{}, err
	}
	ttl, err := shareTTL(duration)
	if err != nil {
		return CreatedShareLink{}, err
	}
	if maxUses < 0 {
		return CreatedShareLink{}, domain.Validationf("max_uses", "must not be negative")
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return CreatedShareLink{}, err
	}
	link, err := e.store.CreateShareLink(ctx, domain.ShareLink{
		TunnelID:    tunnelID,
		TokenHash:   auth.HashToken(token, e.pepper),
		TokenPrefix: auth.TokenPrefix(token),
		Label:       label,
		ExpiresAt:   e.now().UTC().Add(ttl),
		MaxUses:     maxUses,
	})
	if err != nil {
		return CreatedShareLink{}, err
	}
	e.log.Info("share link created",
		"tunnel", tunnelID, "link", link.ID, "expires_at", link.ExpiresAt, "max_uses", maxUses)
	return CreatedShareLink{ShareLink: link, Token: token}, nil
}

// ListShareLinks returns the tunnel's share links, newest first. Tokens
// are not included; only the display prefix persists.
func (e *Engine) ListShareLinks(ctx context.Context, tunnelID string) ([]domain.ShareLink, error) {
	if _, err := e.store.GetTunnel(ctx, tunnelID); err != nil {
		return nil, err
	}
	return e.store.ListShareLinks(ctx, tunnelID)
}

// RemoveShareLink deletes one share link.
func (e *Engine) RemoveShareLink(ctx context.Context, tunnelID, linkID string) error {
	if err := e.store.DeleteShareLink(ctx, tunnelID, linkID); err != nil {
		return err
	}
	e.log.Info("share link removed", "tunnel", tunnelID, "link", linkID)
	return nil
}

// Redeem consumes one use of the link identified by the full token. A
// non-empty tunnelID restricts redemption to links minted for that tunnel;
// a token minted for another tunnel fails like an unknown one without
// consuming a use. Fails with [domain.ErrShareLinkUnknown] for an
// unrecognized token and [domain.ErrShareLinkExpired] once expired or
// exhausted; race-safe under concurrent redemptions.
func (e *Engine) Redeem(ctx context.Context, tunnelID, token string) (domain.ShareLink, error) {
	link, err := e.store.RedeemShareLink(ctx, auth.HashToken(token, e.pepper), tunnelID, e.now())
	if err != nil {
		return domain.ShareLink{}, err
	}
	e.log.Info("share link redeemed", "tunnel", link.TunnelID, "link", link.ID, "use_count", link.UseCount)
	return link, nil
}

func shareTTL(duration string) (time.Duration, error) {
	switch duration {
	case domain.ShareDuration1h:
		return time.Hour, nil
	case domain.ShareDuration24h:
		return 24 * time.Hour, nil
	case domain.ShareDuration7d:
		return 7 * 24 * time.Hour, nil
	}
	return 0, domain.Validationf("duration", "must be %q, %q or %q",
		domain.ShareDuration1h, domain.ShareDuration24h, domain.ShareDuration7d)
}
