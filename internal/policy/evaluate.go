package policy

import (
	"context"
	"errors"

	"github.com/hle-world/hle-addon/internal/domain"
)

// Credentials is everything a request at the relay edge may present.
// Zero-value fields mean "not presented".
type Credentials struct {
	ShareToken    string
	BasicUsername string
	BasicPassword string
	Identity      *Identity
	Pin           string
}

// Gate names the layer that decided a request.
const (
	GateShareLink = "share_link"
	GateBasicAuth = "basic_auth"
	GateSSO       = "sso"
	GatePin       = "pin"
	GateOpen      = "open"
)

// Decision is the engine's verdict for one edge request.
type Decision struct {
	Allow  bool
	Gate   string
	Reason string
}

func allow(gate string) Decision        { return Decision{Allow: true, Gate: gate} }
func deny(gate, reason string) Decision { return Decision{Gate: gate, Reason: reason} }

// Evaluate applies the precedence contract to one request. A valid share
// token short-circuits everything else. Otherwise basic-auth, when
// configured, is the sole gate. Otherwise SSO mode requires an
// authenticated identity passing the allow-list, then the PIN if one is
// set. A tunnel in mode "none" with no other layer is open.
func (e *Engine) Evaluate(ctx context.Context, tunnelID string, cred Credentials) (Decision, error) {
	cfg, err := e.store.GetTunnel(ctx, tunnelID)
	if err != nil {
		return Decision{}, err
	}

	if cred.ShareToken != "" {
		// Scoped to this tunnel: a link minted for another tunnel reads
		// as unknown and falls through without consuming a use.
		_, err := e.Redeem(ctx, tunnelID, cred.ShareToken)
		switch {
		case err == nil:
			return allow(GateShareLink), nil
		case errors.Is(err, domain.ErrShareLinkExpired):
			return deny(GateShareLink, "share link expired"), nil
		case errors.Is(err, domain.ErrShareLinkUnknown):
			// Unrecognized token; fall through to the configured layers.
		default:
			return Decision{}, err
		}
	}

	ok, err := e.VerifyBasicAuth(ctx, tunnelID, cred.BasicUsername, cred.BasicPassword)
	switch {
	case err == nil:
		if !ok {
			return deny(GateBasicAuth, "invalid credentials"), nil
		}
		return allow(GateBasicAuth), nil
	case !errors.Is(err, domain.ErrBasicAuthNotSet):
		return Decision{}, err
	}

	if cfg.AuthMode == domain.AuthModeSSO {
		if cred.Identity == nil {
			return deny(GateSSO, "login required"), nil
		}
		rules, err := e.store.ListAccessRules(ctx, tunnelID)
		if err != nil {
			return Decision{}, err
		}
		if !identityAllowed(rules, *cred.Identity) {
			return deny(GateSSO, "identity not on the allow list"), nil
		}
	}

	ok, err = e.VerifyPin(ctx, tunnelID, cred.Pin)
	switch {
	case errors.Is(err, domain.ErrPinNotSet):
		// No PIN gate.
	case err != nil:
		return Decision{}, err
	case !ok:
		return deny(GatePin, "wrong pin"), nil
	default:
		return allow(GatePin), nil
	}

	if cfg.AuthMode == domain.AuthModeSSO {
		return allow(GateSSO), nil
	}
	return allow(GateOpen), nil
}
