package policy

import (
	"context"
	"strings"

	"github.com/hle-world/hle-addon/internal/auth"
	"github.com/hle-world/hle-addon/internal/domain"
)

const (
	pinMinLen = 4
	pinMaxLen = 8

	basicPasswordMinLen = 8
)

// SetPin validates and stores the tunnel's PIN, replacing any existing
// one. Only a salted hash is persisted.
func (e *Engine) SetPin(ctx context.Context, tunnelID, pin string) error {
	if _, err := e.store.GetTunnel(ctx, tunnelID); err != nil {
		return err
	}
	if err := validatePin(pin); err != nil {
		return err
	}
	hash, err := auth.HashPassword(pin)
	if err != nil {
		return err
	}
	if err := e.store.SetPin(ctx, tunnelID, hash); err != nil {
		return err
	}
	e.log.Info("pin set", "tunnel", tunnelID)
	return nil
}

// VerifyPin checks a presented PIN against the stored hash. Returns
// [domain.ErrPinNotSet] when no PIN is configured.
func (e *Engine) VerifyPin(ctx context.Context, tunnelID, pin string) (bool, error) {
	cred, err := e.store.GetPin(ctx, tunnelID)
	if err != nil {
		return false, err
	}
	return auth.VerifyPassword(cred.Hash, pin), nil
}

// RemovePin deletes the tunnel's PIN gate.
func (e *Engine) RemovePin(ctx context.Context, tunnelID string) error {
	if err := e.store.DeletePin(ctx, tunnelID); err != nil {
		return err
	}
	e.log.Info("pin removed", "tunnel", tunnelID)
	return nil
}

// SetBasicAuth validates and stores the tunnel's basic-auth credential.
// The returned conflict view tells the caller which existing layers the
// new credential shadows; the mutation succeeds regardless.
func (e *Engine) SetBasicAuth(ctx context.Context, tunnelID, username, password string) (Conflicts, error) {
	if _, err := e.store.GetTunnel(ctx, tunnelID); err != nil {
		return Conflicts{}, err
	}
	if err := validateBasicAuth(username, password); err != nil {
		return Conflicts{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Conflicts{}, err
	}
	if err := e.store.SetBasicAuth(ctx, tunnelID, username, hash); err != nil {
		return Conflicts{}, err
	}

	conflicts, err := e.conflictsOf(ctx, tunnelID)
	if err != nil {
		return Conflicts{}, err
	}
	if conflicts.Any() {
		e.log.Warn("basic auth shadows existing layers",
			"tunnel", tunnelID, "pin", conflicts.ShadowedPin, "allow_list", conflicts.ShadowedAllowList)
	} else {
		e.log.Info("basic auth set", "tunnel", tunnelID)
	}
	return conflicts, nil
}

// VerifyBasicAuth checks a presented username/password pair. Returns
// [domain.ErrBasicAuthNotSet] when no credential is configured.
func (e *Engine) VerifyBasicAuth(ctx context.Context, tunnelID, username, password string) (bool, error) {
	cred, err := e.store.GetBasicAuth(ctx, tunnelID)
	if err != nil {
		return false, err
	}
	if cred.Username != username {
		return false, nil
	}
	return auth.VerifyPassword(cred.PasswordHash, password), nil
}

// RemoveBasicAuth deletes the tunnel's basic-auth gate.
func (e *Engine) RemoveBasicAuth(ctx context.Context, tunnelID string) error {
	if err := e.store.DeleteBasicAuth(ctx, tunnelID); err != nil {
		return err
	}
	e.log.Info("basic auth removed", "tunnel", tunnelID)
	return nil
}

func validatePin(pin string) error {
	if len(pin) < pinMinLen || len(pin) > pinMaxLen {
		return domain.Validationf("pin", "must be %d to %d digits", pinMinLen, pinMaxLen)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return domain.Validationf("pin", "must contain digits only")
		}
	}
	return nil
}

func validateBasicAuth(username, password string) error {
	if username == "" {
		return domain.Validationf("username", "must not be empty")
	}
	// ':' separates username from password on the wire.
	if strings.ContainsRune(username, ':') {
		return domain.Validationf("username", "must not contain %q", ':')
	}
	if len(password) < basicPasswordMinLen {
		return domain.Validationf("password", "must be at least %d characters", basicPasswordMinLen)
	}
	return nil
}
