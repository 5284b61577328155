package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hle-world/hle-addon/internal/domain"
)

// SetPin inserts or replaces the tunnel's PIN hash.
func (s *Store) SetPin(ctx context.Context, tunnelID, hash string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pins(tunnel_id, hash, updated_at) VALUES(?, ?, ?)
ON CONFLICT(tunnel_id) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at`,
		tunnelID, hash, nowUTC())
	if err != nil {
		return fmt.Errorf("set pin: %w", err)
	}
	return nil
}

// GetPin returns the tunnel's PIN credential, or [domain.ErrPinNotSet].
func (s *Store) GetPin(ctx context.Context, tunnelID string) (domain.PinCredential, error) {
	var p domain.PinCredential
	err := s.db.QueryRowContext(ctx,
		`SELECT tunnel_id, hash, updated_at FROM pins WHERE tunnel_id = ?`, tunnelID).
		Scan(&p.TunnelID, &p.Hash, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PinCredential{}, domain.ErrPinNotSet
	}
	return p, err
}

// DeletePin removes the tunnel's PIN gate. Deleting an absent PIN fails
// with [domain.ErrPinNotSet].
func (s *Store) DeletePin(ctx context.Context, tunnelID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pins WHERE tunnel_id = ?`, tunnelID)
	if err != nil {
		return fmt.Errorf("delete pin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrPinNotSet
	}
	return nil
}

// SetBasicAuth inserts or replaces the tunnel's basic-auth credential.
func (s *Store) SetBasicAuth(ctx context.Context, tunnelID, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO basic_auth(tunnel_id, username, password_hash, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(tunnel_id) DO UPDATE SET
 username = excluded.username, password_hash = excluded.password_hash, updated_at = excluded.updated_at`,
		tunnelID, username, passwordHash, nowUTC())
	if err != nil {
		return fmt.Errorf("set basic auth: %w", err)
	}
	return nil
}

// GetBasicAuth returns the tunnel's basic-auth credential, or
// [domain.ErrBasicAuthNotSet].
func (s *Store) GetBasicAuth(ctx context.Context, tunnelID string) (domain.BasicAuthCredential, error) {
	var c domain.BasicAuthCredential
	err := s.db.QueryRowContext(ctx,
		`SELECT tunnel_id, username, password_hash, updated_at FROM basic_auth WHERE tunnel_id = ?`,
		tunnelID).
		Scan(&c.TunnelID, &c.Username, &c.PasswordHash, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BasicAuthCredential{}, domain.ErrBasicAuthNotSet
	}
	return c, err
}

// DeleteBasicAuth removes the tunnel's basic-auth gate.
func (s *Store) DeleteBasicAuth(ctx context.Context, tunnelID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM basic_auth WHERE tunnel_id = ?`, tunnelID)
	if err != nil {
		return fmt.Errorf("delete basic auth: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrBasicAuthNotSet
	}
	return nil
}
