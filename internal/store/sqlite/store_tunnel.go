package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hle-world/hle-addon/internal/domain"
	"github.com/hle-world/hle-addon/internal/netutil"
)

const tunnelColumns = `id, service_url, label, name, auth_mode, skip_tls_verify, websockets,
 api_key, upstream_user, upstream_pass, relay_host, created_at, updated_at`

// CreateTunnel inserts a new tunnel configuration. The label is stored
// normalized (lower case); a duplicate label fails with
// [domain.ErrLabelInUse].
func (s *Store) CreateTunnel(ctx context.Context, cfg domain.TunnelConfig) (domain.TunnelConfig, error) {
	if cfg.ID == "" {
		id, err := newID("t")
		if err != nil {
			return domain.TunnelConfig{}, err
		}
		cfg.ID = id
	}
	now := nowUTC()
	cfg.Label = netutil.NormalizeLabel(cfg.Label)
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tunnels(`+tunnelColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.ServiceURL, cfg.Label, cfg.Name, cfg.AuthMode,
		boolToInt(cfg.SkipTLSVerify), boolToInt(cfg.Websockets),
		cfg.APIKey, cfg.UpstreamUser, cfg.UpstreamPass, cfg.RelayHost,
		cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "tunnels.label") {
			return domain.TunnelConfig{}, domain.ErrLabelInUse
		}
		return domain.TunnelConfig{}, fmt.Errorf("insert tunnel: %w", err)
	}
	s.emit(domain.ChangeCreated, cfg.ID)
	return cfg, nil
}

// GetTunnel returns the tunnel with the given ID.
func (s *Store) GetTunnel(ctx context.Context, id string) (domain.TunnelConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	return scanTunnel(row)
}

// GetTunnelByLabel returns the tunnel with the given (case-insensitive) label.
func (s *Store) GetTunnelByLabel(ctx context.Context, label string) (domain.TunnelConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE label = ?`,
		netutil.NormalizeLabel(label))
	return scanTunnel(row)
}

// ListTunnels returns all tunnels in creation order.
func (s *Store) ListTunnels(ctx context.Context) ([]domain.TunnelConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TunnelConfig
	for rows.Next() {
		cfg, err := scanTunnelRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// UpdateTunnel applies a partial edit inside a transaction and returns the
// updated configuration. Fails with [domain.ErrTunnelNotFound] when the ID
// is unknown and [domain.ErrLabelInUse] when the new label collides.
func (s *Store) UpdateTunnel(ctx context.Context, id string, upd domain.TunnelUpdate) (domain.TunnelConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TunnelConfig{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	cfg, err := scanTunnel(row)
	if err != nil {
		return domain.TunnelConfig{}, err
	}

	if upd.ServiceURL != nil {
		cfg.ServiceURL = *upd.ServiceURL
	}
	if upd.Label != nil {
		cfg.Label = netutil.NormalizeLabel(*upd.Label)
	}
	if upd.Name != nil {
		cfg.Name = *upd.Name
	}
	if upd.AuthMode != nil {
		cfg.AuthMode = *upd.AuthMode
	}
	if upd.SkipTLSVerify != nil {
		cfg.SkipTLSVerify = *upd.SkipTLSVerify
	}
	if upd.Websockets != nil {
		cfg.Websockets = *upd.Websockets
	}
	if upd.APIKey != nil {
		cfg.APIKey = *upd.APIKey
	}
	if upd.UpstreamUser != nil {
		cfg.UpstreamUser = *upd.UpstreamUser
	}
	if upd.UpstreamPass != nil {
		cfg.UpstreamPass = *upd.UpstreamPass
	}
	cfg.UpdatedAt = nowUTC()

	_, err = tx.ExecContext(ctx, `
UPDATE tunnels
SET service_url = ?, label = ?, name = ?, auth_mode = ?, skip_tls_verify = ?,
 websockets = ?, api_key = ?, upstream_user = ?, upstream_pass = ?, updated_at = ?
WHERE id = ?`,
		cfg.ServiceURL, cfg.Label, cfg.Name, cfg.AuthMode,
		boolToInt(cfg.SkipTLSVerify), boolToInt(cfg.Websockets),
		cfg.APIKey, cfg.UpstreamUser, cfg.UpstreamPass, cfg.UpdatedAt, id)
	if err != nil {
		if isUniqueViolation(err, "tunnels.label") {
			return domain.TunnelConfig{}, domain.ErrLabelInUse
		}
		return domain.TunnelConfig{}, fmt.Errorf("update tunnel: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.TunnelConfig{}, err
	}
	s.emit(domain.ChangeUpdated, id)
	return cfg, nil
}

// DeleteTunnel removes a tunnel and, via foreign keys, all of its policy
// records.
func (s *Store) DeleteTunnel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tunnels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tunnel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrTunnelNotFound
	}
	s.emit(domain.ChangeDeleted, id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row *sql.Row) (domain.TunnelConfig, error) {
	cfg, err := scanTunnelRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TunnelConfig{}, domain.ErrTunnelNotFound
	}
	return cfg, err
}

func scanTunnelRows(row rowScanner) (domain.TunnelConfig, error) {
	var cfg domain.TunnelConfig
	var skipTLS, websockets int
	err := row.Scan(&cfg.ID, &cfg.ServiceURL, &cfg.Label, &cfg.Name, &cfg.AuthMode,
		&skipTLS, &websockets, &cfg.APIKey, &cfg.UpstreamUser, &cfg.UpstreamPass,
		&cfg.RelayHost, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return domain.TunnelConfig{}, err
	}
	cfg.SkipTLSVerify = skipTLS == 1
	cfg.Websockets = websockets == 1
	return cfg, nil
}
