// Package sqlite implements the hle-addon data store backed by a SQLite
// database. It manages tunnel configurations, SSO access rules, PIN and
// basic-auth credentials, share links, and daemon settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hle-world/hle-addon/internal/domain"
)

const changeFeedBuffer = 64

// Store wraps a SQLite database connection for all hle-addon persistence
// operations. Every successful tunnel mutation is also appended to an
// in-process change feed consumed by the lifecycle controller; delivery is
// best effort (the controller reads the store directly as well, so a
// dropped event only delays freshness).
type Store struct {
	db      *sql.DB
	changes chan domain.TunnelChange
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	// foreign_keys and synchronous are per-connection and are handled via DSN _pragma parameters.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{
		db:      db,
		changes: make(chan domain.TunnelChange, changeFeedBuffer),
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Changes returns the tunnel change feed. The channel is buffered; events
// are dropped rather than blocking the write path when no consumer keeps up.
func (s *Store) Changes() <-chan domain.TunnelChange {
	return s.changes
}

func (s *Store) emit(kind, tunnelID string) {
	select {
	case s.changes <- domain.TunnelChange{Kind: kind, TunnelID: tunnelID}:
	default:
	}
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tunnels (
	id TEXT PRIMARY KEY,
	service_url TEXT NOT NULL,
	label TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	auth_mode TEXT NOT NULL,
	skip_tls_verify INTEGER NOT NULL DEFAULT 0,
	websockets INTEGER NOT NULL DEFAULT 0,
	api_key TEXT NOT NULL DEFAULT '',
	upstream_user TEXT NOT NULL DEFAULT '',
	upstream_pass TEXT NOT NULL DEFAULT '',
	relay_host TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnels_label ON tunnels(label);
CREATE TABLE IF NOT EXISTS access_rules (
	id TEXT PRIMARY KEY,
	tunnel_id TEXT NOT NULL REFERENCES tunnels(id) ON DELETE CASCADE,
	email TEXT NOT NULL,
	provider TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_rules_tunnel ON access_rules(tunnel_id);
CREATE TABLE IF NOT EXISTS pins (
	tunnel_id TEXT PRIMARY KEY REFERENCES tunnels(id) ON DELETE CASCADE,
	hash TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS basic_auth (
	tunnel_id TEXT PRIMARY KEY REFERENCES tunnels(id) ON DELETE CASCADE,
	username TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS share_links (
	id TEXT PRIMARY KEY,
	tunnel_id TEXT NOT NULL REFERENCES tunnels(id) ON DELETE CASCADE,
	token_hash TEXT NOT NULL UNIQUE,
	token_prefix TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	expires_at DATETIME NOT NULL,
	max_uses INTEGER NOT NULL DEFAULT 0,
	use_count INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_share_links_tunnel ON share_links(tunnel_id);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

// GetSetting returns the value stored under key, reporting whether it exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting inserts or replaces the value stored under key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
