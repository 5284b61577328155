package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hle-world/hle-addon/internal/domain"
)

const shareLinkColumns = `id, tunnel_id, token_hash, token_prefix, label,
 expires_at, max_uses, use_count, active, created_at`

// CreateShareLink persists a new share link. The caller supplies the token
// hash and display prefix; the plain token never reaches the store.
func (s *Store) CreateShareLink(ctx context.Context, link domain.ShareLink) (domain.ShareLink, error) {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	link.CreatedAt = nowUTC()
	link.Active = true

	_, err := s.db.ExecContext(ctx, `
INSERT INTO share_links(`+shareLinkColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, 1, ?)`,
		link.ID, link.TunnelID, link.TokenHash, link.TokenPrefix, link.Label,
		link.ExpiresAt, link.MaxUses, link.CreatedAt)
	if err != nil {
		return domain.ShareLink{}, fmt.Errorf("insert share link: %w", err)
	}
	return link, nil
}

// ListShareLinks returns a tunnel's share links, newest first.
func (s *Store) ListShareLinks(ctx context.Context, tunnelID string) ([]domain.ShareLink, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+shareLinkColumns+`
FROM share_links
WHERE tunnel_id = ?
ORDER BY created_at DESC, id`, tunnelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ShareLink
	for rows.Next() {
		link, err := scanShareLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// DeleteShareLink removes one share link scoped to a tunnel.
func (s *Store) DeleteShareLink(ctx context.Context, tunnelID, linkID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM share_links WHERE id = ? AND tunnel_id = ?`, linkID, tunnelID)
	if err != nil {
		return fmt.Errorf("delete share link: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrShareLinkUnknown
	}
	return nil
}

// RedeemShareLink atomically consumes one use of the link with the given
// token hash. A non-empty tunnelID restricts redemption to links minted
// for that tunnel; a token scoped to another tunnel is indistinguishable
// from an unknown one and consumes nothing. The guarded UPDATE is the
// compare-and-increment: under concurrent redemptions of a link with one
// use left, exactly one caller sees an affected row. Links found expired
// or exhausted are deactivated and never resurrected.
func (s *Store) RedeemShareLink(ctx context.Context, tokenHash, tunnelID string, now time.Time) (domain.ShareLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+shareLinkColumns+` FROM share_links WHERE token_hash = ?`, tokenHash)
	link, err := scanShareLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ShareLink{}, domain.ErrShareLinkUnknown
	}
	if err != nil {
		return domain.ShareLink{}, err
	}
	if tunnelID != "" && link.TunnelID != tunnelID {
		return domain.ShareLink{}, domain.ErrShareLinkUnknown
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE share_links
SET use_count = use_count + 1
WHERE id = ? AND active = 1 AND expires_at > ?
 AND (max_uses = 0 OR use_count < max_uses)`,
		link.ID, now.UTC())
	if err != nil {
		return domain.ShareLink{}, fmt.Errorf("redeem share link: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.ShareLink{}, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+shareLinkColumns+` FROM share_links WHERE id = ?`, link.ID)
	link, err = scanShareLink(row)
	if err != nil {
		return domain.ShareLink{}, err
	}

	if affected == 0 {
		_, _ = s.db.ExecContext(ctx,
			`UPDATE share_links SET active = 0 WHERE id = ?`, link.ID)
		link.Active = false
		return link, domain.ErrShareLinkExpired
	}
	if link.MaxUses > 0 && link.UseCount >= link.MaxUses {
		_, _ = s.db.ExecContext(ctx,
			`UPDATE share_links SET active = 0 WHERE id = ?`, link.ID)
	}
	return link, nil
}

func scanShareLink(row rowScanner) (domain.ShareLink, error) {
	var link domain.ShareLink
	var active int
	err := row.Scan(&link.ID, &link.TunnelID, &link.TokenHash, &link.TokenPrefix,
		&link.Label, &link.ExpiresAt, &link.MaxUses, &link.UseCount, &active, &link.CreatedAt)
	if err != nil {
		return domain.ShareLink{}, err
	}
	link.Active = active == 1
	return link, nil
}
