package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hle-world/hle-addon/internal/domain"
)

// CreateAccessRule appends an SSO allow-list entry for a tunnel.
func (s *Store) CreateAccessRule(ctx context.Context, tunnelID, email, provider string) (domain.AccessRule, error) {
	rule := domain.AccessRule{
		ID:        uuid.NewString(),
		TunnelID:  tunnelID,
		Email:     email,
		Provider:  provider,
		CreatedAt: nowUTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO access_rules(id, tunnel_id, email, provider, created_at)
VALUES(?, ?, ?, ?, ?)`, rule.ID, rule.TunnelID, rule.Email, rule.Provider, rule.CreatedAt)
	if err != nil {
		return domain.AccessRule{}, fmt.Errorf("insert access rule: %w", err)
	}
	return rule, nil
}

// ListAccessRules returns a tunnel's allow-list entries in creation order
// (evaluation order is irrelevant; display order is not).
func (s *Store) ListAccessRules(ctx context.Context, tunnelID string) ([]domain.AccessRule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tunnel_id, email, provider, created_at
FROM access_rules
WHERE tunnel_id = ?
ORDER BY created_at, id`, tunnelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AccessRule
	for rows.Next() {
		var r domain.AccessRule
		if err := rows.Scan(&r.ID, &r.TunnelID, &r.Email, &r.Provider, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteAccessRule removes one allow-list entry scoped to a tunnel.
func (s *Store) DeleteAccessRule(ctx context.Context, tunnelID, ruleID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM access_rules WHERE id = ? AND tunnel_id = ?`, ruleID, tunnelID)
	if err != nil {
		return fmt.Errorf("delete access rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}
