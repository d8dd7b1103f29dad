package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Token is the OAuth credential row of a group. Mutated only by the token
// lifecycle manager.
type Token struct {
	GroupID      string `json:"group_id"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	IDToken      string `json:"-"`
	ATExpiresAt  int64  `json:"at_expires_at"`
	RTExpiresAt  int64  `json:"rt_expires_at"`
	Scope        string `json:"scope,omitempty"`
	TenantID     string `json:"tenant_id,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// GetToken loads a group's token row, or ErrNotFound if the group was never
// linked.
func (s *Store) GetToken(ctx context.Context, groupID string) (*Token, error) {
	var t Token
	err := s.DB.QueryRowContext(ctx, `
		SELECT group_id, access_token, refresh_token, COALESCE(id_token,''),
			at_expires_at, rt_expires_at, COALESCE(scope,''), COALESCE(tenant_id,''), updated_at
		FROM account_tokens WHERE group_id = ?`, groupID).
		Scan(&t.GroupID, &t.AccessToken, &t.RefreshToken, &t.IDToken,
			&t.ATExpiresAt, &t.RTExpiresAt, &t.Scope, &t.TenantID, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token for group %s: %w", groupID, err)
	}
	return &t, nil
}

// SaveToken overwrites (or creates) a group's token row.
func (s *Store) SaveToken(ctx context.Context, t *Token) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO account_tokens (group_id, access_token, refresh_token, id_token,
			at_expires_at, rt_expires_at, scope, tenant_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			id_token      = excluded.id_token,
			at_expires_at = excluded.at_expires_at,
			rt_expires_at = excluded.rt_expires_at,
			scope         = excluded.scope,
			tenant_id     = excluded.tenant_id,
			updated_at    = excluded.updated_at`,
		t.GroupID, t.AccessToken, t.RefreshToken, t.IDToken,
		t.ATExpiresAt, t.RTExpiresAt, t.Scope, t.TenantID, nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("failed to save token for group %s: %w", t.GroupID, err)
	}
	return nil
}

// DeleteToken removes a group's token row.
func (s *Store) DeleteToken(ctx context.Context, groupID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM account_tokens WHERE group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("failed to delete token for group %s: %w", groupID, err)
	}
	return nil
}
