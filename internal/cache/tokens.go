package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// LoadToken returns the stored OAuth2 token for an account, or nil if none
// has been stored.
func (s *Store) LoadToken(ctx context.Context, accountID string) (*types.Token, error) {
	var row struct {
		AccessToken  string    `db:"access_token"`
		RefreshToken string    `db:"refresh_token"`
		TokenType    string    `db:"token_type"`
		ExpiresAt    time.Time `db:"expires_at"`
	}
	err := s.db().GetContext(ctx, &row,
		"SELECT access_token, refresh_token, token_type, expires_at FROM tokens WHERE account_id = ?", accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mailerr.Cache("load token", err)
	}
	return &types.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

// SaveToken persists an account's OAuth2 token
func (s *Store) SaveToken(ctx context.Context, accountID string, tok *types.Token) error {
	_, err := s.db().ExecContext(ctx, `
		INSERT INTO tokens (account_id, access_token, refresh_token, token_type, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, accountID, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.ExpiresAt.UTC())
	if err != nil {
		return mailerr.Cache("save token", err)
	}
	return nil
}

// DeleteToken removes an account's OAuth2 token
func (s *Store) DeleteToken(ctx context.Context, accountID string) error {
	if _, err := s.db().ExecContext(ctx, "DELETE FROM tokens WHERE account_id = ?", accountID); err != nil {
		return mailerr.Cache("delete token", err)
	}
	return nil
}
