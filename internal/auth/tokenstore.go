package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/mailerr"
	"github.com/brandon/mailsync/pkg/types"
)

// TokenStore persists OAuth2 tokens per account. LoadToken returns nil
// and no error when nothing is stored.
type TokenStore interface {
	LoadToken(ctx context.Context, accountID string) (*types.Token, error)
	SaveToken(ctx context.Context, accountID string, tok *types.Token) error
	DeleteToken(ctx context.Context, accountID string) error
}

const keyringService = config.AppName + "-oauth2"

// KeyringStore keeps tokens in the system keyring as JSON
type KeyringStore struct{}

// NewKeyringStore creates a keyring-backed token store
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (KeyringStore) LoadToken(_ context.Context, accountID string) (*types.Token, error) {
	raw, err := keyring.Get(keyringService, accountID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, mailerr.Cache("read token from keyring", err)
	}
	var tok types.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, mailerr.Cache("decode token", err)
	}
	return &tok, nil
}

func (KeyringStore) SaveToken(_ context.Context, accountID string, tok *types.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := keyring.Set(keyringService, accountID, string(raw)); err != nil {
		return mailerr.Cache("write token to keyring", err)
	}
	return nil
}

func (KeyringStore) DeleteToken(_ context.Context, accountID string) error {
	err := keyring.Delete(keyringService, accountID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return mailerr.Cache("delete token from keyring", err)
	}
	return nil
}
