package config

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// ErrNoPassword is returned when neither the config nor the keyring hold a
// password for a server.
var ErrNoPassword = errors.New("no password configured")

// ResolvePassword returns the configured password, or the one stored in
// the system keyring under the server's username.
func (s ServerConfig) ResolvePassword() (string, error) {
	if s.Password != "" {
		return s.Password, nil
	}
	password, err := keyring.Get(AppName, s.Username)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w for %s", ErrNoPassword, s.Username)
		}
		return "", fmt.Errorf("failed to read keyring: %w", err)
	}
	return password, nil
}

// StorePassword saves a password for username in the system keyring
func StorePassword(username, password string) error {
	return keyring.Set(AppName, username, password)
}

// DeletePassword removes username's password from the system keyring
func DeletePassword(username string) error {
	err := keyring.Delete(AppName, username)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
