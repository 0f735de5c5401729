package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements TokenStore
var _ TokenStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the entry identified by service and user.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Read returns the secret from the system keyring.
func (k *KeyringStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	secret, err := keyring.Get(k.service, k.user)
	if err != nil {
		return "", k.translate(err)
	}

	// Some backends store an empty value instead of removing the entry
	if secret == "" {
		return "", ErrNotFound
	}

	return secret, nil
}

// Write persists the secret to the system keyring, overwriting any existing value.
func (k *KeyringStore) Write(ctx context.Context, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Set(k.service, k.user, secret); err != nil {
		return k.translate(err)
	}
	return nil
}

// Delete removes the entry from the system keyring. A missing entry is not an error.
func (k *KeyringStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := keyring.Delete(k.service, k.user)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return k.translate(err)
}

// Location returns "keyring:<service>/<user>".
func (k *KeyringStore) Location() string {
	return "keyring:" + k.service + "/" + k.user
}

// translate maps go-keyring errors onto the package sentinels.
func (k *KeyringStore) translate(err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	// ErrSetDataTooBig, D-Bus failures, locked keychains: all make the tier unusable
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, k.Location(), err)
}
