package tokenstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports that the store holds no entry at its location.
	ErrNotFound = errors.New("token store entry not found")

	// ErrUnavailable reports that the backend itself could not be used
	// (locked keyring, missing platform API, permission denied).
	// Callers treat it as a signal to use another tier, not as fatal.
	ErrUnavailable = errors.New("token store unavailable")
)

// TokenStore reads, writes and deletes one secret at a fixed location.
//
// The secret is an opaque string; stores never parse it.
type TokenStore interface {
	// Read returns the stored secret. Returns ErrNotFound if nothing is stored.
	Read(ctx context.Context) (string, error)

	// Write persists the secret, replacing any existing value.
	Write(ctx context.Context, secret string) error

	// Delete removes the secret. Deleting a missing entry is not an error.
	Delete(ctx context.Context) error

	// Location describes where the secret lives, for logs and reports.
	Location() string
}
