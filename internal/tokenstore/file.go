package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// FileStore provides atomic file-based storage with owner-only permissions.
// Contents are stored as raw bytes without encryption.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath string
}

// Compile-time check to ensure FileStore implements TokenStore
var _ TokenStore = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path.
// Parent directories are created lazily on first write.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	return &FileStore{
		filePath: filePath,
	}, nil
}

// Read returns the raw file contents. Returns ErrNotFound if the file doesn't exist or is empty.
func (f *FileStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(f.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.WarnContext(ctx, "token cache file is readable by other users",
			"path", f.filePath, "mode", fmt.Sprintf("%04o", perm))
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrNotFound
	}
	return string(data), nil
}

// Write atomically saves the secret using temp file + rename.
// Sets file permissions to 0600 (owner read/write only).
func (f *FileStore) Write(ctx context.Context, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(dir, ".*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.WriteString(secret); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Chmod(0o600); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	return os.Rename(tempName, f.filePath)
}

// Delete removes the file. A missing file is not an error.
func (f *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(f.filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether the file is present, regardless of its contents.
func (f *FileStore) Exists() bool {
	_, err := os.Stat(f.filePath)
	return err == nil
}

// Location returns the file path.
func (f *FileStore) Location() string {
	return f.filePath
}
