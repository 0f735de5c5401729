// Package tokencache persists the serialized identity-provider cache across two storage
// tiers: the OS keyring (preferred) and a plaintext fallback file.
//
// The blob is handled as one atomic unit. It is never parsed, merged or partially
// updated here. Persister plugs into the identity client as its cache accessor
// (cache.ExportReplace), so every change the client makes is written back.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"

	"github.com/florianilch/ms365-auth/internal/tokenstore"
)

var (
	// ErrNoCache is returned by Load when neither tier holds a cache.
	ErrNoCache = errors.New("no persisted token cache")

	// ErrCacheCorrupted reports a persisted cache the identity client could not restore.
	ErrCacheCorrupted = errors.New("token cache corrupted")
)

// Source identifies the tier a cache was loaded from.
type Source string

const (
	SourceNone     Source = ""
	SourceKeyring  Source = "keyring"
	SourceFallback Source = "fallback"
)

// Persister loads and saves the cache blob, secure tier first.
type Persister struct {
	secure   tokenstore.TokenStore // nil disables the secure tier
	fallback tokenstore.TokenStore

	mu     sync.Mutex
	loaded bool
}

// Compile-time check that Persister can back the identity client's cache.
var _ cache.ExportReplace = (*Persister)(nil)

// New creates a Persister. secure may be nil when the keyring is disabled by configuration.
func New(secure, fallback tokenstore.TokenStore) (*Persister, error) {
	if fallback == nil {
		return nil, fmt.Errorf("missing fallback store")
	}
	return &Persister{
		secure:   secure,
		fallback: fallback,
	}, nil
}

// Load returns the persisted blob and the tier it came from.
// Keyring failures are logged and degrade to the fallback file.
func (p *Persister) Load(ctx context.Context) ([]byte, Source, error) {
	if p.secure != nil {
		blob, err := p.secure.Read(ctx)
		switch {
		case err == nil:
			slog.InfoContext(ctx, "found token cache in system keyring", "location", p.secure.Location())
			return []byte(blob), SourceKeyring, nil
		case errors.Is(err, tokenstore.ErrNotFound):
			// fall through to file
		case errors.Is(err, tokenstore.ErrUnavailable):
			slog.WarnContext(ctx, "keyring access failed, falling back to file storage", "error", err)
		default:
			return nil, SourceNone, err
		}
	}

	blob, err := p.fallback.Read(ctx)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil, SourceNone, ErrNoCache
		}
		return nil, SourceNone, fmt.Errorf("reading fallback cache %s: %w", p.fallback.Location(), err)
	}

	slog.InfoContext(ctx, "found token cache in fallback file", "path", p.fallback.Location())
	return []byte(blob), SourceFallback, nil
}

// Save writes the blob to the keyring, or to the fallback file if the keyring write fails.
// After a successful keyring write any fallback file is removed so that only one copy is
// authoritative. Only a failed fallback write is returned as an error.
func (p *Persister) Save(ctx context.Context, blob []byte) error {
	if p.secure != nil {
		err := p.secure.Write(ctx, string(blob))
		if err == nil {
			if err := p.fallback.Delete(ctx); err != nil {
				slog.WarnContext(ctx, "failed to remove stale fallback cache file",
					"path", p.fallback.Location(), "error", err)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		slog.WarnContext(ctx, "keyring save failed, falling back to file storage", "error", err)
	}

	if err := p.fallback.Write(ctx, string(blob)); err != nil {
		return fmt.Errorf("writing fallback cache %s: %w", p.fallback.Location(), err)
	}
	return nil
}

// Clear deletes the cache from both tiers. Each deletion is best-effort; an error is
// returned only when no tier could be cleared.
func (p *Persister) Clear(ctx context.Context) error {
	var errs []error

	if p.secure != nil {
		if err := p.secure.Delete(ctx); err != nil {
			slog.WarnContext(ctx, "keyring deletion failed", "error", err)
			errs = append(errs, fmt.Errorf("keyring: %w", err))
		}
	}

	if err := p.fallback.Delete(ctx); err != nil {
		slog.WarnContext(ctx, "fallback cache deletion failed", "path", p.fallback.Location(), "error", err)
		errs = append(errs, fmt.Errorf("fallback file: %w", err))
	}

	tiers := 1
	if p.secure != nil {
		tiers = 2
	}
	if len(errs) == tiers {
		return fmt.Errorf("clearing token cache: %w", errors.Join(errs...))
	}
	return nil
}

// Replace restores the client cache from storage. Storage is read until one load
// succeeds; after that the client's in-memory cache is authoritative and is left as is.
// A blob the client rejects is reported as ErrCacheCorrupted.
func (p *Persister) Replace(ctx context.Context, target cache.Unmarshaler, _ cache.ReplaceHints) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded {
		return nil
	}

	blob, source, err := p.Load(ctx)
	switch {
	case errors.Is(err, ErrNoCache):
		slog.InfoContext(ctx, "no existing token cache found, starting fresh")
	case err != nil:
		return err
	default:
		if err := target.Unmarshal(blob); err != nil {
			return fmt.Errorf("%w: %s copy: %w", ErrCacheCorrupted, source, err)
		}
		slog.InfoContext(ctx, "successfully loaded token cache", "source", string(source))
	}

	p.loaded = true
	return nil
}

// Export writes the client cache to storage. Failures are logged and not returned.
func (p *Persister) Export(ctx context.Context, source cache.Marshaler, _ cache.ExportHints) error {
	blob, err := source.Marshal()
	if err != nil {
		slog.ErrorContext(ctx, "error serializing token cache", "error", err)
		return nil
	}
	if err := p.Save(ctx, blob); err != nil {
		slog.ErrorContext(ctx, "error saving token cache", "error", err)
	}
	return nil
}
