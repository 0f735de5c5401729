package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/ms365-auth/internal/auth"
	"github.com/florianilch/ms365-auth/internal/identity"
	"github.com/florianilch/ms365-auth/internal/proxy"
	"github.com/florianilch/ms365-auth/internal/tokencache"
	"github.com/florianilch/ms365-auth/internal/tokenstore"
)

// Stores are the two persistence tiers of the token cache.
type Stores struct {
	// Keyring is nil when the OS credential store is disabled.
	Keyring  *tokenstore.KeyringStore
	Fallback *tokenstore.FileStore
}

// NewStores creates the storage tiers described by cfg. No I/O is performed.
func NewStores(cfg StorageConfig) (Stores, error) {
	fallback, err := tokenstore.NewFileStore(cfg.FallbackFile)
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create fallback store: %w", err)
	}

	stores := Stores{Fallback: fallback}
	if cfg.KeyringEnabled() {
		stores.Keyring, err = tokenstore.NewKeyringStore(cfg.KeyringService, cfg.KeyringAccount)
		if err != nil {
			return Stores{}, fmt.Errorf("failed to create keyring store: %w", err)
		}
	}
	return stores, nil
}

// Persister combines the tiers into the token cache persister.
func (s Stores) Persister() (*tokencache.Persister, error) {
	var secure tokenstore.TokenStore
	if s.Keyring != nil {
		secure = s.Keyring
	}
	return tokencache.New(secure, s.Fallback)
}

// NewManager wires the identity client, the storage tiers and the token lifecycle manager,
// then loads the persisted token cache.
func NewManager(ctx context.Context, cfg *Config, opts ...identity.Option) (*auth.Manager, error) {
	if err := cfg.RequireClientID(); err != nil {
		return nil, err
	}

	authCfg, err := cfg.AuthConfiguration()
	if err != nil {
		return nil, err
	}

	stores, err := NewStores(cfg.Storage)
	if err != nil {
		return nil, err
	}
	persister, err := stores.Persister()
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}

	client, err := identity.New(authCfg.ClientID, authCfg.Authority, append(opts, identity.WithCache(persister))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity client: %w", err)
	}

	manager, err := auth.NewManager(authCfg, client, persister)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth manager: %w", err)
	}

	if err := manager.LoadTokenCache(ctx); err != nil {
		return nil, fmt.Errorf("failed to load token cache: %w", err)
	}

	return manager, nil
}

// App orchestrates the lifecycle of the local HTTP surface.
type App struct {
	cfg   *Config
	proxy *proxy.Proxy
}

// New creates a new App serving tokens from manager.
func New(cfg *Config, manager *auth.Manager) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	proxyServer, err := proxy.New(manager, proxy.WithGraphBaseURL(cfg.Graph.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:   cfg,
		proxy: proxyServer,
	}, nil
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	slog.InfoContext(gCtx, "starting token server", "address", address)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
