package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/ms365-auth/internal/identity"
)

// DefaultInteractiveScopes is requested during the device code flow unless configured
// otherwise. Silent renewal later asks for the full configured scope list.
var DefaultInteractiveScopes = []string{"User.Read"}

// DefaultProfileURL is the profile endpoint used by TestLogin.
const DefaultProfileURL = "https://graph.microsoft.com/v1.0/me"

// DeviceCode carries the instructions shown to the user during the device code flow.
type DeviceCode = identity.DeviceCode

// IdentityProvider acquires tokens and owns the account cache. The provider restores and
// persists the cache itself through its cache accessor.
// *identity.Client implements it.
type IdentityProvider interface {
	Accounts(ctx context.Context) ([]identity.Account, error)
	AcquireTokenSilent(ctx context.Context, account identity.Account, scopes []string) (identity.Result, error)
	AcquireTokenByDeviceCode(ctx context.Context, scopes []string, onCode func(identity.DeviceCode)) (identity.Result, error)
	RemoveAccount(ctx context.Context, account identity.Account) error
}

// CacheStore removes the persisted account cache.
// *tokencache.Persister implements it.
type CacheStore interface {
	Clear(ctx context.Context) error
}

// Configuration is the immutable authentication setup, built once at startup.
type Configuration struct {
	ClientID  string
	Authority *url.URL
	// Scopes are requested on silent renewal.
	Scopes []string
	// InteractiveScopes are requested during the device code flow.
	InteractiveScopes []string
	// ProfileURL is fetched by TestLogin with the access token as bearer credential.
	ProfileURL string
}

// TokenRecord is the in-memory access token.
type TokenRecord struct {
	AccessToken string
	Expiry      time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for the profile check.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the token lifecycle: it loads the persisted cache, serves the current
// access token, renews it silently, runs the interactive device code flow and logs out.
type Manager struct {
	cfg        Configuration
	provider   IdentityProvider
	cache      CacheStore
	httpClient *http.Client
	now        func() time.Time

	// renew collapses concurrent silent renewals into one provider call
	renew singleflight.Group

	mu     sync.Mutex
	record TokenRecord
	state  State
}

// Compile-time check to ensure Manager implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Manager)(nil)

// NewManager creates a Manager. No I/O is performed until LoadTokenCache or GetToken.
func NewManager(cfg Configuration, provider IdentityProvider, cache CacheStore, opts ...Option) (*Manager, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("missing client id")
	}
	if provider == nil {
		return nil, fmt.Errorf("missing identity provider")
	}
	if cache == nil {
		return nil, fmt.Errorf("missing cache store")
	}

	cfg.Scopes = slices.Clone(cfg.Scopes)
	cfg.InteractiveScopes = slices.Clone(cfg.InteractiveScopes)
	if len(cfg.InteractiveScopes) == 0 {
		cfg.InteractiveScopes = slices.Clone(DefaultInteractiveScopes)
	}
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = DefaultProfileURL
	}

	m := &Manager{
		cfg:        cfg,
		provider:   provider,
		cache:      cache,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		state:      StateUninitialized,
	}
	for _, opt := range opts {
		opt(m)
	}

	slog.Info("initializing auth manager",
		"client_id", cfg.ClientID,
		"scopes", cfg.Scopes,
		"interactive_scopes", cfg.InteractiveScopes,
	)

	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// LoadTokenCache restores the account cache from persistent storage by asking the
// provider for its accounts.
//
// A cache that cannot be read or decoded is treated as unrecoverable: both storage tiers
// are cleared and the manager starts fresh. Only context cancellation is returned.
func (m *Manager) LoadTokenCache(ctx context.Context) error {
	accounts, err := m.provider.Accounts(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.resetCorruptedCache(ctx, err)
		return nil
	}
	if len(accounts) == 0 {
		return nil
	}

	m.setState(StateCacheLoaded)
	slog.InfoContext(ctx, "found cached accounts", "count", len(accounts))
	return nil
}

// resetCorruptedCache clears both tiers so the same bad cache is not loaded again.
func (m *Manager) resetCorruptedCache(ctx context.Context, cause error) {
	slog.ErrorContext(ctx, "error loading token cache, clearing persisted state", "error", cause)

	if err := m.cache.Clear(ctx); err != nil {
		slog.WarnContext(ctx, "failed to clear corrupted token cache", "error", err)
	} else {
		slog.InfoContext(ctx, "cleared persisted token cache due to load error")
	}
	m.setState(StateUninitialized)
}

// GetToken returns a valid access token.
//
// The in-memory token is returned when it has not expired and forceRefresh is false.
// Otherwise the first cached account is renewed silently. When there is no account or
// renewal fails, the error wraps ErrNoValidToken; the interactive flow is never started
// from here.
func (m *Manager) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	rec, err := m.currentToken(ctx, forceRefresh)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// Token implements oauth2.TokenSource for HTTP clients.
func (m *Manager) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	rec, err := m.currentToken(context.Background(), false)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: rec.AccessToken,
		TokenType:   "Bearer",
		Expiry:      rec.Expiry,
	}, nil
}

func (m *Manager) currentToken(ctx context.Context, forceRefresh bool) (TokenRecord, error) {
	m.mu.Lock()
	rec := m.record
	if rec.AccessToken != "" && rec.Expiry.After(m.now()) && !forceRefresh {
		m.mu.Unlock()
		return rec, nil
	}
	if rec.AccessToken != "" && !forceRefresh {
		m.state = StateExpired
	}
	m.mu.Unlock()

	// The shared renewal outlives any single caller; each caller stops waiting on its own ctx
	ch := m.renew.DoChan("silent", func() (any, error) {
		return m.acquireSilent(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return TokenRecord{}, res.Err
		}
		return res.Val.(TokenRecord), nil
	case <-ctx.Done():
		return TokenRecord{}, fmt.Errorf("waiting for token renewal: %w", ctx.Err())
	}
}

func (m *Manager) acquireSilent(ctx context.Context) (TokenRecord, error) {
	accounts, err := m.provider.Accounts(ctx)
	if err != nil {
		return TokenRecord{}, fmt.Errorf("%w: listing accounts: %w", ErrNoValidToken, err)
	}
	if len(accounts) == 0 {
		return TokenRecord{}, ErrNoValidToken
	}

	// No disambiguation: the first listed account wins
	res, err := m.provider.AcquireTokenSilent(ctx, accounts[0], m.cfg.Scopes)
	if err != nil {
		slog.InfoContext(ctx, "silent token acquisition failed, interactive login required", "error", err)
		m.setState(StateSilentRefreshFailed)
		return TokenRecord{}, fmt.Errorf("%w: %w", ErrNoValidToken, err)
	}

	return m.storeRecord(res), nil
}

// storeRecord replaces the in-memory token and marks the manager valid.
func (m *Manager) storeRecord(res identity.Result) TokenRecord {
	rec := TokenRecord{
		AccessToken: res.AccessToken,
		Expiry:      res.ExpiresOn,
	}

	m.mu.Lock()
	m.record = rec
	m.state = StateValid
	m.mu.Unlock()

	return rec
}

// AcquireTokenByDeviceCode signs the user in interactively.
//
// All existing tokens are cleared first. onCodeIssued is called exactly once with the
// code and URL the user must visit; the call then blocks until the user completes
// sign-in, the code expires, or ctx is done. Failures are returned as
// *InteractiveFlowError wrapping the provider error.
func (m *Manager) AcquireTokenByDeviceCode(ctx context.Context, onCodeIssued func(DeviceCode)) (string, error) {
	if onCodeIssued == nil {
		return "", fmt.Errorf("missing device code callback")
	}

	if err := m.Logout(ctx); err != nil {
		slog.WarnContext(ctx, "error during pre-login cleanup", "error", err)
	} else {
		slog.InfoContext(ctx, "cleared existing tokens for fresh login")
	}

	slog.InfoContext(ctx, "requesting device code",
		"client_id", m.cfg.ClientID,
		"authority", m.authority(),
		"scopes", m.cfg.Scopes,
		"interactive_scopes", m.cfg.InteractiveScopes,
	)
	m.setState(StateInteractiveFlowPending)

	var once sync.Once
	res, err := m.provider.AcquireTokenByDeviceCode(ctx, m.cfg.InteractiveScopes, func(dc identity.DeviceCode) {
		once.Do(func() {
			slog.InfoContext(ctx, "device code login initiated",
				"verification_url", dc.VerificationURL,
				"expires_in", dc.ExpiresIn.String(),
			)
			onCodeIssued(dc)
		})
	})
	if err != nil {
		flowErr := classifyFlowError(ctx, err)
		slog.ErrorContext(ctx, "error in device code flow",
			"error", err,
			"kind", string(flowErr.Kind),
			"error_code", flowErr.Code,
			"error_description", flowErr.Description,
			"correlation_id", flowErr.CorrelationID,
		)
		if hint := flowErr.Kind.hint(); hint != "" {
			slog.ErrorContext(ctx, hint)
		}
		return "", flowErr
	}

	slog.InfoContext(ctx, "device code login successful", "account", res.Account.PreferredUsername)
	return m.storeRecord(res).AccessToken, nil
}

// Logout removes every account, clears the in-memory token and deletes both storage tiers.
// Storage deletion is best-effort per tier; an error is returned only if neither tier
// could be cleared.
func (m *Manager) Logout(ctx context.Context) error {
	// An unreadable cache has no accounts to remove; storage is still cleared below
	accounts, err := m.provider.Accounts(ctx)
	if err != nil {
		slog.WarnContext(ctx, "could not list accounts for logout", "error", err)
	}
	for _, account := range accounts {
		if err := m.provider.RemoveAccount(ctx, account); err != nil {
			return fmt.Errorf("removing account %s: %w", account.PreferredUsername, err)
		}
	}

	m.mu.Lock()
	m.record = TokenRecord{}
	m.state = StateLoggedOut
	m.mu.Unlock()

	if err := m.cache.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "error during logout", "error", err)
		return err
	}
	return nil
}

func (m *Manager) authority() string {
	if m.cfg.Authority == nil {
		return ""
	}
	return m.cfg.Authority.String()
}
