package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/public"
)

// Account identifies a signed-in user known to the cache.
type Account = public.Account

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for New.
type clientConfig struct {
	baseTransport     http.RoundTripper
	timeout           time.Duration
	cache             cache.ExportReplace
	instanceDiscovery bool
	now               func() time.Time
}

// WithTransport sets a custom base transport for identity provider requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds every individual HTTP request to the identity provider.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithCache persists the account cache through accessor. The client reads it before
// every cache lookup and hands it back after every change.
func WithCache(accessor cache.ExportReplace) Option {
	return func(c *clientConfig) {
		c.cache = accessor
	}
}

// WithoutInstanceDiscovery skips authority validation against the Microsoft cloud
// metadata, for private clouds and local authorities.
func WithoutInstanceDiscovery() Option {
	return func(c *clientConfig) {
		c.instanceDiscovery = false
	}
}

// WithClock overrides the time source used to report device code lifetimes.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) {
		c.now = now
	}
}

// Result is a successful token acquisition.
type Result struct {
	AccessToken string
	ExpiresOn   time.Time
	Scopes      []string
	Account     Account
}

// DeviceCode is what the user needs to complete a device-code sign-in.
type DeviceCode struct {
	UserCode        string
	VerificationURL string
	Message         string
	// ExpiresIn is zero when the provider did not say how long the code is valid.
	ExpiresIn time.Duration
}

// Client is a public client of the Microsoft identity platform. It is safe for
// concurrent use.
type Client struct {
	app public.Client
	now func() time.Time
}

// New creates a Client for clientID against authority
// (e.g. https://login.microsoftonline.com/common).
func New(clientID string, authority *url.URL, opts ...Option) (*Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("missing client id")
	}
	if authority == nil || authority.Scheme == "" || authority.Host == "" {
		return nil, fmt.Errorf("invalid authority %v", authority)
	}

	cfg := &clientConfig{
		baseTransport:     http.DefaultTransport,
		timeout:           30 * time.Second,
		instanceDiscovery: true,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	appOpts := []public.Option{
		public.WithAuthority(strings.TrimRight(authority.String(), "/")),
		public.WithHTTPClient(&http.Client{
			// Bounds each request; device-code polling as a whole is bounded by the code expiry
			Timeout:   cfg.timeout,
			Transport: cfg.baseTransport,
		}),
		public.WithInstanceDiscovery(cfg.instanceDiscovery),
	}
	if cfg.cache != nil {
		appOpts = append(appOpts, public.WithCache(cfg.cache))
	}

	app, err := public.New(clientID, appOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating public client: %w", err)
	}

	return &Client{app: app, now: cfg.now}, nil
}

// Accounts returns the accounts in the cache.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	accounts, err := c.app.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading accounts: %w", err)
	}
	return accounts, nil
}

// RemoveAccount deletes the account and its tokens from the cache.
// Removing an unknown account is not an error.
func (c *Client) RemoveAccount(ctx context.Context, account Account) error {
	if err := c.app.RemoveAccount(ctx, account); err != nil {
		return fmt.Errorf("removing account: %w", err)
	}
	return nil
}

// AcquireTokenByDeviceCode runs the device authorization grant for scopes.
// onCode is called exactly once, after the provider issued the code and before polling
// starts. The call blocks until the user completes sign-in, the code expires, or ctx is
// done.
func (c *Client) AcquireTokenByDeviceCode(ctx context.Context, scopes []string, onCode func(DeviceCode)) (Result, error) {
	if onCode == nil {
		return Result{}, fmt.Errorf("missing device code callback")
	}

	dc, err := c.app.AcquireTokenByDeviceCode(ctx, scopes)
	if err != nil {
		return Result{}, fmt.Errorf("requesting device code: %w", err)
	}

	onCode(DeviceCode{
		UserCode:        dc.Result.UserCode,
		VerificationURL: dc.Result.VerificationURL,
		Message:         instructions(dc.Result),
		ExpiresIn:       remaining(dc.Result.ExpiresOn, c.now()),
	})

	res, err := dc.AuthenticationResult(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("polling device code: %w", err)
	}
	return newResult(res), nil
}

// AcquireTokenSilent returns an access token for account without user interaction.
// A cached access token is returned if it covers scopes and is not about to expire;
// otherwise the account's refresh token is redeemed.
func (c *Client) AcquireTokenSilent(ctx context.Context, account Account, scopes []string) (Result, error) {
	res, err := c.app.AcquireTokenSilent(ctx, scopes, public.WithSilentAccount(account))
	if err != nil {
		return Result{}, fmt.Errorf("acquiring token silently: %w", err)
	}
	return newResult(res), nil
}

func newResult(res public.AuthResult) Result {
	return Result{
		AccessToken: res.AccessToken,
		ExpiresOn:   res.ExpiresOn,
		Scopes:      res.GrantedScopes,
		Account:     res.Account,
	}
}

// instructions returns the provider's sign-in message, or builds one when it sent none.
func instructions(dc public.DeviceCodeResult) string {
	if dc.Message != "" {
		return dc.Message
	}
	return fmt.Sprintf("To sign in, use a web browser to open the page %s and enter the code %s to authenticate.",
		dc.VerificationURL, dc.UserCode)
}

// remaining is the lifetime left at now, rounded to the second. An unknown expiry
// reports zero.
func remaining(expiresOn, now time.Time) time.Duration {
	if expiresOn.IsZero() {
		return 0
	}
	return max(expiresOn.Sub(now).Round(time.Second), 0)
}
