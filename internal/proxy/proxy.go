package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/ms365-auth/internal/auth"
)

// DefaultGraphBaseURL is the upstream of the /graph/ route.
const DefaultGraphBaseURL = "https://graph.microsoft.com"

// Proxy is the local HTTP surface: a token endpoint and a bearer-injecting reverse proxy.
type Proxy struct {
	ts     oauth2.TokenSource
	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

type options struct {
	graphBaseURL string
	transport    http.RoundTripper
}

// Option configures a Proxy.
type Option func(*options)

// WithGraphBaseURL sets the upstream for /graph/ requests.
func WithGraphBaseURL(baseURL string) Option {
	return func(o *options) {
		o.graphBaseURL = baseURL
	}
}

// WithTransport sets the transport used below the bearer injection.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// New creates a Proxy serving tokens from ts.
func New(ts oauth2.TokenSource, opts ...Option) (*Proxy, error) {
	if ts == nil {
		return nil, errors.New("missing token source")
	}

	o := options{graphBaseURL: DefaultGraphBaseURL}
	for _, opt := range opts {
		opt(&o)
	}

	upstream, err := url.Parse(o.graphBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid graph URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid graph URL: %q is not absolute", o.graphBaseURL)
	}

	// Any client credentials are replaced by the broker's bearer token
	graphProxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Header.Del("Cookie")
		},
		Transport: &oauth2.Transport{Source: ts, Base: o.transport},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.ErrorContext(r.Context(), "graph request failed", "error", err)
			if errors.Is(err, auth.ErrNoValidToken) {
				respondError(r.Context(), w, http.StatusUnauthorized, "not logged in")
				return
			}
			respondError(r.Context(), w, http.StatusBadGateway, "upstream request failed")
		},
	}

	p := &Proxy{ts: ts, mux: http.NewServeMux()}
	logger := slog.Default()

	p.mux.Handle("GET /token", applyMiddlewares(http.HandlerFunc(p.handleToken),
		Logging(logger),
		RequestID,
		Recovery,
	))
	p.mux.Handle("/graph/", applyMiddlewares(http.StripPrefix("/graph", graphProxy),
		Logging(logger),
		RequestID,
		Recovery,
	))

	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
