package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/florianilch/ms365-auth/internal/auth"
)

// TokenResponse is the body of GET /token.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ErrorResponse is the body of every failure the broker answers itself.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (p *Proxy) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok, err := p.ts.Token()
	if err != nil {
		if errors.Is(err, auth.ErrNoValidToken) {
			slog.InfoContext(ctx, "token requested but no valid token available", "error", err)
			respondError(ctx, w, http.StatusUnauthorized, "not logged in, run the login command")
			return
		}
		slog.ErrorContext(ctx, "token retrieval failed", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "token retrieval failed")
		return
	}

	respond(ctx, w, http.StatusOK, TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		ExpiresAt:   tok.Expiry.UTC(),
	})
}

// respond writes body as an uncacheable JSON document. The body is encoded before the
// status line so an encoding failure still yields a well-formed 500.
func respond(ctx context.Context, w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
		status = http.StatusInternalServerError
		data = []byte(`{"error":"internal error"}`)
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

// respondError answers with an ErrorResponse tagged with the request id, if one was assigned.
func respondError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	respond(ctx, w, status, ErrorResponse{
		Error:     message,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}
