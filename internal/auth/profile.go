package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// UserData is the subset of the signed-in user's profile reported by TestLogin.
type UserData struct {
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// LoginCheck is the outcome of TestLogin.
type LoginCheck struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	UserData *UserData `json:"userData,omitempty"`
}

// TestLogin checks that a token can be obtained and accepted by the profile endpoint.
// It never returns an error: every failure is described in the result.
func (m *Manager) TestLogin(ctx context.Context) LoginCheck {
	slog.InfoContext(ctx, "testing login")

	token, err := m.GetToken(ctx, false)
	if err != nil {
		slog.ErrorContext(ctx, "login test failed", "error", err)
		return LoginCheck{Message: fmt.Sprintf("Login failed: %v", err)}
	}
	if token == "" {
		slog.ErrorContext(ctx, "login test failed - no token received")
		return LoginCheck{Message: "Login failed - no token received"}
	}

	slog.InfoContext(ctx, "token retrieved successfully, testing profile access", "url", m.cfg.ProfileURL)

	user, err := m.fetchProfile(ctx, token)
	if err != nil {
		slog.ErrorContext(ctx, "profile fetch failed", "error", err)
		return LoginCheck{Message: fmt.Sprintf("Login successful but Graph API access failed: %v", err)}
	}

	slog.InfoContext(ctx, "profile fetch successful")
	return LoginCheck{
		Success:  true,
		Message:  "Login successful",
		UserData: user,
	}
}

// profileStatusError is a non-success response from the profile endpoint.
type profileStatusError struct {
	status int
}

func (e *profileStatusError) Error() string {
	return fmt.Sprintf("%d", e.status)
}

func (m *Manager) fetchProfile(ctx context.Context, token string) (*UserData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProfileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		slog.ErrorContext(ctx, "profile endpoint returned an error",
			"status", resp.StatusCode, "body", string(body))
		return nil, &profileStatusError{status: resp.StatusCode}
	}

	var user UserData
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &user, nil
}
