package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	msalerrors "github.com/AzureAD/microsoft-authentication-library-for-go/apps/errors"

	"github.com/florianilch/ms365-auth/internal/tokencache"
)

var (
	// ErrNoValidToken is returned when no access token can be produced without user
	// interaction. Recover by running the device code flow.
	ErrNoValidToken = errors.New("no valid token found")

	// ErrCacheCorrupted reports a persisted cache that could not be restored.
	// LoadTokenCache recovers from it by clearing all persisted state.
	ErrCacheCorrupted = tokencache.ErrCacheCorrupted
)

// FlowErrorKind classifies device code flow failures for diagnostics.
type FlowErrorKind string

const (
	FlowErrorInvalidClient FlowErrorKind = "invalid_client"
	FlowErrorScope         FlowErrorKind = "scope_error"
	FlowErrorNetwork       FlowErrorKind = "network_error"
	FlowErrorUnclassified  FlowErrorKind = "unclassified"
)

// hint is logged next to a classified failure.
func (k FlowErrorKind) hint() string {
	switch k {
	case FlowErrorInvalidClient:
		return "invalid client ID - check your Azure AD app registration"
	case FlowErrorScope:
		return "scope issue detected - the app might not have the requested permissions"
	case FlowErrorNetwork:
		return "network error detected - check your internet connection and firewall"
	default:
		return ""
	}
}

// InteractiveFlowError wraps a device code flow failure with its classification.
// Unwrap returns the original provider error.
type InteractiveFlowError struct {
	Kind          FlowErrorKind
	Code          string
	Description   string
	CorrelationID string
	Err           error
}

func (e *InteractiveFlowError) Error() string {
	return fmt.Sprintf("device code flow failed (%s): %v", e.Kind, e.Err)
}

func (e *InteractiveFlowError) Unwrap() error {
	return e.Err
}

// providerErrorBody is the error document returned by the Microsoft identity platform.
type providerErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	CorrelationID    string `json:"correlation_id"`
}

// classifyFlowError inspects err and returns it wrapped in an InteractiveFlowError.
// ctx is the context the flow ran with.
func classifyFlowError(ctx context.Context, err error) *InteractiveFlowError {
	flowErr := &InteractiveFlowError{Kind: FlowErrorUnclassified, Err: err}

	if body, ok := readProviderError(err); ok {
		flowErr.Code = body.Error
		flowErr.Description = body.ErrorDescription
		flowErr.CorrelationID = body.CorrelationID
	}

	var (
		urlErr *url.Error
		netErr net.Error
	)
	switch {
	case flowErr.Code == "invalid_client" || flowErr.Code == "unauthorized_client":
		flowErr.Kind = FlowErrorInvalidClient
	case strings.Contains(strings.ToLower(flowErr.Code+" "+flowErr.Description), "scope"):
		flowErr.Kind = FlowErrorScope
	case ctx.Err() != nil:
		// Caller gave up
	case errors.As(err, &urlErr):
		// Includes http.Client timeouts, which also match context.DeadlineExceeded
		flowErr.Kind = FlowErrorNetwork
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Device code expired
	case errors.As(err, &netErr):
		flowErr.Kind = FlowErrorNetwork
	}

	return flowErr
}

// readProviderError decodes the error document of a failed identity provider call.
func readProviderError(err error) (providerErrorBody, bool) {
	var callErr msalerrors.CallErr
	if !errors.As(err, &callErr) || callErr.Resp == nil || callErr.Resp.Body == nil {
		return providerErrorBody{}, false
	}

	data, readErr := io.ReadAll(callErr.Resp.Body)
	// Leave the body readable for anyone inspecting the error later
	callErr.Resp.Body = io.NopCloser(bytes.NewReader(data))
	if readErr != nil {
		return providerErrorBody{}, false
	}

	var body providerErrorBody
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		return providerErrorBody{}, false
	}
	return body, true
}
