package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/ms365-auth/internal/auth"
	"github.com/florianilch/ms365-auth/internal/diagnostics"
	"github.com/florianilch/ms365-auth/internal/proxy"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTel LogFormat = "otel"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigOTLPProtocol    = "http"
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4365
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigAuthority       = "https://login.microsoftonline.com/common"
	DefaultConfigKeyringService  = "ms-365-mcp-server"
	DefaultConfigKeyringAccount  = "msal-token-cache"
	DefaultConfigFallbackFile    = ".ms365-token-cache.json"
	DefaultConfigGraphBaseURL    = proxy.DefaultGraphBaseURL
)

// DefaultConfigScopes are requested on silent renewal unless configured otherwise.
var DefaultConfigScopes = []string{
	"User.Read",
	"Mail.Read",
	"Mail.Send",
	"Calendars.ReadWrite",
	"Files.ReadWrite",
}

// OTLPConfig holds OpenTelemetry log export settings. Export is off without an endpoint.
type OTLPConfig struct {
	Endpoint string `json:"endpoint" validate:"omitempty,url"`
	Protocol string `json:"protocol" validate:"oneof=http grpc"`
}

// LogConfig holds log export configuration.
type LogConfig struct {
	OTLP OTLPConfig `json:"otlp"`
}

// AuthConfig holds the identity provider setup.
type AuthConfig struct {
	// ClientID of the app registration. Required by every command except troubleshoot.
	ClientID  string `json:"client_id" validate:"omitempty,uuid"`
	Authority string `json:"authority" validate:"required,url"`
	// Scopes are requested on silent renewal.
	Scopes []string `json:"scopes" validate:"required,min=1,dive,required"`
	// InteractiveScopes are requested during device code login.
	InteractiveScopes []string `json:"interactive_scopes" validate:"required,min=1,dive,required"`
	ProfileURL        string   `json:"profile_url" validate:"required,url"`
}

// StorageConfig describes where the token cache is persisted.
type StorageConfig struct {
	// Keyring enables the OS credential store. When disabled only the fallback file is used.
	Keyring        *bool  `json:"keyring"`
	KeyringService string `json:"keyring_service" validate:"required"`
	KeyringAccount string `json:"keyring_account" validate:"required"`
	// FallbackFile is used when the keyring is unavailable.
	FallbackFile string `json:"fallback_file" validate:"required"`
}

// KeyringEnabled reports whether the OS credential store is used.
func (s StorageConfig) KeyringEnabled() bool {
	return s.Keyring == nil || *s.Keyring
}

// GraphConfig holds the upstream of the serve proxy.
type GraphConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// DiagnosticsConfig holds troubleshoot settings.
type DiagnosticsConfig struct {
	// ForeignEntries are keyring entries of other tools reported as possible interference.
	ForeignEntries []diagnostics.KeyringEntry `json:"foreign_entries" validate:"dive"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level        `json:"log_level"`
	LogFormat   LogFormat         `json:"log_format" validate:"oneof=text json otel"`
	Log         LogConfig         `json:"log"`
	Auth        AuthConfig        `json:"auth"`
	Storage     StorageConfig     `json:"storage"`
	Graph       GraphConfig       `json:"graph"`
	Server      ServerConfig      `json:"server"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Log.OTLP.Protocol == "" {
		c.Log.OTLP.Protocol = DefaultConfigOTLPProtocol
	}
	if c.Auth.Authority == "" {
		c.Auth.Authority = DefaultConfigAuthority
	}
	if len(c.Auth.Scopes) == 0 {
		c.Auth.Scopes = append([]string(nil), DefaultConfigScopes...)
	}
	if len(c.Auth.InteractiveScopes) == 0 {
		c.Auth.InteractiveScopes = append([]string(nil), auth.DefaultInteractiveScopes...)
	}
	if c.Auth.ProfileURL == "" {
		c.Auth.ProfileURL = auth.DefaultProfileURL
	}
	if c.Storage.KeyringService == "" {
		c.Storage.KeyringService = DefaultConfigKeyringService
	}
	if c.Storage.KeyringAccount == "" {
		c.Storage.KeyringAccount = DefaultConfigKeyringAccount
	}
	if c.Storage.FallbackFile == "" {
		dir, err := ExecutableDir()
		if err != nil {
			return fmt.Errorf("storage.fallback_file required (auto-detect failed: %w)", err)
		}
		c.Storage.FallbackFile = filepath.Join(dir, DefaultConfigFallbackFile)
	}
	if c.Graph.BaseURL == "" {
		c.Graph.BaseURL = DefaultConfigGraphBaseURL
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Diagnostics.ForeignEntries == nil {
		c.Diagnostics.ForeignEntries = append([]diagnostics.KeyringEntry(nil), diagnostics.DefaultForeignEntries...)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	authority, err := url.Parse(c.Auth.Authority)
	if err != nil {
		return fmt.Errorf("invalid auth.authority: %w", err)
	}
	if authority.Scheme != "https" {
		return errors.New("auth.authority must use https")
	}

	return nil
}

// RequireClientID reports a missing client id. Commands that talk to the identity
// provider call it; troubleshoot does not.
func (c *Config) RequireClientID() error {
	if c.Auth.ClientID == "" {
		return errors.New("auth.client_id is not set (MS365_CLIENT_ID)")
	}
	return nil
}

// AuthConfiguration builds the immutable configuration of the token lifecycle manager.
func (c *Config) AuthConfiguration() (auth.Configuration, error) {
	authority, err := url.Parse(c.Auth.Authority)
	if err != nil {
		return auth.Configuration{}, fmt.Errorf("invalid auth.authority: %w", err)
	}
	return auth.Configuration{
		ClientID:          c.Auth.ClientID,
		Authority:         authority,
		Scopes:            append([]string(nil), c.Auth.Scopes...),
		InteractiveScopes: append([]string(nil), c.Auth.InteractiveScopes...),
		ProfileURL:        c.Auth.ProfileURL,
	}, nil
}

// ExecutableDir returns the directory holding the running binary, symlinks resolved.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}
