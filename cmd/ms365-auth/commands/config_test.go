package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/florianilch/ms365-auth/internal/app"
	"github.com/florianilch/ms365-auth/internal/auth"
)

const testClientID = "6e5d1c2a-3f4b-4a8e-9c7d-0b1a2c3d4e5f"

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", "", nil, environ())
	require.NoError(t, err)

	assert.Empty(t, cfg.Auth.ClientID)
	assert.Equal(t, app.DefaultConfigAuthority, cfg.Auth.Authority)
	assert.Equal(t, app.DefaultConfigScopes, cfg.Auth.Scopes)
	assert.Equal(t, auth.DefaultInteractiveScopes, cfg.Auth.InteractiveScopes)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "config.toml", `
log_level = "debug"
log_format = "json"

[auth]
client_id = "`+testClientID+`"
authority = "https://login.microsoftonline.com/contoso.onmicrosoft.com"
scopes = ["User.Read", "Mail.Read"]

[storage]
keyring = false
fallback_file = "/var/lib/ms365/cache.json"

[shutdown]
timeout = "10s"
`)

	cfg, err := loadConfig(path, "", nil, environ())
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, app.LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, testClientID, cfg.Auth.ClientID)
	assert.Equal(t, []string{"User.Read", "Mail.Read"}, cfg.Auth.Scopes)
	assert.False(t, cfg.Storage.KeyringEnabled())
	assert.Equal(t, "/var/lib/ms365/cache.json", cfg.Storage.FallbackFile)
	assert.Equal(t, 10*time.Second, cfg.Shutdown.Timeout)
}

func TestLoadConfigEnvironment(t *testing.T) {
	cfg, err := loadConfig("", "", nil, environ(
		"MS365_CLIENT_ID="+testClientID,
		"MS365_AUTH__SCOPES=User.Read, Calendars.Read",
		"MS365_SERVER__PORT=9000",
		"UNRELATED=1",
	))
	require.NoError(t, err)

	assert.Equal(t, testClientID, cfg.Auth.ClientID)
	assert.Equal(t, []string{"User.Read", "Calendars.Read"}, cfg.Auth.Scopes)
	assert.Equal(t, uint16(9000), cfg.Server.Port)
}

func TestLoadConfigPrecedence(t *testing.T) {
	configPath := writeFile(t, "config.toml", "log_format = \"json\"\n[server]\nport = 7000\n")
	envPath := writeFile(t, ".env", "MS365_CLIENT_ID="+testClientID+"\nMS365_SERVER__PORT=8000\nMS365_LOG_FORMAT=text\n")

	cfg, err := loadConfig(configPath, envPath, nil, environ("MS365_SERVER__PORT=9000"))
	require.NoError(t, err)

	assert.Equal(t, testClientID, cfg.Auth.ClientID, ".env fills unset variables")
	assert.Equal(t, uint16(9000), cfg.Server.Port, "environment wins over .env")
	assert.Equal(t, app.LogFormatText, cfg.LogFormat, ".env wins over config file")
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	_, err := loadConfig("", filepath.Join(t.TempDir(), ".env"), nil, environ())
	require.NoError(t, err)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"), "", nil, environ())
	require.Error(t, err)

	_, err = loadConfig("", "", nil, environ("MS365_CLIENT_ID=not-a-uuid"))
	require.Error(t, err)

	_, err = loadConfig("", "", nil, environ("MS365_LOG_FORMAT=xml"))
	require.Error(t, err)
}

func TestTransformEnv(t *testing.T) {
	key, value := transformEnv("MS365_CLIENT_ID", "id")
	assert.Equal(t, "auth.client_id", key)
	assert.Equal(t, "id", value)

	key, value = transformEnv("MS365_AUTH__INTERACTIVE_SCOPES", "User.Read Mail.Read")
	assert.Equal(t, "auth.interactive_scopes", key)
	assert.Equal(t, []string{"User.Read", "Mail.Read"}, value)

	key, _ = transformEnv("MS365_LOG__OTLP__ENDPOINT", "http://localhost:4318")
	assert.Equal(t, "log.otlp.endpoint", key)
}

func TestTroubleshootCommand(t *testing.T) {
	keyring.MockInit()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := context.Background()
	fallback := filepath.Join(t.TempDir(), ".ms365-token-cache.json")
	require.NoError(t, os.WriteFile(fallback, []byte("cache"), 0o600))
	require.NoError(t, keyring.Set(app.DefaultConfigKeyringService, app.DefaultConfigKeyringAccount, "cache"))

	configPath := writeFile(t, "config.toml", "[storage]\nfallback_file = \""+filepath.ToSlash(fallback)+"\"\n")
	envPath := filepath.Join(t.TempDir(), ".env")

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.Writer = &stdout
	cmd.ErrWriter = &stderr

	err := cmd.Run(ctx, []string{"ms365-auth", "--config", configPath, "--env-file", envPath, "--log-level", "error", "troubleshoot"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, "Troubleshooting completed and tokens cleared", out["message"])
	assert.Contains(t, stderr.String(), "NOT SET")

	_, err = os.Stat(fallback)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = keyring.Get(app.DefaultConfigKeyringService, app.DefaultConfigKeyringAccount)
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}

func TestTokenCommandWithoutLogin(t *testing.T) {
	keyring.MockInit()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	fallback := filepath.Join(t.TempDir(), ".ms365-token-cache.json")
	configPath := writeFile(t, "config.toml", "[auth]\nclient_id = \""+testClientID+"\"\n[storage]\nfallback_file = \""+filepath.ToSlash(fallback)+"\"\n")

	var stdout bytes.Buffer
	cmd := newRootCommand()
	cmd.Writer = &stdout
	cmd.ErrWriter = &bytes.Buffer{}

	err := cmd.Run(context.Background(), []string{"ms365-auth", "--config", configPath, "--log-level", "error", "token"})
	require.ErrorIs(t, err, auth.ErrNoValidToken)
	assert.Empty(t, stdout.String())
}

func TestPrintDeviceCode(t *testing.T) {
	dc := auth.DeviceCode{
		UserCode:        "ABCD-EFGH",
		VerificationURL: "https://microsoft.com/devicelogin",
		Message:         "To sign in, use a web browser to open the page https://microsoft.com/devicelogin and enter the code ABCD-EFGH to authenticate.",
	}

	var plain bytes.Buffer
	printDeviceCode(&plain, dc, false)
	assert.Equal(t, dc.Message+"\n", plain.String())

	var framed bytes.Buffer
	printDeviceCode(&framed, dc, true)
	assert.Contains(t, framed.String(), "Code: ABCD-EFGH")
	assert.Contains(t, framed.String(), "─")
}
