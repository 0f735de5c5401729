package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/florianilch/ms365-auth/internal/tokenstore"
)

func newStores(t *testing.T) (*tokenstore.FileStore, *tokenstore.KeyringStore) {
	t.Helper()
	keyring.MockInit()

	fallback, err := tokenstore.NewFileStore(filepath.Join(t.TempDir(), ".ms365-token-cache.json"))
	require.NoError(t, err)
	secure, err := tokenstore.NewKeyringStore("ms-365-mcp-server", "msal-token-cache")
	require.NoError(t, err)
	return fallback, secure
}

func findCheck(t *testing.T, r *Report, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in report", name)
	return Check{}
}

func TestRunClearsBothTiers(t *testing.T) {
	ctx := context.Background()
	fallback, secure := newStores(t)
	require.NoError(t, fallback.Write(ctx, "cache"))
	require.NoError(t, secure.Write(ctx, "cache"))

	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("MS365_CLIENT_ID=secret-value\nOTHER=1\n"), 0o600))

	report := Run(ctx, Options{
		EnvPath:        envPath,
		ClientID:       "6e5d1c2a-3f4b-4a8e-9c7d-0b1a2c3d4e5f",
		Authority:      "https://login.microsoftonline.com/common",
		Fallback:       fallback,
		Keyring:        secure,
		ForeignEntries: DefaultForeignEntries,
	})

	assert.Equal(t, Summary, report.Summary)
	assert.False(t, report.Failed())

	assert.False(t, fallback.Exists())
	_, err := secure.Read(ctx)
	require.ErrorIs(t, err, tokenstore.ErrNotFound)

	assert.Equal(t, StatusOK, findCheck(t, report, "token cache file").Status)
	assert.Equal(t, StatusOK, findCheck(t, report, "keyring").Status)

	env := findCheck(t, report, ".env file")
	assert.Contains(t, env.Detail, "MS365_CLIENT_ID, OTHER")
	assert.NotContains(t, env.Detail, "secret-value")

	names := make([]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{
		"config file", ".env file", "client id", "token cache file", "keyring",
		"foreign entry bqe-core-mcp", "configuration",
	}, names)
}

func TestRunNothingToClear(t *testing.T) {
	fallback, secure := newStores(t)

	report := Run(context.Background(), Options{
		EnvPath:  filepath.Join(t.TempDir(), ".env"),
		Fallback: fallback,
		Keyring:  secure,
	})

	assert.Equal(t, Summary, report.Summary)
	assert.Equal(t, StatusInfo, findCheck(t, report, "token cache file").Status)
	assert.Equal(t, StatusInfo, findCheck(t, report, "keyring").Status)
	assert.Equal(t, StatusInfo, findCheck(t, report, ".env file").Status)

	clientID := findCheck(t, report, "client id")
	assert.Equal(t, StatusError, clientID.Status)
	assert.Contains(t, findCheck(t, report, "configuration").Detail, "client_id=NOT SET")
	assert.True(t, report.Failed())
}

func TestRunForeignEntryIsOnlyReported(t *testing.T) {
	ctx := context.Background()
	fallback, secure := newStores(t)
	require.NoError(t, keyring.Set("bqe-core-mcp", "bqe-core-token", "theirs"))

	report := Run(ctx, Options{
		ClientID:       "id",
		Fallback:       fallback,
		Keyring:        secure,
		ForeignEntries: DefaultForeignEntries,
	})

	assert.Equal(t, StatusWarn, findCheck(t, report, "foreign entry bqe-core-mcp").Status)
	got, err := keyring.Get("bqe-core-mcp", "bqe-core-token")
	require.NoError(t, err)
	assert.Equal(t, "theirs", got)
}

func TestRunKeyringUnavailable(t *testing.T) {
	ctx := context.Background()
	fallback, secure := newStores(t)
	require.NoError(t, fallback.Write(ctx, "cache"))
	keyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(keyring.MockInit)

	report := Run(ctx, Options{
		ClientID:       "id",
		Fallback:       fallback,
		Keyring:        secure,
		ForeignEntries: DefaultForeignEntries,
	})

	assert.False(t, fallback.Exists(), "fallback still cleared")
	assert.Equal(t, StatusWarn, findCheck(t, report, "keyring").Status)
	assert.Equal(t, StatusWarn, findCheck(t, report, "foreign entry bqe-core-mcp").Status)
	assert.Equal(t, Summary, report.Summary)
}

func TestRunKeyringDisabled(t *testing.T) {
	fallback, _ := newStores(t)

	report := Run(context.Background(), Options{
		ClientID:       "id",
		Fallback:       fallback,
		ForeignEntries: DefaultForeignEntries,
	})

	assert.Equal(t, StatusInfo, findCheck(t, report, "keyring").Status)
	for _, c := range report.Checks {
		assert.NotEqual(t, "foreign entry bqe-core-mcp", c.Name)
	}
}

func TestRunConfigFile(t *testing.T) {
	fallback, secure := newStores(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	report := Run(context.Background(), Options{ConfigPath: path, ClientID: "id", Fallback: fallback, Keyring: secure})
	assert.Equal(t, StatusError, findCheck(t, report, "config file").Status)

	require.NoError(t, os.WriteFile(path, []byte("log_level = \"debug\"\n"), 0o600))
	report = Run(context.Background(), Options{ConfigPath: path, ClientID: "id", Fallback: fallback, Keyring: secure})
	assert.Equal(t, StatusOK, findCheck(t, report, "config file").Status)
}

func TestRender(t *testing.T) {
	report := &Report{
		Checks: []Check{
			{Name: "client id", Status: StatusOK, Detail: "client id is set to abc"},
			{Name: "keyring", Status: StatusWarn, Detail: "keyring access failed"},
		},
		Summary: Summary,
	}

	var buf bytes.Buffer
	report.Render(&buf)

	out := buf.String()
	assert.Contains(t, out, "client id is set to abc")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, Summary)
}
