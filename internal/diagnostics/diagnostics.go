// Package diagnostics inspects the local authentication setup and resets persisted tokens.
//
// Run deletes any token cache found in the fallback file or the keyring. Keyring entries
// owned by other applications are only reported.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"

	"github.com/florianilch/ms365-auth/internal/tokenstore"
)

// Summary is reported after every run.
const Summary = "Troubleshooting completed and tokens cleared"

// Status of a single check.
type Status string

const (
	StatusOK    Status = "ok"
	StatusInfo  Status = "info"
	StatusWarn  Status = "warn"
	StatusError Status = "error"
)

// KeyringEntry identifies a keyring secret by service and user.
type KeyringEntry struct {
	Service string `json:"service" validate:"required"`
	User    string `json:"user" validate:"required"`
}

// DefaultForeignEntries are keyring entries of other tools known to interfere with login.
var DefaultForeignEntries = []KeyringEntry{
	{Service: "bqe-core-mcp", User: "bqe-core-token"},
}

// Options describes what Run inspects.
type Options struct {
	// ConfigPath is the TOML config file, empty when none was given.
	ConfigPath string
	// EnvPath is the .env file consulted during config loading.
	EnvPath   string
	ClientID  string
	Authority string

	Fallback *tokenstore.FileStore
	// Keyring is nil when the secure store is disabled.
	Keyring        *tokenstore.KeyringStore
	ForeignEntries []KeyringEntry
}

// Check is one line of the report.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Report is the outcome of Run.
type Report struct {
	Checks  []Check `json:"checks"`
	Summary string  `json:"message"`
}

func (r *Report) add(ctx context.Context, name string, status Status, format string, args ...any) {
	detail := fmt.Sprintf(format, args...)
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})

	level := slog.LevelInfo
	switch status {
	case StatusWarn:
		level = slog.LevelWarn
	case StatusError:
		level = slog.LevelError
	}
	slog.Log(ctx, level, detail, "check", name)
}

// Failed reports whether any check ended with StatusError.
func (r *Report) Failed() bool {
	return slices.ContainsFunc(r.Checks, func(c Check) bool { return c.Status == StatusError })
}

// Run executes all checks in order and clears every persisted token cache it finds.
func Run(ctx context.Context, opts Options) *Report {
	slog.InfoContext(ctx, "running troubleshooting")

	r := &Report{}
	checkConfigFile(ctx, r, opts.ConfigPath)
	checkEnvFile(ctx, r, opts.EnvPath)
	checkClientID(ctx, r, opts.ClientID)
	clearFallback(ctx, r, opts.Fallback)
	clearKeyring(ctx, r, opts.Keyring)
	checkForeignEntries(ctx, r, opts.Keyring != nil, opts.ForeignEntries)

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "NOT SET"
	}
	r.add(ctx, "configuration", StatusInfo, "client_id=%s authority=%s", clientID, opts.Authority)

	r.Summary = Summary
	slog.InfoContext(ctx, "troubleshooting completed")
	return r
}

func checkConfigFile(ctx context.Context, r *Report, path string) {
	if path == "" {
		r.add(ctx, "config file", StatusInfo, "no config file given, using defaults and environment")
		return
	}
	if _, err := os.Stat(path); err != nil {
		r.add(ctx, "config file", StatusError, "config file %s not readable: %v", path, err)
		return
	}
	r.add(ctx, "config file", StatusOK, "found config file at %s", path)
}

func checkEnvFile(ctx context.Context, r *Report, path string) {
	if path == "" {
		return
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.add(ctx, ".env file", StatusInfo, "no .env file found at %s", path)
			return
		}
		r.add(ctx, ".env file", StatusError, "failed to parse .env file %s: %v", path, err)
		return
	}

	// Only names: values may hold secrets
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	r.add(ctx, ".env file", StatusOK, "found .env file at %s defining %s", path, strings.Join(keys, ", "))
}

func checkClientID(ctx context.Context, r *Report, clientID string) {
	if clientID == "" {
		r.add(ctx, "client id", StatusError, "client id is NOT SET (MS365_CLIENT_ID)")
		return
	}
	r.add(ctx, "client id", StatusOK, "client id is set to %s", clientID)
}

func clearFallback(ctx context.Context, r *Report, store *tokenstore.FileStore) {
	if store == nil {
		return
	}
	if !store.Exists() {
		r.add(ctx, "token cache file", StatusInfo, "no token cache file found at %s", store.Location())
		return
	}
	if err := store.Delete(ctx); err != nil {
		r.add(ctx, "token cache file", StatusError, "failed to remove token cache file: %v", err)
		return
	}
	r.add(ctx, "token cache file", StatusOK, "removed token cache file %s", store.Location())
}

func clearKeyring(ctx context.Context, r *Report, store *tokenstore.KeyringStore) {
	if store == nil {
		r.add(ctx, "keyring", StatusInfo, "keyring storage disabled")
		return
	}

	_, err := store.Read(ctx)
	switch {
	case errors.Is(err, tokenstore.ErrNotFound):
		r.add(ctx, "keyring", StatusInfo, "no token found in %s", store.Location())
		return
	case err != nil:
		r.add(ctx, "keyring", StatusWarn, "keyring access failed: %v", err)
		return
	}

	if err := store.Delete(ctx); err != nil {
		r.add(ctx, "keyring", StatusError, "failed to remove token from keyring: %v", err)
		return
	}
	r.add(ctx, "keyring", StatusOK, "removed token from %s", store.Location())
}

func checkForeignEntries(ctx context.Context, r *Report, keyringEnabled bool, entries []KeyringEntry) {
	if !keyringEnabled {
		return
	}
	for _, entry := range entries {
		name := "foreign entry " + entry.Service
		store, err := tokenstore.NewKeyringStore(entry.Service, entry.User)
		if err != nil {
			r.add(ctx, name, StatusWarn, "invalid keyring entry: %v", err)
			continue
		}

		_, err = store.Read(ctx)
		switch {
		case errors.Is(err, tokenstore.ErrNotFound):
			r.add(ctx, name, StatusInfo, "no %s token found in keyring", entry.Service)
		case err != nil:
			r.add(ctx, name, StatusWarn, "%s keyring check failed: %v", entry.Service, err)
		default:
			r.add(ctx, name, StatusWarn, "%s token found in keyring, this might interfere with login", entry.Service)
		}
	}
}

// Render writes the report as a table followed by the summary line.
func (r *Report) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Check", "Status", "Detail"})

	for _, c := range r.Checks {
		t.AppendRow(table.Row{c.Name, strings.ToUpper(string(c.Status)), c.Detail})
	}

	s := table.StyleRounded
	s.Format.Header = text.FormatDefault
	t.SetStyle(s)
	t.Render()

	_, _ = fmt.Fprintln(w, r.Summary)
}
