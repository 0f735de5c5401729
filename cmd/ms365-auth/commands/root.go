package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/ms365-auth/internal/app"
	"github.com/florianilch/ms365-auth/internal/auth"
	"github.com/florianilch/ms365-auth/internal/diagnostics"
	"github.com/florianilch/ms365-auth/internal/observability"
)

// errLoginCheckFailed is returned after a failed login check has been printed.
var errLoginCheckFailed = errors.New("login check failed")

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "ms365-auth",
		Usage: "Microsoft 365 credential broker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "path to .env file",
				Value: defaultEnvPath(),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "auth--client-id",
				Usage: "application (client) ID of the app registration",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			verifyLoginCommand(),
			logoutCommand(),
			tokenCommand(),
			troubleshootCommand(),
			serveCommand(),
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:   "login",
		Usage:  "sign in with the device code flow and verify the result",
		Action: withManager(loginAction),
	}
}

func verifyLoginCommand() *cli.Command {
	return &cli.Command{
		Name:   "verify-login",
		Usage:  "check that a token is available and accepted",
		Action: withManager(verifyLoginAction),
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "remove all cached tokens",
		Action: withManager(logoutAction),
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print a valid access token",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force-refresh",
				Usage: "renew the token even if the cached one is still valid",
			},
		},
		Action: withManager(tokenAction),
	}
}

func troubleshootCommand() *cli.Command {
	return &cli.Command{
		Name:   "troubleshoot",
		Usage:  "inspect the local setup and clear all cached tokens",
		Action: troubleshootAction,
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve tokens and proxy Microsoft Graph on a local port",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "graph--base-url",
				Usage: "Microsoft Graph base URL",
				Value: app.DefaultConfigGraphBaseURL,
			},
		},
		Action: withManager(serveAction),
	}
}

// managerAction runs with a loaded config and a manager whose cache is already loaded.
type managerAction func(ctx context.Context, cmd *cli.Command, cfg *app.Config, manager *auth.Manager) error

// setup loads the config and installs logging. The returned shutdown flushes log exports.
func setup(ctx context.Context, cmd *cli.Command) (*app.Config, observability.ShutdownFunc, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd.String("env-file"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat),
		observability.WithOTLP(cfg.Log.OTLP.Endpoint, cfg.Log.OTLP.Protocol),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, shutdown, nil
}

func withManager(action managerAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) (err error) {
		cfg, shutdown, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, shutdown(context.WithoutCancel(ctx)))
		}()

		manager, err := app.NewManager(ctx, cfg)
		if err != nil {
			return err
		}

		return action(ctx, cmd, cfg, manager)
	}
}

func loginAction(ctx context.Context, cmd *cli.Command, _ *app.Config, manager *auth.Manager) error {
	errWriter := cmd.Root().ErrWriter
	framed := isTerminal(errWriter)

	if _, err := manager.AcquireTokenByDeviceCode(ctx, func(dc auth.DeviceCode) {
		printDeviceCode(errWriter, dc, framed)
	}); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	return reportLoginCheck(cmd, manager.TestLogin(ctx))
}

func verifyLoginAction(ctx context.Context, cmd *cli.Command, _ *app.Config, manager *auth.Manager) error {
	return reportLoginCheck(cmd, manager.TestLogin(ctx))
}

func reportLoginCheck(cmd *cli.Command, res auth.LoginCheck) error {
	if err := writeJSON(cmd.Root().Writer, res); err != nil {
		return err
	}
	if !res.Success {
		return errLoginCheckFailed
	}
	return nil
}

func logoutAction(ctx context.Context, cmd *cli.Command, _ *app.Config, manager *auth.Manager) error {
	if err := manager.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return writeJSON(cmd.Root().Writer, map[string]string{"message": "Logged out successfully"})
}

func tokenAction(ctx context.Context, cmd *cli.Command, _ *app.Config, manager *auth.Manager) error {
	token, err := manager.GetToken(ctx, cmd.Bool("force-refresh"))
	if err != nil {
		if errors.Is(err, auth.ErrNoValidToken) {
			return fmt.Errorf("%w, run the login command", err)
		}
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, token)
	return err
}

func serveAction(ctx context.Context, _ *cli.Command, cfg *app.Config, manager *auth.Manager) error {
	application, err := app.New(cfg, manager)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting", "state", manager.State().String())

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func troubleshootAction(ctx context.Context, cmd *cli.Command) (err error) {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, shutdown(context.WithoutCancel(ctx)))
	}()

	stores, err := app.NewStores(cfg.Storage)
	if err != nil {
		return err
	}

	report := diagnostics.Run(ctx, diagnostics.Options{
		ConfigPath:     cmd.String("config"),
		EnvPath:        cmd.String("env-file"),
		ClientID:       cfg.Auth.ClientID,
		Authority:      cfg.Auth.Authority,
		Fallback:       stores.Fallback,
		Keyring:        stores.Keyring,
		ForeignEntries: cfg.Diagnostics.ForeignEntries,
	})

	report.Render(cmd.Root().ErrWriter)
	return writeJSON(cmd.Root().Writer, map[string]string{"message": report.Summary})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printDeviceCode shows the sign-in instructions, framed on an interactive terminal.
func printDeviceCode(w io.Writer, dc auth.DeviceCode, framed bool) {
	if !framed {
		_, _ = fmt.Fprintln(w, dc.Message)
		return
	}

	rule := strings.Repeat("─", min(len(dc.Message), 80))
	_, _ = fmt.Fprintf(w, "\n%s\n%s\n\n  URL:  %s\n  Code: %s\n%s\n\n",
		rule, dc.Message, dc.VerificationURL, dc.UserCode, rule)
}
