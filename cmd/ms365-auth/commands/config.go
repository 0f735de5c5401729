package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/ms365-auth/internal/app"
)

// envPrefix is stripped from environment variables during config loading (e.g., MS365_SERVER__HOST → server.host)
const envPrefix = "MS365_"

// legacyEnvKeys map flat variable names onto config keys.
var legacyEnvKeys = map[string]string{
	"CLIENT_ID": "auth.client_id",
}

// loadConfig loads application configuration from various sources with precedence:
// config file → .env file → environment variables → CLI flags → defaults
func loadConfig(configPath, envPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	// 1. Load from config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. .env entries act as environment variables that are not already set
	environ, err := withDotEnv(envPath, environFunc)
	if err != nil {
		return nil, err
	}

	// 3. Load from environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: transformEnv,
		EnvironFunc:   environ,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 4. Load from CLI flags if provided
	if cmd != nil {
		flagValues := extractAndTransformFlags(cmd)
		if err := k.Load(confmap.Provider(flagValues, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// transformEnv maps MS365_AUTH__CLIENT_ID to auth.client_id and splits scope lists.
func transformEnv(key, value string) (string, any) {
	stripped := strings.TrimPrefix(key, envPrefix)
	if mapped, ok := legacyEnvKeys[stripped]; ok {
		return mapped, value
	}

	nested := strings.ToLower(strings.ReplaceAll(stripped, "__", "."))
	if strings.HasSuffix(nested, "scopes") {
		return nested, strings.Fields(strings.ReplaceAll(value, ",", " "))
	}
	return nested, value
}

// withDotEnv returns an environ function that also yields the entries of the .env file at
// path. Variables already present in the environment take precedence. A missing file is
// not an error.
func withDotEnv(path string, environFunc func() []string) (func() []string, error) {
	if path == "" {
		return environFunc, nil
	}

	dotenv, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return environFunc, nil
		}
		return nil, fmt.Errorf("loading env file %s: %w", path, err)
	}

	return func() []string {
		environ := environFunc()
		set := make(map[string]bool, len(environ))
		for _, kv := range environ {
			name, _, _ := strings.Cut(kv, "=")
			set[name] = true
		}
		for name, value := range dotenv {
			if !set[name] {
				environ = append(environ, name+"="+value)
			}
		}
		return environ
	}, nil
}

// defaultEnvPath is the .env file beside the executable.
func defaultEnvPath() string {
	dir, err := app.ExecutableDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, ".env")
}

// extractAndTransformFlags transforms CLI flag names to match config structure.
// Includes parent flags. Examples: --server--host → server.host, --log-level → log_level
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames() includes flags from parent commands (via lineage)
	for _, name := range cmd.FlagNames() {
		// Skip unset flags to preserve precedence from earlier config sources
		if !cmd.IsSet(name) {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}
