// Package config loads the CLI configuration by layering defaults, the
// project file, LEAPSYNC_ environment variables and command-line flags.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	intconfig "github.com/leapstack-labs/leapsync/internal/config"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// EnvPrefix prefixes environment overrides. A double underscore descends
// into a nested key: LEAPSYNC_SERVER__ADDR sets server.addr.
const EnvPrefix = "LEAPSYNC_"

// loggerKey is used to store the logger in context.
type loggerKey struct{}

// flagKeys maps flag names whose config key is not the snake_case name.
var flagKeys = map[string]string{
	"source":    "source_connection",
	"target":    "target_connection",
	"state-dir": "state_directory",
	"mappings":  "mapping_directory",
}

// cliOnlyFlags never reach the config.
var cliOnlyFlags = map[string]bool{
	"config":      true,
	"project-dir": true,
	"output":      true,
}

// pathFlags hold paths that are resolved against the working directory.
var pathFlags = []string{"state-dir", "mappings"}

var configFileUsed string

// inferProjectRoot picks the directory relative paths are resolved against.
// Priority: --project-dir, the directory of --config, the nearest ancestor
// of the working directory holding a config file, the working directory.
func inferProjectRoot(cfgFile string, flags *pflag.FlagSet) string {
	if flags != nil && flags.Changed("project-dir") {
		if dir, _ := flags.GetString("project-dir"); dir != "" {
			if abs, err := filepath.Abs(dir); err == nil {
				return abs
			}
			return filepath.Clean(dir)
		}
	}
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			return filepath.Dir(abs)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if root := intconfig.FindProjectRoot(cwd); root != "" {
		return root
	}
	return cwd
}

// Load builds the configuration. Precedence, highest first: changed flags,
// LEAPSYNC_ environment variables, the config file, defaults.
func Load(cfgFile string, flags *pflag.FlagSet) (*intconfig.Config, error) {
	k := koanf.New(".")
	projectRoot := inferProjectRoot(cfgFile, flags)

	// 1. Defaults
	if err := k.Load(confmap.Provider(intconfig.Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	configFileUsed = cfgFile
	if configFileUsed == "" {
		configFileUsed = intconfig.FindConfigFile(projectRoot)
	}
	if configFileUsed != "" {
		if err := k.Load(file.Provider(configFileUsed), yaml.Parser()); err != nil {
			return nil, core.NewError(core.CodeConfiguration, "config",
				fmt.Errorf("error reading config file %s: %w", configFileUsed, err))
		}
	}

	// 3. Environment: LEAPSYNC_BATCH_SIZE -> batch_size
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags that were explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed || cliOnlyFlags[f.Name] {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg, err := intconfig.Decode(k)
	if err != nil {
		return nil, err
	}

	// Flag paths are relative to the working directory; everything else is
	// relative to the project root.
	explicit := map[string]string{}
	if flags != nil {
		for _, name := range pathFlags {
			if f := flags.Lookup(name); f != nil && f.Changed && f.Value.String() != "" {
				if abs, err := filepath.Abs(f.Value.String()); err == nil {
					explicit[name] = abs
				}
			}
		}
	}
	cfg.StateDirectory = resolve(explicit["state-dir"], cfg.StateDirectory, projectRoot)
	cfg.MappingDirectory = resolve(explicit["mappings"], cfg.MappingDirectory, projectRoot)
	for _, a := range []*core.AdapterConfig{&cfg.Source, &cfg.Target} {
		if a.Path != "" && a.Path != ":memory:" {
			a.Path = intconfig.ResolvePath(a.Path, projectRoot)
		}
	}
	return cfg, nil
}

func resolve(flagPath, path, projectRoot string) string {
	if flagPath != "" {
		return flagPath
	}
	return intconfig.ResolvePath(path, projectRoot)
}

// ConfigFileUsed returns the config file read by the last Load, if any.
func ConfigFileUsed() string {
	return configFileUsed
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// NewLogger builds the logger described by level ("debug", "info", "warn",
// "error") and format ("text" or "json").
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// configKey is used to store the loaded config in context.
type configKey struct{}

// WithConfig stores cfg in ctx.
func WithConfig(ctx context.Context, cfg *intconfig.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// GetConfig retrieves the config from the command context.
func GetConfig(ctx context.Context) (*intconfig.Config, bool) {
	cfg, ok := ctx.Value(configKey{}).(*intconfig.Config)
	return cfg, ok && cfg != nil
}
