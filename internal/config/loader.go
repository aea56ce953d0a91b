package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = "leapsync.yaml"

// ConfigFileNameAlt is the alternate name of the config file.
const ConfigFileNameAlt = "leapsync.yml"

// Defaults returns the default settings keyed the way koanf expects them.
func Defaults() map[string]any {
	return map[string]any{
		"detection_strategy":      DefaultDetectionStrategy,
		"conflict_strategy":       DefaultConflictStrategy,
		"batch_size":              DefaultBatchSize,
		"checkpoint_interval":     DefaultCheckpointInterval,
		"max_parallel_tables":     DefaultMaxParallelTables,
		"max_parallel_operations": DefaultMaxParallelOperations,
		"max_retries":             DefaultMaxRetries,
		"retry_base_delay":        DefaultRetryBaseDelay.String(),
		"retry_max_delay":         DefaultRetryMaxDelay.String(),
		"source_read_timeout":     DefaultSourceReadTimeout.String(),
		"apply_timeout":           DefaultApplyTimeout.String(),
		"audit_timeout":           DefaultAuditTimeout.String(),
		"heartbeat_interval":      DefaultHeartbeatInterval.String(),
		"stale_after":             DefaultStaleAfter.String(),
		"audit_level":             DefaultAuditLevel,
		"include_data":            false,
		"audit_table":             DefaultAuditTable,
		"cdc_prefix":              DefaultCDCPrefix,
		"mapping_directory":       DefaultMappingDirectory,
		"server.addr":             DefaultServerAddr,
		"ai.timeout":              "10s",
		"log_level":               DefaultLogLevel,
		"log_format":              DefaultLogFormat,
	}
}

// DurationHook decodes durations written either as Go duration strings
// ("2s", "1m30s") or as plain numbers of seconds.
func DurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

// Decode unmarshals a loaded koanf instance into a Config and finishes it:
// env expansion, connection strings, defaults and validation.
func Decode(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.ComposeDecodeHookFunc(DurationHook(), mapstructure.StringToSliceHookFunc(",")),
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	})
	if err != nil {
		return nil, core.NewError(core.CodeConfiguration, "config", fmt.Errorf("unable to decode config: %w", err))
	}
	cfg.ExpandEnv()
	if err := cfg.ResolveConnections(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveConnections parses the connection URLs and overlays the structured
// adapter settings on top of them.
func (c *Config) ResolveConnections() error {
	var err error
	if c.Source, err = resolveConnection("source", c.SourceConnection, c.Source); err != nil {
		return err
	}
	c.Target, err = resolveConnection("target", c.TargetConnection, c.Target)
	return err
}

func resolveConnection(side, conn string, explicit core.AdapterConfig) (core.AdapterConfig, error) {
	if conn == "" {
		if explicit.Type == "" {
			return explicit, core.Errorf(core.CodeConfiguration, "config", "%s_connection or %s.type is required", side, side)
		}
		return explicit, nil
	}
	parsed, err := adapter.ParseConnectionString(conn)
	if err != nil {
		return explicit, core.NewError(core.CodeConfiguration, "config", fmt.Errorf("%s_connection: %w", side, err))
	}
	return mergeAdapterConfig(parsed, explicit), nil
}

func mergeAdapterConfig(base, over core.AdapterConfig) core.AdapterConfig {
	if over.Type != "" {
		base.Type = over.Type
	}
	if over.DSN != "" {
		base.DSN = over.DSN
	}
	if over.Path != "" {
		base.Path = over.Path
	}
	if over.Host != "" {
		base.Host = over.Host
	}
	if over.Port != 0 {
		base.Port = over.Port
	}
	if over.Database != "" {
		base.Database = over.Database
	}
	if over.Username != "" {
		base.Username = over.Username
	}
	if over.Password != "" {
		base.Password = over.Password
	}
	if over.Schema != "" {
		base.Schema = over.Schema
	}
	for k, v := range over.Options {
		if base.Options == nil {
			base.Options = map[string]string{}
		}
		base.Options[k] = v
	}
	for k, v := range over.Params {
		if base.Params == nil {
			base.Params = map[string]any{}
		}
		base.Params[k] = v
	}
	return base
}

// LoadFile loads a Config from a YAML file layered over the defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, core.NewError(core.CodeConfiguration, "config", fmt.Errorf("error reading config file %s: %w", path, err))
	}
	cfg, err := Decode(k)
	if err != nil {
		return nil, err
	}
	cfg.MappingDirectory = ResolvePath(cfg.MappingDirectory, filepath.Dir(path))
	return cfg, nil
}

// LoadFromDir loads leapsync.yaml or leapsync.yml from dir.
// Returns nil, nil if no config file is found.
func LoadFromDir(dir string) (*Config, error) {
	path := FindConfigFile(dir)
	if path == "" {
		return nil, nil
	}
	return LoadFile(path)
}

// FindConfigFile returns the config file in dir, or "" when there is none.
func FindConfigFile(dir string) string {
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// FindProjectRoot walks up from startDir to the first directory holding a
// config file. Returns "" if none is found.
func FindProjectRoot(startDir string) string {
	dir := startDir
	for {
		if FindConfigFile(dir) != "" {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ResolvePath resolves path relative to baseDir unless it is empty or absolute.
func ResolvePath(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
