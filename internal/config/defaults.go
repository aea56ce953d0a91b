package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Default configuration values.
const (
	DefaultDetectionStrategy     = "hash"
	DefaultConflictStrategy      = "source_wins"
	DefaultBatchSize             = 1000
	DefaultCheckpointInterval    = 100
	DefaultMaxParallelTables     = 1
	DefaultMaxParallelOperations = 5
	DefaultMaxRetries            = 3
	DefaultRetryBaseDelay        = 2 * time.Second
	DefaultRetryMaxDelay         = 60 * time.Second
	DefaultSourceReadTimeout     = 30 * time.Second
	DefaultApplyTimeout          = 60 * time.Second
	DefaultAuditTimeout          = 5 * time.Second
	DefaultHeartbeatInterval     = 5 * time.Second
	DefaultStaleAfter            = 60 * time.Second
	DefaultAuditLevel            = "standard"
	DefaultAuditTable            = "_sync_audit"
	DefaultCDCPrefix             = "_cdc"
	DefaultMappingDirectory      = "mappings"
	DefaultServerAddr            = ":8089"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"

	// retryBudgetFactor sizes the default job-wide retry budget.
	retryBudgetFactor = 10
)

// Accepted enumerations.
var (
	DetectionStrategies = []string{"hash", "full_snapshot", "log"}
	ConflictStrategies  = []string{"source_wins", "target_wins", "latest_timestamp_wins", "field_merge", "manual", "ai"}
	AuditLevels         = []string{"minimal", "standard", "verbose"}
	LogLevels           = []string{"debug", "info", "warn", "error"}
	LogFormats          = []string{"text", "json"}
)

// DefaultStateDirectory returns $XDG_STATE_HOME/leapsync.
func DefaultStateDirectory() string {
	return filepath.Join(xdg.StateHome, "leapsync")
}

// ApplyDefaults fills zero values with defaults.
func (s *Sync) ApplyDefaults() {
	if s.DetectionStrategy == "" {
		s.DetectionStrategy = DefaultDetectionStrategy
	}
	if s.ConflictStrategy == "" {
		s.ConflictStrategy = DefaultConflictStrategy
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.CheckpointInterval == 0 {
		s.CheckpointInterval = DefaultCheckpointInterval
	}
	if s.MaxParallelTables == 0 {
		s.MaxParallelTables = DefaultMaxParallelTables
	}
	if s.MaxParallelOperations == 0 {
		s.MaxParallelOperations = DefaultMaxParallelOperations
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if s.RetryMaxDelay == 0 {
		s.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if s.RetryBudget == 0 {
		s.RetryBudget = retryBudgetFactor * s.MaxRetries
	}
	if s.SourceReadTimeout == 0 {
		s.SourceReadTimeout = DefaultSourceReadTimeout
	}
	if s.ApplyTimeout == 0 {
		s.ApplyTimeout = DefaultApplyTimeout
	}
	if s.AuditTimeout == 0 {
		s.AuditTimeout = DefaultAuditTimeout
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.StaleAfter == 0 {
		s.StaleAfter = DefaultStaleAfter
	}
	if s.AuditLevel == "" {
		s.AuditLevel = DefaultAuditLevel
	}
	if s.AuditTable == "" {
		s.AuditTable = DefaultAuditTable
	}
	if s.CDCPrefix == "" {
		s.CDCPrefix = DefaultCDCPrefix
	}
}

// DefaultSync returns the default sync settings.
func DefaultSync() Sync {
	s := Sync{MaxRetries: DefaultMaxRetries}
	s.ApplyDefaults()
	return s
}

// ApplyDefaults fills zero values with defaults. MaxRetries is left alone
// since zero is a valid setting; loaders seed it from DefaultMaxRetries.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	c.Sync.ApplyDefaults()
	if c.StateDirectory == "" {
		c.StateDirectory = DefaultStateDirectory()
	}
	if c.MappingDirectory == "" {
		c.MappingDirectory = DefaultMappingDirectory
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	for i := range c.Tables {
		c.Tables[i].Normalize()
	}
}

func oneOf(field, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("%s: unknown value %q (expected one of %s)", field, value, strings.Join(allowed, ", "))
}

// Validate checks the sync settings.
func (s *Sync) Validate() error {
	var errs []string
	add := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	add(oneOf("detection_strategy", s.DetectionStrategy, DetectionStrategies))
	add(oneOf("conflict_strategy", s.ConflictStrategy, ConflictStrategies))
	add(oneOf("audit_level", s.AuditLevel, AuditLevels))
	positive := map[string]int{
		"batch_size":              s.BatchSize,
		"checkpoint_interval":     s.CheckpointInterval,
		"max_parallel_tables":     s.MaxParallelTables,
		"max_parallel_operations": s.MaxParallelOperations,
	}
	for _, name := range []string{"batch_size", "checkpoint_interval", "max_parallel_tables", "max_parallel_operations"} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive, got %d", name, positive[name]))
		}
	}
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("max_retries must not be negative, got %d", s.MaxRetries))
	}
	if s.RetryBudget < 0 {
		errs = append(errs, fmt.Sprintf("retry_budget must not be negative, got %d", s.RetryBudget))
	}
	if s.RetryBaseDelay <= 0 || s.RetryMaxDelay < s.RetryBaseDelay {
		errs = append(errs, "retry delays must satisfy 0 < retry_base_delay <= retry_max_delay")
	}
	for name, d := range map[string]time.Duration{
		"source_read_timeout": s.SourceReadTimeout,
		"apply_timeout":       s.ApplyTimeout,
		"audit_timeout":       s.AuditTimeout,
		"heartbeat_interval":  s.HeartbeatInterval,
		"stale_after":         s.StaleAfter,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", name))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	slices.Sort(errs)
	return core.NewError(core.CodeConfiguration, "config", fmt.Errorf("%s", strings.Join(errs, "; ")))
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if err := oneOf("log_level", c.LogLevel, LogLevels); err != nil {
		return core.NewError(core.CodeConfiguration, "config", err)
	}
	if err := oneOf("log_format", c.LogFormat, LogFormats); err != nil {
		return core.NewError(core.CodeConfiguration, "config", err)
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return core.Errorf(core.CodeConfiguration, "config", "tables: table name is required")
		}
		if seen[t.Name] {
			return core.Errorf(core.CodeConfiguration, "config", "tables: %q is declared twice", t.Name)
		}
		seen[t.Name] = true
		if t.ConflictStrategy != "" {
			if err := oneOf("tables."+t.Name+".conflict_strategy", t.ConflictStrategy, ConflictStrategies); err != nil {
				return core.NewError(core.CodeConfiguration, "config", err)
			}
		}
		if t.DetectionStrategy != "" {
			if err := oneOf("tables."+t.Name+".detection_strategy", t.DetectionStrategy, DetectionStrategies); err != nil {
				return core.NewError(core.CodeConfiguration, "config", err)
			}
		}
	}
	return nil
}

// ExpandEnv replaces ${VAR} references in connection settings.
func (c *Config) ExpandEnv() {
	c.SourceConnection = os.ExpandEnv(c.SourceConnection)
	c.TargetConnection = os.ExpandEnv(c.TargetConnection)
	for _, a := range []*core.AdapterConfig{&c.Source, &c.Target} {
		a.DSN = os.ExpandEnv(a.DSN)
		a.Password = os.ExpandEnv(a.Password)
		a.Username = os.ExpandEnv(a.Username)
		a.Host = os.ExpandEnv(a.Host)
	}
	c.AI.APIKey = os.ExpandEnv(c.AI.APIKey)
}
