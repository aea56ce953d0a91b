// Package config provides the configuration types shared by the CLI, the
// HTTP server and the engine, with their defaults and validation.
package config

import (
	"time"

	"github.com/leapstack-labs/leapsync/internal/ai"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Config is the complete leapsync configuration.
type Config struct {
	// SourceConnection and TargetConnection are connection URLs. Structured
	// Source and Target settings override the fields parsed from them.
	SourceConnection string `koanf:"source_connection"`
	TargetConnection string `koanf:"target_connection"`

	Source core.AdapterConfig `koanf:"source"`
	Target core.AdapterConfig `koanf:"target"`

	Tables []core.TableDescriptor `koanf:"tables"`

	Sync Sync `koanf:",squash"`

	StateDirectory   string `koanf:"state_directory"`
	MappingDirectory string `koanf:"mapping_directory"`

	AI     ai.Config    `koanf:"ai"`
	Server ServerConfig `koanf:"server"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// Sync holds the settings that shape a job.
type Sync struct {
	DetectionStrategy string `koanf:"detection_strategy" json:"detection_strategy"`
	ConflictStrategy  string `koanf:"conflict_strategy" json:"conflict_strategy"`

	BatchSize             int `koanf:"batch_size" json:"batch_size"`
	CheckpointInterval    int `koanf:"checkpoint_interval" json:"checkpoint_interval"`
	MaxParallelTables     int `koanf:"max_parallel_tables" json:"max_parallel_tables"`
	MaxParallelOperations int `koanf:"max_parallel_operations" json:"max_parallel_operations"`

	MaxRetries     int           `koanf:"max_retries" json:"max_retries"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay" json:"retry_max_delay"`
	// RetryBudget caps retries across the whole job.
	RetryBudget int `koanf:"retry_budget" json:"retry_budget"`

	SourceReadTimeout time.Duration `koanf:"source_read_timeout" json:"source_read_timeout"`
	ApplyTimeout      time.Duration `koanf:"apply_timeout" json:"apply_timeout"`
	AuditTimeout      time.Duration `koanf:"audit_timeout" json:"audit_timeout"`

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" json:"heartbeat_interval"`
	StaleAfter        time.Duration `koanf:"stale_after" json:"stale_after"`

	AuditLevel  string `koanf:"audit_level" json:"audit_level"`
	IncludeData bool   `koanf:"include_data" json:"include_data"`
	AuditTable  string `koanf:"audit_table" json:"audit_table"`
	CDCPrefix   string `koanf:"cdc_prefix" json:"cdc_prefix"`
}

// ServerConfig configures `leapsync serve`.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}
