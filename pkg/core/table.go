package core

import (
	"fmt"
	"slices"
)

// TableDescriptor declares one table to synchronize.
type TableDescriptor struct {
	// Name is the source table, optionally schema qualified.
	Name string `koanf:"name" json:"name"`
	// Target is the target table; defaults to Name.
	Target string `koanf:"target" json:"target,omitempty"`
	// PrimaryKeys are the source key columns in key order.
	PrimaryKeys []string `koanf:"primary_keys" json:"primary_keys"`
	// TargetKeys are the matching target key columns; defaults to PrimaryKeys.
	TargetKeys []string `koanf:"target_keys" json:"target_keys,omitempty"`
	// SyncFields are the source columns read and hashed. Empty means all columns.
	SyncFields []string `koanf:"sync_fields" json:"sync_fields,omitempty"`
	// Mapping names the mapping file applied to this table; defaults to Name when such a file exists.
	Mapping string `koanf:"mapping" json:"mapping,omitempty"`
	// DependsOn lists tables that must drain before this one starts.
	DependsOn []string `koanf:"depends_on" json:"depends_on,omitempty"`
	// ConflictStrategy overrides the job conflict strategy.
	ConflictStrategy string `koanf:"conflict_strategy" json:"conflict_strategy,omitempty"`
	// TimestampColumn is compared by latest_timestamp_wins.
	TimestampColumn string `koanf:"timestamp_column" json:"timestamp_column,omitempty"`
	// DetectionStrategy overrides the job detection strategy for incremental runs.
	DetectionStrategy string `koanf:"detection_strategy" json:"detection_strategy,omitempty"`
}

// TargetName returns the target table name.
func (t TableDescriptor) TargetName() string {
	if t.Target != "" {
		return t.Target
	}
	return t.Name
}

// TargetKeyColumns returns the target key columns.
func (t TableDescriptor) TargetKeyColumns() []string {
	if len(t.TargetKeys) > 0 {
		return t.TargetKeys
	}
	return t.PrimaryKeys
}

// Normalize makes SyncFields a superset of PrimaryKeys when SyncFields is set.
func (t *TableDescriptor) Normalize() {
	if len(t.SyncFields) == 0 {
		return
	}
	for _, pk := range t.PrimaryKeys {
		if !slices.Contains(t.SyncFields, pk) {
			t.SyncFields = append([]string{pk}, t.SyncFields...)
		}
	}
}

// Validate checks the descriptor invariants.
func (t TableDescriptor) Validate() error {
	if t.Name == "" {
		return NewError(CodeConfiguration, "table", fmt.Errorf("table name is required"))
	}
	if len(t.PrimaryKeys) == 0 {
		return NewError(CodeConfiguration, "table", fmt.Errorf("table %s: primary_keys must not be empty", t.Name))
	}
	if len(t.TargetKeys) > 0 && len(t.TargetKeys) != len(t.PrimaryKeys) {
		return NewError(CodeConfiguration, "table", fmt.Errorf("table %s: target_keys must pair with primary_keys", t.Name))
	}
	if len(t.SyncFields) > 0 {
		for _, pk := range t.PrimaryKeys {
			if !slices.Contains(t.SyncFields, pk) {
				return NewError(CodeConfiguration, "table", fmt.Errorf("table %s: sync_fields must include primary key %q", t.Name, pk))
			}
		}
	}
	if slices.Contains(t.DependsOn, t.Name) {
		return NewError(CodeConfiguration, "table", fmt.Errorf("table %s depends on itself", t.Name))
	}
	return nil
}
