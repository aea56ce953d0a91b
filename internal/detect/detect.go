// Package detect finds source records that differ from the target.
//
// Every strategy returns batches of changes in primary-key order together
// with the cursor to persist once the batch is applied. Re-running a
// strategy from the same cursor yields the same changes, so a failed batch
// is retried by simply detecting again.
package detect

import (
	"context"
	"fmt"
	"sort"

	"github.com/leapstack-labs/leapsync/internal/canonical"
	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// Strategy names.
const (
	Hash         = "hash"
	FullSnapshot = "full_snapshot"
	Log          = "log"
)

// Transformer maps a source record into the target shape.
type Transformer interface {
	Transform(ctx context.Context, src core.Record) (core.Record, error)
}

// Endpoint is one side of the sync.
type Endpoint struct {
	DB      adapter.Querier
	Dialect *dialect.Dialect
}

// Table is everything a detector needs to know about one synced table.
type Table struct {
	Descriptor   core.TableDescriptor
	SourceSchema *core.TableSchema
	TargetSchema *core.TableSchema
	// SourceColumns are read from the source.
	SourceColumns []string
	// TargetColumns are read from the target for comparison.
	TargetColumns []string
	Transformer   Transformer
	// LogPrefix names the change-log table for the log strategy.
	LogPrefix string
}

// Request asks for one batch.
type Request struct {
	Source Endpoint
	Target Endpoint
	Table  *Table
	// Cursor is the last persisted position. Empty starts from the beginning.
	Cursor core.Key
	Limit  int
}

// Batch is one bounded run of changes.
type Batch struct {
	Changes []core.Change
	// Cursor is the position to persist after the batch is applied. It may
	// advance past rows that produced no change.
	Cursor core.Key
	// Scanned counts source rows read.
	Scanned int
	// Done reports that nothing remains after Cursor.
	Done bool
}

// Empty reports whether the batch carries no changes.
func (b *Batch) Empty() bool { return len(b.Changes) == 0 }

// Detector is one change-detection strategy.
type Detector interface {
	Name() string
	Detect(ctx context.Context, req Request) (*Batch, error)
}

// Acknowledger is implemented by detectors that must be told when a batch
// has been applied.
type Acknowledger interface {
	Acknowledge(ctx context.Context, req Request, batch *Batch) error
}

// New returns the detector named name.
func New(name string) (Detector, error) {
	switch name {
	case Hash, "":
		return HashDetector{}, nil
	case FullSnapshot:
		return SnapshotDetector{}, nil
	case Log:
		return LogDetector{}, nil
	}
	return nil, core.Errorf(core.CodeConfiguration, "detect", "unknown detection strategy %q", name)
}

// Names lists the strategies.
func Names() []string { return []string{FullSnapshot, Hash, Log} }

// Fingerprint hashes rec restricted to cols.
func Fingerprint(rec core.Record, cols []string) (string, error) {
	d, err := canonical.ProjectedHash(rec, cols)
	if err != nil {
		return "", fmt.Errorf("failed to hash record: %w", err)
	}
	return d.String(), nil
}

// CompareColumns returns the columns of mapped that exist in the target,
// sorted. Only these participate in change detection and drift checks.
func CompareColumns(mapped core.Record, target *core.TableSchema) []string {
	cols := make([]string, 0, len(mapped))
	for c := range mapped {
		if target == nil {
			cols = append(cols, c)
			continue
		}
		if _, ok := target.Column(c); ok {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

// Compare hashes the mapped source record and the target row over the
// columns the mapping produces. A nil target yields an empty target hash.
func Compare(mapped, target core.Record, schema *core.TableSchema) (sourceHash, targetHash string, err error) {
	cols := CompareColumns(mapped, schema)
	if sourceHash, err = Fingerprint(mapped, cols); err != nil {
		return "", "", err
	}
	if target == nil {
		return sourceHash, "", nil
	}
	if targetHash, err = Fingerprint(target, cols); err != nil {
		return "", "", err
	}
	return sourceHash, targetHash, nil
}

// change builds the change for one source row against its target row.
// ok is false when the two already agree.
func change(ctx context.Context, t *Table, key core.Key, src, dst core.Record) (core.Change, bool, error) {
	ch := core.Change{Table: t.Descriptor.Name, Key: key, Fields: src}

	mapped, terr := t.Transformer.Transform(ctx, src)
	if terr != nil {
		// The apply step reports the rejection; detection only needs a
		// stable hash of what the source holds.
		h, err := canonical.RecordHash(src)
		if err != nil {
			return ch, false, fmt.Errorf("failed to hash record: %w", err)
		}
		ch.SourceHash = h.String()
		ch.Operation = core.OpUpdate
		if dst == nil {
			ch.Operation = core.OpInsert
		} else if ch.TargetHash, err = Fingerprint(dst, t.TargetColumns); err != nil {
			return ch, false, err
		}
		return ch, true, nil
	}

	sh, th, err := Compare(mapped, dst, t.TargetSchema)
	if err != nil {
		return ch, false, err
	}
	ch.SourceHash, ch.TargetHash, ch.Mapped = sh, th, mapped
	switch {
	case dst == nil:
		ch.Operation = core.OpInsert
	case sh != th:
		ch.Operation = core.OpUpdate
	default:
		return ch, false, nil
	}
	return ch, true, nil
}

func sourceKeys(t *Table) []string { return t.Descriptor.PrimaryKeys }

func targetKeys(t *Table) []string { return t.Descriptor.TargetKeyColumns() }

// lookupTargets fetches the target rows for keys, indexed by Key.String().
func lookupTargets(ctx context.Context, req Request, keys []core.Key) (map[string]core.Record, error) {
	if len(keys) == 0 {
		return map[string]core.Record{}, nil
	}
	t := req.Table
	found, err := adapter.FetchByKeys(ctx, req.Target.DB, req.Target.Dialect, t.Descriptor.TargetName(),
		t.TargetColumns, targetKeys(t), keys, false, t.TargetSchema)
	if err != nil {
		return nil, err
	}
	return found, nil
}
