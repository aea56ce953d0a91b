package engine

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/leapsync/internal/detect"
	"github.com/leapstack-labs/leapsync/internal/resolve"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Conflicts lists a job's conflicts.
func (e *Engine) Conflicts(ctx context.Context, jobID string, filter core.ConflictFilter) ([]*core.Conflict, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListConflicts(ctx, jobID, filter)
}

// ResolveConflict settles a pending conflict with the named strategy against
// the target row as it is now. It emits conflict_resolved, and record_apply
// when the target changes, in one transaction.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, strategy string) (*core.Conflict, error) {
	if strategy == resolve.Manual {
		return nil, core.Errorf(core.CodeConfiguration, "resolve", "strategy %q cannot resolve a queued conflict", strategy)
	}
	if !e.resolver.Has(strategy) {
		return nil, core.Errorf(core.CodeConfiguration, "resolve", "unknown conflict strategy %q", strategy)
	}
	if err := e.connect(ctx); err != nil {
		return nil, err
	}

	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status == core.ConflictResolved {
		return nil, core.Errorf(core.CodeInvalidState, "resolve", "conflict %s is already resolved", conflictID)
	}
	job, err := e.store.GetJob(ctx, c.JobID)
	if err != nil {
		return nil, err
	}
	desc, ok := job.Table(c.Table)
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "resolve", "job %s has no table %s", c.JobID, c.Table)
	}
	mappings, err := e.loadMappings()
	if err != nil {
		return nil, err
	}
	tr, err := e.compileTable(ctx, desc, mappings, detect.Hash)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.Sync.ApplyTimeout)
	defer cancel()
	tx, err := e.auditLog.Begin(actx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := e.currentRow(actx, tx.Querier(), tr, c.Key)
	if err != nil {
		return nil, err
	}
	res, err := e.resolver.Resolve(actx, strategy, resolve.Conflict{
		Table:           c.Table,
		Key:             c.Key,
		Source:          c.SourceRecord,
		Target:          current,
		TimestampColumn: desc.TimestampColumn,
		Mapping:         tr.mapping,
	})
	if err != nil {
		return nil, err
	}
	applied, err := e.writeResolved(actx, tx, c.JobID, tr, c, res, current)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(actx); err != nil {
		return nil, err
	}
	if err := e.store.SaveConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to record resolution: %w", err)
	}
	e.logger.Info("conflict resolved", "job_id", c.JobID, "conflict_id", c.ID,
		"strategy", res.Strategy, "applied", applied)
	return c, nil
}
