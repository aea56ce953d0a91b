package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sethvargo/go-retry"

	"github.com/leapstack-labs/leapsync/internal/audit"
	"github.com/leapstack-labs/leapsync/internal/detect"
	"github.com/leapstack-labs/leapsync/internal/resolve"
	"github.com/leapstack-labs/leapsync/internal/transform"
	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// batchResult is what one committed batch changed.
type batchResult struct {
	// next is the detection position for the following batch.
	next        core.Key
	done        bool
	interrupted bool
}

// outcome is what happened to one change.
type outcome struct {
	applied  bool
	skipped  bool
	conflict *core.Conflict
}

// syncTable runs the batch loop for one table until it drains or a signal
// stops it.
func (e *Engine) syncTable(ctx context.Context, r *run, tr *tableRun) error {
	name := tr.desc.Name
	r.mu.Lock()
	prog := r.job.TableProgress(name)
	drained, pos := prog.Drained, prog.Cursor
	r.mu.Unlock()
	if drained {
		return nil
	}

	log := r.logger.With("table", name)
	log.Info("syncing table", "strategy", tr.detector.Name(), "cursor", pos.String())

	for {
		if r.signalled() != signalNone {
			return errInterrupted
		}
		if err := r.ops.Acquire(r.interrupt, 1); err != nil {
			if r.signalled() != signalNone {
				return errInterrupted
			}
			return err
		}
		res, err := e.batchWithRetry(ctx, r, tr, pos)
		r.ops.Release(1)
		if err != nil {
			return err
		}
		pos = res.next
		if res.interrupted {
			return errInterrupted
		}
		if res.done {
			return e.drain(ctx, r, tr)
		}
	}
}

// drain marks a table drained and writes the trailing checkpoint.
func (e *Engine) drain(ctx context.Context, r *run, tr *tableRun) error {
	name := tr.desc.Name
	r.mu.Lock()
	prog := r.job.TableProgress(name)
	prog.Drained = true
	since := prog.SinceCheckpoint
	prog.SinceCheckpoint = 0
	cursor, counters := prog.Cursor, prog.Counters
	r.mu.Unlock()

	if err := e.save(ctx, r); err != nil {
		return err
	}
	if since > 0 {
		if err := e.checkpoint(ctx, r, name, cursor, counters, "drained"); err != nil {
			return err
		}
	}
	r.logger.Info("table drained", "table", name, "cursor", cursor.String(),
		"written", counters.Written, "skipped", counters.Skipped, "conflicted", counters.Conflicted)
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, r *run, table string, cursor core.Key, c core.Counters, reason string) error {
	return e.event(ctx, r.id, table, core.EventCheckpoint, map[string]any{
		"reason":   reason,
		"cursor":   cursor.Plain(),
		"counters": countersPayload(c),
	})
}

// backoff builds the retry policy: exponential from retry_base_delay,
// capped at retry_max_delay, with 25% jitter.
func (e *Engine) backoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.Sync.RetryBaseDelay)
	b = retry.WithCappedDuration(e.cfg.Sync.RetryMaxDelay, b)
	b = retry.WithJitterPercent(25, b)
	return retry.WithMaxRetries(uint64(e.cfg.Sync.MaxRetries), b) //nolint:gosec // validated non-negative
}

// batchWithRetry runs one batch, retrying transient failures from the same
// position while the job's retry budget lasts. A signal ends the retries:
// the backoff sleep and any source read in flight are cut short.
func (e *Engine) batchWithRetry(ctx context.Context, r *run, tr *tableRun, pos core.Key) (*batchResult, error) {
	var out *batchResult
	attempt := 0
	err := retry.Do(r.interrupt, e.backoff(), func(context.Context) error {
		attempt++
		res, err := e.runBatch(ctx, r, tr, pos)
		if err == nil {
			out = res
			return nil
		}
		if !e.transient(err) || r.signalled() != signalNone {
			return err
		}
		if !r.takeRetry() {
			return fmt.Errorf("retry budget exhausted: %w", err)
		}
		r.mu.Lock()
		r.job.TableProgress(tr.desc.Name).Counters.Errored++
		r.mu.Unlock()
		r.logger.Warn("batch failed, retrying", "table", tr.desc.Name, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	switch {
	case err == nil:
		return out, nil
	case r.signalled() != signalNone:
		r.logger.Debug("batch abandoned on signal", "table", tr.desc.Name, "error", err)
		return nil, errInterrupted
	case e.transient(err) && !core.HasCode(err, core.CodeTransient):
		return nil, core.NewError(core.CodeTransient, "engine", err)
	}
	return nil, err
}

// runBatch detects one batch after pos and applies it in one target
// transaction.
func (e *Engine) runBatch(ctx context.Context, r *run, tr *tableRun, pos core.Key) (*batchResult, error) {
	name := tr.desc.Name
	src, dst := e.endpoints()
	req := detect.Request{Source: src, Target: dst, Table: tr.table, Cursor: pos, Limit: e.cfg.Sync.BatchSize}

	dctx, cancel := context.WithTimeout(r.interrupt, e.cfg.Sync.SourceReadTimeout)
	batch, err := tr.detector.Detect(dctx, req)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to detect changes: %w", err)
	}

	next := pos
	if !batch.Cursor.IsZero() {
		next = batch.Cursor
	}
	if batch.Empty() {
		return &batchResult{next: next, done: batch.Done}, nil
	}
	if e.hooks.beforeApply != nil {
		e.hooks.beforeApply(name, batch)
	}

	r.mu.Lock()
	number := r.job.TableProgress(name).Batches + 1
	r.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, e.cfg.Sync.ApplyTimeout)
	defer cancel()
	tx, err := e.auditLog.Begin(actx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	tx.Add(e.auditLog.NewEvent(actx, r.id, name, core.EventBatchStart, map[string]any{
		"batch":   number,
		"changes": len(batch.Changes),
		"after":   pos.Plain(),
	}))

	counters := core.Counters{Read: int64(batch.Scanned)}
	var last core.Key
	var conflicts []*core.Conflict
	processed, interrupted := 0, false
	for _, ch := range batch.Changes {
		if r.signalled() != signalNone {
			interrupted = true
			break
		}
		out, err := e.applyChange(actx, tx, r, tr, ch)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s %s: %w", ch.Operation, ch.Key, err)
		}
		switch {
		case out.applied:
			counters.Written++
		case out.skipped:
			counters.Skipped++
		}
		if out.conflict != nil {
			counters.Conflicted++
			conflicts = append(conflicts, out.conflict)
		}
		last = ch.Key
		processed++
		if e.hooks.afterRecord != nil {
			e.hooks.afterRecord(r.id, name, ch)
		}
	}
	if processed == 0 {
		return &batchResult{next: pos, interrupted: true}, nil
	}

	tx.Add(e.auditLog.NewEvent(actx, r.id, name, core.EventBatchComplete, map[string]any{
		"batch":      number,
		"processed":  processed,
		"written":    counters.Written,
		"skipped":    counters.Skipped,
		"conflicted": counters.Conflicted,
		"partial":    interrupted,
	}))

	for _, c := range conflicts {
		if err := e.store.SaveConflict(actx, c); err != nil {
			return nil, fmt.Errorf("failed to queue conflict: %w", err)
		}
	}
	if err := tx.Commit(actx); err != nil {
		return nil, err
	}

	logBased := tr.detector.Name() == detect.Log
	if ack, ok := tr.detector.(detect.Acknowledger); ok && !interrupted {
		if err := ack.Acknowledge(ctx, req, batch); err != nil {
			r.logger.Warn("failed to acknowledge change log", "table", name, "error", err)
		}
	}

	// Log positions are sequence numbers, so a partial log batch keeps its
	// starting cursor and replays.
	cursor := last
	switch {
	case logBased && interrupted:
		cursor = nil
	case logBased:
		cursor = batch.Cursor
	}

	r.mu.Lock()
	prog := r.job.TableProgress(name)
	if cursor != nil && cursor.Compare(prog.Cursor) > 0 {
		prog.Cursor = cursor
	}
	prog.Counters.Add(counters)
	prog.Batches = number
	prog.SinceCheckpoint += int64(processed)
	due := prog.SinceCheckpoint >= int64(e.cfg.Sync.CheckpointInterval)
	if due {
		prog.SinceCheckpoint = 0
	}
	saved, totals := prog.Cursor, prog.Counters
	r.mu.Unlock()

	if err := e.save(ctx, r); err != nil {
		return nil, err
	}
	if due {
		if err := e.checkpoint(ctx, r, name, saved, totals, "interval"); err != nil {
			return nil, err
		}
	}
	r.logger.Debug("batch committed", "table", name, "batch", number, "processed", processed,
		"cursor", saved.String(), "partial", interrupted)

	res := &batchResult{next: next, done: batch.Done, interrupted: interrupted}
	if interrupted {
		res.next, res.done = pos, false
		if !logBased {
			res.next = last
		}
	}
	return res, nil
}

// recordError reports whether err rejects one record rather than the batch.
func recordError(err error) bool {
	var te *transform.TransformError
	return errors.As(err, &te) || core.HasCode(err, core.CodeRecordRejected)
}

func (e *Engine) recordPayload(ch core.Change, extra map[string]any) map[string]any {
	p := map[string]any{
		"operation": string(ch.Operation),
		"key":       ch.Key.Plain(),
	}
	if e.auditLog.Level().Verbose() {
		p["source_hash"] = ch.SourceHash
		p["target_hash"] = ch.TargetHash
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// skip records a rejected change.
func (e *Engine) skip(ctx context.Context, tx *audit.Tx, r *run, tr *tableRun, ch core.Change, reasons []string) outcome {
	r.logger.Debug("record skipped", "table", tr.desc.Name, "key", ch.Key.String(), "reasons", reasons)
	tx.Add(e.auditLog.NewEvent(ctx, r.id, tr.desc.Name, core.EventRecordSkip,
		e.recordPayload(ch, map[string]any{"reasons": reasons})))
	return outcome{skipped: true}
}

// currentRow reads the target row for key inside the apply transaction.
func (e *Engine) currentRow(ctx context.Context, q adapter.Querier, tr *tableRun, key core.Key) (core.Record, error) {
	t := tr.table
	rows, err := adapter.FetchByKeys(ctx, q, e.target.Dialect(), tr.desc.TargetName(),
		t.TargetColumns, tr.desc.TargetKeyColumns(), []core.Key{key}, true, t.TargetSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to read target row: %w", err)
	}
	return rows[key.String()], nil
}

// applyChange transforms, validates and writes one change, routing drift to
// the conflict resolver.
func (e *Engine) applyChange(ctx context.Context, tx *audit.Tx, r *run, tr *tableRun, ch core.Change) (outcome, error) {
	q := tx.Querier()
	if ch.Operation == core.OpDelete {
		return e.applyDelete(ctx, tx, r, tr, ch)
	}

	rec := ch.Mapped
	if rec == nil {
		var err error
		if rec, err = tr.table.Transformer.Transform(ctx, ch.Fields); err != nil {
			if recordError(err) {
				return e.skip(ctx, tx, r, tr, ch, []string{err.Error()}), nil
			}
			return outcome{}, err
		}
	}
	if ok, problems := e.validator.ValidateRecord(rec, tr.table.TargetSchema); !ok {
		return e.skip(ctx, tx, r, tr, ch, problems), nil
	}

	current, err := e.currentRow(ctx, q, tr, ch.Key)
	if err != nil {
		return outcome{}, err
	}
	_, observed, err := detect.Compare(rec, current, tr.table.TargetSchema)
	if err != nil {
		return outcome{}, err
	}
	if observed != ch.TargetHash {
		return e.conflict(ctx, tx, r, tr, ch, rec, current)
	}

	if err := adapter.UpsertRecord(ctx, q, e.target.Dialect(), tr.desc.TargetName(), tr.desc.TargetKeyColumns(), rec); err != nil {
		return outcome{}, err
	}
	tx.Add(e.auditLog.NewEvent(ctx, r.id, tr.desc.Name, core.EventRecordApply, e.recordPayload(ch, e.dataPayload(rec))))
	return outcome{applied: true}, nil
}

func (e *Engine) dataPayload(rec core.Record) map[string]any {
	if !e.auditLog.IncludeData() || rec == nil {
		return nil
	}
	return map[string]any{"record": rec}
}

// applyDelete removes a target row the source no longer holds. A row that
// changed since detection is left in place.
func (e *Engine) applyDelete(ctx context.Context, tx *audit.Tx, r *run, tr *tableRun, ch core.Change) (outcome, error) {
	q := tx.Querier()
	current, err := e.currentRow(ctx, q, tr, ch.Key)
	if err != nil {
		return outcome{}, err
	}
	if current == nil {
		return e.skip(ctx, tx, r, tr, ch, []string{"target row already absent"}), nil
	}
	fp, err := detect.Fingerprint(current, tr.table.TargetColumns)
	if err != nil {
		return outcome{}, err
	}
	if fp != ch.TargetHash {
		return e.skip(ctx, tx, r, tr, ch, []string{"target row modified since detection"}), nil
	}
	if err := adapter.DeleteRecord(ctx, q, e.target.Dialect(), tr.desc.TargetName(), tr.desc.TargetKeyColumns(), ch.Key); err != nil {
		return outcome{}, err
	}
	tx.Add(e.auditLog.NewEvent(ctx, r.id, tr.desc.Name, core.EventRecordApply, e.recordPayload(ch, e.dataPayload(current))))
	return outcome{applied: true}, nil
}

// conflict resolves drift between detection and apply.
func (e *Engine) conflict(ctx context.Context, tx *audit.Tx, r *run, tr *tableRun, ch core.Change, rec, current core.Record) (outcome, error) {
	name := tr.desc.Name
	c := core.NewConflict(r.id, name, ch.Key, rec, current, e.now())
	tx.Add(e.auditLog.NewEvent(ctx, r.id, name, core.EventConflictDetected, e.recordPayload(ch, map[string]any{
		"conflict_id": c.ID,
		"strategy":    tr.strategy,
	})))
	r.logger.Info("conflict detected", "table", name, "key", ch.Key.String(), "strategy", tr.strategy)

	res, err := e.resolver.Resolve(ctx, tr.strategy, resolve.Conflict{
		Table:           name,
		Key:             ch.Key,
		Source:          rec,
		Target:          current,
		TimestampColumn: tr.desc.TimestampColumn,
		Mapping:         tr.mapping,
	})
	switch {
	case err != nil && recordError(err):
		// Unresolvable conflicts wait for an operator.
		r.logger.Warn("conflict left for an operator", "table", name, "key", ch.Key.String(), "error", err)
		return outcome{conflict: c}, nil
	case err != nil:
		return outcome{}, err
	case res.Deferred:
		return outcome{conflict: c}, nil
	}

	applied, err := e.writeResolved(ctx, tx, r.id, tr, c, res, current)
	if err != nil {
		if recordError(err) {
			return outcome{conflict: c, skipped: true}, nil
		}
		return outcome{}, err
	}
	return outcome{applied: applied, conflict: c}, nil
}

// writeResolved applies a resolution, marks the conflict resolved and
// audits conflict_resolved, plus record_apply when the target changed.
func (e *Engine) writeResolved(ctx context.Context, tx *audit.Tx, jobID string, tr *tableRun, c *core.Conflict, res resolve.Resolution, current core.Record) (bool, error) {
	rec := res.Record
	if rec == nil {
		rec = core.Record{}
	}
	unchanged := current != nil && current.Project(rec.Columns()).Equal(rec)
	write := len(rec) > 0 && !unchanged
	if write {
		if ok, problems := e.validator.ValidateRecord(rec, tr.table.TargetSchema); !ok {
			return false, core.Errorf(core.CodeRecordRejected, "resolve", "resolved record rejected: %v", problems)
		}
	}
	if err := c.Resolve(res.Strategy, rec, e.now()); err != nil {
		return false, err
	}
	payload := map[string]any{
		"conflict_id": c.ID,
		"strategy":    res.Strategy,
		"key":         c.Key.Plain(),
	}
	if len(res.Reasons) > 0 {
		payload["reasons"] = res.Reasons
	}
	tx.Add(e.auditLog.NewEvent(ctx, jobID, tr.desc.Name, core.EventConflictResolved, payload))
	if !write {
		return false, nil
	}
	if err := adapter.UpsertRecord(ctx, tx.Querier(), e.target.Dialect(), tr.desc.TargetName(), tr.desc.TargetKeyColumns(), rec); err != nil {
		return false, err
	}
	tx.Add(e.auditLog.NewEvent(ctx, jobID, tr.desc.Name, core.EventRecordApply, map[string]any{
		"operation":   string(core.OpUpdate),
		"key":         c.Key.Plain(),
		"conflict_id": c.ID,
		"resolution":  res.Strategy,
	}))
	return true, nil
}
