package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/leapstack-labs/leapsync/internal/dag"
	"github.com/leapstack-labs/leapsync/internal/state"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// CauseCancelled is the job cause recorded when a job is stopped.
const CauseCancelled = "cancelled"

// signal is a control request observed by a running job.
type signal int32

const (
	signalNone signal = iota
	signalStop
	signalPause
	// signalAbort stops sibling tables after one table failed.
	signalAbort
)

// errInterrupted is returned by a table loop that stopped on a signal.
var errInterrupted = errors.New("interrupted")

// run is the in-process state of one executing job.
type run struct {
	id     string
	logger *slog.Logger
	ctl    atomic.Int32
	done   chan struct{}

	mu     sync.Mutex
	job    *core.JobState
	err    error
	tables map[string]*tableRun

	ops *semaphore.Weighted

	// interrupt is cancelled by the first signal. Waits that may be cut
	// short (source reads, retry backoff, semaphores) use it; target
	// transactions do not.
	interrupt       context.Context
	cancelInterrupt context.CancelFunc
}

func newRun(ctx context.Context, job *core.JobState, logger *slog.Logger) *run {
	interrupt, cancel := context.WithCancel(ctx)
	return &run{
		id:              job.ID,
		logger:          logger.With("job_id", job.ID),
		done:            make(chan struct{}),
		job:             job,
		interrupt:       interrupt,
		cancelInterrupt: cancel,
	}
}

// signal records a control request and wakes interruptible waits. The
// first request wins.
func (r *run) signal(s signal) {
	if r.ctl.CompareAndSwap(int32(signalNone), int32(s)) {
		r.cancelInterrupt()
	}
}

func (r *run) signalled() signal { return signal(r.ctl.Load()) }

// snapshot returns a copy of the job state.
func (r *run) snapshot() *core.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

// setErr records the first table failure.
func (r *run) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *run) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// takeRetry spends one unit of the job-wide retry budget.
func (r *run) takeRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.RetryBudget <= 0 {
		return false
	}
	r.job.RetryBudget--
	return true
}

func (e *Engine) lookupRun(id string) *run {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	return e.runs[id]
}

// reserve claims id for a runner in this process. It fails when the job
// is already running here or another caller is preparing it.
func (e *Engine) reserve(id string) error {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	if _, ok := e.runs[id]; ok {
		return core.Errorf(core.CodeInvalidState, "engine", "job %s is already running", id)
	}
	e.runs[id] = nil
	return nil
}

// release drops a reservation that did not lead to a launch.
func (e *Engine) release(id string) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	if e.runs[id] == nil {
		delete(e.runs, id)
	}
}

// launch executes job in the background. The job id must be reserved.
func (e *Engine) launch(ctx context.Context, job *core.JobState) *run {
	ctx = context.WithoutCancel(ctx)
	r := newRun(ctx, job, e.logger)
	e.runsMu.Lock()
	e.runs[job.ID] = r
	e.runsMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer r.cancelInterrupt()
		err := e.execute(ctx, r)
		if err != nil {
			r.logger.Info("job ended", "status", r.snapshot().Status, "error", err.Error())
		}
		e.runsMu.Lock()
		delete(e.runs, r.id)
		e.runsMu.Unlock()
		close(r.done)
	}()
	return r
}

// save persists a copy of the job state.
func (e *Engine) save(ctx context.Context, r *run) error {
	r.mu.Lock()
	r.job.UpdatedAt = e.now().UTC()
	snap := r.job.Clone()
	r.mu.Unlock()
	if err := e.store.SaveJob(ctx, snap); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", r.id, err)
	}
	return nil
}

// setStatus moves the job to next and persists it.
func (e *Engine) setStatus(ctx context.Context, r *run, next core.JobStatus) error {
	r.mu.Lock()
	cur := r.job.Status
	if cur != next && !cur.CanTransition(next) && !(cur == core.JobRunning && next == core.JobRunning) {
		r.mu.Unlock()
		return core.Errorf(core.CodeInvalidState, "engine", "job %s cannot move from %s to %s", r.id, cur, next)
	}
	r.job.Status = next
	if next.Terminal() {
		t := e.now().UTC()
		r.job.CompletedAt = &t
	}
	r.mu.Unlock()
	return e.save(ctx, r)
}

// event appends a job-level event in its own transaction.
func (e *Engine) event(ctx context.Context, jobID, table string, typ core.EventType, payload map[string]any) error {
	if err := e.auditLog.Append(ctx, e.auditLog.NewEvent(ctx, jobID, table, typ, payload)); err != nil {
		return fmt.Errorf("failed to write %s event: %w", typ, err)
	}
	return nil
}

// execute runs a job to a terminal or paused state.
func (e *Engine) execute(ctx context.Context, r *run) error {
	job := r.snapshot()
	r.logger.Info("starting job", "mode", job.Mode, "tables", len(job.Tables),
		"detection_strategy", job.DetectionStrategy, "conflict_strategy", job.ConflictStrategy)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := e.heartbeat(hbCtx, r)
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	if err := e.setStatus(ctx, r, core.JobRunning); err != nil {
		return err
	}
	names := make([]string, len(job.Tables))
	for i, t := range job.Tables {
		names[i] = t.Name
	}
	if err := e.event(ctx, r.id, "", core.EventJobStart, map[string]any{
		"mode":               string(job.Mode),
		"tables":             names,
		"detection_strategy": job.DetectionStrategy,
		"conflict_strategy":  job.ConflictStrategy,
	}); err != nil {
		return e.fail(ctx, r, err)
	}

	tables, graph, err := e.compileJob(ctx, job)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	r.mu.Lock()
	r.tables = tables
	for i, t := range r.job.Tables {
		r.job.Tables[i] = tables[t.Name].desc
	}
	r.mu.Unlock()

	e.schedule(ctx, r, graph)
	return e.finish(ctx, r)
}

// schedule runs every table, each after its parents drained, bounded by
// max_parallel_tables. Batches across tables share max_parallel_operations.
func (e *Engine) schedule(ctx context.Context, r *run, graph *dag.Graph) {
	order, err := graph.TopologicalSort()
	if err != nil {
		r.setErr(core.NewError(core.CodeConfiguration, "dag", err))
		return
	}
	r.ops = semaphore.NewWeighted(int64(e.cfg.Sync.MaxParallelOperations))
	tableSem := semaphore.NewWeighted(int64(e.cfg.Sync.MaxParallelTables))

	finished := make(map[string]chan struct{}, len(order))
	drained := make(map[string]*atomic.Bool, len(order))
	for _, t := range order {
		finished[t.Name] = make(chan struct{})
		drained[t.Name] = &atomic.Bool{}
	}

	var g errgroup.Group
	for _, t := range order {
		name := t.Name
		g.Go(func() error {
			defer close(finished[name])
			for _, p := range graph.Parents(name) {
				<-finished[p]
				if !drained[p].Load() {
					r.logger.Debug("table not started, dependency did not drain", "table", name, "depends_on", p)
					return nil
				}
			}
			if r.signalled() != signalNone {
				return nil
			}
			if err := tableSem.Acquire(r.interrupt, 1); err != nil {
				if r.signalled() == signalNone {
					r.setErr(err)
				}
				return nil
			}
			defer tableSem.Release(1)

			r.mu.Lock()
			tr := r.tables[name]
			r.mu.Unlock()
			err := e.syncTable(ctx, r, tr)
			switch {
			case err == nil:
				drained[name].Store(true)
			case errors.Is(err, errInterrupted):
			default:
				r.logger.Error("table failed", "table", name, "error", err)
				r.mu.Lock()
				r.job.TableProgress(name).Error = err.Error()
				r.mu.Unlock()
				r.setErr(fmt.Errorf("table %s: %w", name, err))
				r.signal(signalAbort)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// finish settles the job status after every table stopped.
func (e *Engine) finish(ctx context.Context, r *run) error {
	if err := r.firstErr(); err != nil {
		return e.fail(ctx, r, err)
	}

	job := r.snapshot()
	all := true
	for _, t := range job.Tables {
		if p, ok := job.Progress[t.Name]; !ok || !p.Drained {
			all = false
			break
		}
	}

	switch {
	case all:
		totals := job.Totals()
		if err := e.event(ctx, r.id, "", core.EventJobComplete, map[string]any{"counters": countersPayload(totals)}); err != nil {
			return e.fail(ctx, r, err)
		}
		if err := e.setStatus(ctx, r, core.JobCompleted); err != nil {
			return err
		}
		r.logger.Info("job completed", "read", totals.Read, "written", totals.Written,
			"skipped", totals.Skipped, "conflicted", totals.Conflicted)
		return nil

	case r.signalled() == signalPause:
		if err := e.event(ctx, r.id, "", core.EventCheckpoint, map[string]any{
			"reason":  "paused",
			"cursors": cursorsPayload(job),
		}); err != nil {
			return e.fail(ctx, r, err)
		}
		r.logger.Info("job paused")
		return e.setStatus(ctx, r, core.JobPaused)

	case r.signalled() == signalStop:
		return e.cancel(ctx, r)
	}
	return e.fail(ctx, r, core.Errorf(core.CodeInternal, "engine", "job stopped before every table drained"))
}

// fail marks the job failed and writes job_fail.
func (e *Engine) fail(ctx context.Context, r *run, cause error) error {
	code := core.CodeOf(cause)
	r.mu.Lock()
	r.job.Error = cause.Error()
	r.job.Cause = string(code)
	r.mu.Unlock()

	if e.auditLog != nil {
		if err := e.event(ctx, r.id, "", core.EventJobFail, map[string]any{
			"cause": string(code),
			"error": cause.Error(),
		}); err != nil {
			r.logger.Error("failed to audit job failure", "error", err)
		}
	}
	if err := e.setStatus(ctx, r, core.JobFailed); err != nil {
		r.logger.Error("failed to persist job failure", "error", err)
	}
	r.logger.Error("job failed", "cause", code, "error", cause)
	return cause
}

// cancel marks the job cancelled and writes job_fail with cause cancelled.
func (e *Engine) cancel(ctx context.Context, r *run) error {
	r.mu.Lock()
	r.job.Cause = CauseCancelled
	r.job.Error = ""
	job := r.job.Clone()
	r.mu.Unlock()

	if err := e.event(ctx, r.id, "", core.EventJobFail, map[string]any{
		"cause":   CauseCancelled,
		"cursors": cursorsPayload(job),
	}); err != nil {
		r.logger.Error("failed to audit cancellation", "error", err)
	}
	if err := e.setStatus(ctx, r, core.JobCancelled); err != nil {
		return err
	}
	r.logger.Info("job cancelled")
	return core.Errorf(core.CodeCancelled, "engine", "job %s cancelled", r.id)
}

// heartbeat records liveness and polls cross-process control requests.
func (e *Engine) heartbeat(ctx context.Context, r *run) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.Sync.HeartbeatInterval)
		defer ticker.Stop()
		for {
			e.beat(ctx, r)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}

func (e *Engine) beat(ctx context.Context, r *run) {
	if err := e.store.Heartbeat(ctx, r.id, e.now()); err != nil && ctx.Err() == nil {
		r.logger.Warn("failed to record heartbeat", "error", err)
	}
	action, ok, err := e.store.TakeControl(ctx, r.id)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("failed to poll control requests", "error", err)
		}
		return
	}
	if !ok {
		return
	}
	r.logger.Info("control request received", "action", action)
	switch action {
	case state.ActionStop:
		r.signal(signalStop)
	case state.ActionPause:
		r.signal(signalPause)
	}
}

func countersPayload(c core.Counters) map[string]any {
	return map[string]any{
		"read":       c.Read,
		"written":    c.Written,
		"skipped":    c.Skipped,
		"conflicted": c.Conflicted,
		"errored":    c.Errored,
	}
}

func cursorsPayload(job *core.JobState) map[string]any {
	out := make(map[string]any, len(job.Progress))
	for name, p := range job.Progress {
		out[name] = p.Cursor.Plain()
	}
	return out
}
