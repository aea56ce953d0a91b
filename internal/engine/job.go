package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapsync/internal/detect"
	"github.com/leapstack-labs/leapsync/internal/state"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// StartFullSync starts a job over every configured table using the
// full_snapshot strategy. It returns once the job is persisted; the job runs
// in the background.
func (e *Engine) StartFullSync(ctx context.Context) (*core.JobState, error) {
	return e.start(ctx, core.ModeFull, nil)
}

// StartIncrementalSync starts a job over the named tables, or all configured
// tables when none are named, using the configured detection strategy.
func (e *Engine) StartIncrementalSync(ctx context.Context, tables []string) (*core.JobState, error) {
	return e.start(ctx, core.ModeIncremental, tables)
}

func (e *Engine) start(ctx context.Context, mode core.JobMode, names []string) (*core.JobState, error) {
	tables, err := e.selectTables(names)
	if err != nil {
		return nil, err
	}
	if err := e.connect(ctx); err != nil {
		return nil, err
	}

	detection := e.cfg.Sync.DetectionStrategy
	if mode == core.ModeFull {
		detection = detect.FullSnapshot
	}
	now := e.now().UTC()
	job := &core.JobState{
		ID:                newJobID(),
		Mode:              mode,
		Status:            core.JobPending,
		DetectionStrategy: detection,
		ConflictStrategy:  e.cfg.Sync.ConflictStrategy,
		StartedAt:         now,
		UpdatedAt:         now,
		Tables:            tables,
		Progress:          make(map[string]*core.TableProgress, len(tables)),
		RetryBudget:       e.cfg.Sync.RetryBudget,
	}
	for _, t := range tables {
		job.TableProgress(t.Name)
	}
	if err := e.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	e.logger.Info("job created", "job_id", job.ID, "mode", mode, "tables", len(tables))

	snap := job.Clone()
	e.launch(ctx, job)
	return snap, nil
}

// ResumeSync continues a paused, failed or cancelled job, or a running job
// whose runner stopped sending heartbeats, from its persisted cursors.
func (e *Engine) ResumeSync(ctx context.Context, jobID string) (*core.JobState, error) {
	if err := e.reserve(jobID); err != nil {
		return nil, err
	}
	launched := false
	defer func() {
		if !launched {
			e.release(jobID)
		}
	}()

	if err := e.connect(ctx); err != nil {
		return nil, err
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch {
	case job.Status.Resumable():
	case job.Status == core.JobRunning || job.Status == core.JobPending:
		last, err := e.store.LastHeartbeat(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if age := e.now().Sub(last); age < e.cfg.Sync.StaleAfter {
			return nil, core.Errorf(core.CodeInvalidState, "engine",
				"job %s is running elsewhere (last heartbeat %s ago)", jobID, age.Round(time.Second))
		}
		e.logger.Warn("resuming job with stale heartbeat", "job_id", jobID, "last_heartbeat", last)
	default:
		return nil, core.Errorf(core.CodeInvalidState, "engine", "job %s is %s and cannot be resumed", jobID, job.Status)
	}

	// Requests addressed to the previous runner do not apply to this one.
	if _, _, err := e.store.TakeControl(ctx, jobID); err != nil {
		return nil, err
	}

	job.Mode = core.ModeResume
	job.Error, job.Cause = "", ""
	job.CompletedAt = nil
	job.RetryBudget = e.cfg.Sync.RetryBudget
	for _, p := range job.Progress {
		p.Error = ""
	}
	e.logger.Info("resuming job", "job_id", jobID, "status", job.Status)

	snap := job.Clone()
	e.launch(ctx, job)
	launched = true
	return snap, nil
}

// StopSync asks a job to stop after its in-flight record. Jobs running in
// another process receive the request on their next heartbeat.
func (e *Engine) StopSync(ctx context.Context, jobID string) error {
	if r := e.lookupRun(jobID); r != nil {
		r.signal(signalStop)
		return nil
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case core.JobRunning, core.JobPending:
		return e.store.RequestControl(ctx, jobID, state.ActionStop)
	case core.JobPaused:
		if err := e.reserve(jobID); err != nil {
			return err
		}
		defer e.release(jobID)
		if err := e.connect(ctx); err != nil {
			return err
		}
		r := newRun(ctx, job, e.logger)
		defer r.cancelInterrupt()
		err := e.cancel(ctx, r)
		if core.CodeOf(err) == core.CodeCancelled {
			return nil
		}
		return err
	}
	return core.Errorf(core.CodeInvalidState, "engine", "job %s is %s", jobID, job.Status)
}

// PauseSync asks a running job to pause after its in-flight record.
func (e *Engine) PauseSync(ctx context.Context, jobID string) error {
	if r := e.lookupRun(jobID); r != nil {
		r.signal(signalPause)
		return nil
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == core.JobRunning || job.Status == core.JobPending {
		return e.store.RequestControl(ctx, jobID, state.ActionPause)
	}
	return core.Errorf(core.CodeInvalidState, "engine", "job %s is %s", jobID, job.Status)
}

// Status returns the latest state of a job.
func (e *Engine) Status(ctx context.Context, jobID string) (*core.JobState, error) {
	if r := e.lookupRun(jobID); r != nil {
		return r.snapshot(), nil
	}
	return e.store.GetJob(ctx, jobID)
}

// ListJobs lists jobs, most recent first.
func (e *Engine) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.JobState, error) {
	return e.store.ListJobs(ctx, filter)
}

// Wait blocks until the job stops running in this process and returns its
// final state with the error describing how it ended. Cancelling ctx asks
// the job to stop and keeps waiting for it to wind down.
func (e *Engine) Wait(ctx context.Context, jobID string) (*core.JobState, error) {
	if r := e.lookupRun(jobID); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			r.signal(signalStop)
			<-r.done
		}
	}
	job, err := e.store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return nil, err
	}
	return job, JobError(job)
}

// JobError describes how a stopped job ended. Completed and paused jobs
// yield nil.
func JobError(job *core.JobState) error {
	switch job.Status {
	case core.JobCompleted, core.JobPaused:
		return nil
	case core.JobCancelled:
		return core.Errorf(core.CodeCancelled, "engine", "job %s cancelled", job.ID)
	case core.JobFailed:
		code := core.ErrorCode(job.Cause)
		if code == "" {
			code = core.CodeInternal
		}
		return core.NewError(code, "engine", errors.New(job.Error))
	}
	return core.Errorf(core.CodeInvalidState, "engine", "job %s is %s", job.ID, job.Status)
}
