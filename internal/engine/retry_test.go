package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/internal/config"
	"github.com/leapstack-labs/leapsync/internal/detect"
	"github.com/leapstack-labs/leapsync/internal/testutil"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

var errSourceTimeout = fmt.Errorf("source read: %w", context.DeadlineExceeded)

// flakyDetector wraps the job's detector. fault, when it returns an error,
// replaces the read for that call.
type flakyDetector struct {
	detect.Detector
	fault   func(ctx context.Context, call int) error
	started chan struct{}

	mu      sync.Mutex
	calls   int
	cursors []core.Key
}

func (d *flakyDetector) Detect(ctx context.Context, req detect.Request) (*detect.Batch, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.cursors = append(d.cursors, req.Cursor)
	d.mu.Unlock()

	select {
	case d.started <- struct{}{}:
	default:
	}
	if d.fault != nil {
		if err := d.fault(ctx, call); err != nil {
			return nil, err
		}
	}
	return d.Detector.Detect(ctx, req)
}

func (d *flakyDetector) seen() (int, []core.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, slices.Clone(d.cursors)
}

func (h *harness) flaky(fault func(ctx context.Context, call int) error) *flakyDetector {
	d := &flakyDetector{fault: fault, started: make(chan struct{}, 1)}
	h.engine.hooks.detector = func(inner detect.Detector) detect.Detector {
		d.Detector = inner
		return d
	}
	return d
}

func checkpointCursor(t *testing.T, ev *core.AuditEvent) int64 {
	t.Helper()
	parts, ok := ev.Payload["cursor"].([]any)
	require.True(t, ok, "cursor payload: %#v", ev.Payload["cursor"])
	require.Len(t, parts, 1)
	n, ok := parts[0].(json.Number)
	require.True(t, ok, "cursor part: %#v", parts[0])
	v, err := n.Int64()
	require.NoError(t, err)
	return v
}

func TestSync_RetriesFromSameCursor(t *testing.T) {
	h := newHarness(t,
		[]string{usersDDL, insertUsers(1, 25)},
		[]string{usersDDL},
		withSync(func(s *config.Sync) {
			s.BatchSize = 10
			s.CheckpointInterval = 5
		}))
	d := h.flaky(func(_ context.Context, call int) error {
		if call == 2 || call == 3 {
			return errSourceTimeout
		}
		return nil
	})

	job, err := h.sync()
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, job.Status)
	assert.Equal(t, 25, testutil.Count(t, h.target, "FROM users"))

	p := job.Progress["users"]
	assert.Equal(t, int64(2), p.Counters.Errored)
	assert.Equal(t, int64(25), p.Counters.Written)
	assert.Equal(t, "(25)", p.Cursor.String())
	assert.Equal(t, h.engine.cfg.Sync.RetryBudget-2, job.RetryBudget)

	calls, cursors := d.seen()
	require.GreaterOrEqual(t, calls, 4)
	assert.Equal(t, "(10)", cursors[1].String())
	assert.Equal(t, cursors[1], cursors[2], "retry reads from the failed position")
	assert.Equal(t, cursors[1], cursors[3], "retry reads from the failed position")
	for i := 1; i < len(cursors); i++ {
		assert.LessOrEqual(t, cursors[i-1].Compare(cursors[i]), 0, "cursor moved back at read %d", i)
	}

	var keys []int64
	for _, ev := range h.events(job.ID, core.EventRecordApply) {
		keys = append(keys, payloadKey(t, ev))
	}
	require.Len(t, keys, 25)
	assert.True(t, slices.IsSorted(keys), "records applied out of key order: %v", keys)
	assert.Equal(t, int64(1), keys[0])
	assert.Equal(t, int64(25), keys[24])

	var marks []int64
	for _, ev := range h.events(job.ID, core.EventCheckpoint) {
		if ev.Table == "users" {
			marks = append(marks, checkpointCursor(t, ev))
		}
	}
	require.NotEmpty(t, marks)
	assert.True(t, slices.IsSorted(marks), "checkpoint cursors moved back: %v", marks)
	assert.Equal(t, int64(25), marks[len(marks)-1])
	require.NoError(t, h.engine.VerifyAudit(h.ctx, job.ID))
}

func TestSync_RetriesExhausted(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		budget     int
		wantCalls  int
		wantErr    string
	}{
		{"per batch attempts", 2, 100, 3, "context deadline exceeded"},
		{"job retry budget", 10, 2, 3, "retry budget exhausted"},
		{"no retries", 0, 5, 1, "context deadline exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t,
				[]string{usersDDL, insertUsers(1, 5)},
				[]string{usersDDL},
				withSync(func(s *config.Sync) {
					s.MaxRetries = tt.maxRetries
					s.RetryBudget = tt.budget
				}))
			d := h.flaky(func(context.Context, int) error { return errSourceTimeout })

			job, err := h.sync()
			require.Error(t, err)
			assert.True(t, core.HasCode(err, core.CodeTransient), "error: %v", err)
			assert.Equal(t, core.JobFailed, job.Status)
			assert.Equal(t, string(core.CodeTransient), job.Cause)
			assert.Contains(t, job.Error, tt.wantErr)
			assert.Equal(t, 0, testutil.Count(t, h.target, "FROM users"))

			calls, _ := d.seen()
			assert.Equal(t, tt.wantCalls, calls)

			fails := h.events(job.ID, core.EventJobFail)
			require.Len(t, fails, 1)
			assert.Equal(t, string(core.CodeTransient), fails[0].Payload["cause"])
			assert.Empty(t, h.events(job.ID, core.EventRecordApply))
		})
	}
}

func TestSync_SignalDuringRetries(t *testing.T) {
	tests := []struct {
		name       string
		fault      func(ctx context.Context, call int) error
		signal     func(h *harness, jobID string) error
		wantStatus core.JobStatus
	}{
		{
			name:  "stop during backoff",
			fault: func(context.Context, int) error { return errSourceTimeout },
			signal: func(h *harness, jobID string) error {
				return h.engine.StopSync(h.ctx, jobID)
			},
			wantStatus: core.JobCancelled,
		},
		{
			name: "pause during slow read",
			fault: func(ctx context.Context, _ int) error {
				<-ctx.Done()
				return fmt.Errorf("source read: %w", ctx.Err())
			},
			signal: func(h *harness, jobID string) error {
				return h.engine.PauseSync(h.ctx, jobID)
			},
			wantStatus: core.JobPaused,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t,
				[]string{usersDDL, insertUsers(1, 5)},
				[]string{usersDDL},
				withSync(func(s *config.Sync) {
					s.MaxRetries = 100
					s.RetryBudget = 100
					s.RetryBaseDelay = time.Minute
					s.RetryMaxDelay = time.Minute
				}))
			d := h.flaky(tt.fault)

			started, err := h.engine.StartIncrementalSync(h.ctx, nil)
			require.NoError(t, err)
			select {
			case <-d.started:
			case <-time.After(5 * time.Second):
				t.Fatal("job never read the source")
			}
			require.NoError(t, tt.signal(h, started.ID))

			ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
			defer cancel()
			job, _ := h.engine.Wait(ctx, started.ID)
			require.NotNil(t, job)
			require.NoError(t, ctx.Err(), "job did not stop before the backoff elapsed")
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.NotEqual(t, string(core.CodeInternal), job.Cause)
			assert.Empty(t, job.Error)

			if tt.wantStatus == core.JobCancelled {
				assert.Equal(t, CauseCancelled, job.Cause)
				fails := h.events(started.ID, core.EventJobFail)
				require.Len(t, fails, 1)
				assert.Equal(t, CauseCancelled, fails[0].Payload["cause"])
			} else {
				assert.Empty(t, h.events(started.ID, core.EventJobFail))
			}
		})
	}
}
