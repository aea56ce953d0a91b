package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/internal/testutil"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store := NewSQLiteStore(testutil.NewTestLogger(t))
	require.NoError(t, store.Open(ctx, ":memory:"))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newJob(id string, started time.Time) *core.JobState {
	return &core.JobState{
		ID:                id,
		Mode:              core.ModeIncremental,
		Status:            core.JobRunning,
		DetectionStrategy: "hash",
		ConflictStrategy:  "source_wins",
		StartedAt:         started,
		UpdatedAt:         started,
		Tables:            []core.TableDescriptor{{Name: "users", PrimaryKeys: []string{"id"}}},
		RetryBudget:       30,
	}
}

func TestSQLiteStore_Migrate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, err := store.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	require.NoError(t, store.Migrate(ctx), "migrate is idempotent")

	for _, table := range []string{"jobs", "conflicts", "control_requests"} {
		rows, err := store.DB().QueryContext(ctx, "SELECT 1 FROM "+table+" LIMIT 1")
		require.NoError(t, err, "table %s", table)
		_ = rows.Close()
	}
}

func TestSQLiteStore_JobRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	job := newJob("job-1", started)
	p := job.TableProgress("users")
	p.Cursor = core.Key{core.IntValue(42)}
	p.Counters = core.Counters{Read: 10, Written: 8, Skipped: 2}
	require.NoError(t, store.SaveJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, got.Status)
	assert.Equal(t, "hash", got.DetectionStrategy)
	assert.True(t, started.Equal(got.StartedAt))
	require.Contains(t, got.Progress, "users")
	assert.Zero(t, got.Progress["users"].Cursor.Compare(core.Key{core.IntValue(42)}))
	assert.Equal(t, int64(8), got.Progress["users"].Counters.Written)

	job.Status = core.JobCompleted
	job.Progress["users"].Cursor = core.Key{core.IntValue(50)}
	require.NoError(t, store.SaveJob(ctx, job))

	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, got.Status)
	assert.Zero(t, got.Progress["users"].Cursor.Compare(core.Key{core.IntValue(50)}))
}

func TestSQLiteStore_GetJobNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestSQLiteStore_ListJobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []core.JobStatus{core.JobCompleted, core.JobFailed, core.JobCompleted} {
		job := newJob(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		job.Status = status
		require.NoError(t, store.SaveJob(ctx, job))
	}

	tests := []struct {
		name   string
		filter core.JobFilter
		want   []string
	}{
		{"all newest first", core.JobFilter{}, []string{"c", "b", "a"}},
		{"by status", core.JobFilter{Status: core.JobCompleted}, []string{"c", "a"}},
		{"limit", core.JobFilter{Limit: 1}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := store.ListJobs(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(jobs))
			for i, j := range jobs {
				ids[i] = j.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestSQLiteStore_Heartbeat(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveJob(ctx, newJob("j", time.Now())))

	at := time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC)
	require.NoError(t, store.Heartbeat(ctx, "j", at))

	got, err := store.LastHeartbeat(ctx, "j")
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	err = store.Heartbeat(ctx, "missing", at)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestSQLiteStore_Conflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveJob(ctx, newJob("j", time.Now())))

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	src := core.Record{"id": core.IntValue(7), "name": core.StringValue("source")}
	dst := core.Record{"id": core.IntValue(7), "name": core.StringValue("target")}

	c1 := core.NewConflict("j", "users", core.Key{core.IntValue(7)}, src, dst, at)
	c2 := core.NewConflict("j", "orders", core.Key{core.IntValue(1)}, src, dst, at.Add(time.Second))
	require.NoError(t, store.SaveConflict(ctx, c1))
	require.NoError(t, store.SaveConflict(ctx, c2))

	got, err := store.GetConflict(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConflictPending, got.Status)
	assert.True(t, got.SourceRecord.Equal(src))

	require.NoError(t, got.Resolve("target_wins", dst, at.Add(time.Minute)))
	require.NoError(t, store.SaveConflict(ctx, got))

	pending, err := store.ListConflicts(ctx, "j", core.ConflictFilter{Status: core.ConflictPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c2.ID, pending[0].ID)

	users, err := store.ListConflicts(ctx, "j", core.ConflictFilter{Table: "users"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, core.ConflictResolved, users[0].Status)
	assert.Equal(t, "target_wins", users[0].Strategy)
	assert.True(t, users[0].ResolvedRecord.Equal(dst))

	_, err = store.GetConflict(ctx, "nope")
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestSQLiteStore_Control(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveJob(ctx, newJob("j", time.Now())))

	_, ok, err := store.TakeControl(ctx, "j")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.RequestControl(ctx, "j", ActionPause))
	require.NoError(t, store.RequestControl(ctx, "j", ActionStop))

	action, ok, err := store.TakeControl(ctx, "j")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ActionStop, action, "later request replaces earlier")

	_, ok, err = store.TakeControl(ctx, "j")
	require.NoError(t, err)
	assert.False(t, ok, "request is consumed")

	err = store.RequestControl(ctx, "j", "restart")
	assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))

	err = store.RequestControl(ctx, "missing", ActionStop)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestOpenDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	ctx := context.Background()

	s, err := OpenDir(ctx, dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveJob(ctx, newJob("persisted", time.Now())))
	require.NoError(t, s.Close())

	s, err = OpenDir(ctx, dir, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	job, err := s.GetJob(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", job.ID)
	assert.FileExists(t, filepath.Join(dir, FileName))
}
