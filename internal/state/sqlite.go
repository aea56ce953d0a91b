package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/leapstack-labs/leapsync/internal/canonical"
	"github.com/leapstack-labs/leapsync/pkg/adapters/sqlite"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// FileName is the database file created inside the state directory.
const FileName = "leapsync.db"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite state store instance.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{logger: logger}
}

// OpenDir opens (creating if needed) the store inside a state directory and
// applies migrations.
func OpenDir(ctx context.Context, dir string, logger *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.NewError(core.CodeConfiguration, "state", fmt.Errorf("failed to create state directory: %w", err))
	}
	s := NewSQLiteStore(logger)
	if err := s.Open(ctx, filepath.Join(dir, FileName)); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Open opens a connection to the SQLite database.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(ctx context.Context, path string) error {
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return err
	}
	s.db = db
	s.path = path
	s.logger.Debug("state store opened", slog.String("path", path))
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func formatTime(t time.Time) string { return canonical.FormatTime(t) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(canonical.TimestampLayout, s)
}

// --- Job operations ---

// SaveJob upserts the job row. The full state is one JSON document so the
// write is atomic.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *core.JobState) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job state: %w", err)
	}
	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, status, mode, started_at, updated_at, heartbeat_at, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO UPDATE SET
		   status = excluded.status,
		   mode = excluded.mode,
		   updated_at = excluded.updated_at,
		   state = excluded.state`,
		job.ID, string(job.Status), string(job.Mode), formatTime(job.StartedAt), formatTime(job.UpdatedAt), now, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*core.JobState, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE job_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.CodeNotFound, "state", fmt.Errorf("job not found: %s: %w", id, core.ErrNotFound))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeJob(data)
}

func decodeJob(data string) (*core.JobState, error) {
	var job core.JobState
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, core.NewError(core.CodeIntegrity, "state", fmt.Errorf("failed to decode job state: %w", err))
	}
	if job.Progress == nil {
		job.Progress = make(map[string]*core.TableProgress)
	}
	return &job, nil
}

// ListJobs returns jobs newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.JobState, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	query := `SELECT state FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, job_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*core.JobState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Heartbeat records that the job's runner is alive.
func (s *SQLiteStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	result, err := s.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at = ? WHERE job_id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.NewError(core.CodeNotFound, "state", fmt.Errorf("job not found: %s: %w", id, core.ErrNotFound))
	}
	return nil
}

// LastHeartbeat returns the most recent heartbeat of a job.
func (s *SQLiteStore) LastHeartbeat(ctx context.Context, id string) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, fmt.Errorf("database not opened")
	}
	var at string
	err := s.db.QueryRowContext(ctx, `SELECT heartbeat_at FROM jobs WHERE job_id = ?`, id).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, core.NewError(core.CodeNotFound, "state", fmt.Errorf("job not found: %s: %w", id, core.ErrNotFound))
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return parseTime(at)
}

// --- Conflict operations ---

// SaveConflict upserts a conflict by its stable ID.
func (s *SQLiteStore) SaveConflict(ctx context.Context, c *core.Conflict) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode conflict: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflicts (conflict_id, job_id, table_name, status, detected_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conflict_id) DO UPDATE SET
		   status = excluded.status,
		   data = excluded.data`,
		c.ID, c.JobID, c.Table, string(c.Status), formatTime(c.DetectedAt), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

// GetConflict retrieves a conflict by ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*core.Conflict, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM conflicts WHERE conflict_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.CodeNotFound, "state", fmt.Errorf("conflict not found: %s: %w", id, core.ErrNotFound))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return decodeConflict(data)
}

func decodeConflict(data string) (*core.Conflict, error) {
	var c core.Conflict
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, core.NewError(core.CodeIntegrity, "state", fmt.Errorf("failed to decode conflict: %w", err))
	}
	return &c, nil
}

// ListConflicts returns a job's conflicts in detection order.
func (s *SQLiteStore) ListConflicts(ctx context.Context, jobID string, filter core.ConflictFilter) ([]*core.Conflict, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	query := `SELECT data FROM conflicts WHERE job_id = ?`
	args := []any{jobID}
	if filter.Table != "" {
		query += ` AND table_name = ?`
		args = append(args, filter.Table)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY detected_at, conflict_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.Conflict
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c, err := decodeConflict(data)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Control requests ---

// RequestControl records a stop or pause request for a job.
func (s *SQLiteStore) RequestControl(ctx context.Context, jobID string, action ControlAction) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	switch action {
	case ActionStop, ActionPause:
	default:
		return core.Errorf(core.CodeConfiguration, "state", "unknown control action %q", action)
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO control_requests (job_id, action, requested_at) VALUES (?, ?, ?)
		 ON CONFLICT (job_id) DO UPDATE SET action = excluded.action, requested_at = excluded.requested_at`,
		jobID, string(action), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record control request: %w", err)
	}
	s.logger.Debug("control requested", slog.String("job_id", jobID), slog.String("action", string(action)))
	return nil
}

// TakeControl returns and clears the pending request for a job.
func (s *SQLiteStore) TakeControl(ctx context.Context, jobID string) (ControlAction, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("database not opened")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var action string
	err = tx.QueryRowContext(ctx, `SELECT action FROM control_requests WHERE job_id = ?`, jobID).Scan(&action)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read control request: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM control_requests WHERE job_id = ?`, jobID); err != nil {
		return "", false, fmt.Errorf("failed to clear control request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ControlAction(action), true, nil
}
