// Package state persists job state, the manual conflict queue and
// cross-process control requests in a local SQLite database.
package state

import (
	"context"
	"time"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// ControlAction is a request sent to a running job from outside its process.
type ControlAction string

// Control actions.
const (
	ActionStop  ControlAction = "stop"
	ActionPause ControlAction = "pause"
)

// Store is the durable job store the engine writes through.
type Store interface {
	// SaveJob upserts the full state of a job in a single row write.
	SaveJob(ctx context.Context, job *core.JobState) error
	GetJob(ctx context.Context, id string) (*core.JobState, error)
	ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.JobState, error)

	// Heartbeat records that the job's runner is alive.
	Heartbeat(ctx context.Context, id string, at time.Time) error
	LastHeartbeat(ctx context.Context, id string) (time.Time, error)

	SaveConflict(ctx context.Context, c *core.Conflict) error
	GetConflict(ctx context.Context, id string) (*core.Conflict, error)
	ListConflicts(ctx context.Context, jobID string, filter core.ConflictFilter) ([]*core.Conflict, error)

	// RequestControl records a stop or pause request. A later request
	// replaces an earlier one that was not yet consumed.
	RequestControl(ctx context.Context, jobID string, action ControlAction) error
	// TakeControl returns and clears the pending request, if any.
	TakeControl(ctx context.Context, jobID string) (ControlAction, bool, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
