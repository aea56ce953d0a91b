package core

import (
	"slices"
	"time"
)

// JobMode is how a job was started.
type JobMode string

// Job modes.
const (
	ModeFull        JobMode = "full"
	ModeIncremental JobMode = "incremental"
	ModeResume      JobMode = "resume"
)

// JobStatus is the state of a job's lifecycle.
type JobStatus string

// Job statuses.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:   {JobRunning, JobFailed, JobCancelled},
	JobRunning:   {JobPaused, JobCompleted, JobFailed, JobCancelled},
	JobPaused:    {JobRunning, JobCancelled},
	JobFailed:    {JobRunning},
	JobCancelled: {JobRunning},
}

// CanTransition reports whether s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	return slices.Contains(jobTransitions[s], next)
}

// Terminal reports whether the job has stopped running.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Resumable reports whether a job in status s may be resumed.
func (s JobStatus) Resumable() bool {
	return s == JobPaused || s == JobFailed || s == JobCancelled
}

// Counters track per-table record outcomes.
type Counters struct {
	Read       int64 `json:"read"`
	Written    int64 `json:"written"`
	Skipped    int64 `json:"skipped"`
	Conflicted int64 `json:"conflicted"`
	Errored    int64 `json:"errored"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.Read += o.Read
	c.Written += o.Written
	c.Skipped += o.Skipped
	c.Conflicted += o.Conflicted
	c.Errored += o.Errored
}

// TableProgress is the persisted position of one table within a job.
type TableProgress struct {
	Cursor   Key      `json:"cursor"`
	Drained  bool     `json:"drained"`
	Counters Counters `json:"counters"`
	// SinceCheckpoint counts records processed since the last checkpoint event.
	SinceCheckpoint int64  `json:"since_checkpoint"`
	Batches         int64  `json:"batches"`
	Error           string `json:"error,omitempty"`
}

// JobState is the full persisted record of a job.
type JobState struct {
	ID                string                    `json:"job_id"`
	Mode              JobMode                   `json:"mode"`
	Status            JobStatus                 `json:"status"`
	DetectionStrategy string                    `json:"detection_strategy"`
	ConflictStrategy  string                    `json:"conflict_strategy"`
	StartedAt         time.Time                 `json:"started_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	CompletedAt       *time.Time                `json:"completed_at,omitempty"`
	Tables            []TableDescriptor         `json:"tables"`
	Progress          map[string]*TableProgress `json:"progress"`
	RetryBudget       int                       `json:"retry_budget"`
	Error             string                    `json:"error,omitempty"`
	Cause             string                    `json:"cause,omitempty"`
}

// Table returns the descriptor named name.
func (j *JobState) Table(name string) (TableDescriptor, bool) {
	for _, t := range j.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableDescriptor{}, false
}

// TableProgress returns the progress entry for table, creating it if needed.
func (j *JobState) TableProgress(table string) *TableProgress {
	if j.Progress == nil {
		j.Progress = make(map[string]*TableProgress)
	}
	p, ok := j.Progress[table]
	if !ok {
		p = &TableProgress{}
		j.Progress[table] = p
	}
	return p
}

// Totals sums counters across tables.
func (j *JobState) Totals() Counters {
	var c Counters
	for _, p := range j.Progress {
		c.Add(p.Counters)
	}
	return c
}

// Clone returns a deep copy safe to persist while the original mutates.
func (j *JobState) Clone() *JobState {
	out := *j
	out.Tables = slices.Clone(j.Tables)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	out.Progress = make(map[string]*TableProgress, len(j.Progress))
	for name, p := range j.Progress {
		cp := *p
		cp.Cursor = slices.Clone(p.Cursor)
		out.Progress[name] = &cp
	}
	return &out
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status JobStatus
	Limit  int
}
