package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

// Conflict statuses.
const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// conflictNamespace seeds the name-based conflict IDs.
var conflictNamespace = uuid.MustParse("3c5b1f0e-8d2a-4f6e-9b7c-2a1d4e6f8b90")

// Conflict records a disagreement between source and target observed at
// apply time.
type Conflict struct {
	ID             string         `json:"conflict_id"`
	JobID          string         `json:"job_id"`
	Table          string         `json:"table"`
	Key            Key            `json:"primary_key"`
	SourceRecord   Record         `json:"source_record"`
	TargetRecord   Record         `json:"target_record"`
	DetectedAt     time.Time      `json:"detected_at"`
	Status         ConflictStatus `json:"status"`
	Strategy       string         `json:"resolution_strategy,omitempty"`
	ResolvedRecord Record         `json:"resolved_record,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// ConflictID derives the stable conflict ID for a job, table and key.
func ConflictID(jobID, table string, key Key) string {
	return uuid.NewSHA1(conflictNamespace, []byte(jobID+"\x00"+table+"\x00"+key.String())).String()
}

// NewConflict builds a pending conflict.
func NewConflict(jobID, table string, key Key, source, target Record, at time.Time) *Conflict {
	return &Conflict{
		ID:           ConflictID(jobID, table, key),
		JobID:        jobID,
		Table:        table,
		Key:          key,
		SourceRecord: source,
		TargetRecord: target,
		DetectedAt:   at.UTC(),
		Status:       ConflictPending,
	}
}

// Resolve marks the conflict resolved. A resolved conflict always carries a
// record and a strategy.
func (c *Conflict) Resolve(strategy string, record Record, at time.Time) error {
	if strategy == "" {
		return NewError(CodeInvalidState, "resolve", fmt.Errorf("conflict %s: resolution strategy is required", c.ID))
	}
	if record == nil {
		return NewError(CodeInvalidState, "resolve", fmt.Errorf("conflict %s: resolved record is required", c.ID))
	}
	if c.Status == ConflictResolved {
		return NewError(CodeInvalidState, "resolve", fmt.Errorf("conflict %s is already resolved", c.ID))
	}
	t := at.UTC()
	c.Status = ConflictResolved
	c.Strategy = strategy
	c.ResolvedRecord = record
	c.ResolvedAt = &t
	return nil
}

// ConflictFilter narrows conflict queries.
type ConflictFilter struct {
	Table  string
	Status ConflictStatus
	Limit  int
	Offset int
}
