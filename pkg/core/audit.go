package core

import "time"

// EventType classifies audit events.
type EventType string

// Audit event types.
const (
	EventJobStart         EventType = "job_start"
	EventJobComplete      EventType = "job_complete"
	EventJobFail          EventType = "job_fail"
	EventBatchStart       EventType = "batch_start"
	EventBatchComplete    EventType = "batch_complete"
	EventRecordApply      EventType = "record_apply"
	EventRecordSkip       EventType = "record_skip"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventCheckpoint       EventType = "checkpoint"
)

// EventTypes lists every event type in a stable order.
var EventTypes = []EventType{
	EventJobStart, EventJobComplete, EventJobFail,
	EventBatchStart, EventBatchComplete,
	EventRecordApply, EventRecordSkip,
	EventConflictDetected, EventConflictResolved,
	EventCheckpoint,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, e := range EventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// AuditEvent is one entry of a job's hash-chained audit log.
type AuditEvent struct {
	ID        string         `json:"event_id"`
	JobID     string         `json:"job_id"`
	Seq       int64          `json:"seq"`
	Table     string         `json:"table,omitempty"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// EventFilter narrows audit queries.
type EventFilter struct {
	Table string
	Types []EventType
	Since time.Time
	Until time.Time
}

// AuditReport aggregates a job's audit log.
type AuditReport struct {
	JobID       string                         `json:"job_id"`
	TotalEvents int64                          `json:"total_events"`
	ByType      map[EventType]int64            `json:"by_type"`
	ByTable     map[string]map[EventType]int64 `json:"by_table"`
	Unresolved  []*Conflict                    `json:"unresolved_conflicts"`
	FirstEvent  *time.Time                     `json:"first_event,omitempty"`
	LastEvent   *time.Time                     `json:"last_event,omitempty"`
	ChainValid  bool                           `json:"chain_valid"`
	ChainError  string                         `json:"chain_error,omitempty"`
}
