package core

// Operation is the kind of change detected for a record.
type Operation string

// Change operations.
const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Change is one detected difference between source and target.
type Change struct {
	Table     string
	Operation Operation
	Key       Key
	// SourceHash is the digest of the source sync fields.
	SourceHash string
	// TargetHash is the digest of the target row observed at detection time.
	// Empty when the target row was absent.
	TargetHash string
	// Fields holds the source sync fields. Nil for deletes.
	Fields Record
	// Mapped is the target-shaped record computed while detecting. Nil when
	// the mapping rejected the record or for deletes.
	Mapped Record
	// Position is the change-log position for log-based detection.
	Position Key
}
