// Package core defines the shared language of the LeapSync engine.
//
// This package contains:
//   - Values and records (Value, Record, Key)
//   - Pipeline entities (TableDescriptor, Change, Conflict, AuditEvent, JobState)
//   - Schema descriptors (TableSchema, ColumnSchema, TypeClass)
//   - The error taxonomy (Error, ErrorCode, IsRetryable)
//
// The Golden Rule: pkg/core imports only stdlib plus the value libraries it
// is built on (apd for decimals, uuid for identifiers). All other packages
// depend on core, not the reverse.
package core
