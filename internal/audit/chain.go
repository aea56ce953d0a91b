package audit

import (
	"fmt"

	"github.com/leapstack-labs/leapsync/internal/canonical"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// EncodePayload returns the canonical JSON stored for an event payload.
func EncodePayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := canonical.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit payload: %w", err)
	}
	return string(b), nil
}

// ComputeHash returns the chain hash of an event whose payload is stored as
// payloadJSON. Every field except Hash participates, PrevHash included.
func ComputeHash(ev *core.AuditEvent, payloadJSON string) (string, error) {
	doc := map[string]any{
		"actor":      ev.Actor,
		"event_id":   ev.ID,
		"event_type": string(ev.Type),
		"job_id":     ev.JobID,
		"payload":    payloadJSON,
		"prev_hash":  ev.PrevHash,
		"seq":        ev.Seq,
		"table":      ev.Table,
		"timestamp":  canonical.FormatTime(ev.Timestamp),
	}
	b, err := canonical.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit event: %w", err)
	}
	return canonical.HashWithDomain(canonical.DomainAudit, b).String(), nil
}

// ChainError reports the first event that breaks a job's hash chain.
type ChainError struct {
	JobID  string
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain for job %s broken at seq %d: %s", e.JobID, e.Seq, e.Reason)
}

// stored is an event as read back with its payload text.
type stored struct {
	event   *core.AuditEvent
	payload string
}

// verifyChain checks events in seq order starting from the genesis hash.
func verifyChain(jobID string, events []stored) error {
	prev := canonical.GenesisHash.String()
	var seq int64
	for _, s := range events {
		ev := s.event
		seq++
		if ev.Seq != seq {
			return core.NewError(core.CodeIntegrity, "audit", &ChainError{JobID: jobID, Seq: ev.Seq, Reason: fmt.Sprintf("expected seq %d", seq)})
		}
		if ev.PrevHash != prev {
			return core.NewError(core.CodeIntegrity, "audit", &ChainError{JobID: jobID, Seq: ev.Seq, Reason: "prev_hash does not match previous event"})
		}
		h, err := ComputeHash(ev, s.payload)
		if err != nil {
			return err
		}
		if h != ev.Hash {
			return core.NewError(core.CodeIntegrity, "audit", &ChainError{JobID: jobID, Seq: ev.Seq, Reason: "hash mismatch"})
		}
		prev = ev.Hash
	}
	return nil
}
