// Package audit provides the append-only decision log. Entries live in a
// backend stream and carry monotonic ids, so the log is the total order of
// record for cross-component decisions.
package audit

import (
	"context"
	"fmt"

	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

// Entry kinds emitted by the core.
const (
	KindTaskClaim    = "task_claim"
	KindTaskComplete = "task_complete"
	KindTaskFail     = "task_fail"
	KindEscalation   = "escalation"
	KindApproval     = "approval"
	KindLockDenied   = "lock_denied"
	KindHungAgent    = "hung_agent"
	KindDeployment   = "deployment"
)

// Log is the append-only decision stream. Entries are never modified or
// deleted by the core.
type Log struct {
	b backend.Backend
}

// New creates a log over the shared backend.
func New(b backend.Backend) *Log {
	return &Log{b: b}
}

// Record appends one entry and returns its stream id.
func (l *Log) Record(ctx context.Context, agentID, kind, contextText, reason string) (string, error) {
	id, err := l.b.XAdd(ctx, coord.AuditStreamKey, map[string]string{
		"timestamp": coord.Now(),
		"agent_id":  agentID,
		"kind":      kind,
		"context":   contextText,
		"reason":    reason,
	})
	if err != nil {
		return "", fmt.Errorf("failed to append audit entry: %w", err)
	}
	return id, nil
}

// Read returns entries with ids strictly after cursor (empty cursor reads
// from the beginning), oldest first. Pass the last returned id as the next
// cursor to replay incrementally.
func (l *Log) Read(ctx context.Context, cursor string, count int64) ([]coord.AuditEntry, error) {
	entries, err := l.b.XRange(ctx, coord.AuditStreamKey, cursor, count)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}
	return fromStream(entries), nil
}

// Recent returns the newest count entries, newest first.
func (l *Log) Recent(ctx context.Context, count int64) ([]coord.AuditEntry, error) {
	entries, err := l.b.XRevRange(ctx, coord.AuditStreamKey, count)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}
	return fromStream(entries), nil
}

// ByAgent returns the newest count entries recorded by one agent, newest
// first. The scan window is bounded by a multiple of count; a dedicated
// per-agent index is not worth the write amplification for an audit tool.
func (l *Log) ByAgent(ctx context.Context, agentID string, count int64) ([]coord.AuditEntry, error) {
	window := count * 10
	if window <= 0 {
		window = 1000
	}
	entries, err := l.Recent(ctx, window)
	if err != nil {
		return nil, err
	}
	out := []coord.AuditEntry{}
	for _, e := range entries {
		if e.AgentID != agentID {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func fromStream(entries []backend.StreamEntry) []coord.AuditEntry {
	out := make([]coord.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, coord.AuditEntry{
			ID:        e.ID,
			Timestamp: e.Fields["timestamp"],
			AgentID:   e.Fields["agent_id"],
			Kind:      e.Fields["kind"],
			Context:   e.Fields["context"],
			Reason:    e.Fields["reason"],
		})
	}
	return out
}
