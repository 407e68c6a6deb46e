// Package audit maintains the append-only operational record. Every
// mutating operation in every other component appends exactly one
// event here, including denied attempts. A failed append is fatal to
// the operation that caused it: a silently-missing audit record is
// worse than a failed request.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/pkg/models"
)

// Log appends and queries audit events for all workspaces.
type Log struct {
	events store.AuditStore
	now    func() time.Time
}

// New creates an audit log over the given store.
func New(events store.AuditStore) *Log {
	return &Log{events: events, now: time.Now}
}

// WithClock replaces the time source for tests.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Record assigns the event an id and timestamp and appends it. The
// returned event carries its workspace sequence number. Storage faults
// propagate unretried.
func (l *Log) Record(ctx context.Context, event *models.AuditEvent) (*models.AuditEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if err := l.events.AppendAuditEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("audit append: %w", err)
	}

	log.Debug().
		Str("workspace", event.Workspace).
		Str("actor", event.Actor).
		Str("action", string(event.Action)).
		Str("result", string(event.Result)).
		Msg("Audit event recorded")
	return event, nil
}

// Query returns events in chronological order. A Since cursor returns
// only events strictly after it, so advancing the cursor to the last
// returned timestamp pages without re-delivery.
func (l *Log) Query(ctx context.Context, workspace string, filter models.AuditFilter) ([]models.AuditEvent, error) {
	return l.events.ListAuditEvents(ctx, workspace, filter)
}

// Size returns the number of events recorded for a workspace.
func (l *Log) Size(ctx context.Context, workspace string) (int, error) {
	return l.events.CountAuditEvents(ctx, workspace)
}
