// Package store provides the storage interface and implementations for
// the Synapse server. The in-memory store backs tests and single-node
// deployments; the PostgreSQL store backs production.
package store

import (
	"context"
	"time"

	"github.com/synapse-hq/synapse/pkg/models"
)

// WildcardNamespace in a grant means "every namespace in the
// workspace". Workspace-wide admin grants use it; the workspace owner
// receives one at creation time so no namespace is ever orphaned.
const WildcardNamespace = "*"

// Store is the primary storage interface. All coordinator code depends
// on this interface, making it easy to swap between in-memory (tests,
// dev) and PostgreSQL (production) implementations.
type Store interface {
	EntryStore
	AgentStore
	GrantStore
	AuditStore
	WebhookStore
	WorkspaceStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Entry Store ─────────────────────────────────────────────

// EntryStore holds versioned, namespaced records.
type EntryStore interface {
	// PutEntry writes an entry with optimistic concurrency. A
	// non-empty expectedFingerprint must match the stored fingerprint
	// or a FingerprintConflictError is returned; presenting one when
	// no live target exists is also a conflict (the token is stale). A
	// frozen target returns FrozenEntryError regardless of
	// fingerprint. The check and the write are atomic. On success the
	// stored entry, with its new fingerprint and sequence number, is
	// returned.
	PutEntry(ctx context.Context, entry *models.Entry, expectedFingerprint string) (*models.Entry, error)

	// GetEntry returns a single entry. Expired entries are returned
	// until reaped; callers that must exclude them check Expired.
	GetEntry(ctx context.Context, workspace, namespace, id string) (*models.Entry, error)

	// ListEntries returns entries excluding expired ones. Without a
	// Since cursor the order is reverse-chronological; with one the
	// page is oldest-first and strictly after the cursor, so advancing
	// Since to the last returned timestamp never re-delivers. Ties on
	// timestamp order by priority descending then insertion sequence.
	ListEntries(ctx context.Context, workspace, namespace string, filter models.EntryFilter) ([]models.Entry, error)

	// FreezeEntry requires expectedFingerprint to match the stored
	// fingerprint, then sets Frozen irreversibly, returning the
	// updated entry. Unlike PutEntry the fingerprint is not optional:
	// freezing is terminal, so the caller must prove it saw the final
	// state.
	FreezeEntry(ctx context.Context, workspace, namespace, id, expectedFingerprint string) (*models.Entry, error)

	// ReapExpired removes entries whose expiry precedes cutoff.
	// Returns the number removed.
	ReapExpired(ctx context.Context, cutoff time.Time) (int, error)

	// CountEntries returns live entry and namespace counts for a
	// workspace status snapshot.
	CountEntries(ctx context.Context, workspace string) (entries, namespaces int, err error)
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	// UpsertAgent registers or re-registers an agent. Registration is
	// idempotent: an existing id has its role and capabilities
	// replaced. Agents are never hard-deleted.
	UpsertAgent(ctx context.Context, agent *models.Agent) error

	GetAgent(ctx context.Context, workspace, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, workspace string) ([]models.Agent, error)

	// TouchAgent records a heartbeat timestamp.
	TouchAgent(ctx context.Context, workspace, id string, at time.Time) error
}

// ── Grant Store ─────────────────────────────────────────────

type GrantStore interface {
	// PutGrant creates or replaces the grant for (subject, namespace).
	PutGrant(ctx context.Context, grant *models.Grant) error

	// DeleteGrant removes a grant. Removing an admin grant that is the
	// last one covering its namespace fails with LastAdminError and
	// leaves the grant set unchanged; the check and removal are atomic.
	DeleteGrant(ctx context.Context, workspace, namespace, subject string) error

	// ListGrants returns grants on a namespace, including
	// workspace-wide wildcard grants. An empty namespace lists every
	// grant in the workspace.
	ListGrants(ctx context.Context, workspace, namespace string) ([]models.Grant, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	// AppendAuditEvent persists an event, assigning its workspace
	// sequence number. Append never fails except on storage faults,
	// which are surfaced to the caller and never swallowed.
	AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// ListAuditEvents returns events in chronological order with the
	// same Since-cursor discipline as entry reads.
	ListAuditEvents(ctx context.Context, workspace string, filter models.AuditFilter) ([]models.AuditEvent, error)

	// CountAuditEvents returns the log length for a workspace.
	CountAuditEvents(ctx context.Context, workspace string) (int, error)
}

// ── Webhook Store ───────────────────────────────────────────

type WebhookStore interface {
	CreateWebhook(ctx context.Context, webhook *models.Webhook) error
	GetWebhook(ctx context.Context, workspace, id string) (*models.Webhook, error)
	UpdateWebhook(ctx context.Context, webhook *models.Webhook) error
	ListWebhooks(ctx context.Context, workspace string) ([]models.Webhook, error)

	// AppendDelivery records a delivery outcome in the webhook's
	// append-only history.
	AppendDelivery(ctx context.Context, delivery *models.Delivery) error
	ListDeliveries(ctx context.Context, workspace, webhookID string, limit int) ([]models.Delivery, error)
}

// ── Workspace Store ─────────────────────────────────────────

type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, workspace *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]models.Workspace, error)
}
