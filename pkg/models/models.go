package models

import (
	"time"
)

// ── Priority ─────────────────────────────────────────────────

// Priority orders entries for retrieval and gives eviction hints.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to an integer for ordering. Unknown values rank
// below "low" so malformed data sorts last instead of first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ValidPriority reports whether s is one of the four known priorities.
func ValidPriority(s Priority) bool {
	return s.Rank() > 0
}

// ── Entry ────────────────────────────────────────────────────

// Entry is a single unit of shared, namespaced memory.
type Entry struct {
	ID        string   `json:"id" db:"id"`
	Workspace string   `json:"workspace" db:"workspace"`
	Namespace string   `json:"namespace" db:"namespace"`
	From      string   `json:"from" db:"from_agent"`
	Content   string   `json:"content" db:"content"`
	Tags      []string `json:"tags,omitempty"`
	Priority  Priority `json:"priority" db:"priority"`

	// TTL is the requested lifetime supplied on write. The absolute
	// expiry is derived once at write time and stored in ExpiresAt.
	TTL       time.Duration `json:"ttl,omitempty" db:"-"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty" db:"expires_at"`

	// Fingerprint is the content-derived version token used for
	// optimistic concurrency. It is a pure function of
	// (content, tags, priority, frozen).
	Fingerprint string `json:"fingerprint" db:"fingerprint"`

	// Frozen is terminal: once true no field may change.
	Frozen bool `json:"frozen" db:"frozen"`

	// Seq is the per-namespace insertion sequence number. It breaks
	// ties between entries sharing a timestamp so pagination has a
	// total order.
	Seq uint64 `json:"seq" db:"seq"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
// Entries without an expiry never expire.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EntryFilter provides read-time filters for listing entries.
// Since and Tag are conjunctive; Limit caps the result count.
type EntryFilter struct {
	Since *time.Time
	Tag   string
	Limit int
}

// ── Agent ────────────────────────────────────────────────────

type AgentRole string

const (
	RoleProducer AgentRole = "producer"
	RoleConsumer AgentRole = "consumer"
	RoleAdmin    AgentRole = "admin"
)

type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentIdle    AgentStatus = "idle"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered actor within a workspace. Agents are never
// hard-deleted: the audit log references them forever.
type Agent struct {
	ID           string      `json:"id" db:"id"`
	Workspace    string      `json:"workspace" db:"workspace"`
	Role         AgentRole   `json:"role" db:"role"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status" db:"status"`

	LastHeartbeat time.Time `json:"last_heartbeat" db:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at" db:"registered_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveStatus computes liveness lazily from the last heartbeat.
// There is no background clock: an agent is active within idleAfter of
// its last heartbeat, idle within offlineAfter, offline beyond that.
func (a *Agent) EffectiveStatus(now time.Time, idleAfter, offlineAfter time.Duration) AgentStatus {
	elapsed := now.Sub(a.LastHeartbeat)
	switch {
	case elapsed <= idleAfter:
		return AgentActive
	case elapsed <= offlineAfter:
		return AgentIdle
	}
	return AgentOffline
}

// RegistryNamespace is the reserved namespace guarding agent
// registration: re-registering requires write or greater on it.
const RegistryNamespace = "system.agents"

// ── Permissions ──────────────────────────────────────────────

// AccessLevel is the granted capability on a namespace.
// Admin implies write implies read.
type AccessLevel string

const (
	LevelRead  AccessLevel = "read"
	LevelWrite AccessLevel = "write"
	LevelAdmin AccessLevel = "admin"
)

func (l AccessLevel) rank() int {
	switch l {
	case LevelAdmin:
		return 3
	case LevelWrite:
		return 2
	case LevelRead:
		return 1
	}
	return 0
}

// Covers reports whether a grant at level l satisfies a requirement of
// level required.
func (l AccessLevel) Covers(required AccessLevel) bool {
	return l.rank() >= required.rank() && required.rank() > 0
}

// ValidAccessLevel reports whether s is a known level.
func ValidAccessLevel(s AccessLevel) bool {
	return s.rank() > 0
}

type SubjectKind string

const (
	SubjectAgent     SubjectKind = "agent"
	SubjectWorkspace SubjectKind = "workspace"
)

// Grant is one permission relation: subject × namespace × level.
// A workspace-kind grant at admin level is inherited by every agent in
// the workspace.
type Grant struct {
	Subject     string      `json:"subject" db:"subject"`
	SubjectKind SubjectKind `json:"subject_kind" db:"subject_kind"`
	Workspace   string      `json:"workspace" db:"workspace"`
	Namespace   string      `json:"namespace" db:"namespace"`
	Level       AccessLevel `json:"level" db:"level"`
	GrantedBy   string      `json:"granted_by,omitempty" db:"granted_by"`
	GrantedAt   time.Time   `json:"granted_at" db:"granted_at"`
}

// ── Audit ────────────────────────────────────────────────────

type AuditAction string

const (
	ActionWrite            AuditAction = "write"
	ActionRead             AuditAction = "read"
	ActionFreeze           AuditAction = "freeze"
	ActionRegister         AuditAction = "register"
	ActionHeartbeat        AuditAction = "heartbeat"
	ActionPermissionChange AuditAction = "permission-change"
	ActionWebhookChange    AuditAction = "webhook-change"
	ActionWebhookFired     AuditAction = "webhook-fired"
	ActionWorkspaceCreate  AuditAction = "workspace-create"
)

type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultDenied  AuditResult = "denied"
	ResultError   AuditResult = "error"
)

// AuditEvent is an immutable record of one operation. Events are never
// mutated or deleted; they are the source of truth for "what happened".
type AuditEvent struct {
	ID        string      `json:"id" db:"id"`
	Workspace string      `json:"workspace" db:"workspace"`
	Actor     string      `json:"actor" db:"actor"`
	Action    AuditAction `json:"action" db:"action"`
	Target    string      `json:"target,omitempty" db:"target"`
	Namespace string      `json:"namespace,omitempty" db:"namespace"`
	Result    AuditResult `json:"result" db:"result"`
	Detail    string      `json:"detail,omitempty" db:"detail"`

	// Tags and Priority mirror the affected entry (when the target is
	// an entry) so webhook bridge policies can match on them without a
	// second lookup.
	Tags     []string `json:"tags,omitempty"`
	Priority Priority `json:"priority,omitempty"`

	// Seq is the append sequence within the workspace log; it gives
	// audit queries the same total order discipline as entry reads.
	Seq       uint64    `json:"seq" db:"seq"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// AuditFilter provides query options for listing audit events.
type AuditFilter struct {
	Since  *time.Time
	Actor  string
	Action AuditAction
	Limit  int
}

// ── Webhooks ─────────────────────────────────────────────────

type WebhookStatus string

const (
	WebhookActive WebhookStatus = "active"
	WebhookPaused WebhookStatus = "paused"
	WebhookFailed WebhookStatus = "failed"
)

// BridgePolicy is the predicate deciding which audit events a webhook
// is notified about. Zero-valued fields match everything; set fields
// are conjunctive.
type BridgePolicy struct {
	// Namespace restricts matches to events in this namespace.
	Namespace string `json:"namespace,omitempty"`

	// Tags requires every listed tag to be present on the event.
	Tags []string `json:"tags,omitempty"`

	// MinPriority is a threshold: events below it do not match.
	MinPriority Priority `json:"min_priority,omitempty"`

	// Actions restricts matches to the listed action kinds.
	Actions []AuditAction `json:"actions,omitempty"`

	// Expression is an optional expr-lang predicate evaluated against
	// the event for conditions the structured fields cannot express,
	// e.g. `action == "write" && "urgent" in tags`.
	Expression string `json:"expression,omitempty"`
}

// Webhook is a configured notification endpoint with a bridge policy.
type Webhook struct {
	ID        string        `json:"id" db:"id"`
	Workspace string        `json:"workspace" db:"workspace"`
	Name      string        `json:"name" db:"name"`
	URL       string        `json:"url" db:"url"`
	Secret    string        `json:"secret,omitempty" db:"secret"` // HMAC signing secret
	Policy    BridgePolicy  `json:"policy"`
	Status    WebhookStatus `json:"status" db:"status"`

	// FailureCount is the consecutive delivery-failure counter; it
	// resets on any successful delivery and drives the automatic
	// active → failed transition.
	FailureCount int `json:"failure_count" db:"failure_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one webhook delivery outcome. The history is append-only
// and kept separate from the main audit log so delivery failures do not
// generate recursive events.
type Delivery struct {
	ID        string         `json:"id" db:"id"`
	Webhook   string         `json:"webhook" db:"webhook"`
	Workspace string         `json:"workspace" db:"workspace"`
	EventID   string         `json:"event_id" db:"event_id"`
	Status    DeliveryStatus `json:"status" db:"status"`
	Attempts  int            `json:"attempts" db:"attempts"`
	Error     string         `json:"error,omitempty" db:"error"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
}

// ── Workspace ────────────────────────────────────────────────

// Workspace is the isolation boundary: it owns namespaces, agents,
// webhooks, and an audit log. Created once, never merged.
type Workspace struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Owner       string    `json:"owner" db:"owner"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// WorkspaceStatus is the snapshot returned by the status operation.
type WorkspaceStatus struct {
	Workspace  Workspace             `json:"workspace"`
	Entries    int                   `json:"entries"`
	Namespaces int                   `json:"namespaces"`
	Agents     map[AgentStatus]int   `json:"agents"`
	Webhooks   map[WebhookStatus]int `json:"webhooks"`
	AuditSize  int                   `json:"audit_size"`
}
