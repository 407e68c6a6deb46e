// Package contracts defines the wire types of the Synapse HTTP API.
//
// Handlers decode these requests and encode these responses; clients
// in other repos import this package instead of redeclaring the
// shapes. Entity types live in pkg/models — this package only adds
// the envelopes around them.
package contracts

import "github.com/synapse-hq/synapse/pkg/models"

// ── Requests ────────────────────────────────────────────────

// WriteEntryRequest creates or updates an entry in a namespace.
type WriteEntryRequest struct {
	ID       string          `json:"id,omitempty"`
	Content  string          `json:"content"`
	Tags     []string        `json:"tags,omitempty"`
	Priority models.Priority `json:"priority,omitempty"`
	// TTLSeconds of 0 keeps the entry's current expiry (none for a
	// new entry).
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
	// IfFingerprint makes the write conditional: it fails unless the
	// stored entry currently carries this fingerprint.
	IfFingerprint string `json:"if_fingerprint,omitempty"`
}

// FreezeEntryRequest makes an entry immutable.
type FreezeEntryRequest struct {
	IfFingerprint string `json:"if_fingerprint,omitempty"`
}

// RegisterAgentRequest adds an agent to the workspace registry.
type RegisterAgentRequest struct {
	ID           string           `json:"id"`
	Role         models.AgentRole `json:"role"`
	Capabilities []string         `json:"capabilities,omitempty"`
}

// GrantRequest installs a permission on a namespace.
type GrantRequest struct {
	Subject     string             `json:"subject"`
	SubjectKind models.SubjectKind `json:"subject_kind,omitempty"`
	Namespace   string             `json:"namespace"`
	Level       models.AccessLevel `json:"level"`
}

// CreateWebhookRequest registers a notification endpoint.
type CreateWebhookRequest struct {
	Name   string              `json:"name,omitempty"`
	URL    string              `json:"url"`
	Secret string              `json:"secret,omitempty"`
	Policy models.BridgePolicy `json:"policy"`
}

// CreateWorkspaceRequest creates an isolation boundary.
type CreateWorkspaceRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner"`
}

// ── Responses ───────────────────────────────────────────────

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EntryPage is a page of entries plus the cursor for the next call.
// NextSince is the UpdatedAt of the newest entry returned; passing it
// back as ?since= continues the scan without repeats.
type EntryPage struct {
	Entries   []models.Entry `json:"entries"`
	NextSince string         `json:"next_since,omitempty"`
}

// EventPayload is the body delivered to webhook endpoints.
type EventPayload struct {
	Event models.AuditEvent `json:"event"`
}
