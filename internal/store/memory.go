// Package store — in-memory Store implementation.
// Used for tests and single-node deployments. Supports file-based
// snapshot persistence so data survives restarts; the snapshot is a
// convenience, not a durability guarantee.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/synapse-hq/synapse/internal/fingerprint"
	"github.com/synapse-hq/synapse/pkg/models"
)

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// DataDir is where the snapshot file lives. Empty disables
	// persistence.
	DataDir string

	// Now supplies the clock. Defaults to time.Now. Tests inject a
	// fake clock here to drive expiry without sleeping.
	Now func() time.Time
}

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Entries     map[string]*models.Entry        `json:"entries"`      // key: ws:ns:id
	Seqs        map[string]uint64               `json:"seqs"`         // key: ws:ns
	Agents      map[string]*models.Agent        `json:"agents"`       // key: ws:id
	Grants      map[string]*models.Grant        `json:"grants"`       // key: ws:ns:subject
	AuditEvents map[string][]*models.AuditEvent `json:"audit_events"` // key: ws
	Webhooks    map[string]*models.Webhook      `json:"webhooks"`     // key: ws:id
	Deliveries  map[string][]*models.Delivery   `json:"deliveries"`   // key: ws:webhook
	Workspaces  map[string]*models.Workspace    `json:"workspaces"`   // key: id
}

// MemoryStore implements Store with in-memory maps. The single mutex
// makes the fingerprint check-and-set and the last-admin check atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]*models.Entry
	seqs        map[string]uint64
	lastWrite   map[string]time.Time // key: ws:ns, highest UpdatedAt handed out
	agents      map[string]*models.Agent
	grants      map[string]*models.Grant
	auditEvents map[string][]*models.AuditEvent // append-only per workspace
	webhooks    map[string]*models.Webhook
	deliveries  map[string][]*models.Delivery // append-only per webhook
	workspaces  map[string]*models.Workspace

	now func() time.Time

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &MemoryStore{
		entries:     make(map[string]*models.Entry),
		seqs:        make(map[string]uint64),
		lastWrite:   make(map[string]time.Time),
		agents:      make(map[string]*models.Agent),
		grants:      make(map[string]*models.Grant),
		auditEvents: make(map[string][]*models.AuditEvent),
		webhooks:    make(map[string]*models.Webhook),
		deliveries:  make(map[string][]*models.Delivery),
		workspaces:  make(map[string]*models.Workspace),
		now:         opts.Now,
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	if opts.DataDir != "" {
		m.snapshotPath = filepath.Join(opts.DataDir, "data.json")
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", opts.DataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

// writeStamp returns a strictly increasing UpdatedAt for the
// namespace. Timestamp ties would make the since cursor skip entries
// at a page boundary, so a write landing on the previous stamp is
// nudged forward a nanosecond. Callers hold mu.
func (m *MemoryStore) writeStamp(nsKey string, now time.Time) time.Time {
	if last := m.lastWrite[nsKey]; !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	m.lastWrite[nsKey] = now
	return now
}

// ── Entry Store ─────────────────────────────────────────────

func (m *MemoryStore) PutEntry(_ context.Context, entry *models.Entry, expectedFingerprint string) (*models.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	k := key(entry.Workspace, entry.Namespace, entry.ID)
	cur, exists := m.entries[k]
	live := exists && !cur.Expired(now)

	if live {
		if cur.Frozen {
			return nil, &models.FrozenEntryError{Namespace: entry.Namespace, ID: entry.ID}
		}
		if expectedFingerprint != "" && expectedFingerprint != cur.Fingerprint {
			return nil, &models.FingerprintConflictError{
				Namespace: entry.Namespace,
				ID:        entry.ID,
				Expected:  expectedFingerprint,
				Current:   cur.Fingerprint,
			}
		}
	} else if expectedFingerprint != "" {
		// No live target: a presented fingerprint is stale by definition.
		return nil, &models.FingerprintConflictError{
			Namespace: entry.Namespace,
			ID:        entry.ID,
			Expected:  expectedFingerprint,
		}
	}

	nsKey := key(entry.Workspace, entry.Namespace)

	stored := *entry
	stored.Frozen = false
	stored.UpdatedAt = m.writeStamp(nsKey, now)
	if live {
		stored.CreatedAt = cur.CreatedAt
	} else {
		stored.CreatedAt = now
	}

	// Expiry is derived once, at write time.
	if stored.TTL > 0 {
		exp := now.Add(stored.TTL)
		stored.ExpiresAt = &exp
	} else if live {
		stored.ExpiresAt = cur.ExpiresAt
	} else {
		stored.ExpiresAt = nil
	}
	stored.TTL = 0

	// Every successful write takes a fresh sequence number so a page
	// of entries has a total order.
	m.seqs[nsKey]++
	stored.Seq = m.seqs[nsKey]

	stored.Fingerprint = fingerprint.Compute(&stored)
	m.entries[k] = &stored
	m.requestSave()

	out := stored
	return &out, nil
}

func (m *MemoryStore) GetEntry(_ context.Context, workspace, namespace, id string) (*models.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key(workspace, namespace, id)]
	if !ok {
		return nil, &models.NotFoundError{Entity: "entry", Key: namespace + "/" + id}
	}
	out := *e
	return &out, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, workspace, namespace string, filter models.EntryFilter) ([]models.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now().UTC()
	var result []models.Entry
	for _, e := range m.entries {
		if e.Workspace != workspace || e.Namespace != namespace {
			continue
		}
		if e.Expired(now) {
			continue
		}
		if filter.Tag != "" && !e.HasTag(filter.Tag) {
			continue
		}
		if filter.Since != nil && !e.UpdatedAt.After(*filter.Since) {
			continue
		}
		result = append(result, *e)
	}

	ascending := filter.Since != nil
	sort.Slice(result, func(i, j int) bool {
		a, b := &result[i], &result[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			if ascending {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if a.Priority != b.Priority {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if ascending {
			return a.Seq < b.Seq
		}
		return a.Seq > b.Seq
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) FreezeEntry(_ context.Context, workspace, namespace, id, expectedFingerprint string) (*models.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	k := key(workspace, namespace, id)
	cur, ok := m.entries[k]
	if !ok || cur.Expired(now) {
		return nil, &models.NotFoundError{Entity: "entry", Key: namespace + "/" + id}
	}
	if cur.Frozen {
		return nil, &models.FrozenEntryError{Namespace: namespace, ID: id}
	}
	if expectedFingerprint != cur.Fingerprint {
		return nil, &models.FingerprintConflictError{
			Namespace: namespace,
			ID:        id,
			Expected:  expectedFingerprint,
			Current:   cur.Fingerprint,
		}
	}

	nsKey := key(workspace, namespace)
	frozen := *cur
	frozen.Frozen = true
	frozen.UpdatedAt = m.writeStamp(nsKey, now)
	m.seqs[nsKey]++
	frozen.Seq = m.seqs[nsKey]
	frozen.Fingerprint = fingerprint.Compute(&frozen)
	m.entries[k] = &frozen
	m.requestSave()

	out := frozen
	return &out, nil
}

func (m *MemoryStore) ReapExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	var reaped int
	for k, e := range m.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(cutoff) {
			delete(m.entries, k)
			reaped++
		}
	}
	m.mu.Unlock()

	if reaped > 0 {
		log.Info().Int("reaped", reaped).Msg("Reaped expired entries")
		m.requestSave()
	}
	return reaped, nil
}

func (m *MemoryStore) CountEntries(_ context.Context, workspace string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now().UTC()
	namespaces := make(map[string]bool)
	var entries int
	for _, e := range m.entries {
		if e.Workspace != workspace || e.Expired(now) {
			continue
		}
		entries++
		namespaces[e.Namespace] = true
	}
	return entries, len(namespaces), nil
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) UpsertAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	stored := *agent
	k := key(agent.Workspace, agent.ID)
	if cur, ok := m.agents[k]; ok {
		stored.RegisteredAt = cur.RegisteredAt
		stored.LastHeartbeat = cur.LastHeartbeat
	}
	m.agents[k] = &stored
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, workspace, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[key(workspace, id)]
	if !ok {
		return nil, &models.NotFoundError{Entity: "agent", Key: id}
	}
	out := *a
	return &out, nil
}

func (m *MemoryStore) ListAgents(_ context.Context, workspace string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Agent
	for _, a := range m.agents {
		if a.Workspace == workspace {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) TouchAgent(_ context.Context, workspace, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[key(workspace, id)]
	if !ok {
		return &models.NotFoundError{Entity: "agent", Key: id}
	}
	a.LastHeartbeat = at
	a.Status = models.AgentActive
	a.UpdatedAt = at
	return nil
}

// ── Grant Store ─────────────────────────────────────────────

func (m *MemoryStore) PutGrant(_ context.Context, grant *models.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(grant.Workspace, grant.Namespace, grant.Subject)

	// Downgrading the sole admin grant covering a namespace would
	// orphan it just as surely as revoking the grant outright.
	if prev, ok := m.grants[k]; ok &&
		prev.Level == models.LevelAdmin && grant.Level != models.LevelAdmin &&
		!m.hasOtherAdminLocked(grant.Workspace, grant.Namespace, grant.Subject) {
		return &models.LastAdminError{Namespace: grant.Namespace}
	}

	stored := *grant
	m.grants[k] = &stored
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteGrant(_ context.Context, workspace, namespace, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(workspace, namespace, subject)
	g, ok := m.grants[k]
	if !ok {
		return &models.NotFoundError{Entity: "grant", Key: namespace + "/" + subject}
	}

	// Revoking an admin grant must not orphan the namespace. A
	// wildcard admin grant covers every namespace; a namespace-scoped
	// admin is also covered by a surviving wildcard admin.
	if g.Level == models.LevelAdmin && !m.hasOtherAdminLocked(workspace, namespace, subject) {
		return &models.LastAdminError{Namespace: namespace}
	}

	delete(m.grants, k)
	m.requestSave()
	return nil
}

// hasOtherAdminLocked reports whether any admin grant other than the
// one held by subject still covers namespace. Callers hold mu.
func (m *MemoryStore) hasOtherAdminLocked(workspace, namespace, subject string) bool {
	for _, g := range m.grants {
		if g.Workspace != workspace || g.Level != models.LevelAdmin {
			continue
		}
		if g.Namespace == namespace && g.Subject == subject {
			continue
		}
		if g.Namespace == namespace {
			return true
		}
		// A wildcard admin covers namespace-scoped grants, but a
		// wildcard revoke needs another wildcard: per-namespace admins
		// do not cover namespaces that don't exist yet.
		if g.Namespace == WildcardNamespace && namespace != WildcardNamespace {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListGrants(_ context.Context, workspace, namespace string) ([]models.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Grant
	for _, g := range m.grants {
		if g.Workspace != workspace {
			continue
		}
		if namespace != "" && g.Namespace != namespace && g.Namespace != WildcardNamespace {
			continue
		}
		result = append(result, *g)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Namespace != result[j].Namespace {
			return result[i].Namespace < result[j].Namespace
		}
		return result[i].Subject < result[j].Subject
	})
	return result, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) AppendAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	stored := *event
	stored.Seq = uint64(len(m.auditEvents[event.Workspace]) + 1)
	m.auditEvents[event.Workspace] = append(m.auditEvents[event.Workspace], &stored)
	event.Seq = stored.Seq
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, workspace string, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AuditEvent
	for _, e := range m.auditEvents[workspace] { // already chronological
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Since != nil && !e.Timestamp.After(*filter.Since) {
			continue
		}
		result = append(result, *e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CountAuditEvents(_ context.Context, workspace string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.auditEvents[workspace]), nil
}

// ── Webhook Store ───────────────────────────────────────────

func (m *MemoryStore) CreateWebhook(_ context.Context, webhook *models.Webhook) error {
	m.mu.Lock()
	stored := *webhook
	m.webhooks[key(webhook.Workspace, webhook.ID)] = &stored
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetWebhook(_ context.Context, workspace, id string) (*models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooks[key(workspace, id)]
	if !ok {
		return nil, &models.NotFoundError{Entity: "webhook", Key: id}
	}
	out := *w
	return &out, nil
}

func (m *MemoryStore) UpdateWebhook(_ context.Context, webhook *models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(webhook.Workspace, webhook.ID)
	if _, ok := m.webhooks[k]; !ok {
		return &models.NotFoundError{Entity: "webhook", Key: webhook.ID}
	}
	stored := *webhook
	m.webhooks[k] = &stored
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListWebhooks(_ context.Context, workspace string) ([]models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Webhook
	for _, w := range m.webhooks {
		if w.Workspace == workspace {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) AppendDelivery(_ context.Context, delivery *models.Delivery) error {
	m.mu.Lock()
	stored := *delivery
	k := key(delivery.Workspace, delivery.Webhook)
	m.deliveries[k] = append(m.deliveries[k], &stored)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, workspace, webhookID string, limit int) ([]models.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.deliveries[key(workspace, webhookID)]
	var result []models.Delivery
	for i := len(history) - 1; i >= 0; i-- { // newest first
		result = append(result, *history[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ── Workspace Store ─────────────────────────────────────────

func (m *MemoryStore) CreateWorkspace(_ context.Context, workspace *models.Workspace) error {
	m.mu.Lock()
	stored := *workspace
	m.workspaces[workspace.ID] = &stored
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetWorkspace(_ context.Context, id string) (*models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "workspace", Key: id}
	}
	out := *w
	return &out, nil
}

func (m *MemoryStore) ListWorkspaces(_ context.Context) ([]models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Workspace
	for _, w := range m.workspaces {
		result = append(result, *w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ── Snapshot persistence ────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Entries:     m.entries,
		Seqs:        m.seqs,
		Agents:      m.agents,
		Grants:      m.grants,
		AuditEvents: m.auditEvents,
		Webhooks:    m.webhooks,
		Deliveries:  m.deliveries,
		Workspaces:  m.workspaces,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Entries != nil {
		m.entries = snap.Entries
		// lastWrite is not persisted; recover the high-water mark per
		// namespace so restarts keep UpdatedAt strictly increasing.
		for _, e := range m.entries {
			nsKey := key(e.Workspace, e.Namespace)
			if e.UpdatedAt.After(m.lastWrite[nsKey]) {
				m.lastWrite[nsKey] = e.UpdatedAt
			}
		}
	}
	if snap.Seqs != nil {
		m.seqs = snap.Seqs
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Grants != nil {
		m.grants = snap.Grants
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
	if snap.Webhooks != nil {
		m.webhooks = snap.Webhooks
	}
	if snap.Deliveries != nil {
		m.deliveries = snap.Deliveries
	}
	if snap.Workspaces != nil {
		m.workspaces = snap.Workspaces
	}

	log.Info().
		Int("entries", len(m.entries)).
		Int("agents", len(m.agents)).
		Int("webhooks", len(m.webhooks)).
		Int("workspaces", len(m.workspaces)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
