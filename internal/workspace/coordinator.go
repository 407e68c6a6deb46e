// Package workspace implements the coordinator: the single entry point
// for every operation against a workspace. It sequences authorize →
// mutate/query → audit → webhook evaluation; no other component may
// reach the entry store directly.
package workspace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/synapse-hq/synapse/internal/audit"
	"github.com/synapse-hq/synapse/internal/config"
	"github.com/synapse-hq/synapse/internal/permissions"
	"github.com/synapse-hq/synapse/internal/registry"
	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/internal/webhook"
	"github.com/synapse-hq/synapse/pkg/models"
)

// Coordinator binds one store, permission engine, agent registry,
// audit log, and webhook dispatcher together. Multiple workspaces
// coexist behind one coordinator; the workspace id partitions them.
type Coordinator struct {
	store    store.Store
	perms    *permissions.Engine
	registry *registry.Registry
	audit    *audit.Log
	hooks    *webhook.Dispatcher

	entries config.EntryConfig
	now     func() time.Time
}

// New wires a coordinator from its components.
func New(s store.Store, perms *permissions.Engine, reg *registry.Registry, auditLog *audit.Log, hooks *webhook.Dispatcher, entries config.EntryConfig) *Coordinator {
	return &Coordinator{
		store:    s,
		perms:    perms,
		registry: reg,
		audit:    auditLog,
		hooks:    hooks,
		entries:  entries,
		now:      time.Now,
	}
}

// WithClock replaces the time source for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// record appends one audit event and hands it to the webhook
// dispatcher. An audit storage fault is fatal to the operation: it
// propagates instead of being swallowed.
func (c *Coordinator) record(ctx context.Context, ev *models.AuditEvent) error {
	recorded, err := c.audit.Record(ctx, ev)
	if err != nil {
		return err
	}
	c.hooks.Publish(ctx, recorded)
	return nil
}

// outcome translates an operation error into an audit result.
func outcome(err error) (models.AuditResult, string) {
	switch {
	case err == nil:
		return models.ResultSuccess, ""
	case models.IsDenied(err):
		return models.ResultDenied, err.Error()
	default:
		return models.ResultError, err.Error()
	}
}

// auditDeniedRead lands a refused read attempt in the trail.
// Successful reads are never audited; denials are, for security
// review.
func (c *Coordinator) auditDeniedRead(ctx context.Context, workspaceID, actor, namespace string, denial error) error {
	return c.record(ctx, &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionRead,
		Namespace: namespace,
		Result:    models.ResultDenied,
		Detail:    denial.Error(),
	})
}

func validateEntry(entry *models.Entry) error {
	if entry.Namespace == "" {
		return &models.ValidationError{Field: "namespace", Reason: "must not be empty"}
	}
	if entry.Priority == "" {
		entry.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(entry.Priority) {
		return &models.ValidationError{Field: "priority", Reason: "must be low, normal, high, or critical"}
	}
	if entry.TTL < 0 {
		return &models.ValidationError{Field: "ttl", Reason: "must not be negative"}
	}
	return nil
}

// ── Workspaces ───────────────────────────────────────────────

// CreateWorkspace creates the isolation boundary, seeds the owner as
// an admin agent, and installs the workspace-wide admin grant that
// keeps every namespace covered.
func (c *Coordinator) CreateWorkspace(ctx context.Context, ws *models.Workspace) (*models.Workspace, error) {
	if ws.Name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if ws.Owner == "" {
		return nil, &models.ValidationError{Field: "owner", Reason: "must not be empty"}
	}
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if _, err := c.store.GetWorkspace(ctx, ws.ID); err == nil {
		return nil, &models.ValidationError{Field: "id", Reason: "workspace already exists"}
	}
	ws.CreatedAt = c.now().UTC()

	if err := c.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	if err := c.perms.Bootstrap(ctx, ws.ID, ws.Owner); err != nil {
		return nil, err
	}
	if err := c.registry.Seed(ctx, ws.ID, &models.Agent{ID: ws.Owner, Role: models.RoleAdmin}); err != nil {
		return nil, err
	}
	if err := c.record(ctx, &models.AuditEvent{
		Workspace: ws.ID,
		Actor:     ws.Owner,
		Action:    models.ActionWorkspaceCreate,
		Target:    ws.ID,
		Result:    models.ResultSuccess,
	}); err != nil {
		return nil, err
	}

	log.Info().Str("workspace", ws.ID).Str("owner", ws.Owner).Msg("Workspace created")
	return ws, nil
}

// GetWorkspace returns a workspace by id.
func (c *Coordinator) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	return c.store.GetWorkspace(ctx, id)
}

// ListWorkspaces returns all workspaces.
func (c *Coordinator) ListWorkspaces(ctx context.Context) ([]models.Workspace, error) {
	return c.store.ListWorkspaces(ctx)
}

// Status returns the workspace status snapshot.
func (c *Coordinator) Status(ctx context.Context, workspaceID string) (*models.WorkspaceStatus, error) {
	ws, err := c.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	entries, namespaces, err := c.store.CountEntries(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	agents, err := c.registry.StatusSummary(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	hooks, err := c.store.ListWebhooks(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	hookSummary := map[models.WebhookStatus]int{}
	for _, h := range hooks {
		hookSummary[h.Status]++
	}
	auditSize, err := c.audit.Size(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return &models.WorkspaceStatus{
		Workspace:  *ws,
		Entries:    entries,
		Namespaces: namespaces,
		Agents:     agents,
		Webhooks:   hookSummary,
		AuditSize:  auditSize,
	}, nil
}

// ── Entries ──────────────────────────────────────────────────

// WriteEntry authorizes, applies the optimistic-concurrency write, and
// audits the outcome — success, denial, or error — exactly once.
func (c *Coordinator) WriteEntry(ctx context.Context, workspaceID, actor string, entry *models.Entry, expectedFingerprint string) (*models.Entry, error) {
	// Malformed attempts still land in the audit trail, so validation
	// feeds the same outcome path as denials and store errors.
	opErr := validateEntry(entry)
	if opErr == nil {
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		entry.Workspace = workspaceID
		entry.From = actor
		opErr = c.perms.Authorize(ctx, workspaceID, actor, entry.Namespace, models.LevelWrite)
	}

	var written *models.Entry
	if opErr == nil {
		written, opErr = c.store.PutEntry(ctx, entry, expectedFingerprint)
	}

	result, detail := outcome(opErr)
	ev := &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionWrite,
		Target:    entry.ID,
		Namespace: entry.Namespace,
		Result:    result,
		Detail:    detail,
	}
	if written != nil {
		ev.Tags = written.Tags
		ev.Priority = written.Priority
	}
	if err := c.record(ctx, ev); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return written, nil
}

// ReadEntries authorizes and lists entries. Successful reads are not
// audited (they mutate nothing); denied reads are, for security
// review.
func (c *Coordinator) ReadEntries(ctx context.Context, workspaceID, actor, namespace string, filter models.EntryFilter) ([]models.Entry, error) {
	if namespace == "" {
		return nil, &models.ValidationError{Field: "namespace", Reason: "must not be empty"}
	}
	if filter.Limit <= 0 {
		filter.Limit = c.entries.DefaultLimit
	}
	if filter.Limit > c.entries.MaxLimit {
		filter.Limit = c.entries.MaxLimit
	}

	if err := c.perms.Authorize(ctx, workspaceID, actor, namespace, models.LevelRead); err != nil {
		if recErr := c.auditDeniedRead(ctx, workspaceID, actor, namespace, err); recErr != nil {
			return nil, recErr
		}
		return nil, err
	}
	return c.store.ListEntries(ctx, workspaceID, namespace, filter)
}

// FreezeEntry makes an entry immutable, irreversibly, using the same
// fingerprint discipline as writes.
func (c *Coordinator) FreezeEntry(ctx context.Context, workspaceID, actor, namespace, id, expectedFingerprint string) (*models.Entry, error) {
	var opErr error
	if namespace == "" || id == "" {
		opErr = &models.ValidationError{Field: "entry", Reason: "namespace and id must not be empty"}
	} else {
		opErr = c.perms.Authorize(ctx, workspaceID, actor, namespace, models.LevelWrite)
	}

	var frozen *models.Entry
	if opErr == nil {
		frozen, opErr = c.store.FreezeEntry(ctx, workspaceID, namespace, id, expectedFingerprint)
	}

	result, detail := outcome(opErr)
	ev := &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionFreeze,
		Target:    id,
		Namespace: namespace,
		Result:    result,
		Detail:    detail,
	}
	if frozen != nil {
		ev.Tags = frozen.Tags
		ev.Priority = frozen.Priority
	}
	if err := c.record(ctx, ev); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return frozen, nil
}

// ── Agents ───────────────────────────────────────────────────

// RegisterAgent registers or re-registers an agent, guarded by write
// on the reserved registry namespace.
func (c *Coordinator) RegisterAgent(ctx context.Context, workspaceID, actor string, agent *models.Agent) (*models.Agent, error) {
	opErr := c.registry.Register(ctx, workspaceID, actor, agent)

	result, detail := outcome(opErr)
	if err := c.record(ctx, &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionRegister,
		Target:    agent.ID,
		Namespace: models.RegistryNamespace,
		Result:    result,
		Detail:    detail,
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return c.registry.Get(ctx, workspaceID, agent.ID)
}

// Heartbeat marks an agent active. Agents heartbeat themselves; a
// different actor needs write on the registry namespace.
func (c *Coordinator) Heartbeat(ctx context.Context, workspaceID, actor, agentID string) error {
	opErr := func() error {
		if actor != agentID {
			if err := c.perms.Authorize(ctx, workspaceID, actor, models.RegistryNamespace, models.LevelWrite); err != nil {
				return err
			}
		}
		return c.registry.Heartbeat(ctx, workspaceID, agentID)
	}()

	result, detail := outcome(opErr)
	if err := c.record(ctx, &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionHeartbeat,
		Target:    agentID,
		Namespace: models.RegistryNamespace,
		Result:    result,
		Detail:    detail,
	}); err != nil {
		return err
	}
	return opErr
}

// ListAgents returns the workspace's agents with computed liveness.
// Requires read on the registry namespace.
func (c *Coordinator) ListAgents(ctx context.Context, workspaceID, actor string) ([]models.Agent, error) {
	if err := c.perms.Authorize(ctx, workspaceID, actor, models.RegistryNamespace, models.LevelRead); err != nil {
		if recErr := c.auditDeniedRead(ctx, workspaceID, actor, models.RegistryNamespace, err); recErr != nil {
			return nil, recErr
		}
		return nil, err
	}
	return c.registry.List(ctx, workspaceID)
}

// ── Permissions ──────────────────────────────────────────────

// Grant installs a permission; the engine requires the actor to hold
// admin on the target namespace.
func (c *Coordinator) Grant(ctx context.Context, workspaceID, actor string, grant *models.Grant) error {
	opErr := c.perms.Grant(ctx, workspaceID, actor, grant)

	result, detail := outcome(opErr)
	if err := c.record(ctx, &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionPermissionChange,
		Target:    grant.Subject,
		Namespace: grant.Namespace,
		Result:    result,
		Detail:    detail,
	}); err != nil {
		return err
	}
	return opErr
}

// Revoke removes a permission. Revoking the last admin grant covering
// a namespace fails and leaves the grant set unchanged.
func (c *Coordinator) Revoke(ctx context.Context, workspaceID, actor, namespace, subject string) error {
	opErr := c.perms.Revoke(ctx, workspaceID, actor, namespace, subject)

	result, detail := outcome(opErr)
	if err := c.record(ctx, &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionPermissionChange,
		Target:    subject,
		Namespace: namespace,
		Result:    result,
		Detail:    detail,
	}); err != nil {
		return err
	}
	return opErr
}

// ListGrants returns the grants on a namespace (read required).
func (c *Coordinator) ListGrants(ctx context.Context, workspaceID, actor, namespace string) ([]models.Grant, error) {
	grants, err := c.perms.List(ctx, workspaceID, actor, namespace)
	if models.IsDenied(err) {
		if recErr := c.auditDeniedRead(ctx, workspaceID, actor, namespace, err); recErr != nil {
			return nil, recErr
		}
	}
	return grants, err
}

// ── Webhooks ─────────────────────────────────────────────────

func validateWebhook(hook *models.Webhook) error {
	if hook.URL == "" {
		return &models.ValidationError{Field: "url", Reason: "must not be empty"}
	}
	if hook.Policy.MinPriority != "" && !models.ValidPriority(hook.Policy.MinPriority) {
		return &models.ValidationError{Field: "policy.min_priority", Reason: "must be low, normal, high, or critical"}
	}
	return webhook.ValidateExpression(hook.Policy.Expression)
}

// webhookAdminScope is the namespace whose admin level a webhook
// operation requires: the policy's namespace, or the workspace
// wildcard for unscoped policies.
func webhookAdminScope(policy models.BridgePolicy) string {
	if policy.Namespace != "" {
		return policy.Namespace
	}
	return store.WildcardNamespace
}

// CreateWebhook registers a notification endpoint. Requires admin on
// the policy's namespace (workspace-wide admin for unscoped policies).
func (c *Coordinator) CreateWebhook(ctx context.Context, workspaceID, actor string, hook *models.Webhook) (*models.Webhook, error) {
	opErr := validateWebhook(hook)
	if opErr == nil {
		if hook.ID == "" {
			hook.ID = uuid.New().String()
		}
		hook.Workspace = workspaceID
		hook.Status = models.WebhookActive
		hook.FailureCount = 0
		hook.CreatedAt = c.now().UTC()
		hook.UpdatedAt = hook.CreatedAt
		opErr = c.perms.Authorize(ctx, workspaceID, actor, webhookAdminScope(hook.Policy), models.LevelAdmin)
	}
	if opErr == nil {
		opErr = c.store.CreateWebhook(ctx, hook)
	}

	result, detail := outcome(opErr)
	if err := c.record(ctx, &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionWebhookChange,
		Target:    hook.ID,
		Namespace: hook.Policy.Namespace,
		Result:    result,
		Detail:    detail,
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return hook, nil
}

// SetWebhookStatus applies an operator transition: active → paused,
// paused → active, failed → active (reactivation, which resets the
// failure counter). The automatic active → failed transition belongs
// to the dispatcher alone.
func (c *Coordinator) SetWebhookStatus(ctx context.Context, workspaceID, actor, webhookID string, target models.WebhookStatus) (*models.Webhook, error) {
	var hook *models.Webhook
	opErr := func() error {
		h, err := c.store.GetWebhook(ctx, workspaceID, webhookID)
		if err != nil {
			return err
		}
		if err := c.perms.Authorize(ctx, workspaceID, actor, webhookAdminScope(h.Policy), models.LevelAdmin); err != nil {
			return err
		}
		switch {
		case h.Status == models.WebhookActive && target == models.WebhookPaused:
		case h.Status == models.WebhookPaused && target == models.WebhookActive:
		case h.Status == models.WebhookFailed && target == models.WebhookActive:
			h.FailureCount = 0
		default:
			return &models.ValidationError{Field: "status", Reason: string(h.Status) + " → " + string(target) + " is not an operator transition"}
		}
		h.Status = target
		h.UpdatedAt = c.now().UTC()
		if err := c.store.UpdateWebhook(ctx, h); err != nil {
			return err
		}
		hook = h
		return nil
	}()

	result, detail := outcome(opErr)
	if err := c.record(ctx, &models.AuditEvent{
		Workspace: workspaceID,
		Actor:     actor,
		Action:    models.ActionWebhookChange,
		Target:    webhookID,
		Result:    result,
		Detail:    detail,
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return hook, nil
}

// ListWebhooks returns the workspace's webhooks. Requires read on the
// registry namespace's sibling scope — webhook configs are
// operator-facing, so workspace-wide read is required.
func (c *Coordinator) ListWebhooks(ctx context.Context, workspaceID, actor string) ([]models.Webhook, error) {
	if err := c.perms.Authorize(ctx, workspaceID, actor, store.WildcardNamespace, models.LevelRead); err != nil {
		if recErr := c.auditDeniedRead(ctx, workspaceID, actor, store.WildcardNamespace, err); recErr != nil {
			return nil, recErr
		}
		return nil, err
	}
	return c.store.ListWebhooks(ctx, workspaceID)
}

// ListDeliveries returns a webhook's delivery history, newest first.
func (c *Coordinator) ListDeliveries(ctx context.Context, workspaceID, actor, webhookID string, limit int) ([]models.Delivery, error) {
	if err := c.perms.Authorize(ctx, workspaceID, actor, store.WildcardNamespace, models.LevelRead); err != nil {
		if recErr := c.auditDeniedRead(ctx, workspaceID, actor, store.WildcardNamespace, err); recErr != nil {
			return nil, recErr
		}
		return nil, err
	}
	if limit <= 0 {
		limit = c.entries.DefaultLimit
	}
	return c.store.ListDeliveries(ctx, workspaceID, webhookID, limit)
}

// ── Audit ────────────────────────────────────────────────────

// QueryAudit returns the workspace's audit trail. Reading the full
// operational record requires workspace-wide read.
func (c *Coordinator) QueryAudit(ctx context.Context, workspaceID, actor string, filter models.AuditFilter) ([]models.AuditEvent, error) {
	if err := c.perms.Authorize(ctx, workspaceID, actor, store.WildcardNamespace, models.LevelRead); err != nil {
		if recErr := c.auditDeniedRead(ctx, workspaceID, actor, store.WildcardNamespace, err); recErr != nil {
			return nil, recErr
		}
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = c.entries.DefaultLimit
	}
	if filter.Limit > c.entries.MaxLimit {
		filter.Limit = c.entries.MaxLimit
	}
	return c.audit.Query(ctx, workspaceID, filter)
}

// ── Expiry ───────────────────────────────────────────────────

// ReapExpired removes entries whose expiry is older than the retention
// window. Reaping emits no audit event: reads already exclude expired
// entries, and the audit trail of their writes is permanent.
func (c *Coordinator) ReapExpired(ctx context.Context, retention time.Duration) (int, error) {
	if retention < 0 {
		return 0, nil
	}
	cutoff := c.now().UTC().Add(-retention)
	return c.store.ReapExpired(ctx, cutoff)
}

// StartReaper runs the periodic expired-entry reaper until ctx is
// cancelled.
func (c *Coordinator) StartReaper(ctx context.Context, interval, retention time.Duration) {
	if retention < 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.ReapExpired(ctx, retention); err != nil {
					log.Warn().Err(err).Msg("Expired-entry reap failed")
				}
			}
		}
	}()
}
