package workspace_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/synapse-hq/synapse/internal/audit"
	"github.com/synapse-hq/synapse/internal/config"
	"github.com/synapse-hq/synapse/internal/permissions"
	"github.com/synapse-hq/synapse/internal/registry"
	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/internal/webhook"
	"github.com/synapse-hq/synapse/internal/workspace"
	"github.com/synapse-hq/synapse/pkg/models"
)

type harness struct {
	coord *workspace.Coordinator
	store store.Store
	hooks *webhook.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMemoryStore(store.MemoryOptions{})
	t.Cleanup(func() { s.Close() })

	perms := permissions.NewEngine(s)
	reg := registry.New(s, perms, 2*time.Minute, 10*time.Minute)
	auditLog := audit.New(s)
	hooks := webhook.NewDispatcher(s, config.WebhookConfig{
		MaxRetries:       1,
		FailureThreshold: 3,
		AttemptTimeout:   2 * time.Second,
		QueueDepth:       16,
	}).WithInitialBackoff(5 * time.Millisecond)
	t.Cleanup(hooks.Close)

	coord := workspace.New(s, perms, reg, auditLog, hooks, config.EntryConfig{
		DefaultLimit: 50,
		MaxLimit:     200,
	})

	h := &harness{coord: coord, store: s, hooks: hooks}
	if _, err := coord.CreateWorkspace(context.Background(), &models.Workspace{
		ID: "ws", Name: "Test", Owner: "owner",
	}); err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}
	return h
}

func (h *harness) auditEvents(t *testing.T, filter models.AuditFilter) []models.AuditEvent {
	t.Helper()
	events, err := h.store.ListAuditEvents(context.Background(), "ws", filter)
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	return events
}

func TestCreateWorkspace_SeedsOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Owner was seeded as an admin agent.
	agents, err := h.coord.ListAgents(ctx, "ws", "owner")
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "owner" || agents[0].Role != models.RoleAdmin {
		t.Errorf("seeded agents = %+v, want the owner as admin", agents)
	}

	// The creation itself is audited.
	events := h.auditEvents(t, models.AuditFilter{Action: models.ActionWorkspaceCreate})
	if len(events) != 1 || events[0].Actor != "owner" {
		t.Errorf("workspace-create audit events = %+v, want one by owner", events)
	}

	// Duplicate ids are rejected.
	if _, err := h.coord.CreateWorkspace(ctx, &models.Workspace{
		ID: "ws", Name: "Again", Owner: "other",
	}); err == nil {
		t.Error("CreateWorkspace() with duplicate id succeeded")
	}
}

func TestWriteEntry_FullCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Producer gets write on "tasks" from the owner.
	if err := h.coord.Grant(ctx, "ws", "owner", &models.Grant{
		Subject: "producer", Namespace: "tasks", Level: models.LevelWrite,
	}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	first, err := h.coord.WriteEntry(ctx, "ws", "producer", &models.Entry{
		Namespace: "tasks", ID: "t1", Content: "build", Priority: models.PriorityHigh,
	}, "")
	if err != nil {
		t.Fatalf("WriteEntry() error = %v", err)
	}
	if first.From != "producer" {
		t.Errorf("From = %q, want the acting agent", first.From)
	}

	// A second write with the current fingerprint succeeds and rotates it.
	second, err := h.coord.WriteEntry(ctx, "ws", "producer", &models.Entry{
		Namespace: "tasks", ID: "t1", Content: "build faster", Priority: models.PriorityHigh,
	}, first.Fingerprint)
	if err != nil {
		t.Fatalf("WriteEntry() with fingerprint error = %v", err)
	}
	if second.Fingerprint == first.Fingerprint {
		t.Error("fingerprint unchanged after mutation")
	}

	// The stale fingerprint now conflicts, and the failure is audited.
	_, err = h.coord.WriteEntry(ctx, "ws", "producer", &models.Entry{
		Namespace: "tasks", ID: "t1", Content: "race", Priority: models.PriorityHigh,
	}, first.Fingerprint)
	if !models.IsConflict(err) {
		t.Fatalf("WriteEntry() with stale fingerprint error = %v, want conflict", err)
	}

	writes := h.auditEvents(t, models.AuditFilter{Action: models.ActionWrite})
	if len(writes) != 3 {
		t.Fatalf("write audit events = %d, want 3 (two successes, one error)", len(writes))
	}
	if writes[2].Result != models.ResultError {
		t.Errorf("conflict audit result = %q, want %q", writes[2].Result, models.ResultError)
	}
}

func TestWriteEntry_DeniedIsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.WriteEntry(ctx, "ws", "intruder", &models.Entry{
		Namespace: "tasks", ID: "t1", Content: "sneak",
	}, "")
	if !models.IsDenied(err) {
		t.Fatalf("WriteEntry() without grant error = %v, want denied", err)
	}

	events := h.auditEvents(t, models.AuditFilter{Actor: "intruder"})
	if len(events) != 1 || events[0].Result != models.ResultDenied {
		t.Fatalf("denied write audit = %+v, want exactly one denied event", events)
	}

	// The denied write left no entry behind.
	if _, err := h.store.GetEntry(ctx, "ws", "tasks", "t1"); !models.IsNotFound(err) {
		t.Errorf("GetEntry() after denied write error = %v, want not found", err)
	}
}

func TestWriteEntry_ValidationFailuresAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Malformed mutating attempts still land in the trail.
	_, err := h.coord.WriteEntry(ctx, "ws", "owner", &models.Entry{
		ID: "x", Content: "no namespace",
	}, "")
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("WriteEntry() without namespace error = %v, want ValidationError", err)
	}
	writes := h.auditEvents(t, models.AuditFilter{Action: models.ActionWrite})
	if len(writes) != 1 || writes[0].Result != models.ResultError {
		t.Errorf("invalid write audit = %+v, want one error event", writes)
	}

	_, err = h.coord.FreezeEntry(ctx, "ws", "owner", "tasks", "", "fp")
	if !errors.As(err, &vErr) {
		t.Fatalf("FreezeEntry() without id error = %v, want ValidationError", err)
	}
	freezes := h.auditEvents(t, models.AuditFilter{Action: models.ActionFreeze})
	if len(freezes) != 1 || freezes[0].Result != models.ResultError {
		t.Errorf("invalid freeze audit = %+v, want one error event", freezes)
	}

	_, err = h.coord.CreateWebhook(ctx, "ws", "owner", &models.Webhook{
		Policy: models.BridgePolicy{Namespace: "tasks"},
	})
	if !errors.As(err, &vErr) {
		t.Fatalf("CreateWebhook() without URL error = %v, want ValidationError", err)
	}
	changes := h.auditEvents(t, models.AuditFilter{Action: models.ActionWebhookChange})
	if len(changes) != 1 || changes[0].Result != models.ResultError {
		t.Errorf("invalid webhook audit = %+v, want one error event", changes)
	}
}

func TestDeniedConfigReadsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.coord.ListGrants(ctx, "ws", "snoop", "tasks"); !models.IsDenied(err) {
		t.Fatalf("ListGrants() by stranger error = %v, want denied", err)
	}
	if _, err := h.coord.QueryAudit(ctx, "ws", "snoop", models.AuditFilter{}); !models.IsDenied(err) {
		t.Fatalf("QueryAudit() by stranger error = %v, want denied", err)
	}
	if _, err := h.coord.ListWebhooks(ctx, "ws", "snoop"); !models.IsDenied(err) {
		t.Fatalf("ListWebhooks() by stranger error = %v, want denied", err)
	}
	if _, err := h.coord.ListDeliveries(ctx, "ws", "snoop", "hook", 0); !models.IsDenied(err) {
		t.Fatalf("ListDeliveries() by stranger error = %v, want denied", err)
	}

	events := h.auditEvents(t, models.AuditFilter{Actor: "snoop"})
	if len(events) != 4 {
		t.Fatalf("denied config reads produced %d audit events, want 4", len(events))
	}
	for _, ev := range events {
		if ev.Action != models.ActionRead || ev.Result != models.ResultDenied {
			t.Errorf("audit event = %+v, want a denied read", ev)
		}
	}
}

func TestReadEntries_PermissionAndPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.coord.Grant(ctx, "ws", "owner", &models.Grant{
		Subject: "reader", Namespace: "tasks", Level: models.LevelRead,
	})
	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.coord.WriteEntry(ctx, "ws", "owner", &models.Entry{
			Namespace: "tasks", ID: id, Content: id,
		}, ""); err != nil {
			t.Fatalf("WriteEntry(%s) error = %v", id, err)
		}
	}

	entries, err := h.coord.ReadEntries(ctx, "ws", "reader", "tasks", models.EntryFilter{})
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("ReadEntries() = %d entries, want 3", len(entries))
	}

	// Read permission does not allow writes.
	_, err = h.coord.WriteEntry(ctx, "ws", "reader", &models.Entry{
		Namespace: "tasks", ID: "d", Content: "nope",
	}, "")
	if !models.IsDenied(err) {
		t.Errorf("WriteEntry() by reader error = %v, want denied", err)
	}

	// No grant at all: read denied and audited.
	_, err = h.coord.ReadEntries(ctx, "ws", "stranger", "tasks", models.EntryFilter{})
	if !models.IsDenied(err) {
		t.Errorf("ReadEntries() by stranger error = %v, want denied", err)
	}
	denied := h.auditEvents(t, models.AuditFilter{Actor: "stranger"})
	if len(denied) != 1 || denied[0].Result != models.ResultDenied {
		t.Errorf("stranger audit trail = %+v, want one denied read", denied)
	}
}

func TestFreezeEntry_Terminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, err := h.coord.WriteEntry(ctx, "ws", "owner", &models.Entry{
		Namespace: "decisions", ID: "d1", Content: "ship it",
	}, "")
	if err != nil {
		t.Fatalf("WriteEntry() error = %v", err)
	}

	frozen, err := h.coord.FreezeEntry(ctx, "ws", "owner", "decisions", "d1", e.Fingerprint)
	if err != nil {
		t.Fatalf("FreezeEntry() error = %v", err)
	}
	if !frozen.Frozen {
		t.Error("entry not frozen")
	}

	_, err = h.coord.WriteEntry(ctx, "ws", "owner", &models.Entry{
		Namespace: "decisions", ID: "d1", Content: "unship it",
	}, frozen.Fingerprint)
	var frozenErr *models.FrozenEntryError
	if !errors.As(err, &frozenErr) {
		t.Fatalf("WriteEntry() on frozen entry error = %v, want FrozenEntryError", err)
	}

	freezes := h.auditEvents(t, models.AuditFilter{Action: models.ActionFreeze})
	if len(freezes) != 1 || freezes[0].Result != models.ResultSuccess {
		t.Errorf("freeze audit = %+v, want one success", freezes)
	}
}

func TestRegisterAgent_GuardedByRegistryNamespace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The owner holds wildcard admin, which covers the registry
	// namespace.
	agent, err := h.coord.RegisterAgent(ctx, "ws", "owner", &models.Agent{
		ID: "worker", Role: models.RoleProducer,
	})
	if err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	if agent.Status != models.AgentActive {
		t.Errorf("new agent status = %q, want active", agent.Status)
	}

	// The new worker has no registry grant: it cannot register others.
	_, err = h.coord.RegisterAgent(ctx, "ws", "worker", &models.Agent{
		ID: "friend", Role: models.RoleProducer,
	})
	if !models.IsDenied(err) {
		t.Fatalf("RegisterAgent() by unprivileged agent error = %v, want denied", err)
	}

	registers := h.auditEvents(t, models.AuditFilter{Action: models.ActionRegister})
	if len(registers) != 2 {
		t.Fatalf("register audit events = %d, want 2 (one success, one denied)", len(registers))
	}
	if registers[1].Result != models.ResultDenied {
		t.Errorf("second register audit result = %q, want denied", registers[1].Result)
	}
}

func TestHeartbeat_SelfOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.coord.RegisterAgent(ctx, "ws", "owner", &models.Agent{ID: "worker", Role: models.RoleProducer})

	if err := h.coord.Heartbeat(ctx, "ws", "worker", "worker"); err != nil {
		t.Errorf("Heartbeat() for self error = %v", err)
	}
	if err := h.coord.Heartbeat(ctx, "ws", "worker", "owner"); !models.IsDenied(err) {
		t.Errorf("Heartbeat() for another agent error = %v, want denied", err)
	}
	// An admin may heartbeat on behalf of any agent.
	if err := h.coord.Heartbeat(ctx, "ws", "owner", "worker"); err != nil {
		t.Errorf("Heartbeat() by admin error = %v", err)
	}
}

func TestRevoke_LastAdminBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.coord.Revoke(ctx, "ws", "owner", store.WildcardNamespace, "owner")
	var lastAdmin *models.LastAdminError
	if !errors.As(err, &lastAdmin) {
		t.Fatalf("Revoke() of sole admin error = %v, want LastAdminError", err)
	}

	changes := h.auditEvents(t, models.AuditFilter{Action: models.ActionPermissionChange})
	if len(changes) != 1 || changes[0].Result != models.ResultError {
		t.Errorf("permission-change audit = %+v, want one error event", changes)
	}
}

func TestWebhook_EndToEnd(t *testing.T) {
	received := make(chan *http.Request, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t)
	ctx := context.Background()

	hook, err := h.coord.CreateWebhook(ctx, "ws", "owner", &models.Webhook{
		Name: "critical-tasks",
		URL:  srv.URL,
		Policy: models.BridgePolicy{
			Namespace:   "tasks",
			MinPriority: models.PriorityHigh,
		},
	})
	if err != nil {
		t.Fatalf("CreateWebhook() error = %v", err)
	}
	if hook.Status != models.WebhookActive {
		t.Errorf("new webhook status = %q, want active", hook.Status)
	}

	// Below the priority threshold: no notification.
	h.coord.WriteEntry(ctx, "ws", "owner", &models.Entry{
		Namespace: "tasks", ID: "quiet", Content: "routine", Priority: models.PriorityNormal,
	}, "")
	// At the threshold: notify.
	h.coord.WriteEntry(ctx, "ws", "owner", &models.Entry{
		Namespace: "tasks", ID: "loud", Content: "incident", Priority: models.PriorityCritical,
	}, "")

	if !h.hooks.Flush(3 * time.Second) {
		t.Fatal("dispatcher did not drain in time")
	}

	select {
	case req := <-received:
		if got := req.Header.Get("X-Synapse-Workspace"); got != "ws" {
			t.Errorf("X-Synapse-Workspace = %q, want ws", got)
		}
	default:
		t.Fatal("matching write produced no webhook delivery")
	}
	select {
	case <-received:
		t.Fatal("non-matching write produced a webhook delivery")
	default:
	}

	fired := h.auditEvents(t, models.AuditFilter{Action: models.ActionWebhookFired})
	if len(fired) != 1 {
		t.Errorf("webhook-fired audit events = %d, want 1", len(fired))
	}
}

func TestWebhook_OperatorTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hook, err := h.coord.CreateWebhook(ctx, "ws", "owner", &models.Webhook{
		URL: "http://localhost:0/sink", Policy: models.BridgePolicy{Namespace: "tasks"},
	})
	if err != nil {
		t.Fatalf("CreateWebhook() error = %v", err)
	}

	paused, err := h.coord.SetWebhookStatus(ctx, "ws", "owner", hook.ID, models.WebhookPaused)
	if err != nil {
		t.Fatalf("pause error = %v", err)
	}
	if paused.Status != models.WebhookPaused {
		t.Errorf("status = %q, want paused", paused.Status)
	}

	// Pausing an already-paused webhook is not a valid transition.
	if _, err := h.coord.SetWebhookStatus(ctx, "ws", "owner", hook.ID, models.WebhookPaused); err == nil {
		t.Error("pause of paused webhook succeeded, want validation error")
	}

	resumed, err := h.coord.SetWebhookStatus(ctx, "ws", "owner", hook.ID, models.WebhookActive)
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if resumed.Status != models.WebhookActive {
		t.Errorf("status = %q, want active", resumed.Status)
	}

	// Simulate the dispatcher tripping the webhook, then reactivate.
	tripped, _ := h.store.GetWebhook(ctx, "ws", hook.ID)
	tripped.Status = models.WebhookFailed
	tripped.FailureCount = 3
	h.store.UpdateWebhook(ctx, tripped)

	revived, err := h.coord.SetWebhookStatus(ctx, "ws", "owner", hook.ID, models.WebhookActive)
	if err != nil {
		t.Fatalf("reactivate error = %v", err)
	}
	if revived.Status != models.WebhookActive || revived.FailureCount != 0 {
		t.Errorf("after reactivation = %+v, want active with zero failures", revived)
	}
}

func TestWebhook_CreateRequiresAdminAndValidExpression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.coord.Grant(ctx, "ws", "owner", &models.Grant{
		Subject: "producer", Namespace: "tasks", Level: models.LevelWrite,
	})

	_, err := h.coord.CreateWebhook(ctx, "ws", "producer", &models.Webhook{
		URL: "http://example.com/sink", Policy: models.BridgePolicy{Namespace: "tasks"},
	})
	if !models.IsDenied(err) {
		t.Errorf("CreateWebhook() by non-admin error = %v, want denied", err)
	}

	_, err = h.coord.CreateWebhook(ctx, "ws", "owner", &models.Webhook{
		URL: "http://example.com/sink", Policy: models.BridgePolicy{Expression: "action =="},
	})
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("CreateWebhook() with broken expression error = %v, want ValidationError", err)
	}
}

func TestStatus_Snapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.coord.WriteEntry(ctx, "ws", "owner", &models.Entry{Namespace: "tasks", ID: "a", Content: "1"}, "")
	h.coord.WriteEntry(ctx, "ws", "owner", &models.Entry{Namespace: "notes", ID: "b", Content: "2"}, "")

	status, err := h.coord.Status(ctx, "ws")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Entries != 2 || status.Namespaces != 2 {
		t.Errorf("Status() = %d entries in %d namespaces, want 2 in 2", status.Entries, status.Namespaces)
	}
	if status.Agents[models.AgentActive] != 1 {
		t.Errorf("active agents = %d, want 1 (the owner)", status.Agents[models.AgentActive])
	}
	if status.AuditSize == 0 {
		t.Error("AuditSize = 0, want the recorded trail")
	}
}

func TestReapExpired_NegativeRetentionDisables(t *testing.T) {
	h := newHarness(t)

	n, err := h.coord.ReapExpired(context.Background(), -1)
	if err != nil {
		t.Fatalf("ReapExpired() error = %v", err)
	}
	if n != 0 {
		t.Errorf("ReapExpired(-1) = %d, want 0 (reaping disabled)", n)
	}
}
