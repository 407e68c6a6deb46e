// Package registry tracks known agents, their roles, capabilities, and
// liveness. Liveness is computed lazily from the last heartbeat — there
// is no background clock, which keeps the component passive and easy to
// test with an injected time source.
package registry

import (
	"context"
	"time"

	"github.com/synapse-hq/synapse/internal/permissions"
	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/pkg/models"
)

// Registry manages agent records for all workspaces.
type Registry struct {
	agents store.AgentStore
	perms  *permissions.Engine

	idleAfter    time.Duration
	offlineAfter time.Duration
	now          func() time.Time
}

// New creates a registry. idleAfter and offlineAfter are the heartbeat
// silence windows after which an agent reads as idle and offline.
func New(agents store.AgentStore, perms *permissions.Engine, idleAfter, offlineAfter time.Duration) *Registry {
	return &Registry{
		agents:       agents,
		perms:        perms,
		idleAfter:    idleAfter,
		offlineAfter: offlineAfter,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Tests drive expiry with it.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register creates or updates an agent record. Registration is
// idempotent — re-registering an id replaces role and capabilities —
// and is guarded by write access on the reserved registry namespace.
func (r *Registry) Register(ctx context.Context, workspace, actor string, agent *models.Agent) error {
	if agent.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	switch agent.Role {
	case models.RoleProducer, models.RoleConsumer, models.RoleAdmin:
	default:
		return &models.ValidationError{Field: "role", Reason: "must be producer, consumer, or admin"}
	}

	if err := r.perms.Authorize(ctx, workspace, actor, models.RegistryNamespace, models.LevelWrite); err != nil {
		return err
	}
	return r.register(ctx, workspace, agent)
}

// Seed registers an agent without a permission check. Used once per
// workspace to install the owner before any grants exist.
func (r *Registry) Seed(ctx context.Context, workspace string, agent *models.Agent) error {
	return r.register(ctx, workspace, agent)
}

func (r *Registry) register(ctx context.Context, workspace string, agent *models.Agent) error {
	now := r.now().UTC()
	stored := *agent
	stored.Workspace = workspace
	stored.Status = models.AgentActive
	stored.RegisteredAt = now
	stored.LastHeartbeat = now
	stored.UpdatedAt = now
	return r.agents.UpsertAgent(ctx, &stored)
}

// Heartbeat marks the agent active and resets its liveness clock.
func (r *Registry) Heartbeat(ctx context.Context, workspace, id string) error {
	return r.agents.TouchAgent(ctx, workspace, id, r.now().UTC())
}

// Get returns the agent with its liveness computed at call time.
func (r *Registry) Get(ctx context.Context, workspace, id string) (*models.Agent, error) {
	a, err := r.agents.GetAgent(ctx, workspace, id)
	if err != nil {
		return nil, err
	}
	a.Status = a.EffectiveStatus(r.now().UTC(), r.idleAfter, r.offlineAfter)
	return a, nil
}

// List returns all agents in the workspace with computed liveness.
func (r *Registry) List(ctx context.Context, workspace string) ([]models.Agent, error) {
	agents, err := r.agents.ListAgents(ctx, workspace)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	for i := range agents {
		agents[i].Status = agents[i].EffectiveStatus(now, r.idleAfter, r.offlineAfter)
	}
	return agents, nil
}

// StatusSummary counts agents per liveness state for the workspace
// status snapshot.
func (r *Registry) StatusSummary(ctx context.Context, workspace string) (map[models.AgentStatus]int, error) {
	agents, err := r.List(ctx, workspace)
	if err != nil {
		return nil, err
	}
	summary := map[models.AgentStatus]int{
		models.AgentActive:  0,
		models.AgentIdle:    0,
		models.AgentOffline: 0,
	}
	for _, a := range agents {
		summary[a.Status]++
	}
	return summary, nil
}
