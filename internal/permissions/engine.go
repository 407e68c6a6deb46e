// Package permissions implements the access-control engine. Every
// operation against a namespace is checked here before it reaches the
// entry store. The engine fails closed: no grant means deny.
package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/pkg/models"
)

// Engine resolves effective access levels from the grant store.
type Engine struct {
	grants store.GrantStore
	now    func() time.Time
}

// NewEngine creates a permission engine over the given grant store.
func NewEngine(grants store.GrantStore) *Engine {
	return &Engine{grants: grants, now: time.Now}
}

// Authorize returns nil when agent holds required (or better) on
// namespace, either through a direct grant, a workspace-wide wildcard
// grant, or a workspace-subject grant covering every agent in the
// workspace. Any other outcome is a PermissionDeniedError.
func (e *Engine) Authorize(ctx context.Context, workspace, agentID, namespace string, required models.AccessLevel) error {
	level, err := e.Effective(ctx, workspace, agentID, namespace)
	if err != nil {
		return err
	}
	if !level.Covers(required) {
		return &models.PermissionDeniedError{Agent: agentID, Namespace: namespace, Required: required}
	}
	return nil
}

// Effective returns the highest access level agent holds on namespace.
// An empty level means no grant applies.
func (e *Engine) Effective(ctx context.Context, workspace, agentID, namespace string) (models.AccessLevel, error) {
	grants, err := e.grants.ListGrants(ctx, workspace, namespace)
	if err != nil {
		return "", fmt.Errorf("list grants: %w", err)
	}

	var best models.AccessLevel
	for _, g := range grants {
		switch g.SubjectKind {
		case models.SubjectAgent:
			if g.Subject != agentID {
				continue
			}
		case models.SubjectWorkspace:
			if g.Subject != workspace {
				continue
			}
		default:
			continue
		}
		if best == "" || g.Level.Covers(best) {
			best = g.Level
		}
	}
	return best, nil
}

// Grant records a new permission. The actor needs admin on the target
// namespace (a wildcard grant target requires workspace-wide admin).
func (e *Engine) Grant(ctx context.Context, workspace, actor string, grant *models.Grant) error {
	if !models.ValidAccessLevel(grant.Level) {
		return &models.ValidationError{Field: "level", Reason: "must be read, write, or admin"}
	}
	if grant.Namespace == "" {
		return &models.ValidationError{Field: "namespace", Reason: "must not be empty"}
	}
	if grant.Subject == "" {
		return &models.ValidationError{Field: "subject", Reason: "must not be empty"}
	}
	if grant.SubjectKind == "" {
		grant.SubjectKind = models.SubjectAgent
	}

	if err := e.Authorize(ctx, workspace, actor, grant.Namespace, models.LevelAdmin); err != nil {
		return err
	}

	grant.Workspace = workspace
	grant.GrantedBy = actor
	grant.GrantedAt = e.now().UTC()
	return e.grants.PutGrant(ctx, grant)
}

// Revoke removes a grant. The actor needs admin on the namespace, and
// the store rejects removing the last admin grant covering it.
func (e *Engine) Revoke(ctx context.Context, workspace, actor, namespace, subject string) error {
	if err := e.Authorize(ctx, workspace, actor, namespace, models.LevelAdmin); err != nil {
		return err
	}
	return e.grants.DeleteGrant(ctx, workspace, namespace, subject)
}

// List returns the grants visible on a namespace. Requires read.
func (e *Engine) List(ctx context.Context, workspace, actor, namespace string) ([]models.Grant, error) {
	if err := e.Authorize(ctx, workspace, actor, namespace, models.LevelRead); err != nil {
		return nil, err
	}
	return e.grants.ListGrants(ctx, workspace, namespace)
}

// Bootstrap seeds the workspace-wide admin grant for the workspace
// owner. Called once at workspace creation so every namespace that
// will ever exist starts covered by an admin.
func (e *Engine) Bootstrap(ctx context.Context, workspace, owner string) error {
	return e.grants.PutGrant(ctx, &models.Grant{
		Subject:     owner,
		SubjectKind: models.SubjectAgent,
		Workspace:   workspace,
		Namespace:   store.WildcardNamespace,
		Level:       models.LevelAdmin,
		GrantedBy:   "system",
		GrantedAt:   e.now().UTC(),
	})
}
