// Package middleware provides shared context helpers for the Synapse
// server.
//
// This package lives in pkg/ (not internal/) so that external
// deployments embedding the server can read the caller identity and
// workspace scope from their own middleware.
package middleware

import "context"

type contextKey string

const (
	agentKey     contextKey = "agent"
	workspaceKey contextKey = "workspace"
)

// SetAgent stores the calling agent's id in the context.
func SetAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey, agentID)
}

// GetAgent returns the calling agent's id, or "" when the request is
// anonymous.
func GetAgent(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey).(string); ok {
		return v
	}
	return ""
}

// SetWorkspace stores the workspace scope in the context.
func SetWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceKey, workspaceID)
}

// GetWorkspace returns the workspace scope, or "" outside a
// workspace-scoped route.
func GetWorkspace(ctx context.Context) string {
	if v, ok := ctx.Value(workspaceKey).(string); ok {
		return v
	}
	return ""
}
