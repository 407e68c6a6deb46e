// Package webhook observes audit events and dispatches notifications
// to configured endpoints. Each webhook carries a bridge policy — a
// predicate over the event — and its own FIFO delivery queue, so slow
// endpoints never block each other or the request path.
package webhook

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/synapse-hq/synapse/pkg/models"
)

// policyEnv is the expression environment a bridge policy expression
// is evaluated against.
func policyEnv(ev *models.AuditEvent) map[string]any {
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"action":    string(ev.Action),
		"actor":     ev.Actor,
		"namespace": ev.Namespace,
		"target":    ev.Target,
		"result":    string(ev.Result),
		"priority":  string(ev.Priority),
		"tags":      tags,
	}
}

// exprCache compiles each policy expression once and reuses the
// program across events.
type exprCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newExprCache() *exprCache {
	return &exprCache{programs: make(map[string]*vm.Program)}
}

func (c *exprCache) compile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression,
		expr.Env(policyEnv(&models.AuditEvent{})),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile bridge expression: %w", err)
	}

	c.mu.Lock()
	c.programs[expression] = prog
	c.mu.Unlock()
	return prog, nil
}

// matches evaluates a bridge policy against an audit event. Structured
// fields are conjunctive; the optional expression is evaluated last.
// A policy with a broken expression matches nothing.
func (c *exprCache) matches(policy models.BridgePolicy, ev *models.AuditEvent) (bool, error) {
	if policy.Namespace != "" && policy.Namespace != ev.Namespace {
		return false, nil
	}
	for _, want := range policy.Tags {
		found := false
		for _, got := range ev.Tags {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if policy.MinPriority != "" && ev.Priority.Rank() < policy.MinPriority.Rank() {
		return false, nil
	}
	if len(policy.Actions) > 0 {
		found := false
		for _, a := range policy.Actions {
			if a == ev.Action {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if policy.Expression == "" {
		return true, nil
	}
	prog, err := c.compile(policy.Expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, policyEnv(ev))
	if err != nil {
		return false, fmt.Errorf("evaluate bridge expression: %w", err)
	}
	matched, ok := out.(bool)
	return ok && matched, nil
}

// ValidateExpression compiles a policy expression so malformed ones are
// rejected at webhook creation instead of at delivery time.
func ValidateExpression(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := expr.Compile(expression,
		expr.Env(policyEnv(&models.AuditEvent{})),
		expr.AsBool(),
	)
	if err != nil {
		return &models.ValidationError{Field: "policy.expression", Reason: err.Error()}
	}
	return nil
}
