// ABOUTME: Authenticated agent identity carried through request handlers
// ABOUTME: Provides WithAgent/FromContext for propagating it via context

package auth

import (
	"context"
	"strings"
)

// Agent is an authenticated human support agent
type Agent struct {
	Name  string
	Shops []string
}

// CanAccess reports whether the agent may work on conversations of shop.
func (a *Agent) CanAccess(shop string) bool {
	if len(a.Shops) == 0 {
		return true
	}
	for _, s := range a.Shops {
		if strings.EqualFold(s, shop) {
			return true
		}
	}
	return false
}

type agentContextKey struct{}

// WithAgent returns a new context with the agent attached.
func WithAgent(ctx context.Context, agent *Agent) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agent)
}

// FromContext retrieves the agent from the context, returning nil if not present.
func FromContext(ctx context.Context) *Agent {
	agent, _ := ctx.Value(agentContextKey{}).(*Agent)
	return agent
}
