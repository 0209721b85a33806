// Package router implements the message router (C3): it picks the target
// agent(s) for a message given registry state and routing context.
package router

import (
	"github.com/constitutional-labs/agentbus/pkg/bus"
	"github.com/constitutional-labs/agentbus/pkg/registry"
)

// Router resolves a message's destination(s) against the agent registry.
type Router struct {
	reg registry.Registry
}

// New creates a Router backed by the given registry.
func New(reg registry.Registry) *Router {
	return &Router{reg: reg}
}

// Route returns the single target agent id for a message, honoring
// message.ToAgent verbatim when present, otherwise selecting by routing
// tags. It returns ("", false) if no registered agent matches, which
// AgentBus.Send reports as a NO_ROUTE failure.
func (r *Router) Route(m *bus.Message) (string, bool) {
	if m.ToAgent != "" {
		if ok, _ := r.reg.Exists(m.ToAgent); ok {
			return m.ToAgent, true
		}
		return "", false
	}

	if m.Routing == nil || len(m.Routing.Tags) == 0 {
		return "", false
	}

	agents, err := r.reg.ListAgents()
	if err != nil {
		return "", false
	}
	for _, a := range agents {
		if matchesTags(a, m.Routing.Tags) {
			return a.AgentID, true
		}
	}
	return "", false
}

// Broadcast returns every registered agent id except those in exclude.
func (r *Router) Broadcast(exclude map[string]struct{}) ([]string, error) {
	agents, err := r.reg.ListAgents()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		if _, skip := exclude[a.AgentID]; skip {
			continue
		}
		out = append(out, a.AgentID)
	}
	return out, nil
}

// matchesTags reports whether every tag in want is present in the agent's
// metadata with the same value.
func matchesTags(a registry.Record, want map[string]string) bool {
	if len(want) == 0 {
		return false
	}
	for k, v := range want {
		if a.Metadata[k] != v {
			return false
		}
	}
	return true
}
