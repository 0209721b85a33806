// Package registry provides the thread-safe agent registry (C2): a mapping
// from agent id to capability/metadata record, with an optional distributed
// backing that preserves the same register/unregister contract.
package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrAgentNotFound is the sentinel for an agent id that is not registered.
// The InMemory and Distributed backings do not return it: Get, Unregister
// and UpdateMetadata report a missing id through their boolean result.
var ErrAgentNotFound = errors.New("registry: agent not found")

// Record is the agent metadata/capability record held by the registry.
type Record struct {
	AgentID      string
	Capabilities []string
	Metadata     map[string]string
	Role         string
	RegisteredAt time.Time
}

// Registry is the contract every backing (in-memory, distributed) must
// satisfy. All operations must be concurrency-safe.
type Registry interface {
	Register(agentID string, capabilities []string, metadata map[string]string) (bool, error)
	Unregister(agentID string) (bool, error)
	Get(agentID string) (Record, bool, error)
	Exists(agentID string) (bool, error)
	ListAgents() ([]Record, error)
	UpdateMetadata(agentID string, metadata map[string]string) (bool, error)
}

// InMemory is the default, mutex-guarded registry backing.
type InMemory struct {
	mu     sync.RWMutex
	agents map[string]Record
	clock  func() time.Time
}

// NewInMemory creates an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		agents: make(map[string]Record),
		clock:  time.Now,
	}
}

// WithClock overrides the registry's clock, for deterministic tests.
func (r *InMemory) WithClock(clock func() time.Time) *InMemory {
	r.clock = clock
	return r
}

// Register adds a new agent record. It returns false, without error, if the
// id already exists — re-registration is a no-op from the caller's point of
// view, matching the "Re-registering the same agent returns false and
// leaves the record unchanged" idempotence law.
func (r *InMemory) Register(agentID string, capabilities []string, metadata map[string]string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		return false, nil
	}

	caps := append([]string(nil), capabilities...)
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	r.agents[agentID] = Record{
		AgentID:      agentID,
		Capabilities: caps,
		Metadata:     md,
		RegisteredAt: r.clock(),
	}
	return true, nil
}

// Unregister removes an agent record, returning false if it did not exist.
func (r *InMemory) Unregister(agentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return false, nil
	}
	delete(r.agents, agentID)
	return true, nil
}

// Get returns a copy of the agent's record.
func (r *InMemory) Get(agentID string) (Record, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	return rec, ok, nil
}

// Exists reports whether an agent is currently registered.
func (r *InMemory) Exists(agentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok, nil
}

// ListAgents returns a snapshot slice; it does not hold the lock across the
// caller's iteration.
func (r *InMemory) ListAgents() ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	return out, nil
}

// UpdateMetadata merges the given metadata into the existing record. It
// returns false if the agent is not registered.
func (r *InMemory) UpdateMetadata(agentID string, metadata map[string]string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return false, nil
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	r.agents[agentID] = rec
	return true, nil
}
