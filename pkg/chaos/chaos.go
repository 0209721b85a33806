// Package chaos implements the Chaos Engine (C14): scoped, time-bounded
// fault injection with a process-wide emergency stop. Active scenarios
// live in a copy-on-write set so should_inject_* checks stay lock-free on
// the fast path.
package chaos

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// Kind is the fault type a scenario injects.
type Kind string

const (
	Latency         Kind = "LATENCY"
	Error           Kind = "ERROR"
	ResourceExhaust Kind = "RESOURCE_EXHAUSTION"
)

const maxDuration = 300 * time.Second

// Scenario is one active fault-injection configuration.
type Scenario struct {
	ID          string
	Kind        Kind
	BlastRadius map[string]struct{}
	Latency     time.Duration
	ErrorMsg    string
	deactivate  *time.Timer
}

// targets reports whether the scenario applies to the given target.
func (s *Scenario) targets(target string) bool {
	if len(s.BlastRadius) == 0 {
		return true
	}
	_, ok := s.BlastRadius[target]
	return ok
}

// Engine is the process-wide chaos singleton. Active scenarios are held in
// a copy-on-write slice so should_inject_* reads never take a lock.
type Engine struct {
	mu        sync.Mutex
	active    atomic.Value // []*Scenario
	stopped   atomic.Bool
	clock     func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New builds an Engine with an empty active-scenario set.
func New() *Engine {
	e := &Engine{
		clock:     time.Now,
		afterFunc: time.AfterFunc,
	}
	e.active.Store([]*Scenario{})
	return e
}

// WithClock overrides the engine's clock. No engine method reads it:
// scenario expiry runs on afterFunc timers.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Inject validates the constitutional hash and duration bound, then
// activates a scenario. It self-deactivates once durationS has elapsed
// unless halted first by EmergencyStop or Deactivate.
func (e *Engine) Inject(constitutionalHash string, kind Kind, blastRadius []string, durationS time.Duration, latency time.Duration, errMsg string) (*Scenario, error) {
	if !bus.CompareHash(constitutionalHash) {
		return nil, bus.NewError(bus.ErrConstitutionalMismatch, "chaos injection rejected: hash mismatch")
	}
	if durationS > maxDuration {
		return nil, bus.NewError(bus.ErrConfigInvalid, "chaos duration exceeds 300s bound")
	}
	if e.stopped.Load() {
		return nil, bus.NewError(bus.ErrConfigInvalid, "chaos engine halted by emergency stop")
	}

	radius := make(map[string]struct{}, len(blastRadius))
	for _, t := range blastRadius {
		radius[t] = struct{}{}
	}

	s := &Scenario{
		ID:          uuid.New().String(),
		Kind:        kind,
		BlastRadius: radius,
		Latency:     latency,
		ErrorMsg:    errMsg,
	}

	e.mu.Lock()
	s.deactivate = e.afterFunc(durationS, func() { e.Deactivate(s.ID) })
	current := e.active.Load().([]*Scenario)
	next := append(append([]*Scenario(nil), current...), s)
	e.active.Store(next)
	e.mu.Unlock()

	return s, nil
}

// Deactivate removes a scenario by id, cancelling its timer.
func (e *Engine) Deactivate(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.active.Load().([]*Scenario)
	next := make([]*Scenario, 0, len(current))
	for _, s := range current {
		if s.ID == id {
			if s.deactivate != nil {
				s.deactivate.Stop()
			}
			continue
		}
		next = append(next, s)
	}
	e.active.Store(next)
}

// EmergencyStop cancels every active scenario's timer, clears the active
// set, and halts future Inject calls until Reset is called.
func (e *Engine) EmergencyStop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.active.Load().([]*Scenario)
	for _, s := range current {
		if s.deactivate != nil {
			s.deactivate.Stop()
		}
	}
	e.active.Store([]*Scenario{})
	e.stopped.Store(true)
}

// Reset clears the emergency-stop flag, re-enabling Inject.
func (e *Engine) Reset() {
	e.stopped.Store(false)
}

// ShouldInjectLatency reports the configured delay for target, or
// (0, false) if no active scenario applies.
func (e *Engine) ShouldInjectLatency(target string) (time.Duration, bool) {
	for _, s := range e.active.Load().([]*Scenario) {
		if s.Kind == Latency && s.targets(target) {
			return s.Latency, true
		}
	}
	return 0, false
}

// ShouldInjectError reports the configured error message for target, or
// ("", false) if no active scenario applies.
func (e *Engine) ShouldInjectError(target string) (string, bool) {
	for _, s := range e.active.Load().([]*Scenario) {
		if s.Kind == Error && s.targets(target) {
			return s.ErrorMsg, true
		}
	}
	return "", false
}

// ShouldInjectResourceExhaustion reports whether a resource-exhaustion
// scenario targets the given target.
func (e *Engine) ShouldInjectResourceExhaustion(target string) bool {
	for _, s := range e.active.Load().([]*Scenario) {
		if s.Kind == ResourceExhaust && s.targets(target) {
			return true
		}
	}
	return false
}

// ActiveScenarios returns a snapshot of currently active scenarios.
func (e *Engine) ActiveScenarios() []*Scenario {
	current := e.active.Load().([]*Scenario)
	return append([]*Scenario(nil), current...)
}
