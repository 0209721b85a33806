// Package breaker implements the per-target Circuit Breaker (C10): a
// 3-state FSM (CLOSED/OPEN/HALF_OPEN) guarding external calls, emitting
// transition events the Health Aggregator subscribes to. A per-target
// registry holds one breaker per target, each with a bounded failure
// window and a half-open probe budget.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three FSM states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config controls the FSM's thresholds, falling back to zero-value
// defaults when unset.
type Config struct {
	FailureThreshold    int
	FailureWindow       time.Duration
	CooldownMs          time.Duration
	HalfOpenProbeBudget int
}

// DefaultConfig is the baseline.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		FailureWindow:       60 * time.Second,
		CooldownMs:          30 * time.Second,
		HalfOpenProbeBudget: 1,
	}
}

// Event is emitted on every state transition.
type Event struct {
	Target string
	From   State
	To     State
	At     time.Time
}

// Listener receives breaker events. Notification is non-blocking: a slow
// or panicking listener must not be allowed to stall the breaker, so
// Registry invokes listeners in a separate goroutine per event.
type Listener func(Event)

// Breaker is a single target's FSM.
type Breaker struct {
	mu sync.Mutex

	target string
	cfg    Config
	clock  func() time.Time

	state            State
	failures         []time.Time
	openedAt         time.Time
	halfOpenBudget   int
	halfOpenInFlight int

	onTransition Listener
}

func newBreaker(target string, cfg Config, clock func() time.Time, onTransition Listener) *Breaker {
	return &Breaker{
		target:       target,
		cfg:          cfg,
		clock:        clock,
		state:        Closed,
		onTransition: onTransition,
	}
}

// State returns the current FSM state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTimeout()
	return b.state
}

// Allow reports whether a call may proceed, transitioning OPEN→HALF_OPEN
// after the cooldown elapses and admitting at most HalfOpenProbeBudget
// concurrent probes while half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTimeout()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenInFlight >= b.halfOpenBudget {
			return false
		}
		b.halfOpenInFlight++
		return true
	default: // Open
		return false
	}
}

// maybeTimeout transitions OPEN to HALF_OPEN once the cooldown has
// elapsed. Caller must hold b.mu.
func (b *Breaker) maybeTimeout() {
	if b.state != Open {
		return
	}
	if b.clock().Sub(b.openedAt) >= b.cfg.CooldownMs {
		b.transition(HalfOpen)
		b.halfOpenBudget = b.cfg.HalfOpenProbeBudget
		if b.halfOpenBudget <= 0 {
			b.halfOpenBudget = 1
		}
		b.halfOpenInFlight = 0
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		if b.halfOpenInFlight <= 0 {
			b.transition(Closed)
			b.failures = nil
		}
	case Closed:
		b.failures = nil
	}
}

// Failure records a failed call, opening the breaker if the failure count
// within the configured window crosses the threshold, or immediately if a
// half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()

	if b.state == HalfOpen {
		b.halfOpenInFlight--
		b.openedAt = now
		b.transition(Open)
		return
	}

	b.failures = append(b.failures, now)
	b.failures = pruneWindow(b.failures, now, b.cfg.FailureWindow)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.openedAt = now
		b.transition(Open)
	}
}

// transition moves to `to`, firing onTransition. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onTransition != nil {
		go b.onTransition(Event{Target: b.target, From: from, To: to, At: b.clock()})
	}
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}

// Registry holds one Breaker per target, lazily created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	clock    func() time.Time
	listener Listener
}

// NewRegistry creates a breaker registry. listener may be nil.
func NewRegistry(cfg Config, listener Listener) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		clock:    time.Now,
		listener: listener,
	}
}

// WithClock overrides the registry's (and all future breakers') clock.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// For returns the Breaker for a target, creating it if necessary.
func (r *Registry) For(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[target]; ok {
		return b
	}
	b := newBreaker(target, r.cfg, r.clock, r.listener)
	r.breakers[target] = b
	return b
}

// Snapshot returns the current state of every known breaker, for the
// Health Aggregator.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	targets := make([]*Breaker, 0, len(r.breakers))
	names := make([]string, 0, len(r.breakers))
	for name, b := range r.breakers {
		targets = append(targets, b)
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(targets))
	for i, b := range targets {
		out[names[i]] = b.State()
	}
	return out
}
