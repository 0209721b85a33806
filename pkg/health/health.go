// Package health implements the Health Aggregator (C12): it subscribes to
// circuit-breaker transition events and computes a smoothed, sliding-
// window health score and status for the whole bus.
package health

import (
	"sync"
	"time"

	"github.com/constitutional-labs/agentbus/pkg/breaker"
)

// Status is the coarse health classification derived from the score.
type Status string

const (
	Healthy  Status = "HEALTHY"
	Degraded Status = "DEGRADED"
	Critical Status = "CRITICAL"
	Unknown  Status = "UNKNOWN"
)

// CircuitInfo is one entry of a Snapshot's per-circuit detail.
type CircuitInfo struct {
	Name          string
	State         breaker.State
	LastFailureAt time.Time
}

// Snapshot is the aggregator's point-in-time report.
type Snapshot struct {
	Score      float64
	Status     Status
	PerCircuit []CircuitInfo
}

// windowEntry records one sample for the sliding window.
type windowEntry struct {
	at     time.Time
	weight float64 // 1.0 if open at sample time, 0.0 otherwise
}

// Aggregator computes a windowed health score from circuit-breaker events.
type Aggregator struct {
	mu sync.Mutex

	window      time.Duration
	clock       func() time.Time
	states      map[string]breaker.State
	lastFailure map[string]time.Time
	samples     map[string][]windowEntry
}

// New creates an Aggregator with the given sliding-window duration (e.g.
// one minute) to smooth transient flapping.
func New(window time.Duration) *Aggregator {
	return &Aggregator{
		window:      window,
		clock:       time.Now,
		states:      make(map[string]breaker.State),
		lastFailure: make(map[string]time.Time),
		samples:     make(map[string][]windowEntry),
	}
}

// WithClock overrides the aggregator's clock for deterministic tests.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// Listener returns a breaker.Listener suitable for passing to
// breaker.NewRegistry, wiring every transition into this aggregator.
func (a *Aggregator) Listener() breaker.Listener {
	return func(e breaker.Event) {
		a.record(e.Target, e.To, e.At)
	}
}

func (a *Aggregator) record(target string, state breaker.State, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.states[target] = state
	if state == breaker.Open {
		a.lastFailure[target] = at
	}

	weight := 0.0
	if state == breaker.Open {
		weight = 1.0
	}
	a.samples[target] = append(a.samples[target], windowEntry{at: at, weight: weight})
}

// Snapshot computes the current score: 1 - (weighted_open_count / total),
// where weighted_open_count is the fraction of samples within the window
// that found the circuit open, summed across circuits and divided by the
// circuit count.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	if len(a.states) == 0 {
		return Snapshot{Status: Unknown}
	}

	var totalOpenFraction float64
	perCircuit := make([]CircuitInfo, 0, len(a.states))

	for target, state := range a.states {
		entries := pruneWindow(a.samples[target], now, a.window)
		a.samples[target] = entries

		if len(entries) > 0 {
			var sum float64
			for _, e := range entries {
				sum += e.weight
			}
			totalOpenFraction += sum / float64(len(entries))
		}

		perCircuit = append(perCircuit, CircuitInfo{
			Name:          target,
			State:         state,
			LastFailureAt: a.lastFailure[target],
		})
	}

	score := 1 - (totalOpenFraction / float64(len(a.states)))
	if score < 0 {
		score = 0
	}

	return Snapshot{Score: score, Status: classify(score), PerCircuit: perCircuit}
}

func classify(score float64) Status {
	switch {
	case score >= 0.9:
		return Healthy
	case score >= 0.5:
		return Degraded
	default:
		return Critical
	}
}

func pruneWindow(entries []windowEntry, now time.Time, window time.Duration) []windowEntry {
	cutoff := now.Add(-window)
	i := 0
	for i < len(entries) && entries[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append([]windowEntry(nil), entries[i:]...)
}
