// Package recovery implements the Recovery Orchestrator (C13): a min-heap
// priority queue of recovery tasks driving circuit breakers back from OPEN
// to CLOSED via scheduled health probes.
package recovery

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/constitutional-labs/agentbus/pkg/breaker"
	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// Strategy is the recovery delay formula.
type Strategy string

const (
	ExponentialBackoff Strategy = "EXPONENTIAL_BACKOFF"
	LinearBackoff      Strategy = "LINEAR_BACKOFF"
	Immediate          Strategy = "IMMEDIATE"
	Manual             Strategy = "MANUAL"
)

// TaskState is the lifecycle state of a scheduled recovery task.
type TaskState string

const (
	Scheduled      TaskState = "SCHEDULED"
	AwaitingManual TaskState = "AWAITING_MANUAL"
	Running        TaskState = "RUNNING"
	Succeeded      TaskState = "SUCCEEDED"
	Failed         TaskState = "FAILED"
)

// Policy parameterizes a strategy's delay formula.
type Policy struct {
	Initial     time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// Task is one scheduled recovery attempt for a target service.
type Task struct {
	Service       string
	Strategy      Strategy
	Priority      bus.Priority
	Policy        Policy
	State         TaskState
	AttemptCount  int
	NextAttemptAt time.Time

	index int // heap bookkeeping
}

// Delay computes the wait before attempt n (1-indexed) under the task's
// strategy and policy.
func Delay(strategy Strategy, policy Policy, attempt int) time.Duration {
	switch strategy {
	case ExponentialBackoff:
		d := float64(policy.Initial) * pow(policy.Multiplier, attempt-1)
		if d >= float64(math.MaxInt64) {
			return capDuration(time.Duration(math.MaxInt64), policy.MaxDelay)
		}
		return capDuration(time.Duration(d), policy.MaxDelay)
	case LinearBackoff:
		d := policy.Initial * time.Duration(attempt)
		return capDuration(d, policy.MaxDelay)
	case Immediate:
		return 0
	default: // Manual: no automatic scheduling
		return 0
	}
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func capDuration(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

// taskHeap is a min-heap ordered by NextAttemptAt, breaking ties by
// priority (higher priority first).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].Priority > h[j].Priority
	}
	return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// HealthProbe checks whether a target has recovered. It is the
// orchestrator's optional collaborator invoked before closing a breaker.
type HealthProbe func(ctx context.Context, service string) error

// Orchestrator drives scheduled recovery tasks against a breaker.Registry.
type Orchestrator struct {
	mu    sync.Mutex
	heap  taskHeap
	tasks map[string]*Task

	breakers *breaker.Registry
	probe    HealthProbe
	clock    func() time.Time
}

// New builds an Orchestrator. probe may be nil, in which case a task
// succeeds as soon as the breaker's half-open probe budget allows a call.
func New(breakers *breaker.Registry, probe HealthProbe) *Orchestrator {
	return &Orchestrator{
		tasks:    make(map[string]*Task),
		breakers: breakers,
		probe:    probe,
		clock:    time.Now,
	}
}

// WithClock overrides the orchestrator's clock for deterministic tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// ScheduleRecovery pushes a new recovery task for service under the given
// strategy, priority, and backoff policy.
func (o *Orchestrator) ScheduleRecovery(service string, strategy Strategy, priority bus.Priority, policy Policy) *Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := Scheduled
	var nextAt time.Time
	if strategy == Manual {
		state = AwaitingManual
	} else {
		nextAt = o.clock().Add(Delay(strategy, policy, 1))
	}

	t := &Task{
		Service:       service,
		Strategy:      strategy,
		Priority:      priority,
		Policy:        policy,
		State:         state,
		NextAttemptAt: nextAt,
	}
	o.tasks[service] = t
	if state == Scheduled {
		heap.Push(&o.heap, t)
	}
	return t
}

// Due pops and returns every task whose NextAttemptAt has arrived.
func (o *Orchestrator) Due() []*Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock()
	var due []*Task
	for o.heap.Len() > 0 && !o.heap[0].NextAttemptAt.After(now) {
		due = append(due, heap.Pop(&o.heap).(*Task))
	}
	return due
}

// Run executes one due task: constitutional validation first, then a
// HALF_OPEN transition attempt via the breaker, an optional health probe,
// and reschedule-or-terminate bookkeeping.
func (o *Orchestrator) Run(ctx context.Context, t *Task, constitutionalHash string) error {
	if !bus.CompareHash(constitutionalHash) {
		return bus.NewError(bus.ErrConstitutionalMismatch, "recovery run rejected: hash mismatch")
	}

	o.mu.Lock()
	t.State = Running
	o.mu.Unlock()

	b := o.breakers.For(t.Service)
	if !b.Allow() {
		return o.reschedule(t, fmt.Errorf("recovery: breaker still open for %s", t.Service))
	}

	var probeErr error
	if o.probe != nil {
		probeErr = o.probe(ctx, t.Service)
	}

	if probeErr != nil {
		b.Failure()
		return o.reschedule(t, probeErr)
	}

	b.Success()
	o.mu.Lock()
	t.State = Succeeded
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) reschedule(t *Task, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t.AttemptCount++
	if t.AttemptCount >= t.Policy.MaxAttempts {
		t.State = Failed
		return fmt.Errorf("recovery: %s exhausted %d attempts: %w", t.Service, t.Policy.MaxAttempts, cause)
	}

	t.State = Scheduled
	t.NextAttemptAt = o.clock().Add(Delay(t.Strategy, t.Policy, t.AttemptCount+1))
	heap.Push(&o.heap, t)
	return cause
}

// Get returns the current task for a service, if any.
func (o *Orchestrator) Get(service string) (*Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[service]
	return t, ok
}
