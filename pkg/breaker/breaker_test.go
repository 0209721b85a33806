package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockAt(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestClosedAllowsCalls(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	b := r.For("svc")
	assert.True(t, b.Allow())
	assert.Equal(t, Closed, b.State())
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	now := time.Now()
	cfg := Config{FailureThreshold: 3, FailureWindow: time.Minute, CooldownMs: 10 * time.Second, HalfOpenProbeBudget: 1}
	r := NewRegistry(cfg, nil).WithClock(clockAt(&now))
	b := r.For("svc")

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	now := time.Now()
	cfg := Config{FailureThreshold: 1, FailureWindow: time.Minute, CooldownMs: 10 * time.Second, HalfOpenProbeBudget: 1}
	r := NewRegistry(cfg, nil).WithClock(clockAt(&now))
	b := r.For("svc")

	b.Allow()
	b.Failure()
	assert.Equal(t, Open, b.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	now := time.Now()
	cfg := Config{FailureThreshold: 1, FailureWindow: time.Minute, CooldownMs: 5 * time.Second, HalfOpenProbeBudget: 1}
	r := NewRegistry(cfg, nil).WithClock(clockAt(&now))
	b := r.For("svc")

	b.Allow()
	b.Failure()
	now = now.Add(6 * time.Second)

	require.True(t, b.Allow())
	b.Success()
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Now()
	cfg := Config{FailureThreshold: 1, FailureWindow: time.Minute, CooldownMs: 5 * time.Second, HalfOpenProbeBudget: 1}
	r := NewRegistry(cfg, nil).WithClock(clockAt(&now))
	b := r.For("svc")

	b.Allow()
	b.Failure()
	now = now.Add(6 * time.Second)

	require.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenRespectsProbeBudget(t *testing.T) {
	now := time.Now()
	cfg := Config{FailureThreshold: 1, FailureWindow: time.Minute, CooldownMs: 5 * time.Second, HalfOpenProbeBudget: 1}
	r := NewRegistry(cfg, nil).WithClock(clockAt(&now))
	b := r.For("svc")

	b.Allow()
	b.Failure()
	now = now.Add(6 * time.Second)

	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "only one probe admitted at a time under budget 1")
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	now := time.Now()
	cfg := Config{FailureThreshold: 2, FailureWindow: 5 * time.Second, CooldownMs: 10 * time.Second, HalfOpenProbeBudget: 1}
	r := NewRegistry(cfg, nil).WithClock(clockAt(&now))
	b := r.For("svc")

	b.Allow()
	b.Failure()
	now = now.Add(10 * time.Second)
	b.Allow()
	b.Failure()

	assert.Equal(t, Closed, b.State(), "first failure aged out of the window")
}

func TestTransitionEventsFire(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	var events []Event
	listener := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	cfg := Config{FailureThreshold: 1, FailureWindow: time.Minute, CooldownMs: 5 * time.Second, HalfOpenProbeBudget: 1}
	r := NewRegistry(cfg, listener).WithClock(clockAt(&now))
	b := r.For("svc")
	b.Allow()
	b.Failure()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, time.Millisecond)
}

func TestSnapshotReportsAllTargets(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	r.For("a")
	r.For("b")

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, Closed, snap["a"])
}
