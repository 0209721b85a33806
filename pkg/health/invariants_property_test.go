//go:build property
// +build property

// Package health_test contains a property-based test for the health
// score's bounded range.
package health_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/constitutional-labs/agentbus/pkg/breaker"
	"github.com/constitutional-labs/agentbus/pkg/health"
)

// TestSnapshotScoreStaysInZeroOneRange verifies the aggregator's score
// never leaves [0, 1] regardless of how many circuits transition to which
// state, in what order.
func TestSnapshotScoreStaysInZeroOneRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	states := []breaker.State{breaker.Closed, breaker.Open, breaker.HalfOpen}

	properties.Property("score is always within [0, 1]", prop.ForAll(
		func(targets []string, stateIdx []int) bool {
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			agg := health.New(time.Minute).WithClock(func() time.Time { return now })
			listener := agg.Listener()

			for i, target := range targets {
				if target == "" {
					continue
				}
				s := states[stateIdx[i%len(stateIdx)]%len(states)]
				listener(breaker.Event{Target: target, To: s, At: now})
			}

			snap := agg.Snapshot()
			return snap.Score >= 0 && snap.Score <= 1
		},
		gen.SliceOfN(10, gen.AlphaString()),
		gen.SliceOfN(10, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
