//go:build property
// +build property

// Package recovery_test contains property-based tests for the recovery
// delay formulas' boundedness and monotonicity.
package recovery_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/constitutional-labs/agentbus/pkg/recovery"
)

// TestExponentialDelayNeverExceedsMaxDelay verifies Delay never returns
// more than the policy's MaxDelay, for any multiplier and attempt count.
func TestExponentialDelayNeverExceedsMaxDelay(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("exponential delay is capped at MaxDelay", prop.ForAll(
		func(initialMs int, multiplier float64, maxMs int, attempt int) bool {
			policy := recovery.Policy{
				Initial:    time.Duration(initialMs) * time.Millisecond,
				Multiplier: multiplier,
				MaxDelay:   time.Duration(maxMs) * time.Millisecond,
			}
			d := recovery.Delay(recovery.ExponentialBackoff, policy, attempt)
			return d <= policy.MaxDelay
		},
		gen.IntRange(1, 1000),
		gen.Float64Range(1.0, 5.0),
		gen.IntRange(1, 60000),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

// TestExponentialDelayIsMonotonicBelowTheCap verifies that, while still
// under the cap, each successive attempt's delay is no smaller than the
// previous one for a multiplier >= 1.
func TestExponentialDelayIsMonotonicBelowTheCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delay never decreases from one attempt to the next", prop.ForAll(
		func(initialMs int, multiplier float64, attempt int) bool {
			policy := recovery.Policy{
				Initial:    time.Duration(initialMs) * time.Millisecond,
				Multiplier: multiplier,
				MaxDelay:   0, // uncapped, isolates the growth property
			}
			d1 := recovery.Delay(recovery.ExponentialBackoff, policy, attempt)
			d2 := recovery.Delay(recovery.ExponentialBackoff, policy, attempt+1)
			return d2 >= d1
		},
		gen.IntRange(1, 1000),
		gen.Float64Range(1.0, 5.0),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// TestImmediateAndManualAlwaysReturnZero verifies the two non-backoff
// strategies never schedule a delay regardless of policy or attempt.
func TestImmediateAndManualAlwaysReturnZero(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("immediate and manual strategies never delay", prop.ForAll(
		func(initialMs, attempt int) bool {
			policy := recovery.Policy{Initial: time.Duration(initialMs) * time.Millisecond}
			return recovery.Delay(recovery.Immediate, policy, attempt) == 0 &&
				recovery.Delay(recovery.Manual, policy, attempt) == 0
		},
		gen.IntRange(0, 10000),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
