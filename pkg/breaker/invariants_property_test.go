//go:build property
// +build property

// Package breaker_test contains property-based tests for the circuit
// breaker FSM's failure-threshold invariant.
package breaker_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/constitutional-labs/agentbus/pkg/breaker"
)

// TestBreakerOpensAfterThresholdAndNeverBeforeIt verifies a fresh breaker
// stays CLOSED for any number of failures below the threshold and opens
// once the threshold is reached, for any threshold and any failure count.
func TestBreakerOpensAfterThresholdAndNeverBeforeIt(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("breaker opens exactly at the failure threshold", prop.ForAll(
		func(threshold, failureCount int) bool {
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			reg := breaker.NewRegistry(breaker.Config{
				FailureThreshold: threshold,
				FailureWindow:    time.Minute,
				CooldownMs:       time.Minute,
			}, nil)
			reg = reg.WithClock(func() time.Time { return now })
			b := reg.For("svc")

			for i := 0; i < failureCount; i++ {
				b.Failure()
			}

			wantOpen := failureCount >= threshold
			return (b.State() == breaker.Open) == wantOpen
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// TestBreakerNeverAdmitsMoreThanHalfOpenBudgetConcurrently verifies Allow
// never grants more concurrent half-open probes than the configured
// budget, for any budget and any number of Allow calls.
func TestBreakerNeverAdmitsMoreThanHalfOpenBudgetConcurrently(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("half-open admits at most the configured probe budget", prop.ForAll(
		func(budget, attempts int) bool {
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			reg := breaker.NewRegistry(breaker.Config{
				FailureThreshold:    1,
				FailureWindow:       time.Minute,
				CooldownMs:          time.Second,
				HalfOpenProbeBudget: budget,
			}, nil)
			reg = reg.WithClock(func() time.Time { return now })
			b := reg.For("svc")

			b.Failure() // trip to OPEN
			now = now.Add(2 * time.Second)

			admitted := 0
			for i := 0; i < attempts; i++ {
				if b.Allow() {
					admitted++
				}
			}
			return admitted <= budget
		},
		gen.IntRange(1, 5),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
