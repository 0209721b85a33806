// Package strategy implements the Processing Strategy component (C5):
// pluggable message-dispatch backends selected at construction time, with
// an optional composite that falls back at runtime on transport failure.
package strategy

import (
	"context"
	"fmt"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// Handler processes a message for one registered handler slot. It may
// return a response message to be forwarded back through the bus.
type Handler func(ctx context.Context, m *bus.Message) (*bus.Message, error)

// Strategy dispatches a message to its handlers and reports a
// ValidationResult. Implementations must be re-entrant: the processor may
// call Process concurrently from multiple workers.
type Strategy interface {
	Process(ctx context.Context, m *bus.Message, handlers []Handler) (bus.ValidationResult, error)
	IsAvailable() bool
	Name() string
}

// Baseline is the default in-process strategy: it calls each handler in
// registration order and is always available.
type Baseline struct{}

func NewBaseline() *Baseline { return &Baseline{} }

func (b *Baseline) Name() string      { return "baseline" }
func (b *Baseline) IsAvailable() bool { return true }

func (b *Baseline) Process(ctx context.Context, m *bus.Message, handlers []Handler) (bus.ValidationResult, error) {
	result := bus.ValidationResult{IsValid: true, Decision: bus.DecisionAllow, ConstitutionalHash: m.ConstitutionalHash}

	for _, h := range handlers {
		resp, err := h(ctx, m)
		if err != nil {
			return bus.ValidationResult{}, fmt.Errorf("strategy: handler failed: %w", err)
		}
		_ = resp // forwarding of handler responses is the processor's job
	}
	return result, nil
}

// Accelerated represents an out-of-process or native-extension strategy
// (e.g. an external policy engine over HTTP). availableFn lets callers
// report transport health without the strategy itself blocking.
type Accelerated struct {
	name        string
	availableFn func() bool
	dispatch    func(ctx context.Context, m *bus.Message, handlers []Handler) (bus.ValidationResult, error)
}

// NewAccelerated builds a named strategy backed by an external dispatch
// function and an availability probe.
func NewAccelerated(name string, availableFn func() bool, dispatch func(ctx context.Context, m *bus.Message, handlers []Handler) (bus.ValidationResult, error)) *Accelerated {
	return &Accelerated{name: name, availableFn: availableFn, dispatch: dispatch}
}

func (a *Accelerated) Name() string      { return a.name }
func (a *Accelerated) IsAvailable() bool { return a.availableFn() }

func (a *Accelerated) Process(ctx context.Context, m *bus.Message, handlers []Handler) (bus.ValidationResult, error) {
	return a.dispatch(ctx, m, handlers)
}

// Composite wraps an ordered list of strategies, falling back to the next
// one when IsAvailable() reports false or dispatch fails at the transport
// level. It never falls back on a logical DENY — that outcome is final
// regardless of which backend produced it.
type Composite struct {
	children []Strategy
}

func NewComposite(children ...Strategy) *Composite {
	return &Composite{children: children}
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) IsAvailable() bool {
	for _, child := range c.children {
		if child.IsAvailable() {
			return true
		}
	}
	return false
}

func (c *Composite) Process(ctx context.Context, m *bus.Message, handlers []Handler) (bus.ValidationResult, error) {
	var lastErr error
	for _, child := range c.children {
		if !child.IsAvailable() {
			continue
		}
		result, err := child.Process(ctx, m, handlers)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = bus.NewError(bus.ErrStrategyUnavailable, "no child strategy available")
	}
	return bus.ValidationResult{}, fmt.Errorf("strategy: composite exhausted: %w", lastErr)
}
