// Package telemetry wires OpenTelemetry tracing and metrics onto the
// message-processing hot path: every process() call gets a span, and
// queue depth / worker utilization / breaker transitions are recorded as
// metrics.
//
// A small single-purpose package: a constructor plus a handful of narrow
// methods, no global state.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/constitutional-labs/agentbus"

// Telemetry bundles the tracer and the handful of metric instruments the
// processor and bus facade record against.
type Telemetry struct {
	tracer trace.Tracer

	queueDepth        metric.Int64UpDownCounter
	messagesProcessed metric.Int64Counter
	workerUtilization metric.Float64Gauge
	breakerTransitions metric.Int64Counter
}

// New builds a Telemetry bundle from the global OTel providers. Callers
// that want a specific provider should set it globally via
// otel.SetTracerProvider/otel.SetMeterProvider before calling New.
func New() (*Telemetry, error) {
	tracer := otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	queueDepth, err := meter.Int64UpDownCounter("agentbus.queue.depth",
		metric.WithDescription("current depth of the bus ingress priority queue"))
	if err != nil {
		return nil, err
	}
	messagesProcessed, err := meter.Int64Counter("agentbus.messages.processed",
		metric.WithDescription("messages processed, labeled by terminal status"))
	if err != nil {
		return nil, err
	}
	workerUtilization, err := meter.Float64Gauge("agentbus.worker.utilization",
		metric.WithDescription("fraction of workers currently busy"))
	if err != nil {
		return nil, err
	}
	breakerTransitions, err := meter.Int64Counter("agentbus.breaker.transitions",
		metric.WithDescription("circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		tracer:             tracer,
		queueDepth:         queueDepth,
		messagesProcessed:  messagesProcessed,
		workerUtilization:  workerUtilization,
		breakerTransitions: breakerTransitions,
	}, nil
}

// StartSpan starts a span for one message's journey through process().
func (t *Telemetry) StartSpan(ctx context.Context, messageID, conversationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agentbus.process",
		trace.WithAttributes(
			attribute.String("message_id", messageID),
			attribute.String("conversation_id", conversationID),
		))
}

// RecordQueueDepth adjusts the queue-depth gauge by delta (+1 on enqueue,
// -1 on dequeue).
func (t *Telemetry) RecordQueueDepth(ctx context.Context, delta int64) {
	t.queueDepth.Add(ctx, delta)
}

// RecordProcessed increments the processed counter, labeled by status
// (DELIVERED, FAILED, EXPIRED, or PENDING_DELIBERATION for a suspended
// message).
func (t *Telemetry) RecordProcessed(ctx context.Context, status string) {
	t.messagesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordWorkerUtilization records the instantaneous busy-worker fraction.
func (t *Telemetry) RecordWorkerUtilization(ctx context.Context, fraction float64) {
	t.workerUtilization.Record(ctx, fraction)
}

// RecordBreakerTransition increments the breaker-transition counter,
// labeled by target and resulting state.
func (t *Telemetry) RecordBreakerTransition(ctx context.Context, target, toState string) {
	t.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("state", toState),
	))
}
