// Package processor implements the Message Processor (C6) — the heart of
// the core: it orchestrates one message's full lifecycle from ingress to
// a terminal status, threading it through validation, role enforcement,
// impact scoring, deliberation, strategy dispatch, and the audit/metering
// hooks.
//
// Mutex-free, because a Processor holds no per-message state of its own
// — each call operates on the *bus.Message passed in. Suspends work at a
// single well-defined point (deliberation) rather than scattering
// blocking calls through the pipeline.
package processor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/constitutional-labs/agentbus/pkg/audit"
	"github.com/constitutional-labs/agentbus/pkg/breaker"
	"github.com/constitutional-labs/agentbus/pkg/deliberation"
	"github.com/constitutional-labs/agentbus/pkg/metering"
	"github.com/constitutional-labs/agentbus/pkg/role"
	"github.com/constitutional-labs/agentbus/pkg/strategy"
	"github.com/constitutional-labs/agentbus/pkg/telemetry"
	"github.com/constitutional-labs/agentbus/pkg/validation"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// ImpactScorer is the external collaborator invoked at step 4 of the
// algorithm. Implementations may call out to an ML model, a rules engine,
// or any other scoring backend; the processor guards the call with a
// circuit breaker and a timeout.
type ImpactScorer interface {
	Score(ctx context.Context, m *bus.Message) (float64, error)
}

// Forwarder re-enters the bus with a handler-produced response message,
// assigning it a fresh pipeline run. A nil Forwarder silently drops
// handler responses (acceptable for handlers that never produce one).
type Forwarder func(ctx context.Context, response *bus.Message)

// Config carries the processor's tunables.
type Config struct {
	ImpactScoreTimeout    time.Duration
	DeliberationThreshold float64
	DeliberationDeadline  time.Duration
}

// DefaultConfig is the baseline.
func DefaultConfig() Config {
	return Config{
		ImpactScoreTimeout:    5 * time.Second,
		DeliberationThreshold: 0.8,
		DeliberationDeadline:  deliberation.DefaultDeadline,
	}
}

// Processor wires together every pipeline collaborator. It carries no
// per-message state, so a single Processor is safe for concurrent use
// by multiple bus workers.
type Processor struct {
	validator validation.Strategy
	roles     *role.Enforcer

	scorer        ImpactScorer
	scorerBreaker *breaker.Breaker

	deliberationRouter *deliberation.Router
	strategy           strategy.Strategy

	auditSink *audit.Sink
	keyring   *audit.Keyring
	meter     metering.Meter

	forward Forwarder
	clock   func() time.Time
	cfg     Config

	telemetry *telemetry.Telemetry
}

// New builds a Processor. scorer, scorerBreaker, auditSink, keyring, meter
// and forward may all be nil; each missing collaborator degrades
// gracefully (no scoring, no breaker guard, no audit/metering emission, no
// response forwarding) rather than erroring.
func New(
	validator validation.Strategy,
	roles *role.Enforcer,
	scorer ImpactScorer,
	scorerBreaker *breaker.Breaker,
	deliberationRouter *deliberation.Router,
	strat strategy.Strategy,
	auditSink *audit.Sink,
	keyring *audit.Keyring,
	meter metering.Meter,
	forward Forwarder,
	cfg Config,
) *Processor {
	return &Processor{
		validator:          validator,
		roles:              roles,
		scorer:             scorer,
		scorerBreaker:      scorerBreaker,
		deliberationRouter: deliberationRouter,
		strategy:           strat,
		auditSink:          auditSink,
		keyring:            keyring,
		meter:              meter,
		forward:            forward,
		clock:              time.Now,
		cfg:                cfg,
	}
}

// WithClock overrides the processor's clock for deterministic tests.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// WithTelemetry attaches tracing/metrics. A Processor with no telemetry
// attached runs exactly as before — every instrumentation call site below
// is a nil-guarded no-op.
func (p *Processor) WithTelemetry(t *telemetry.Telemetry) *Processor {
	p.telemetry = t
	return p
}

// Process runs one message through the full C6 algorithm. The returned
// error, if non-nil, is a *bus.ProcessingError (see bus.KindOf) identifying
// why the message did not reach DELIVERED.
func (p *Processor) Process(ctx context.Context, m *bus.Message, handlers []strategy.Handler) (bus.ValidationResult, error) {
	if p.telemetry != nil {
		var span trace.Span
		ctx, span = p.telemetry.StartSpan(ctx, m.MessageID, m.ConversationID)
		defer span.End()
	}

	now := p.clock()

	// 1. Expiry gate — checked before the constitutional validator so a
	// stale message never does validation work, even though the hash
	// check is conceptually "first": if both would fail, expiry wins.
	if m.IsExpired(now) {
		p.setStatus(m, bus.StatusExpired, now)
		p.emitHooks(m, now)
		return bus.ValidationResult{Errors: []string{string(bus.ErrExpired)}, Decision: bus.DecisionDeny},
			bus.NewError(bus.ErrExpired, "message expired")
	}

	// 2. Constitutional validation.
	if ok, kind, detail := p.validator.Validate(m); !ok {
		p.setStatus(m, bus.StatusFailed, now)
		p.emitHooks(m, now)
		return bus.ValidationResult{Errors: []string{detail}, Decision: bus.DecisionDeny},
			bus.NewError(kind, detail)
	}
	m.ConstitutionalValidated = true

	// 3. Role check.
	if p.roles != nil {
		roleClaim := ""
		if m.SecurityContext != nil {
			roleClaim = m.SecurityContext["role"]
		}
		ok, warning := p.roles.Check(roleClaim, m.Type)
		if !ok {
			p.setStatus(m, bus.StatusFailed, now)
			p.emitHooks(m, now)
			return bus.ValidationResult{Decision: bus.DecisionDeny},
				bus.NewError(bus.ErrRoleViolation, "role "+roleClaim+" may not perform the action implied by "+string(m.Type))
		}
		if warning != "" {
			m.Warnings = append(m.Warnings, warning)
		}
	}

	// 4. Impact scoring.
	score := p.scoreImpact(ctx, m)
	m.ImpactScore = &score

	// 5. Deliberation gate.
	if p.deliberationRouter != nil && score >= p.cfg.DeliberationThreshold {
		p.setStatus(m, bus.StatusPendingDeliberation, now)
		if _, err := p.deliberationRouter.Submit(m, p.cfg.DeliberationDeadline); err != nil {
			p.setStatus(m, bus.StatusFailed, now)
			p.emitHooks(m, now)
			return bus.ValidationResult{Decision: bus.DecisionDeny}, err
		}
		p.emitHooks(m, now)
		return bus.ValidationResult{
			IsValid:            true,
			Decision:           bus.DecisionReview,
			ConstitutionalHash: m.ConstitutionalHash,
			Warnings:           append([]string(nil), m.Warnings...),
		}, nil
	}

	// 6. Status to PROCESSING.
	p.setStatus(m, bus.StatusProcessing, now)
	return p.dispatch(ctx, m, handlers, nil)
}

// Resume continues a message that was suspended at the deliberation gate
// once the Deliberation Router (C8) has a verdict. It bypasses
// constitutional/role re-validation entirely: a denial fails the message
// without ever reaching strategy/handler dispatch, and an approval
// continues to strategy/handler dispatch, moving the message straight from
// PENDING_DELIBERATION to DELIVERED or FAILED. Both outcomes emit a
// decision log carrying reviewerMetadata.
func (p *Processor) Resume(ctx context.Context, m *bus.Message, approved bool, reviewerMetadata map[string]any, handlers []strategy.Handler) (bus.ValidationResult, error) {
	if p.telemetry != nil {
		var span trace.Span
		ctx, span = p.telemetry.StartSpan(ctx, m.MessageID, m.ConversationID)
		defer span.End()
	}

	now := p.clock()

	if !approved {
		p.setStatus(m, bus.StatusFailed, now)
		p.emitHooksWithReview(m, now, reviewerMetadata)
		return bus.ValidationResult{Decision: bus.DecisionDeny}, bus.NewError(bus.ErrRoleViolation, "deliberation denied")
	}

	return p.dispatch(ctx, m, handlers, reviewerMetadata)
}

// dispatch runs the steps after the status transition: strategy dispatch, handler
// dispatch in registration order, the terminal status transition, and the
// fire-and-forget audit/metering hooks. Shared by the direct fast lane and
// by Resume's post-approval continuation.
func (p *Processor) dispatch(ctx context.Context, m *bus.Message, handlers []strategy.Handler, reviewerMetadata map[string]any) (bus.ValidationResult, error) {
	now := p.clock()

	// Wrap each handler so the processor can capture and forward any
	// response message without the strategy needing to know about
	// forwarding at all.
	var responses []*bus.Message
	wrapped := make([]strategy.Handler, len(handlers))
	for i, h := range handlers {
		h := h
		wrapped[i] = func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
			resp, err := h(ctx, msg)
			if resp != nil {
				responses = append(responses, resp)
			}
			return resp, err
		}
	}

	result, err := p.strategy.Process(ctx, m, wrapped)

	if err != nil {
		p.setStatus(m, bus.StatusFailed, now)
		kind, ok := bus.KindOf(err)
		if !ok {
			kind = bus.ErrHandlerFailure
		}
		p.emitHooksWithReview(m, now, reviewerMetadata)
		return bus.ValidationResult{Decision: bus.DecisionDeny}, bus.NewError(kind, err.Error())
	}
	p.setStatus(m, bus.StatusDelivered, now)
	result.Warnings = append(append([]string(nil), m.Warnings...), result.Warnings...)

	p.emitHooksWithReview(m, now, reviewerMetadata)

	for _, resp := range responses {
		p.forwardResponse(ctx, m, resp)
	}

	return result, nil
}

// scoreImpact invokes the impact-scoring collaborator behind its circuit
// breaker, capping the score to 0 and attaching a warning on timeout,
// breaker-open, or scorer error — impact-scoring failures never fail the
// message outright.
func (p *Processor) scoreImpact(ctx context.Context, m *bus.Message) float64 {
	if p.scorer == nil {
		return 0
	}
	if p.scorerBreaker != nil && !p.scorerBreaker.Allow() {
		m.Warnings = append(m.Warnings, "IMPACT_SCORE_UNAVAILABLE")
		return 0
	}

	timeout := p.cfg.ImpactScoreTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ImpactScoreTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	score, err := p.scorer.Score(cctx, m)
	if err != nil {
		if p.scorerBreaker != nil {
			p.scorerBreaker.Failure()
		}
		m.Warnings = append(m.Warnings, "IMPACT_SCORE_UNAVAILABLE")
		return 0
	}
	if p.scorerBreaker != nil {
		p.scorerBreaker.Success()
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// setStatus enforces the state-machine DAG. A caller requesting an
// illegal transition is a programming error, not a runtime condition, and
// surfaces the same way bus.Message.transition does internally: the
// field is exported specifically so collaborators outside pkg/bus (like
// this one) can drive it, but they must still respect ValidTransition.
func (p *Processor) setStatus(m *bus.Message, to bus.Status, now time.Time) {
	if !bus.ValidTransition(m.Status, to) {
		panic("processor: illegal status transition " + string(m.Status) + " -> " + string(to))
	}
	m.Status = to
	m.Touch(now)
}

func newMessageID() string { return uuid.New().String() }

// forwardResponse assigns a handler-produced response message a fresh
// identity and hands it to the configured Forwarder, if any.
func (p *Processor) forwardResponse(ctx context.Context, source, resp *bus.Message) {
	if p.forward == nil {
		return
	}
	resp.MessageID = newMessageID()
	if resp.ConversationID == "" {
		resp.ConversationID = source.ConversationID
	}
	if resp.FromAgent == "" {
		resp.FromAgent = source.ToAgent
	}
	if resp.ConstitutionalHash == "" {
		resp.ConstitutionalHash = bus.ConstitutionalHash
	}
	resp.Status = bus.StatusPending
	resp.CreatedAt = p.clock()
	resp.UpdatedAt = resp.CreatedAt

	p.forward(ctx, resp)
}

// emitHooks publishes the decision log and metering event for the
// message's current terminal (or suspended-pending-deliberation) status.
// Both are best-effort and must never block or fail the hot path.
func (p *Processor) emitHooks(m *bus.Message, now time.Time) {
	p.emitHooksWithReview(m, now, nil)
}

// emitHooksWithReview is emitHooks plus an optional reviewer_metadata
// payload, used when resuming a message out of deliberation.
func (p *Processor) emitHooksWithReview(m *bus.Message, now time.Time, reviewerMetadata map[string]any) {
	decision := bus.DecisionAllow
	switch m.Status {
	case bus.StatusFailed, bus.StatusExpired:
		decision = bus.DecisionDeny
	case bus.StatusPendingDeliberation:
		decision = bus.DecisionReview
	}

	var kind bus.ErrorKind
	switch m.Status {
	case bus.StatusExpired:
		kind = bus.ErrExpired
	}

	if p.telemetry != nil {
		p.telemetry.RecordProcessed(context.Background(), string(m.Status))
	}

	if p.auditSink != nil {
		log := audit.NewDecisionLog(m, decision, kind, now)
		log.ReviewerMetadata = reviewerMetadata
		if p.keyring != nil {
			if signed, err := audit.Sign(log, p.keyring); err == nil {
				log = signed
			}
		}
		p.auditSink.Publish(log)
	}

	if p.meter != nil && m.TenantID != "" {
		evtType := metering.EventMessageSent
		switch m.Status {
		case bus.StatusDelivered:
			evtType = metering.EventMessageDelivered
		case bus.StatusFailed, bus.StatusExpired:
			evtType = metering.EventMessageFailed
		case bus.StatusPendingDeliberation:
			evtType = metering.EventDeliberation
		}
		evt := metering.Event{TenantID: m.TenantID, EventType: evtType, Quantity: 1, Timestamp: now}
		go func() {
			_ = p.meter.Record(context.Background(), evt)
		}()
	}
}
