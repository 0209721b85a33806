package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constitutional-labs/agentbus/pkg/breaker"
	"github.com/constitutional-labs/agentbus/pkg/bus"
	"github.com/constitutional-labs/agentbus/pkg/deliberation"
	"github.com/constitutional-labs/agentbus/pkg/role"
	"github.com/constitutional-labs/agentbus/pkg/strategy"
	"github.com/constitutional-labs/agentbus/pkg/validation"
)

func validMessage() *bus.Message {
	return &bus.Message{
		MessageID:          "m1",
		ConversationID:     "c1",
		FromAgent:          "agent-a",
		ToAgent:            "agent-b",
		Type:               bus.MessageCommand,
		Status:             bus.StatusPending,
		ConstitutionalHash: bus.ConstitutionalHash,
		SecurityContext:    map[string]string{"role": "EXECUTIVE"},
		CreatedAt:          time.Now(),
	}
}

func newTestProcessor(opts ...func(*Processor)) *Processor {
	p := New(
		validation.NewConstitutionalHashStrategy(),
		role.New(role.Strict),
		nil, nil,
		nil,
		strategy.NewBaseline(),
		nil, nil, nil,
		nil,
		DefaultConfig(),
	)
	for _, o := range opts {
		o(p)
	}
	return p
}

func TestProcessExpiredMessageFails(t *testing.T) {
	p := newTestProcessor()
	past := time.Now().Add(-time.Hour)
	m := validMessage()
	m.ExpiresAt = &past

	_, err := p.Process(context.Background(), m, nil)
	require.Error(t, err)
	kind, ok := bus.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bus.ErrExpired, kind)
	assert.Equal(t, bus.StatusExpired, m.Status)
}

func TestProcessConstitutionalMismatchFails(t *testing.T) {
	p := newTestProcessor()
	m := validMessage()
	m.ConstitutionalHash = "0000000000000000"

	_, err := p.Process(context.Background(), m, nil)
	require.Error(t, err)
	kind, ok := bus.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bus.ErrConstitutionalMismatch, kind)
	assert.Equal(t, bus.StatusFailed, m.Status)
}

func TestProcessRoleViolationFailsInStrictMode(t *testing.T) {
	p := newTestProcessor()
	m := validMessage()
	m.Type = bus.MessageConstitutionalValidation // implies ActionValidate; EXECUTIVE may not validate
	m.SecurityContext = map[string]string{"role": "EXECUTIVE"}

	_, err := p.Process(context.Background(), m, nil)
	require.Error(t, err)
	kind, ok := bus.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bus.ErrRoleViolation, kind)
	assert.Equal(t, bus.StatusFailed, m.Status)
}

func TestProcessPermissiveModeWarnsInsteadOfFailing(t *testing.T) {
	p := newTestProcessor(func(p *Processor) { p.roles = role.New(role.Permissive) })
	m := validMessage()
	m.Type = bus.MessageConstitutionalValidation
	m.SecurityContext = map[string]string{"role": "EXECUTIVE"}

	result, err := p.Process(context.Background(), m, nil)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, bus.StatusDelivered, m.Status)
	assert.NotEmpty(t, m.Warnings)
}

func TestProcessDeliversOnSuccess(t *testing.T) {
	p := newTestProcessor()
	m := validMessage()

	called := false
	h := strategy.Handler(func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
		called = true
		return nil, nil
	})

	result, err := p.Process(context.Background(), m, []strategy.Handler{h})
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, result.IsValid)
	assert.Equal(t, bus.DecisionAllow, result.Decision)
	assert.Equal(t, bus.StatusDelivered, m.Status)
}

func TestProcessHandlerFailureMarksFailed(t *testing.T) {
	p := newTestProcessor()
	m := validMessage()

	h := strategy.Handler(func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
		return nil, errors.New("boom")
	})

	_, err := p.Process(context.Background(), m, []strategy.Handler{h})
	require.Error(t, err)
	kind, ok := bus.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bus.ErrHandlerFailure, kind)
	assert.Equal(t, bus.StatusFailed, m.Status)
}

func TestProcessHandlerResponseIsForwarded(t *testing.T) {
	var forwarded *bus.Message
	p := newTestProcessor(func(p *Processor) {
		p.forward = func(ctx context.Context, resp *bus.Message) { forwarded = resp }
	})
	m := validMessage()

	h := strategy.Handler(func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
		return &bus.Message{ToAgent: "agent-c", Type: bus.MessageResponse}, nil
	})

	_, err := p.Process(context.Background(), m, []strategy.Handler{h})
	require.NoError(t, err)
	require.NotNil(t, forwarded)
	assert.NotEmpty(t, forwarded.MessageID)
	assert.Equal(t, m.ConversationID, forwarded.ConversationID)
	assert.Equal(t, bus.StatusPending, forwarded.Status)
}

type scorerFunc func(ctx context.Context, m *bus.Message) (float64, error)

func (f scorerFunc) Score(ctx context.Context, m *bus.Message) (float64, error) { return f(ctx, m) }

func TestProcessHighImpactScoreRoutesToDeliberation(t *testing.T) {
	var submitted *bus.Message
	router := deliberation.New(0, func(m *bus.Message, approved bool, meta map[string]any) {})

	p := newTestProcessor(func(p *Processor) {
		p.scorer = scorerFunc(func(ctx context.Context, m *bus.Message) (float64, error) { return 0.95, nil })
		p.deliberationRouter = router
	})
	m := validMessage()

	result, err := p.Process(context.Background(), m, nil)
	require.NoError(t, err)
	assert.Equal(t, bus.DecisionReview, result.Decision)
	assert.Equal(t, bus.StatusPendingDeliberation, m.Status)
	require.NotNil(t, m.ImpactScore)
	assert.InDelta(t, 0.95, *m.ImpactScore, 0.001)
	assert.Equal(t, 1, router.Len())
	_ = submitted
}

func TestProcessLowImpactScoreStaysOnFastLane(t *testing.T) {
	router := deliberation.New(0, func(m *bus.Message, approved bool, meta map[string]any) {})
	p := newTestProcessor(func(p *Processor) {
		p.scorer = scorerFunc(func(ctx context.Context, m *bus.Message) (float64, error) { return 0.1, nil })
		p.deliberationRouter = router
	})
	m := validMessage()

	result, err := p.Process(context.Background(), m, nil)
	require.NoError(t, err)
	assert.Equal(t, bus.DecisionAllow, result.Decision)
	assert.Equal(t, bus.StatusDelivered, m.Status)
	assert.Equal(t, 0, router.Len())
}

func TestProcessImpactScorerErrorCapsScoreAndWarns(t *testing.T) {
	p := newTestProcessor(func(p *Processor) {
		p.scorer = scorerFunc(func(ctx context.Context, m *bus.Message) (float64, error) {
			return 0, errors.New("scorer unavailable")
		})
	})
	m := validMessage()

	result, err := p.Process(context.Background(), m, nil)
	require.NoError(t, err)
	assert.Equal(t, bus.StatusDelivered, m.Status)
	require.NotNil(t, m.ImpactScore)
	assert.Equal(t, float64(0), *m.ImpactScore)
	assert.Contains(t, m.Warnings, "IMPACT_SCORE_UNAVAILABLE")
	_ = result
}

func TestResumeApprovedContinuesToDelivered(t *testing.T) {
	p := newTestProcessor()
	m := validMessage()
	m.Status = bus.StatusPendingDeliberation

	called := false
	h := strategy.Handler(func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
		called = true
		return nil, nil
	})

	result, err := p.Resume(context.Background(), m, true, map[string]any{"reviewer": "alice"}, []strategy.Handler{h})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, bus.StatusDelivered, m.Status)
	assert.Equal(t, bus.DecisionAllow, result.Decision)
}

func TestResumeDeniedFailsWithoutDispatchingHandlers(t *testing.T) {
	p := newTestProcessor()
	m := validMessage()
	m.Status = bus.StatusPendingDeliberation

	called := false
	h := strategy.Handler(func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
		called = true
		return nil, nil
	})

	_, err := p.Resume(context.Background(), m, false, map[string]any{"reason": "DELIBERATION_TIMEOUT"}, []strategy.Handler{h})
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, bus.StatusFailed, m.Status)
}

func TestProcessImpactScorerSkippedWhenBreakerOpen(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, FailureWindow: time.Minute, CooldownMs: time.Hour, HalfOpenProbeBudget: 1}, nil)
	b := reg.For("scorer")
	b.Failure() // trips the breaker open after a single failure

	calls := 0
	p := newTestProcessor(func(p *Processor) {
		p.scorer = scorerFunc(func(ctx context.Context, m *bus.Message) (float64, error) {
			calls++
			return 0.99, nil
		})
		p.scorerBreaker = b
	})
	m := validMessage()

	_, err := p.Process(context.Background(), m, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	require.NotNil(t, m.ImpactScore)
	assert.Equal(t, float64(0), *m.ImpactScore)
	assert.Contains(t, m.Warnings, "IMPACT_SCORE_UNAVAILABLE")
}
