package bus

import (
	"time"
)

// Priority orders messages for dequeue; higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String renders the priority using its stable name, for logs and the
// cross-process wire envelope (which must accept either form on the way
// in, see FromPriorityName).
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// FromPriorityName resolves a priority either from its string name or from
// its numeric string form ("2"), matching the wire-format rule that a
// receiver must accept both.
func FromPriorityName(s string) (Priority, bool) {
	switch s {
	case "LOW", "0":
		return PriorityLow, true
	case "MEDIUM", "1":
		return PriorityMedium, true
	case "HIGH", "2":
		return PriorityHigh, true
	case "CRITICAL", "3":
		return PriorityCritical, true
	default:
		return 0, false
	}
}

// MessageType classifies the intent of a Message.
type MessageType string

const (
	MessageCommand                  MessageType = "COMMAND"
	MessageQuery                    MessageType = "QUERY"
	MessageResponse                 MessageType = "RESPONSE"
	MessageEvent                    MessageType = "EVENT"
	MessageNotification             MessageType = "NOTIFICATION"
	MessageHeartbeat                MessageType = "HEARTBEAT"
	MessageGovernanceRequest        MessageType = "GOVERNANCE_REQUEST"
	MessageGovernanceResponse       MessageType = "GOVERNANCE_RESPONSE"
	MessageConstitutionalValidation MessageType = "CONSTITUTIONAL_VALIDATION"
	MessageTaskRequest              MessageType = "TASK_REQUEST"
	MessageTaskResponse             MessageType = "TASK_RESPONSE"
)

// Status is the lifecycle state of a Message. Transitions are restricted
// to a fixed DAG; see ValidTransition.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusProcessing           Status = "PROCESSING"
	StatusDelivered            Status = "DELIVERED"
	StatusFailed               Status = "FAILED"
	StatusExpired              Status = "EXPIRED"
	StatusPendingDeliberation  Status = "PENDING_DELIBERATION"
)

// ValidTransition reports whether moving a message from `from` to `to` is
// allowed by the message lifecycle's state machine.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusExpired, StatusFailed, StatusProcessing, StatusPendingDeliberation:
			return true
		}
	case StatusProcessing:
		switch to {
		case StatusDelivered, StatusFailed:
			return true
		}
	case StatusPendingDeliberation:
		switch to {
		case StatusDelivered, StatusFailed:
			return true
		}
	}
	return false
}

// RoutingContext carries explicit routing hints beyond ToAgent.
type RoutingContext struct {
	Source     string            `json:"source,omitempty"`
	Target     string            `json:"target,omitempty"`
	RoutingKey string            `json:"routing_key,omitempty"`
	Tags       map[string]string `json:"routing_tags,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	TimeoutMs  int64             `json:"timeout_ms,omitempty"`
}

// Message is one inter-agent communication travelling through the bus.
type Message struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`

	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`

	Type MessageType `json:"message_type"`

	Content map[string]any    `json:"content,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	ConstitutionalHash       string   `json:"constitutional_hash"`
	ConstitutionalValidated  bool     `json:"constitutional_validated"`
	ImpactScore              *float64 `json:"impact_score,omitempty"`

	SecurityContext map[string]string `json:"security_context,omitempty"`
	Routing         *RoutingContext   `json:"routing,omitempty"`

	// Warnings accumulated along the pipeline (e.g. IMPACT_SCORE_UNAVAILABLE,
	// ROLE_VIOLATION_WARNED). Not part of the wire contract's required
	// fields but carried for observability and tests.
	Warnings []string `json:"warnings,omitempty"`
}

// IsExpired reports whether the message's expiry deadline has passed as of
// now.
func (m *Message) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Touch advances UpdatedAt to now, preserving the invariant
// updated_at >= created_at.
func (m *Message) Touch(now time.Time) {
	if now.Before(m.CreatedAt) {
		now = m.CreatedAt
	}
	m.UpdatedAt = now
}

// transition moves the message to a new status, enforcing the DAG. Callers
// on the hot path are expected to only ever request valid transitions; a
// violation is a programming error and panics rather than silently
// corrupting state, per the design's "invariant violations must be
// visible" policy.
func (m *Message) transition(to Status, now time.Time) {
	if !ValidTransition(m.Status, to) {
		panic("bus: illegal status transition " + string(m.Status) + " -> " + string(to))
	}
	m.Status = to
	m.Touch(now)
}
