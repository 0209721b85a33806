package audit

import (
	"encoding/hex"
	"time"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// DecisionLog is the audit record emitted for every processed message.
type DecisionLog struct {
	MessageID          string         `json:"message_id"`
	ConversationID     string         `json:"conversation_id"`
	TenantID           string         `json:"tenant_id,omitempty"`
	FromAgent          string         `json:"from_agent"`
	ToAgent            string         `json:"to_agent,omitempty"`
	MessageType        bus.MessageType `json:"message_type"`
	Decision           bus.Decision   `json:"decision"`
	ErrorKind          bus.ErrorKind  `json:"error_kind,omitempty"`
	Warnings           []string       `json:"warnings,omitempty"`
	ConstitutionalHash string         `json:"constitutional_hash"` // sanitized, via bus.SanitizeHash
	ImpactScore        *float64       `json:"impact_score,omitempty"`
	ReviewerMetadata   map[string]any `json:"reviewer_metadata,omitempty"`
	TraceID            string         `json:"trace_id,omitempty"`
	At                 time.Time      `json:"at"`

	// Signature is the ed25519 signature over the record with Signature
	// itself zeroed, hex-encoded for wire transport.
	Signature string `json:"signature,omitempty"`
}

// NewDecisionLog builds a DecisionLog from a processed message, sanitizing
// the constitutional hash per the "never leak the full value" invariant.
func NewDecisionLog(m *bus.Message, decision bus.Decision, kind bus.ErrorKind, now time.Time) DecisionLog {
	return DecisionLog{
		MessageID:          m.MessageID,
		ConversationID:     m.ConversationID,
		TenantID:           m.TenantID,
		FromAgent:          m.FromAgent,
		ToAgent:            m.ToAgent,
		MessageType:        m.Type,
		Decision:           decision,
		ErrorKind:          kind,
		Warnings:           append([]string(nil), m.Warnings...),
		ConstitutionalHash: bus.SanitizeHash(m.ConstitutionalHash),
		ImpactScore:        m.ImpactScore,
		At:                 now,
	}
}

// Sign computes and attaches the record's ed25519 signature via the given
// keyring, returning the signed copy.
func Sign(log DecisionLog, kr *Keyring) (DecisionLog, error) {
	log.Signature = ""
	sig, err := kr.Sign(log)
	if err != nil {
		return log, err
	}
	log.Signature = hex.EncodeToString(sig)
	return log, nil
}
