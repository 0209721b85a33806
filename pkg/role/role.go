// Package role implements the Role Enforcer (C7): a fixed role/action
// whitelist with the anti-self-validation invariant that no single role
// may both propose and validate the same logical action.
package role

import (
	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// Role is one of the fixed governance roles.
type Role string

const (
	Executive   Role = "EXECUTIVE"
	Legislative Role = "LEGISLATIVE"
	Judicial    Role = "JUDICIAL"
)

// Action is the logical operation a message type implies.
type Action string

const (
	ActionPropose      Action = "PROPOSE"
	ActionSynthesize   Action = "SYNTHESIZE"
	ActionQuery        Action = "QUERY"
	ActionExtractRules Action = "EXTRACT_RULES"
	ActionValidate     Action = "VALIDATE"
	ActionAudit        Action = "AUDIT"
)

// Mode controls whether a role violation is fatal (Strict) or merely
// attaches a warning and allows processing to continue (Permissive).
type Mode int

const (
	Strict Mode = iota
	Permissive
)

var whitelist = map[Role]map[Action]struct{}{
	Executive: {
		ActionPropose:    {},
		ActionSynthesize: {},
		ActionQuery:      {},
	},
	Legislative: {
		ActionExtractRules: {},
		ActionSynthesize:   {},
		ActionQuery:        {},
	},
	Judicial: {
		ActionValidate: {},
		ActionAudit:    {},
		ActionQuery:    {},
	},
}

// defaultActions is the open-question resolution: the message_type→action
// derivation table, exposed so callers can override it via
// Enforcer.WithActionOverrides.
var defaultActions = map[bus.MessageType]Action{
	bus.MessageGovernanceRequest:        ActionPropose,
	bus.MessageConstitutionalValidation: ActionValidate,
	bus.MessageTaskRequest:              ActionSynthesize,
	bus.MessageQuery:                    ActionQuery,
	bus.MessageGovernanceResponse:       ActionAudit,
	bus.MessageCommand:                  ActionPropose,
	bus.MessageEvent:                    ActionQuery,
	bus.MessageNotification:             ActionQuery,
	bus.MessageHeartbeat:                ActionQuery,
	bus.MessageTaskResponse:             ActionSynthesize,
	bus.MessageResponse:                 ActionQuery,
}

// Enforcer checks a message's security-context role claim against the
// action implied by its message type.
type Enforcer struct {
	mode    Mode
	actions map[bus.MessageType]Action
}

// New builds an Enforcer with the default action-derivation table.
func New(mode Mode) *Enforcer {
	table := make(map[bus.MessageType]Action, len(defaultActions))
	for k, v := range defaultActions {
		table[k] = v
	}
	return &Enforcer{mode: mode, actions: table}
}

// WithActionOverrides replaces entries in the message_type→action table.
func (e *Enforcer) WithActionOverrides(overrides map[bus.MessageType]Action) *Enforcer {
	for k, v := range overrides {
		e.actions[k] = v
	}
	return e
}

// ActionFor derives the logical action implied by a message type.
func (e *Enforcer) ActionFor(t bus.MessageType) (Action, bool) {
	a, ok := e.actions[t]
	return a, ok
}

// Check validates that roleClaim is permitted to perform the action
// implied by msgType. In Strict mode a missing or prohibited claim returns
// ok=false and the caller must fail the message with ROLE_VIOLATION; in
// Permissive mode it returns ok=true with a warning for the caller to
// attach.
func (e *Enforcer) Check(roleClaim string, msgType bus.MessageType) (ok bool, warning string) {
	action, known := e.ActionFor(msgType)
	if !known {
		action = ActionQuery
	}

	if roleClaim == "" {
		if e.mode == Strict {
			return false, ""
		}
		return true, "ROLE_VIOLATION_WARNED"
	}

	allowed, ok := whitelist[Role(roleClaim)]
	if !ok {
		if e.mode == Strict {
			return false, ""
		}
		return true, "ROLE_VIOLATION_WARNED"
	}

	if _, permitted := allowed[action]; !permitted {
		if e.mode == Strict {
			return false, ""
		}
		return true, "ROLE_VIOLATION_WARNED"
	}

	return true, ""
}

// SelfValidationSafe reports the anti-self-validation invariant: no single
// role may appear as both the proposer and validator of the same logical
// action. Given the two role claims attached to a propose/validate pair,
// it returns false if they are identical non-empty roles.
func SelfValidationSafe(proposerRole, validatorRole string) bool {
	if proposerRole == "" || validatorRole == "" {
		return true
	}
	return proposerRole != validatorRole
}
