package role

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

func TestStrictModeAllowsPermittedAction(t *testing.T) {
	e := New(Strict)
	ok, warn := e.Check(string(Executive), bus.MessageGovernanceRequest)
	assert.True(t, ok)
	assert.Empty(t, warn)
}

func TestStrictModeRejectsProhibitedAction(t *testing.T) {
	e := New(Strict)
	ok, _ := e.Check(string(Executive), bus.MessageConstitutionalValidation)
	assert.False(t, ok, "EXECUTIVE must not VALIDATE")
}

func TestStrictModeRejectsMissingRoleClaim(t *testing.T) {
	e := New(Strict)
	ok, _ := e.Check("", bus.MessageTaskRequest)
	assert.False(t, ok)
}

func TestPermissiveModeWarnsInsteadOfFailing(t *testing.T) {
	e := New(Permissive)
	ok, warn := e.Check(string(Executive), bus.MessageConstitutionalValidation)
	assert.True(t, ok)
	assert.NotEmpty(t, warn)
}

func TestJudicialMayValidateAndAudit(t *testing.T) {
	e := New(Strict)
	ok, _ := e.Check(string(Judicial), bus.MessageConstitutionalValidation)
	assert.True(t, ok)
	ok, _ = e.Check(string(Judicial), bus.MessageGovernanceResponse)
	assert.True(t, ok)
}

func TestLegislativeMayExtractRulesNotPropose(t *testing.T) {
	e := New(Strict)
	ok, _ := e.Check(string(Legislative), bus.MessageGovernanceRequest)
	assert.False(t, ok, "LEGISLATIVE must not PROPOSE")
}

func TestActionOverridesTakeEffect(t *testing.T) {
	e := New(Strict).WithActionOverrides(map[bus.MessageType]Action{
		bus.MessageEvent: ActionValidate,
	})
	ok, _ := e.Check(string(Judicial), bus.MessageEvent)
	assert.True(t, ok)
	ok, _ = e.Check(string(Executive), bus.MessageEvent)
	assert.False(t, ok)
}

func TestSelfValidationSafeRejectsSameRole(t *testing.T) {
	assert.False(t, SelfValidationSafe("JUDICIAL", "JUDICIAL"))
	assert.True(t, SelfValidationSafe("EXECUTIVE", "JUDICIAL"))
	assert.True(t, SelfValidationSafe("", "JUDICIAL"))
}
