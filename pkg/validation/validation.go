// Package validation implements the Validation Strategy component (C4):
// pluggable checks that run before a message is admitted to processing,
// including a schema-compiled allowlist strategy and the constant-time
// constitutional-hash check.
package validation

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// Strategy validates a message, returning ok plus the error kind to report
// when ok is false.
type Strategy interface {
	Validate(m *bus.Message) (ok bool, kind bus.ErrorKind, detail string)
	Name() string
}

// ConstitutionalHashStrategy is the default strategy: a constant-time
// comparison of message.ConstitutionalHash against the bus constant.
type ConstitutionalHashStrategy struct{}

func NewConstitutionalHashStrategy() *ConstitutionalHashStrategy {
	return &ConstitutionalHashStrategy{}
}

func (s *ConstitutionalHashStrategy) Name() string { return "constitutional_hash" }

func (s *ConstitutionalHashStrategy) Validate(m *bus.Message) (bool, bus.ErrorKind, string) {
	if bus.CompareHash(m.ConstitutionalHash) {
		return true, "", ""
	}
	return false, bus.ErrConstitutionalMismatch, fmt.Sprintf(
		"constitutional hash mismatch: got %s", bus.SanitizeHash(m.ConstitutionalHash))
}

// SchemaStrategy validates message.Content against a compiled JSON schema.
// It is optional: a nil *SchemaStrategy (or one with no schema configured)
// is not expected to be wired; callers should only add it to a composite
// when a schema is actually required for the message type in question.
type SchemaStrategy struct {
	schema *jsonschema.Schema
}

// NewSchemaStrategy compiles the given JSON schema document (as a URL or
// in-memory resource already added to a jsonschema.Compiler) and returns a
// strategy that validates message.Content against it.
func NewSchemaStrategy(compiler *jsonschema.Compiler, resourceURL string) (*SchemaStrategy, error) {
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("validation: compile schema %s: %w", resourceURL, err)
	}
	return &SchemaStrategy{schema: schema}, nil
}

func (s *SchemaStrategy) Name() string { return "json_schema" }

func (s *SchemaStrategy) Validate(m *bus.Message) (bool, bus.ErrorKind, string) {
	if err := s.schema.Validate(m.Content); err != nil {
		return false, bus.ErrConstitutionalMismatch, fmt.Sprintf("schema validation failed: %v", err)
	}
	return true, "", ""
}

// Composite ANDs a list of strategies, short-circuiting and surfacing the
// first failure's error kind.
type Composite struct {
	children []Strategy
}

func NewComposite(children ...Strategy) *Composite {
	return &Composite{children: children}
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) Validate(m *bus.Message) (bool, bus.ErrorKind, string) {
	for _, child := range c.children {
		if ok, kind, detail := child.Validate(m); !ok {
			return false, kind, fmt.Sprintf("%s: %s", child.Name(), detail)
		}
	}
	return true, "", ""
}
