// Package validate gates envelopes before they reach the execution
// engine, grounded on the pack's go-playground/validator/v10 usage:
// struct-tag rules checked once at the front door rather than scattered
// checks inside the pipeline.
package validate

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ehrlich-b/wingmux/internal/command"
)

// rules mirror the envelope-level invariants spec.md states in prose:
// every command needs a type; a dependsOn entry must name another
// command, never itself; ifSessionVersion, when present, only makes
// sense alongside a sessionId.
type envelopeRules struct {
	Type      string   `validate:"required"`
	DependsOn []string `validate:"omitempty,dive,required"`
}

// Validator checks envelope shape before Engine.Execute ever sees it.
type Validator struct {
	v *validator.Validate
}

// New builds a Validator.
func New() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Check reports the first structural violation found in env, or nil.
func (val *Validator) Check(env *command.Envelope) error {
	rules := envelopeRules{
		Type:      env.Type,
		DependsOn: env.DependsOn,
	}
	if err := val.v.Struct(rules); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if env.IfSessionVersion != nil && !env.HasSession() {
		return fmt.Errorf("invalid envelope: ifSessionVersion requires sessionId")
	}
	for _, dep := range env.DependsOn {
		if dep == env.ID && dep != "" {
			return fmt.Errorf("invalid envelope: command %q cannot depend on itself", env.ID)
		}
	}
	return nil
}
