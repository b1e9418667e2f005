// Package validation implements the rule engine over workflow states and
// transitions: structural state checks, prioritized validation rules, and a
// declarative transition allow-list indexed by target status.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/flowstate"
)

// Issue codes produced by the validator.
const (
	CodeMissingField         = "MISSING_FIELD"
	CodeForbiddenField       = "FORBIDDEN_FIELD"
	CodeUnknownStatus        = "UNKNOWN_STATUS"
	CodeBadVersion           = "BAD_VERSION"
	CodeInvalidCurrentStatus = "INVALID_CURRENT_STATUS"
	CodeForbiddenTransition  = "FORBIDDEN_TRANSITION"
	CodeConditionNotMet      = "CONDITION_NOT_MET"
	CodeValidationRuleError  = "VALIDATION_RULE_ERROR"
	CodeCustomValidatorError = "CUSTOM_VALIDATOR_ERROR"
)

// Issue is one error or warning found during validation.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(i.Code)
	if i.Field != "" {
		b.WriteString("(" + i.Field + ")")
	}
	if i.Rule != "" {
		b.WriteString("[" + i.Rule + "]")
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

// Result aggregates every error and warning from one validation pass.
// All rules always run; a Result collects everything found.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// NewResult returns a valid, empty result.
func NewResult() *Result {
	return &Result{Valid: true}
}

// AddError records an error and marks the result invalid.
func (r *Result) AddError(issue Issue) {
	r.Valid = false
	r.Errors = append(r.Errors, issue)
}

// AddWarning records a warning without affecting validity. In strict mode
// the validator downgrades warning-only results to invalid at the end of
// the pass.
func (r *Result) AddWarning(issue Issue) {
	r.Warnings = append(r.Warnings, issue)
}

// Merge folds another result into this one.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	if !other.Valid {
		r.Valid = false
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error carries the given code.
func (r *Result) HasCode(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// Err converts an invalid result into an error chained to the matching
// sentinel (ErrForbiddenTransition, ErrInvalidCurrentState or
// ErrInvalidState). Valid results return nil.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}

	sentinel := flowstate.ErrInvalidState
	switch {
	case r.HasCode(CodeForbiddenTransition):
		sentinel = flowstate.ErrForbiddenTransition
	case r.HasCode(CodeInvalidCurrentStatus):
		sentinel = flowstate.ErrInvalidCurrentState
	}

	msgs := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		msgs = append(msgs, issue.String())
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "warnings escalated in strict mode")
	}

	return fmt.Errorf("%w: %s", sentinel, strings.Join(msgs, "; "))
}

// IsValidationError reports whether err originates from a validation
// failure of any kind.
func IsValidationError(err error) bool {
	return errors.Is(err, flowstate.ErrInvalidState) ||
		errors.Is(err, flowstate.ErrForbiddenTransition) ||
		errors.Is(err, flowstate.ErrInvalidCurrentState)
}
