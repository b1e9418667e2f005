package validation

import "github.com/xraph/flowstate/state"

// CheckFunc evaluates a state (and, during transition validation, the
// pending transition — nil otherwise) and records findings on the result.
type CheckFunc func(s *state.WorkflowState, tr *state.Transition, res *Result)

// Rule is a named, prioritized, enable-able validation predicate. Rules run
// in ascending priority order (lower first); priority is ordering only — a
// failing rule never stops the ones after it.
type Rule struct {
	Name     string
	Priority int
	Enabled  bool
	Check    CheckFunc
}

// VersionRule enforces that metadata.version is at least 1.
func VersionRule() Rule {
	return Rule{
		Name:     "metadata-version",
		Priority: 10,
		Enabled:  true,
		Check: func(s *state.WorkflowState, _ *state.Transition, res *Result) {
			if s.Metadata.Version < 1 {
				res.AddError(Issue{
					Code:    CodeBadVersion,
					Message: "metadata.version must be >= 1",
					Field:   "metadata.version",
					Rule:    "metadata-version",
				})
			}
		},
	}
}

// TimestampsRule warns when update time precedes creation time.
func TimestampsRule() Rule {
	return Rule{
		Name:     "metadata-timestamps",
		Priority: 20,
		Enabled:  true,
		Check: func(s *state.WorkflowState, _ *state.Transition, res *Result) {
			if !s.Metadata.UpdatedAt.IsZero() && s.Metadata.UpdatedAt.Before(s.Metadata.CreatedAt) {
				res.AddWarning(Issue{
					Code:    CodeBadVersion,
					Message: "metadata.updated_at precedes metadata.created_at",
					Field:   "metadata.updated_at",
					Rule:    "metadata-timestamps",
				})
			}
		},
	}
}

// TerminalDataRule warns when a terminal state still carries a current step,
// which usually indicates an execution that was not wound down.
func TerminalDataRule() Rule {
	return Rule{
		Name:     "terminal-step",
		Priority: 30,
		Enabled:  true,
		Check: func(s *state.WorkflowState, _ *state.Transition, res *Result) {
			if s.Status.Terminal() && s.CurrentStep != "" {
				res.AddWarning(Issue{
					Code:    CodeConditionNotMet,
					Message: "terminal state still references a current step",
					Field:   "current_step",
					Rule:    "terminal-step",
				})
			}
		},
	}
}

// DefaultRules returns the rules registered on a fresh Validator.
func DefaultRules() []Rule {
	return []Rule{VersionRule(), TimestampsRule(), TerminalDataRule()}
}
