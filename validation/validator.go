package validation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/xraph/flowstate/state"
)

// Option configures a Validator.
type Option func(*Validator)

// WithStrict makes any warning also mark the result invalid.
func WithStrict() Option {
	return func(v *Validator) { v.strict = true }
}

// WithTransitionRules replaces the default transition rule set.
func WithTransitionRules(rules ...TransitionRule) Option {
	return func(v *Validator) { v.setTransitionRules(rules) }
}

// WithRules replaces the default validation rule set.
func WithRules(rules ...Rule) Option {
	return func(v *Validator) { v.setRules(rules) }
}

// Validator is the pure rule-evaluation engine over states and transitions.
// Rule sets can be mutated at runtime; lookups read an index that is
// rebuilt (not mutated in place) on every registration, so concurrent
// reads never observe a half-built index.
type Validator struct {
	logger *slog.Logger
	strict bool

	mu sync.RWMutex
	// rules, ascending priority.
	rules []Rule
	// transition rules and their index by target status.
	trans    []TransitionRule
	byTarget map[state.Status][]TransitionRule
}

// New creates a Validator with the default rule sets.
func New(logger *slog.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{logger: logger}
	v.setRules(DefaultRules())
	v.setTransitionRules(DefaultTransitionRules())
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ──────────────────────────────────────────────────
// Rule registration
// ──────────────────────────────────────────────────

// AddRule registers a validation rule; the active set re-sorts by priority.
func (v *Validator) AddRule(r Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := make([]Rule, 0, len(v.rules)+1)
	next = append(next, v.rules...)
	next = append(next, r)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority < next[j].Priority })
	v.rules = next
}

// RemoveRule unregisters a validation rule by name. Reports whether it
// existed.
func (v *Validator) RemoveRule(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, r := range v.rules {
		if r.Name == name {
			next := make([]Rule, 0, len(v.rules)-1)
			next = append(next, v.rules[:i]...)
			next = append(next, v.rules[i+1:]...)
			v.rules = next
			return true
		}
	}
	return false
}

// SetRuleEnabled toggles a rule and reports whether it was found.
func (v *Validator) SetRuleEnabled(name string, enabled bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.rules {
		if v.rules[i].Name == name {
			v.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

// AddTransitionRule registers a transition rule and rebuilds the index.
func (v *Validator) AddTransitionRule(r TransitionRule) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.setTransitionRulesLocked(append(append([]TransitionRule{}, v.trans...), r))
}

// RemoveTransitionRule unregisters a transition rule by name and rebuilds
// the index. Reports whether it existed.
func (v *Validator) RemoveTransitionRule(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := make([]TransitionRule, 0, len(v.trans))
	removed := false
	for _, r := range v.trans {
		if r.Name == name {
			removed = true
			continue
		}
		next = append(next, r)
	}
	if removed {
		v.setTransitionRulesLocked(next)
	}
	return removed
}

func (v *Validator) setRules(rules []Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := append([]Rule{}, rules...)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority < next[j].Priority })
	v.rules = next
}

func (v *Validator) setTransitionRules(rules []TransitionRule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setTransitionRulesLocked(rules)
}

// setTransitionRulesLocked rebuilds the by-target index. Caller holds v.mu.
func (v *Validator) setTransitionRulesLocked(rules []TransitionRule) {
	v.trans = append([]TransitionRule{}, rules...)
	index := make(map[state.Status][]TransitionRule, len(rules))
	for _, r := range v.trans {
		index[r.To] = append(index[r.To], r)
	}
	v.byTarget = index
}

// ──────────────────────────────────────────────────
// State validation
// ──────────────────────────────────────────────────

// ValidateState runs structural checks plus every enabled rule in priority
// order, aggregating all errors and warnings. A panicking rule is converted
// into a VALIDATION_RULE_ERROR and does not abort the remaining rules.
// In strict mode, any warning also marks the result invalid.
func (v *Validator) ValidateState(s *state.WorkflowState) *Result {
	res := NewResult()

	v.structural(s, res)

	v.mu.RLock()
	rules := v.rules
	v.mu.RUnlock()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		v.runRule(r, s, nil, res)
	}

	if v.strict && len(res.Warnings) > 0 {
		res.Valid = false
	}

	return res
}

// structural performs the checks that apply regardless of registered rules.
func (v *Validator) structural(s *state.WorkflowState, res *Result) {
	if s == nil {
		res.AddError(Issue{Code: CodeMissingField, Message: "state is nil"})
		return
	}
	if s.ID.IsNil() {
		res.AddError(Issue{Code: CodeMissingField, Message: "state id is required", Field: "id"})
	}
	if s.WorkflowID.IsNil() {
		res.AddError(Issue{Code: CodeMissingField, Message: "workflow id is required", Field: "workflow_id"})
	}
	if !s.Status.Known() {
		res.AddError(Issue{
			Code:    CodeUnknownStatus,
			Message: fmt.Sprintf("unknown status %q", s.Status),
			Field:   "status",
		})
	}
	if s.Data == nil {
		res.AddError(Issue{Code: CodeMissingField, Message: "data bag is required", Field: "data"})
	}
	if s.History == nil {
		res.AddError(Issue{Code: CodeMissingField, Message: "history is required", Field: "history"})
	}
	if s.Metadata.Version < 1 {
		res.AddError(Issue{
			Code:    CodeBadVersion,
			Message: fmt.Sprintf("version %d < 1", s.Metadata.Version),
			Field:   "metadata.version",
		})
	}
}

// runRule executes one rule, converting panics into synthetic issues.
func (v *Validator) runRule(r Rule, s *state.WorkflowState, tr *state.Transition, res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			v.logger.Warn("validation rule panicked",
				slog.String("rule", r.Name),
				slog.Any("panic", rec),
			)
			res.AddError(Issue{
				Code:    CodeValidationRuleError,
				Message: fmt.Sprintf("rule panicked: %v", rec),
				Rule:    r.Name,
			})
		}
	}()

	r.Check(s, tr, res)
}

// ──────────────────────────────────────────────────
// Transition validation
// ──────────────────────────────────────────────────

// ValidateTransition checks a requested transition against the current
// state. Status mismatch and a missing allow-list rule short-circuit; all
// other checks aggregate.
func (v *Validator) ValidateTransition(current *state.WorkflowState, tr state.Transition) *Result {
	res := NewResult()

	if current == nil {
		res.AddError(Issue{Code: CodeMissingField, Message: "current state is nil"})
		return res
	}

	if current.Status != tr.From {
		res.AddError(Issue{
			Code: CodeInvalidCurrentStatus,
			Message: fmt.Sprintf("current status is %s, transition expects %s",
				current.Status, tr.From),
			Field: "from",
		})
		return res
	}

	v.mu.RLock()
	candidates := v.byTarget[tr.To]
	rules := v.rules
	v.mu.RUnlock()

	matching := make([]TransitionRule, 0, len(candidates))
	for _, r := range candidates {
		if r.AllowsFrom(tr.From) {
			matching = append(matching, r)
		}
	}

	if len(matching) == 0 {
		res.AddError(Issue{
			Code:    CodeForbiddenTransition,
			Message: fmt.Sprintf("no rule allows %s -> %s", tr.From, tr.To),
		})
		return res
	}

	for _, r := range matching {
		v.checkTransitionRule(r, current, tr, res)
	}

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		trCopy := tr
		v.runRule(r, current, &trCopy, res)
	}

	if v.strict && len(res.Warnings) > 0 {
		res.Valid = false
	}

	return res
}

// checkTransitionRule evaluates one matching rule's conditions, field
// requirements and custom predicate.
func (v *Validator) checkTransitionRule(r TransitionRule, current *state.WorkflowState, tr state.Transition, res *Result) {
	for _, cond := range r.Conditions {
		value, exists := lookupField(cond.Field, tr, current)
		ok, unknownOp := evalCondition(cond, value, exists)
		if unknownOp {
			v.logger.Warn("unknown condition operator",
				slog.String("rule", r.Name),
				slog.String("operator", string(cond.Operator)),
				slog.String("field", cond.Field),
			)
			res.AddWarning(Issue{
				Code:    CodeConditionNotMet,
				Message: fmt.Sprintf("unknown operator %q treated as false", cond.Operator),
				Field:   cond.Field,
				Rule:    r.Name,
			})
		}
		if !ok {
			res.AddError(Issue{
				Code:    CodeConditionNotMet,
				Message: fmt.Sprintf("condition %s %s not met", cond.Field, cond.Operator),
				Field:   cond.Field,
				Rule:    r.Name,
			})
		}
	}

	for _, field := range r.RequiredFields {
		if _, exists := lookupField(field, tr, current); !exists {
			res.AddError(Issue{
				Code:    CodeMissingField,
				Message: fmt.Sprintf("required field %q missing", field),
				Field:   field,
				Rule:    r.Name,
			})
		}
	}

	for _, field := range r.ForbiddenFields {
		if _, exists := lookupField(field, tr, current); exists {
			res.AddError(Issue{
				Code:    CodeForbiddenField,
				Message: fmt.Sprintf("forbidden field %q present", field),
				Field:   field,
				Rule:    r.Name,
			})
		}
	}

	if r.Predicate != nil {
		v.runPredicate(r, current, tr, res)
	}
}

// runPredicate executes a custom predicate, converting errors and panics
// into CUSTOM_VALIDATOR_ERROR issues.
func (v *Validator) runPredicate(r TransitionRule, current *state.WorkflowState, tr state.Transition, res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res.AddError(Issue{
				Code:    CodeCustomValidatorError,
				Message: fmt.Sprintf("predicate panicked: %v", rec),
				Rule:    r.Name,
			})
		}
	}()

	if err := r.Predicate(current, tr); err != nil {
		res.AddError(Issue{
			Code:    CodeCustomValidatorError,
			Message: err.Error(),
			Rule:    r.Name,
		})
	}
}

// ──────────────────────────────────────────────────
// Derived queries
// ──────────────────────────────────────────────────

// AllowedTransitions returns every target status reachable from the given
// source under the registered transition rules.
func (v *Validator) AllowedTransitions(from state.Status) []state.Status {
	v.mu.RLock()
	defer v.mu.RUnlock()

	seen := make(map[state.Status]struct{})
	out := make([]state.Status, 0)
	for to, rules := range v.byTarget {
		for _, r := range rules {
			if r.AllowsFrom(from) {
				if _, dup := seen[to]; !dup {
					seen[to] = struct{}{}
					out = append(out, to)
				}
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTransitionAllowed reports whether some registered rule permits
// from -> to.
func (v *Validator) IsTransitionAllowed(from, to state.Status) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, r := range v.byTarget[to] {
		if r.AllowsFrom(from) {
			return true
		}
	}
	return false
}

// TransitionRules returns a copy of the registered transition rules.
func (v *Validator) TransitionRules() []TransitionRule {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return append([]TransitionRule{}, v.trans...)
}

// ──────────────────────────────────────────────────
// Manager adapter
// ──────────────────────────────────────────────────

// Adapter exposes the Validator through the error-returning interface the
// state manager consumes (state.Validator).
type Adapter struct {
	V *Validator
}

// NewAdapter wraps a Validator for injection into state.NewManager.
func NewAdapter(v *Validator) *Adapter {
	return &Adapter{V: v}
}

// ValidateState implements state.Validator.
func (a *Adapter) ValidateState(s *state.WorkflowState) error {
	return a.V.ValidateState(s).Err()
}

// ValidateTransition implements state.Validator.
func (a *Adapter) ValidateTransition(s *state.WorkflowState, tr state.Transition) error {
	return a.V.ValidateTransition(s, tr).Err()
}
