// Package id defines TypeID-based identity types for all flowstate entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs are K-sortable (UUIDv7-based), globally unique, and
// URL-safe in the format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all flowstate entity types.
const (
	PrefixWorkflow     Prefix = "wf"    // workflow definition
	PrefixState        Prefix = "wfs"   // workflow state instance
	PrefixCheckpoint   Prefix = "ckpt"  // state checkpoint
	PrefixTransaction  Prefix = "txn"   // state transaction
	PrefixEvent        Prefix = "evt"   // bus event
	PrefixExecution    Prefix = "exec"  // execution session
	PrefixNode         Prefix = "node"  // node instance
	PrefixSubscription Prefix = "sub"   // event subscription
	PrefixSchedule     Prefix = "sched" // scheduled run definition
)

// ID is the primary identifier type for all flowstate entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "wfs_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases
// ──────────────────────────────────────────────────

// WorkflowID identifies a workflow definition (prefix: "wf").
type WorkflowID = ID

// StateID identifies a workflow state instance (prefix: "wfs").
type StateID = ID

// CheckpointID identifies a state checkpoint (prefix: "ckpt").
type CheckpointID = ID

// TransactionID identifies a state transaction (prefix: "txn").
type TransactionID = ID

// EventID identifies a bus event (prefix: "evt").
type EventID = ID

// ExecutionID identifies an execution session (prefix: "exec").
type ExecutionID = ID

// NodeID identifies a node instance (prefix: "node").
type NodeID = ID

// SubscriptionID identifies an event subscription (prefix: "sub").
type SubscriptionID = ID

// ScheduleID identifies a scheduled run definition (prefix: "sched").
type ScheduleID = ID

// ──────────────────────────────────────────────────
// Convenience constructors and parsers
// ──────────────────────────────────────────────────

// NewWorkflowID generates a new unique workflow definition ID.
func NewWorkflowID() ID { return New(PrefixWorkflow) }

// NewStateID generates a new unique workflow state ID.
func NewStateID() ID { return New(PrefixState) }

// NewCheckpointID generates a new unique checkpoint ID.
func NewCheckpointID() ID { return New(PrefixCheckpoint) }

// NewTransactionID generates a new unique transaction ID.
func NewTransactionID() ID { return New(PrefixTransaction) }

// NewEventID generates a new unique event ID.
func NewEventID() ID { return New(PrefixEvent) }

// NewExecutionID generates a new unique execution session ID.
func NewExecutionID() ID { return New(PrefixExecution) }

// NewNodeID generates a new unique node ID.
func NewNodeID() ID { return New(PrefixNode) }

// NewSubscriptionID generates a new unique subscription ID.
func NewSubscriptionID() ID { return New(PrefixSubscription) }

// NewScheduleID generates a new unique schedule ID.
func NewScheduleID() ID { return New(PrefixSchedule) }

// ParseStateID parses a string and validates the "wfs" prefix.
func ParseStateID(s string) (ID, error) { return ParseWithPrefix(s, PrefixState) }

// ParseCheckpointID parses a string and validates the "ckpt" prefix.
func ParseCheckpointID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCheckpoint) }

// ParseTransactionID parses a string and validates the "txn" prefix.
func ParseTransactionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTransaction) }

// ParseWorkflowID parses a string and validates the "wf" prefix.
func ParseWorkflowID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorkflow) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil

		return nil
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		parsed, err := Parse(v)
		if err != nil {
			return err
		}

		*i = parsed

		return nil
	case []byte:
		return i.Scan(string(v))
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
