// Package event provides the prioritized in-process event bus that decouples
// the state manager, nodes and execution strategies from their observers.
// Subscribers are notified concurrently in descending-priority dispatch order,
// each bounded by a per-subscription timeout, with per-subscriber error
// isolation.
package event

import (
	"time"

	"github.com/xraph/flowstate/id"
)

// Well-known event types emitted by the core. The bus itself accepts any
// type string; these constants exist so producers and consumers agree.
const (
	TypeStateCreated   = "state:created"
	TypeStateRetrieved = "state:retrieved"
	TypeStateUpdated   = "state:updated"
	TypeStateDeleted   = "state:deleted"

	TypeCheckpointCreated  = "checkpoint:created"
	TypeCheckpointRestored = "checkpoint:restored"

	TypeTransactionStarted    = "transaction:started"
	TypeTransactionCommitted  = "transaction:committed"
	TypeTransactionRolledBack = "transaction:rolledback"

	TypeNodeStarted   = "node.execution.started"
	TypeNodeFailed    = "node.execution.failed"
	TypeNodeCompleted = "node.execution.completed"

	TypeRunStarted   = "run:started"
	TypeRunCompleted = "run:completed"
	TypeRunFailed    = "run:failed"
	TypeRunSuspended = "run:suspended"

	TypeScheduleFired = "schedule:fired"
)

// Metadata carries the optional correlation context of an event.
type Metadata struct {
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	WorkflowID    id.WorkflowID  `json:"workflow_id,omitempty"`
	StateID       id.StateID     `json:"state_id,omitempty"`
	ExecutionID   id.ExecutionID `json:"execution_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
}

// Event is the immutable envelope delivered to subscribers. Transformers
// produce new envelopes rather than mutating delivered ones.
type Event struct {
	ID        id.EventID     `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  Metadata       `json:"metadata"`
}

// Clone returns a shallow copy of the event with its own payload map.
// Transformers use it to derive modified envelopes safely.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
