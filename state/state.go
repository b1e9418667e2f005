// Package state defines the authoritative workflow state model and the
// Manager that owns its lifecycle: creation, validated updates and
// transitions, checkpoints, and transactional batches. Durable persistence
// sits behind the Store interface; implementations live under store/.
package state

import (
	"time"

	"github.com/xraph/flowstate/id"
)

// Status is the lifecycle status of a workflow state instance.
type Status string

// Workflow statuses.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRollback  Status = "ROLLBACK"
)

// AllStatuses returns every known status value.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusRunning, StatusPaused, StatusWaiting,
		StatusCompleted, StatusFailed, StatusCancelled, StatusRollback,
	}
}

// Known reports whether s is a recognized status value.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusWaiting,
		StatusCompleted, StatusFailed, StatusCancelled, StatusRollback:
		return true
	default:
		return false
	}
}

// Terminal reports whether s has no outgoing transitions under the default
// rule set.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Metadata carries bookkeeping for one workflow state instance.
// Version increases strictly on every mutation.
type Metadata struct {
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
	Version   int64     `json:"version" msgpack:"version"`
	CreatedBy string    `json:"created_by,omitempty" msgpack:"created_by"`
	UpdatedBy string    `json:"updated_by,omitempty" msgpack:"updated_by"`
}

// HistoryEntry is the immutable record of one transition. Entries are
// append-only; the manager trims the oldest first when the configured
// maximum is exceeded.
type HistoryEntry struct {
	FromStatus Status         `json:"from_status" msgpack:"from_status"`
	ToStatus   Status         `json:"to_status" msgpack:"to_status"`
	FromStep   string         `json:"from_step,omitempty" msgpack:"from_step"`
	ToStep     string         `json:"to_step,omitempty" msgpack:"to_step"`
	Timestamp  time.Time      `json:"timestamp" msgpack:"timestamp"`
	Actor      string         `json:"actor,omitempty" msgpack:"actor"`
	Reason     string         `json:"reason,omitempty" msgpack:"reason"`
	Payload    map[string]any `json:"payload,omitempty" msgpack:"payload"`
}

// WorkflowState is the authoritative record of one workflow instance.
type WorkflowState struct {
	ID           id.StateID      `json:"id" msgpack:"id"`
	WorkflowID   id.WorkflowID   `json:"workflow_id" msgpack:"workflow_id"`
	Status       Status          `json:"status" msgpack:"status"`
	CurrentStep  string          `json:"current_step,omitempty" msgpack:"current_step"`
	Data         map[string]any  `json:"data" msgpack:"data"`
	Metadata     Metadata        `json:"metadata" msgpack:"metadata"`
	History      []HistoryEntry  `json:"history" msgpack:"history"`
	CheckpointID id.CheckpointID `json:"checkpoint_id,omitempty" msgpack:"checkpoint_id"`
}

// Clone returns a deep copy of the state. Stores and the manager clone on
// every boundary crossing so callers can never alias persisted state.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}

	cp := *s
	cp.Data = deepCopyMap(s.Data)

	if s.History != nil {
		cp.History = make([]HistoryEntry, len(s.History))
		copy(cp.History, s.History)
		for i := range cp.History {
			cp.History[i].Payload = deepCopyMap(s.History[i].Payload)
		}
	}

	return &cp
}

// Transition is a requested status change. It is never persisted directly;
// the validator and manager consume it to produce a new WorkflowState and
// HistoryEntry.
type Transition struct {
	From   Status         `json:"from"`
	To     Status         `json:"to"`
	Step   string         `json:"step,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Actor  string         `json:"actor,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// deepCopyMap copies a data bag, recursing into nested maps and slices.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyValue(v)
	}
	return cp
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}
