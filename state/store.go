package state

import (
	"context"

	"github.com/xraph/flowstate/id"
)

// OpKind identifies the effect of one staged Operation.
type OpKind string

// Operation kinds.
const (
	OpCreate     OpKind = "create"
	OpUpdate     OpKind = "update"
	OpDelete     OpKind = "delete"
	OpCheckpoint OpKind = "checkpoint"
)

// Operation is one staged mutation inside a transaction. The manager
// captures Previous where it can so stores can honor best-effort rollback;
// a delete without a Previous snapshot is not recoverable.
type Operation struct {
	Kind       OpKind         `json:"kind"`
	State      *WorkflowState `json:"state,omitempty"`      // create / update
	StateID    id.StateID     `json:"state_id,omitempty"`   // delete
	Checkpoint *Checkpoint    `json:"checkpoint,omitempty"` // checkpoint
	Previous   *WorkflowState `json:"previous,omitempty"`   // pre-image, when available
}

// Store is the durable persistence interface the core depends on but does
// not mandate. Implementations must treat ExecuteTransaction as one atomic
// unit; the core performs no cross-operation atomicity of its own.
//
// Reads of absent entities return flowstate.ErrStateNotFound /
// flowstate.ErrCheckpointNotFound.
type Store interface {
	// SaveState persists a state, creating or replacing it.
	SaveState(ctx context.Context, s *WorkflowState) error

	// GetState loads a state by id.
	GetState(ctx context.Context, stateID id.StateID) (*WorkflowState, error)

	// GetStatesByWorkflow loads all states belonging to a workflow
	// definition, ordered by creation.
	GetStatesByWorkflow(ctx context.Context, workflowID id.WorkflowID) ([]*WorkflowState, error)

	// DeleteState removes a state.
	DeleteState(ctx context.Context, stateID id.StateID) error

	// SaveCheckpoint persists a checkpoint.
	SaveCheckpoint(ctx context.Context, c *Checkpoint) error

	// GetCheckpoint loads a checkpoint by id.
	GetCheckpoint(ctx context.Context, checkpointID id.CheckpointID) (*Checkpoint, error)

	// ExecuteTransaction applies the operations as one atomic batch.
	ExecuteTransaction(ctx context.Context, ops []Operation) error

	// RollbackTransaction undoes the operations best-effort, using the
	// Previous snapshots where present.
	RollbackTransaction(ctx context.Context, ops []Operation) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
