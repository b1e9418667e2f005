// Package memory implements state.Store with in-process maps. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/state"
)

var _ state.Store = (*Store)(nil)

// Store is a fully in-memory implementation of state.Store.
type Store struct {
	mu sync.RWMutex

	states      map[string]*state.WorkflowState
	checkpoints map[string]*state.Checkpoint
	closed      bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		states:      make(map[string]*state.WorkflowState),
		checkpoints: make(map[string]*state.Checkpoint),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Ping / Close
// ──────────────────────────────────────────────────

// Ping succeeds unless the store has been closed.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return flowstate.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed and drops its contents.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.states = map[string]*state.WorkflowState{}
	m.checkpoints = map[string]*state.Checkpoint{}
	return nil
}

// ──────────────────────────────────────────────────
// States
// ──────────────────────────────────────────────────

// SaveState persists a clone of the state, creating or replacing it.
func (m *Store) SaveState(_ context.Context, s *state.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return flowstate.ErrStoreClosed
	}
	m.states[s.ID.String()] = s.Clone()
	return nil
}

// GetState loads a state by id.
func (m *Store) GetState(_ context.Context, stateID id.StateID) (*state.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, flowstate.ErrStoreClosed
	}
	s, ok := m.states[stateID.String()]
	if !ok {
		return nil, flowstate.ErrStateNotFound
	}
	return s.Clone(), nil
}

// GetStatesByWorkflow loads all states of a workflow, oldest first.
func (m *Store) GetStatesByWorkflow(_ context.Context, workflowID id.WorkflowID) ([]*state.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, flowstate.ErrStoreClosed
	}

	var out []*state.WorkflowState
	for _, s := range m.states {
		if s.WorkflowID == workflowID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
	return out, nil
}

// DeleteState removes a state.
func (m *Store) DeleteState(_ context.Context, stateID id.StateID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return flowstate.ErrStoreClosed
	}
	key := stateID.String()
	if _, ok := m.states[key]; !ok {
		return flowstate.ErrStateNotFound
	}
	delete(m.states, key)
	return nil
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

// SaveCheckpoint persists a clone of the checkpoint.
func (m *Store) SaveCheckpoint(_ context.Context, c *state.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return flowstate.ErrStoreClosed
	}
	m.checkpoints[c.ID.String()] = c.Clone()
	return nil
}

// GetCheckpoint loads a checkpoint by id.
func (m *Store) GetCheckpoint(_ context.Context, checkpointID id.CheckpointID) (*state.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, flowstate.ErrStoreClosed
	}
	c, ok := m.checkpoints[checkpointID.String()]
	if !ok {
		return nil, flowstate.ErrCheckpointNotFound
	}
	return c.Clone(), nil
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// ExecuteTransaction applies the operations under one lock acquisition so
// readers never observe a partially applied batch. A failing operation
// restores the pre-batch contents before returning.
func (m *Store) ExecuteTransaction(_ context.Context, ops []state.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return flowstate.ErrStoreClosed
	}

	backupStates := make(map[string]*state.WorkflowState, len(m.states))
	for k, v := range m.states {
		backupStates[k] = v
	}
	backupCheckpoints := make(map[string]*state.Checkpoint, len(m.checkpoints))
	for k, v := range m.checkpoints {
		backupCheckpoints[k] = v
	}

	for i, op := range ops {
		if err := m.applyLocked(op); err != nil {
			m.states = backupStates
			m.checkpoints = backupCheckpoints
			return fmt.Errorf("memory: transaction op %d (%s): %w", i, op.Kind, err)
		}
	}
	return nil
}

// RollbackTransaction undoes the operations best-effort using the Previous
// snapshots, in reverse order.
func (m *Store) RollbackTransaction(_ context.Context, ops []state.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return flowstate.ErrStoreClosed
	}

	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		switch op.Kind {
		case state.OpCreate:
			// A create staged over an existing id restores the captured
			// pre-image instead of deleting it.
			switch {
			case op.Previous != nil:
				m.states[op.Previous.ID.String()] = op.Previous.Clone()
			case op.State != nil:
				delete(m.states, op.State.ID.String())
			}
		case state.OpUpdate:
			if op.Previous != nil {
				m.states[op.Previous.ID.String()] = op.Previous.Clone()
			}
		case state.OpDelete:
			if op.Previous != nil {
				m.states[op.Previous.ID.String()] = op.Previous.Clone()
			}
		case state.OpCheckpoint:
			if op.Checkpoint != nil {
				delete(m.checkpoints, op.Checkpoint.ID.String())
			}
		}
	}
	return nil
}

func (m *Store) applyLocked(op state.Operation) error {
	switch op.Kind {
	case state.OpCreate, state.OpUpdate:
		if op.State == nil {
			return fmt.Errorf("%s operation without state", op.Kind)
		}
		m.states[op.State.ID.String()] = op.State.Clone()
		return nil
	case state.OpDelete:
		key := op.StateID.String()
		if _, ok := m.states[key]; !ok {
			return flowstate.ErrStateNotFound
		}
		delete(m.states, key)
		return nil
	case state.OpCheckpoint:
		if op.Checkpoint == nil {
			return fmt.Errorf("checkpoint operation without checkpoint")
		}
		m.checkpoints[op.Checkpoint.ID.String()] = op.Checkpoint.Clone()
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}
