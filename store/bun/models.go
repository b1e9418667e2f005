package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/state"
)

// ── State model ───────────────────────────────────────────────────

type stateModel struct {
	bun.BaseModel `bun:"table:flowstate_states"`

	ID           string    `bun:"id,pk"`
	WorkflowID   string    `bun:"workflow_id,notnull"`
	Status       string    `bun:"status,notnull,default:'PENDING'"`
	CurrentStep  string    `bun:"current_step"`
	Data         []byte    `bun:"data,type:jsonb"`
	History      []byte    `bun:"history,type:jsonb"`
	CheckpointID string    `bun:"checkpoint_id"`
	Version      int64     `bun:"version,notnull,default:1"`
	CreatedBy    string    `bun:"created_by"`
	UpdatedBy    string    `bun:"updated_by"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toStateModel(ws *state.WorkflowState) (*stateModel, error) {
	data, err := json.Marshal(ws.Data)
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: encode state %s data: %w", ws.ID, err)
	}
	history, err := json.Marshal(ws.History)
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: encode state %s history: %w", ws.ID, err)
	}

	m := &stateModel{
		ID:          ws.ID.String(),
		WorkflowID:  ws.WorkflowID.String(),
		Status:      string(ws.Status),
		CurrentStep: ws.CurrentStep,
		Data:        data,
		History:     history,
		Version:     ws.Metadata.Version,
		CreatedBy:   ws.Metadata.CreatedBy,
		UpdatedBy:   ws.Metadata.UpdatedBy,
		CreatedAt:   ws.Metadata.CreatedAt,
		UpdatedAt:   ws.Metadata.UpdatedAt,
	}
	if !ws.CheckpointID.IsNil() {
		m.CheckpointID = ws.CheckpointID.String()
	}
	return m, nil
}

func fromStateModel(m *stateModel) (*state.WorkflowState, error) {
	parsedID, err := id.ParseStateID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: parse state id %q: %w", m.ID, err)
	}
	parsedWorkflow, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: parse workflow id %q: %w", m.WorkflowID, err)
	}

	ws := &state.WorkflowState{
		ID:          parsedID,
		WorkflowID:  parsedWorkflow,
		Status:      state.Status(m.Status),
		CurrentStep: m.CurrentStep,
		Metadata: state.Metadata{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
			Version:   m.Version,
			CreatedBy: m.CreatedBy,
			UpdatedBy: m.UpdatedBy,
		},
	}

	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &ws.Data); err != nil {
			return nil, fmt.Errorf("flowstate/bun: decode state %s data: %w", m.ID, err)
		}
	}
	if len(m.History) > 0 {
		if err := json.Unmarshal(m.History, &ws.History); err != nil {
			return nil, fmt.Errorf("flowstate/bun: decode state %s history: %w", m.ID, err)
		}
	}
	if m.CheckpointID != "" {
		parsedCkpt, cErr := id.ParseCheckpointID(m.CheckpointID)
		if cErr == nil {
			ws.CheckpointID = parsedCkpt
		}
	}

	return ws, nil
}

// ── Checkpoint model ──────────────────────────────────────────────

// Checkpoint snapshots are persisted as opaque msgpack blobs; the
// relational columns exist for lookup and reporting only.
type checkpointModel struct {
	bun.BaseModel `bun:"table:flowstate_checkpoints"`

	ID        string    `bun:"id,pk"`
	StateID   string    `bun:"state_id,notnull"`
	Name      string    `bun:"name,notnull"`
	Snapshot  []byte    `bun:"snapshot,notnull,type:bytea"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toCheckpointModel(c *state.Checkpoint) (*checkpointModel, error) {
	blob, err := state.EncodeSnapshot(c)
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: %w", err)
	}
	return &checkpointModel{
		ID:        c.ID.String(),
		StateID:   c.StateID.String(),
		Name:      c.Name,
		Snapshot:  blob,
		CreatedAt: c.CreatedAt,
	}, nil
}

func fromCheckpointModel(m *checkpointModel) (*state.Checkpoint, error) {
	c, err := state.DecodeSnapshot(m.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: checkpoint %s: %w", m.ID, err)
	}
	return c, nil
}
