package state

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/flowstate/id"
)

// Checkpoint is a named, timestamped deep snapshot of a WorkflowState,
// addressable by id and with a lifecycle independent of the live state.
type Checkpoint struct {
	ID        id.CheckpointID `json:"id" msgpack:"id"`
	StateID   id.StateID      `json:"state_id" msgpack:"state_id"`
	Name      string          `json:"name" msgpack:"name"`
	CreatedAt time.Time       `json:"created_at" msgpack:"created_at"`
	Snapshot  *WorkflowState  `json:"snapshot" msgpack:"snapshot"`
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Snapshot = c.Snapshot.Clone()
	return &cp
}

// EncodeSnapshot serializes a checkpoint to msgpack for stores that persist
// snapshots as opaque bytes.
func EncodeSnapshot(c *Checkpoint) ([]byte, error) {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", c.ID, err)
	}
	return data, nil
}

// DecodeSnapshot deserializes a checkpoint previously produced by
// EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &c, nil
}
