// Package redis implements state.Store on Redis for low-latency ephemeral
// workloads. States and checkpoints are stored as msgpack blobs, with a
// Set enumerating state IDs and a per-workflow Sorted Set ordering states
// by creation time. Transactions apply through a TxPipeline so the batch
// reaches the server as one atomic unit.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/state"
)

var _ state.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements state.Store backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// States
// ──────────────────────────────────────────────────

// SaveState persists a state blob and maintains the enumeration indexes.
func (s *Store) SaveState(ctx context.Context, ws *state.WorkflowState) error {
	blob, err := msgpack.Marshal(ws)
	if err != nil {
		return fmt.Errorf("flowstate/redis: encode state %s: %w", ws.ID, err)
	}

	sID := ws.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stateKey(sID), blob, 0)
	pipe.SAdd(ctx, stateIDsKey, sID)
	pipe.ZAdd(ctx, workflowStatesKey(ws.WorkflowID.String()), redis.Z{
		Score:  float64(ws.Metadata.CreatedAt.UnixNano()),
		Member: sID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowstate/redis: save state %s: %w", ws.ID, err)
	}
	return nil
}

// GetState loads a state by id.
func (s *Store) GetState(ctx context.Context, stateID id.StateID) (*state.WorkflowState, error) {
	blob, err := s.client.Get(ctx, stateKey(stateID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, flowstate.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("flowstate/redis: get state %s: %w", stateID, err)
	}

	var ws state.WorkflowState
	if err := msgpack.Unmarshal(blob, &ws); err != nil {
		return nil, fmt.Errorf("flowstate/redis: decode state %s: %w", stateID, err)
	}
	return &ws, nil
}

// GetStatesByWorkflow loads all states of a workflow in creation order.
func (s *Store) GetStatesByWorkflow(ctx context.Context, workflowID id.WorkflowID) ([]*state.WorkflowState, error) {
	ids, err := s.client.ZRange(ctx, workflowStatesKey(workflowID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("flowstate/redis: list workflow %s states: %w", workflowID, err)
	}

	out := make([]*state.WorkflowState, 0, len(ids))
	for _, sID := range ids {
		blob, getErr := s.client.Get(ctx, stateKey(sID)).Bytes()
		if errors.Is(getErr, redis.Nil) {
			// Index entry outlived its blob; skip and let the next save heal it.
			continue
		}
		if getErr != nil {
			return nil, fmt.Errorf("flowstate/redis: get state %s: %w", sID, getErr)
		}
		var ws state.WorkflowState
		if err := msgpack.Unmarshal(blob, &ws); err != nil {
			return nil, fmt.Errorf("flowstate/redis: decode state %s: %w", sID, err)
		}
		out = append(out, &ws)
	}
	return out, nil
}

// DeleteState removes a state and its index entries.
func (s *Store) DeleteState(ctx context.Context, stateID id.StateID) error {
	ws, err := s.GetState(ctx, stateID)
	if err != nil {
		return err
	}

	sID := stateID.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, stateKey(sID))
	pipe.SRem(ctx, stateIDsKey, sID)
	pipe.ZRem(ctx, workflowStatesKey(ws.WorkflowID.String()), sID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowstate/redis: delete state %s: %w", stateID, err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

// SaveCheckpoint persists a checkpoint blob.
func (s *Store) SaveCheckpoint(ctx context.Context, c *state.Checkpoint) error {
	blob, err := state.EncodeSnapshot(c)
	if err != nil {
		return fmt.Errorf("flowstate/redis: %w", err)
	}
	if err := s.client.Set(ctx, checkpointKey(c.ID.String()), blob, 0).Err(); err != nil {
		return fmt.Errorf("flowstate/redis: save checkpoint %s: %w", c.ID, err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID id.CheckpointID) (*state.Checkpoint, error) {
	blob, err := s.client.Get(ctx, checkpointKey(checkpointID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, flowstate.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("flowstate/redis: get checkpoint %s: %w", checkpointID, err)
	}

	c, err := state.DecodeSnapshot(blob)
	if err != nil {
		return nil, fmt.Errorf("flowstate/redis: %w", err)
	}
	return c, nil
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// ExecuteTransaction stages every operation on one TxPipeline so the
// batch reaches Redis as a single MULTI/EXEC unit.
func (s *Store) ExecuteTransaction(ctx context.Context, ops []state.Operation) error {
	pipe := s.client.TxPipeline()

	for i, op := range ops {
		if err := s.stageOp(ctx, pipe, op); err != nil {
			return fmt.Errorf("flowstate/redis: transaction op %d (%s): %w", i, op.Kind, err)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowstate/redis: transaction exec: %w", err)
	}
	return nil
}

// RollbackTransaction undoes the operations best-effort in reverse order,
// restoring Previous snapshots where present.
func (s *Store) RollbackTransaction(ctx context.Context, ops []state.Operation) error {
	pipe := s.client.TxPipeline()

	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		switch op.Kind {
		case state.OpCreate:
			// A create staged over an existing id restores the captured
			// pre-image instead of deleting it.
			switch {
			case op.Previous != nil:
				if err := s.stageOp(ctx, pipe, state.Operation{Kind: state.OpUpdate, State: op.Previous}); err != nil {
					return fmt.Errorf("flowstate/redis: rollback op %d: %w", i, err)
				}
			case op.State != nil:
				sID := op.State.ID.String()
				pipe.Del(ctx, stateKey(sID))
				pipe.SRem(ctx, stateIDsKey, sID)
				pipe.ZRem(ctx, workflowStatesKey(op.State.WorkflowID.String()), sID)
			}
		case state.OpUpdate, state.OpDelete:
			if op.Previous != nil {
				if err := s.stageOp(ctx, pipe, state.Operation{Kind: state.OpUpdate, State: op.Previous}); err != nil {
					return fmt.Errorf("flowstate/redis: rollback op %d: %w", i, err)
				}
			}
		case state.OpCheckpoint:
			if op.Checkpoint != nil {
				pipe.Del(ctx, checkpointKey(op.Checkpoint.ID.String()))
			}
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowstate/redis: rollback exec: %w", err)
	}
	return nil
}

// stageOp encodes and queues one operation on the pipeline.
func (s *Store) stageOp(ctx context.Context, pipe redis.Pipeliner, op state.Operation) error {
	switch op.Kind {
	case state.OpCreate, state.OpUpdate:
		if op.State == nil {
			return fmt.Errorf("%s operation without state", op.Kind)
		}
		blob, err := msgpack.Marshal(op.State)
		if err != nil {
			return fmt.Errorf("encode state %s: %w", op.State.ID, err)
		}
		sID := op.State.ID.String()
		pipe.Set(ctx, stateKey(sID), blob, 0)
		pipe.SAdd(ctx, stateIDsKey, sID)
		pipe.ZAdd(ctx, workflowStatesKey(op.State.WorkflowID.String()), redis.Z{
			Score:  float64(op.State.Metadata.CreatedAt.UnixNano()),
			Member: sID,
		})
		return nil
	case state.OpDelete:
		sID := op.StateID.String()
		pipe.Del(ctx, stateKey(sID))
		pipe.SRem(ctx, stateIDsKey, sID)
		if op.Previous != nil {
			pipe.ZRem(ctx, workflowStatesKey(op.Previous.WorkflowID.String()), sID)
		}
		return nil
	case state.OpCheckpoint:
		if op.Checkpoint == nil {
			return fmt.Errorf("checkpoint operation without checkpoint")
		}
		blob, err := state.EncodeSnapshot(op.Checkpoint)
		if err != nil {
			return err
		}
		pipe.Set(ctx, checkpointKey(op.Checkpoint.ID.String()), blob, 0)
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}
