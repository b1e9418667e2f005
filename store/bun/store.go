// Package bunstore implements state.Store on PostgreSQL through the Bun
// ORM. Transactional batches run inside bun's RunInTx so the database
// enforces atomicity.
package bunstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ state.Store = (*Store)(nil)

// Store is a Bun ORM implementation of state.Store using PostgreSQL
// dialect. The caller owns the *bun.DB lifecycle; Store never closes it.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a new Bun store. The caller owns the db lifecycle — the
// Store will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to PostgreSQL by DSN and returns a Store over it. Unlike
// New, the Store owns the connection; close it through the returned DB.
func Open(dsn string, opts ...Option) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return New(db, opts...)
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	// Create migrations tracking table.
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS flowstate_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("flowstate/bun: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("flowstate/bun: read migrations: %w", err)
	}

	// Sort by filename for deterministic order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM flowstate_migrations WHERE filename = ?)`,
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("flowstate/bun: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, readErr := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if readErr != nil {
			return fmt.Errorf("flowstate/bun: read migration %s: %w", entry.Name(), readErr)
		}

		if _, execErr := s.db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("flowstate/bun: execute migration %s: %w", entry.Name(), execErr)
		}

		if _, recErr := s.db.ExecContext(ctx,
			`INSERT INTO flowstate_migrations (filename) VALUES (?)`,
			entry.Name(),
		); recErr != nil {
			return fmt.Errorf("flowstate/bun: record migration %s: %w", entry.Name(), recErr)
		}

		s.logger.Info("applied migration", "file", entry.Name())
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// States
// ──────────────────────────────────────────────────

// SaveState upserts a state row.
func (s *Store) SaveState(ctx context.Context, ws *state.WorkflowState) error {
	m, err := toStateModel(ws)
	if err != nil {
		return err
	}

	_, err = s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("workflow_id = EXCLUDED.workflow_id").
		Set("status = EXCLUDED.status").
		Set("current_step = EXCLUDED.current_step").
		Set("data = EXCLUDED.data").
		Set("history = EXCLUDED.history").
		Set("checkpoint_id = EXCLUDED.checkpoint_id").
		Set("version = EXCLUDED.version").
		Set("updated_by = EXCLUDED.updated_by").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("flowstate/bun: save state %s: %w", ws.ID, err)
	}
	return nil
}

// GetState loads a state by id.
func (s *Store) GetState(ctx context.Context, stateID id.StateID) (*state.WorkflowState, error) {
	m := new(stateModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", stateID.String()).
		Scan(ctx)
	if isNoRows(err) {
		return nil, flowstate.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: get state %s: %w", stateID, err)
	}
	return fromStateModel(m)
}

// GetStatesByWorkflow loads all states of a workflow, oldest first.
func (s *Store) GetStatesByWorkflow(ctx context.Context, workflowID id.WorkflowID) ([]*state.WorkflowState, error) {
	var models []stateModel
	err := s.db.NewSelect().
		Model(&models).
		Where("workflow_id = ?", workflowID.String()).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: list workflow %s states: %w", workflowID, err)
	}

	out := make([]*state.WorkflowState, 0, len(models))
	for i := range models {
		ws, convErr := fromStateModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, ws)
	}
	return out, nil
}

// DeleteState removes a state row.
func (s *Store) DeleteState(ctx context.Context, stateID id.StateID) error {
	res, err := s.db.NewDelete().
		Model((*stateModel)(nil)).
		Where("id = ?", stateID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("flowstate/bun: delete state %s: %w", stateID, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return flowstate.ErrStateNotFound
	}
	return nil
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

// SaveCheckpoint upserts a checkpoint row.
func (s *Store) SaveCheckpoint(ctx context.Context, c *state.Checkpoint) error {
	m, err := toCheckpointModel(c)
	if err != nil {
		return err
	}

	_, err = s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("snapshot = EXCLUDED.snapshot").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("flowstate/bun: save checkpoint %s: %w", c.ID, err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID id.CheckpointID) (*state.Checkpoint, error) {
	m := new(checkpointModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", checkpointID.String()).
		Scan(ctx)
	if isNoRows(err) {
		return nil, flowstate.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("flowstate/bun: get checkpoint %s: %w", checkpointID, err)
	}
	return fromCheckpointModel(m)
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// ExecuteTransaction applies all operations inside one database
// transaction; the database rolls back on any failure.
func (s *Store) ExecuteTransaction(ctx context.Context, ops []state.Operation) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for i, op := range ops {
			if err := applyOp(ctx, tx, op); err != nil {
				return fmt.Errorf("flowstate/bun: transaction op %d (%s): %w", i, op.Kind, err)
			}
		}
		return nil
	})
}

// RollbackTransaction undoes the operations best-effort in reverse order
// inside one database transaction.
func (s *Store) RollbackTransaction(ctx context.Context, ops []state.Operation) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for i := len(ops) - 1; i >= 0; i-- {
			op := ops[i]
			switch op.Kind {
			case state.OpCreate:
				// A create staged over an existing id restores the captured
				// pre-image instead of deleting it.
				switch {
				case op.Previous != nil:
					if err := applyOp(ctx, tx, state.Operation{Kind: state.OpUpdate, State: op.Previous}); err != nil {
						return fmt.Errorf("flowstate/bun: rollback op %d: %w", i, err)
					}
				case op.State != nil:
					if _, err := tx.NewDelete().
						Model((*stateModel)(nil)).
						Where("id = ?", op.State.ID.String()).
						Exec(ctx); err != nil {
						return fmt.Errorf("flowstate/bun: rollback op %d: %w", i, err)
					}
				}
			case state.OpUpdate, state.OpDelete:
				if op.Previous != nil {
					if err := applyOp(ctx, tx, state.Operation{Kind: state.OpUpdate, State: op.Previous}); err != nil {
						return fmt.Errorf("flowstate/bun: rollback op %d: %w", i, err)
					}
				}
			case state.OpCheckpoint:
				if op.Checkpoint != nil {
					if _, err := tx.NewDelete().
						Model((*checkpointModel)(nil)).
						Where("id = ?", op.Checkpoint.ID.String()).
						Exec(ctx); err != nil {
						return fmt.Errorf("flowstate/bun: rollback op %d: %w", i, err)
					}
				}
			}
		}
		return nil
	})
}

// applyOp executes one operation against the transaction handle.
func applyOp(ctx context.Context, tx bun.Tx, op state.Operation) error {
	switch op.Kind {
	case state.OpCreate, state.OpUpdate:
		if op.State == nil {
			return fmt.Errorf("%s operation without state", op.Kind)
		}
		m, err := toStateModel(op.State)
		if err != nil {
			return err
		}
		_, err = tx.NewInsert().
			Model(m).
			On("CONFLICT (id) DO UPDATE").
			Set("workflow_id = EXCLUDED.workflow_id").
			Set("status = EXCLUDED.status").
			Set("current_step = EXCLUDED.current_step").
			Set("data = EXCLUDED.data").
			Set("history = EXCLUDED.history").
			Set("checkpoint_id = EXCLUDED.checkpoint_id").
			Set("version = EXCLUDED.version").
			Set("updated_by = EXCLUDED.updated_by").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	case state.OpDelete:
		res, err := tx.NewDelete().
			Model((*stateModel)(nil)).
			Where("id = ?", op.StateID.String()).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err == nil && affected == 0 {
			return flowstate.ErrStateNotFound
		}
		return nil
	case state.OpCheckpoint:
		if op.Checkpoint == nil {
			return fmt.Errorf("checkpoint operation without checkpoint")
		}
		m, err := toCheckpointModel(op.Checkpoint)
		if err != nil {
			return err
		}
		_, err = tx.NewInsert().
			Model(m).
			On("CONFLICT (id) DO UPDATE").
			Set("snapshot = EXCLUDED.snapshot").
			Exec(ctx)
		return err
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}
