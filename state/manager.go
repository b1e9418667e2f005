package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/event"
	"github.com/xraph/flowstate/id"
)

// Validator checks states and transitions on behalf of the Manager.
// A nil error means valid. The validation package provides the canonical
// implementation via validation.NewAdapter; the indirection keeps this
// package free of a dependency on the rule engine.
type Validator interface {
	ValidateState(s *WorkflowState) error
	ValidateTransition(s *WorkflowState, tr Transition) error
}

// DefaultMaxHistory bounds a state's transition history unless overridden.
const DefaultMaxHistory = 50

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxHistory bounds the per-state history; oldest entries are trimmed
// first when the bound is exceeded.
func WithMaxHistory(n int) ManagerOption {
	return func(m *Manager) { m.maxHistory = n }
}

// WithSnapshotOnCreate makes CreateState also record an initial checkpoint.
func WithSnapshotOnCreate() ManagerOption {
	return func(m *Manager) { m.snapshotOnCreate = true }
}

// WithSweepInterval sets how often the transaction watchdog scans for
// expired transactions. The sweep backs up the per-transaction one-shot
// timer so rollback happens even if that timer is starved.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithDefaultTransactionTimeout sets the timeout applied when
// StartTransaction is called with a non-positive timeout.
func WithDefaultTransactionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultTxnTimeout = d }
}

// Manager is the only component permitted to mutate persisted
// WorkflowState. It serializes mutations per state id, validates every
// mutation, maintains history and versioning, and emits lifecycle events.
type Manager struct {
	store     Store
	validator Validator
	bus       *event.Bus
	logger    *slog.Logger

	maxHistory        int
	snapshotOnCreate  bool
	sweepInterval     time.Duration
	defaultTxnTimeout time.Duration

	// locks serializes read-merge-write cycles per state id so two
	// concurrent updates of the same state cannot race on version.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	txnMu sync.Mutex
	txns  map[string]*Transaction

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
	closed    bool
	closedMu  sync.Mutex
}

// NewManager creates a state manager and starts its transaction watchdog.
func NewManager(store Store, validator Validator, bus *event.Bus, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:             store,
		validator:         validator,
		bus:               bus,
		logger:            logger,
		maxHistory:        DefaultMaxHistory,
		sweepInterval:     250 * time.Millisecond,
		defaultTxnTimeout: 30 * time.Second,
		locks:             make(map[string]*sync.Mutex),
		txns:              make(map[string]*Transaction),
		stopSweep:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sweepWG.Add(1)
	go m.sweepLoop()

	return m
}

// ──────────────────────────────────────────────────
// Lifecycle operations
// ──────────────────────────────────────────────────

// CreateState builds a version-1 state, validates it, persists it, and
// emits state:created. With WithSnapshotOnCreate an initial checkpoint is
// recorded and referenced by the new state.
func (m *Manager) CreateState(ctx context.Context, workflowID id.WorkflowID, initialStatus Status, initialStep string, initialData map[string]any, actor string) (*WorkflowState, error) {
	now := time.Now().UTC()

	s := &WorkflowState{
		ID:          id.NewStateID(),
		WorkflowID:  workflowID,
		Status:      initialStatus,
		CurrentStep: initialStep,
		Data:        deepCopyMap(initialData),
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
			CreatedBy: actor,
			UpdatedBy: actor,
		},
		History: []HistoryEntry{},
	}
	if s.Data == nil {
		s.Data = map[string]any{}
	}

	if err := m.validator.ValidateState(s); err != nil {
		return nil, fmt.Errorf("create state for workflow %s: %w", workflowID, err)
	}

	var ckpt *Checkpoint
	if m.snapshotOnCreate {
		ckpt = &Checkpoint{
			ID:        id.NewCheckpointID(),
			StateID:   s.ID,
			Name:      "initial",
			CreatedAt: now,
			Snapshot:  s.Clone(),
		}
		s.CheckpointID = ckpt.ID
	}

	if err := m.store.SaveState(ctx, s); err != nil {
		return nil, fmt.Errorf("create state for workflow %s: save: %w", workflowID, err)
	}

	if ckpt != nil {
		if err := m.store.SaveCheckpoint(ctx, ckpt); err != nil {
			return nil, fmt.Errorf("create state %s: save initial checkpoint: %w", s.ID, err)
		}
	}

	m.emit(ctx, event.TypeStateCreated, map[string]any{
		"state_id":    s.ID.String(),
		"workflow_id": workflowID.String(),
		"status":      string(s.Status),
		"actor":       actor,
	}, s)

	return s.Clone(), nil
}

// GetState loads a state by id and emits state:retrieved.
func (m *Manager) GetState(ctx context.Context, stateID id.StateID) (*WorkflowState, error) {
	s, err := m.store.GetState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", stateID, err)
	}

	m.emit(ctx, event.TypeStateRetrieved, map[string]any{
		"state_id": stateID.String(),
	}, s)

	return s.Clone(), nil
}

// Update describes a partial state mutation. Nil pointer fields are left
// untouched; Data entries are merged key-by-key into the existing bag.
type Update struct {
	Status      *Status
	CurrentStep *string
	Data        map[string]any
}

// UpdateState loads the current state, merges the partial update, bumps the
// version, validates the implied transition (when status changes) and the
// resulting full state, appends history when status or step changed, trims
// history, persists, and emits state:updated.
func (m *Manager) UpdateState(ctx context.Context, stateID id.StateID, update Update, actor, reason string) (*WorkflowState, error) {
	unlock := m.lockState(stateID)
	defer unlock()

	current, err := m.store.GetState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("update state %s: %w", stateID, err)
	}

	next := current.Clone()
	next.Metadata.Version = current.Metadata.Version + 1
	next.Metadata.UpdatedAt = time.Now().UTC()
	next.Metadata.UpdatedBy = actor

	if update.Status != nil {
		next.Status = *update.Status
	}
	if update.CurrentStep != nil {
		next.CurrentStep = *update.CurrentStep
	}
	if len(update.Data) > 0 {
		if next.Data == nil {
			next.Data = map[string]any{}
		}
		for k, v := range deepCopyMap(update.Data) {
			next.Data[k] = v
		}
	}

	statusChanged := next.Status != current.Status
	stepChanged := next.CurrentStep != current.CurrentStep

	if statusChanged {
		tr := Transition{
			From:   current.Status,
			To:     next.Status,
			Step:   next.CurrentStep,
			Data:   update.Data,
			Actor:  actor,
			Reason: reason,
		}
		if err := m.validator.ValidateTransition(current, tr); err != nil {
			return nil, fmt.Errorf("update state %s: transition %s -> %s: %w", stateID, current.Status, next.Status, err)
		}
	}

	if err := m.validator.ValidateState(next); err != nil {
		return nil, fmt.Errorf("update state %s: %w", stateID, err)
	}

	if statusChanged || stepChanged {
		next.History = append(next.History, HistoryEntry{
			FromStatus: current.Status,
			ToStatus:   next.Status,
			FromStep:   current.CurrentStep,
			ToStep:     next.CurrentStep,
			Timestamp:  next.Metadata.UpdatedAt,
			Actor:      actor,
			Reason:     reason,
			Payload:    deepCopyMap(update.Data),
		})
		if m.maxHistory > 0 && len(next.History) > m.maxHistory {
			next.History = next.History[len(next.History)-m.maxHistory:]
		}
	}

	if err := m.store.SaveState(ctx, next); err != nil {
		return nil, fmt.Errorf("update state %s: save: %w", stateID, err)
	}

	m.emit(ctx, event.TypeStateUpdated, map[string]any{
		"state_id":       stateID.String(),
		"status":         string(next.Status),
		"previous":       string(current.Status),
		"current_step":   next.CurrentStep,
		"version":        next.Metadata.Version,
		"status_changed": statusChanged,
		"actor":          actor,
		"reason":         reason,
	}, next)

	return next.Clone(), nil
}

// TransitionState is sugar over UpdateState that additionally asserts the
// current status matches the transition's From before delegating.
func (m *Manager) TransitionState(ctx context.Context, stateID id.StateID, tr Transition) (*WorkflowState, error) {
	current, err := m.store.GetState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("transition state %s: %w", stateID, err)
	}

	if current.Status != tr.From {
		return nil, fmt.Errorf("transition state %s: status is %s, not %s: %w",
			stateID, current.Status, tr.From, flowstate.ErrInvalidCurrentState)
	}

	update := Update{Status: &tr.To, Data: tr.Data}
	if tr.Step != "" {
		update.CurrentStep = &tr.Step
	}

	return m.UpdateState(ctx, stateID, update, tr.Actor, tr.Reason)
}

// GetStatesByWorkflow loads all state instances for a workflow definition.
func (m *Manager) GetStatesByWorkflow(ctx context.Context, workflowID id.WorkflowID) ([]*WorkflowState, error) {
	states, err := m.store.GetStatesByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get states for workflow %s: %w", workflowID, err)
	}

	out := make([]*WorkflowState, len(states))
	for i, s := range states {
		out[i] = s.Clone()
	}

	return out, nil
}

// GetStateHistory returns the transition history of a state.
func (m *Manager) GetStateHistory(ctx context.Context, stateID id.StateID) ([]HistoryEntry, error) {
	s, err := m.store.GetState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("get history for state %s: %w", stateID, err)
	}

	out := make([]HistoryEntry, len(s.History))
	copy(out, s.History)

	return out, nil
}

// DeleteState removes a state and emits state:deleted.
func (m *Manager) DeleteState(ctx context.Context, stateID id.StateID) error {
	if err := m.store.DeleteState(ctx, stateID); err != nil {
		return fmt.Errorf("delete state %s: %w", stateID, err)
	}

	m.emit(ctx, event.TypeStateDeleted, map[string]any{
		"state_id": stateID.String(),
	}, nil)

	return nil
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

// CreateCheckpoint records a named deep snapshot of the current state and
// points the live state at it. The reference update bumps the version.
func (m *Manager) CreateCheckpoint(ctx context.Context, stateID id.StateID, name string) (*Checkpoint, error) {
	unlock := m.lockState(stateID)
	defer unlock()

	current, err := m.store.GetState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint state %s: %w", stateID, err)
	}

	ckpt := &Checkpoint{
		ID:        id.NewCheckpointID(),
		StateID:   stateID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Snapshot:  current.Clone(),
	}

	if err := m.store.SaveCheckpoint(ctx, ckpt); err != nil {
		return nil, fmt.Errorf("checkpoint state %s: save: %w", stateID, err)
	}

	next := current.Clone()
	next.CheckpointID = ckpt.ID
	next.Metadata.Version = current.Metadata.Version + 1
	next.Metadata.UpdatedAt = ckpt.CreatedAt

	if err := m.store.SaveState(ctx, next); err != nil {
		return nil, fmt.Errorf("checkpoint state %s: update reference: %w", stateID, err)
	}

	m.emit(ctx, event.TypeCheckpointCreated, map[string]any{
		"state_id":      stateID.String(),
		"checkpoint_id": ckpt.ID.String(),
		"name":          name,
	}, next)

	return ckpt.Clone(), nil
}

// RestoreFromCheckpoint replaces the live state's data, status and step
// with the checkpointed snapshot, bumping the version and appending a
// restoration history entry.
func (m *Manager) RestoreFromCheckpoint(ctx context.Context, stateID id.StateID, checkpointID id.CheckpointID, actor string) (*WorkflowState, error) {
	unlock := m.lockState(stateID)
	defer unlock()

	current, err := m.store.GetState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("restore state %s: %w", stateID, err)
	}

	ckpt, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("restore state %s from %s: %w", stateID, checkpointID, err)
	}
	if ckpt.StateID != stateID {
		return nil, fmt.Errorf("restore state %s: checkpoint %s belongs to state %s: %w",
			stateID, checkpointID, ckpt.StateID, flowstate.ErrCheckpointNotFound)
	}

	now := time.Now().UTC()
	next := ckpt.Snapshot.Clone()
	next.ID = stateID
	next.CheckpointID = checkpointID
	next.History = append([]HistoryEntry{}, current.History...)
	next.History = append(next.History, HistoryEntry{
		FromStatus: current.Status,
		ToStatus:   next.Status,
		FromStep:   current.CurrentStep,
		ToStep:     next.CurrentStep,
		Timestamp:  now,
		Actor:      actor,
		Reason:     fmt.Sprintf("restored from checkpoint %s (%s)", checkpointID, ckpt.Name),
	})
	if m.maxHistory > 0 && len(next.History) > m.maxHistory {
		next.History = next.History[len(next.History)-m.maxHistory:]
	}
	next.Metadata = current.Metadata
	next.Metadata.Version = current.Metadata.Version + 1
	next.Metadata.UpdatedAt = now
	next.Metadata.UpdatedBy = actor

	if err := m.validator.ValidateState(next); err != nil {
		return nil, fmt.Errorf("restore state %s: %w", stateID, err)
	}

	if err := m.store.SaveState(ctx, next); err != nil {
		return nil, fmt.Errorf("restore state %s: save: %w", stateID, err)
	}

	m.emit(ctx, event.TypeCheckpointRestored, map[string]any{
		"state_id":      stateID.String(),
		"checkpoint_id": checkpointID.String(),
		"status":        string(next.Status),
		"version":       next.Metadata.Version,
	}, next)

	return next.Clone(), nil
}

// ──────────────────────────────────────────────────
// Shutdown
// ──────────────────────────────────────────────────

// Close forcibly rolls back all active transactions, stops the watchdog,
// and closes the store.
func (m *Manager) Close(ctx context.Context) error {
	m.closedMu.Lock()
	if m.closed {
		m.closedMu.Unlock()
		return nil
	}
	m.closed = true
	m.closedMu.Unlock()

	close(m.stopSweep)
	m.sweepWG.Wait()

	m.txnMu.Lock()
	active := make([]*Transaction, 0, len(m.txns))
	for _, txn := range m.txns {
		active = append(active, txn)
	}
	m.txnMu.Unlock()

	for _, txn := range active {
		if err := m.RollbackTransaction(ctx, txn.ID); err != nil {
			m.logger.Error("rollback on close failed",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := m.store.Close(); err != nil {
		return fmt.Errorf("close state manager: %w", err)
	}

	return nil
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// lockState acquires the per-id mutation lock and returns its release func.
func (m *Manager) lockState(stateID id.StateID) func() {
	key := stateID.String()

	m.locksMu.Lock()
	mu, ok := m.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[key] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// emit publishes a lifecycle event, tolerating a nil bus.
func (m *Manager) emit(ctx context.Context, eventType string, payload map[string]any, s *WorkflowState) {
	if m.bus == nil {
		return
	}

	meta := event.Metadata{}
	if s != nil {
		meta.StateID = s.ID
		meta.WorkflowID = s.WorkflowID
	}

	if _, err := m.bus.Emit(ctx, eventType, payload, meta); err != nil {
		m.logger.Debug("emit failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
