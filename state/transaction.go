package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/event"
	"github.com/xraph/flowstate/id"
)

// Transaction is an in-memory batch of staged operations bound to a
// timeout. It exists only while a caller is staging mutations and is
// destroyed on commit, rollback, or expiry.
type Transaction struct {
	ID        id.TransactionID
	StartedAt time.Time
	Timeout   time.Duration

	ops   []Operation
	timer *time.Timer
	done  bool
}

// Expired reports whether the transaction has outlived its timeout at
// time now.
func (t *Transaction) Expired(now time.Time) bool {
	return now.Sub(t.StartedAt) > t.Timeout
}

// StartTransaction allocates a transaction context with the given timeout
// (the manager default when non-positive) and schedules a one-shot timer
// that rolls it back if it is neither committed nor rolled back in time.
// The periodic sweep independently enforces the same deadline.
func (m *Manager) StartTransaction(ctx context.Context, timeout time.Duration) (id.TransactionID, error) {
	m.closedMu.Lock()
	closed := m.closed
	m.closedMu.Unlock()
	if closed {
		return id.Nil, fmt.Errorf("start transaction: %w", flowstate.ErrStoreClosed)
	}

	if timeout <= 0 {
		timeout = m.defaultTxnTimeout
	}

	txn := &Transaction{
		ID:        id.NewTransactionID(),
		StartedAt: time.Now(),
		Timeout:   timeout,
	}

	txnID := txn.ID
	txn.timer = time.AfterFunc(timeout, func() {
		m.expireTransaction(txnID)
	})

	m.txnMu.Lock()
	m.txns[txnID.String()] = txn
	m.txnMu.Unlock()

	m.emit(ctx, event.TypeTransactionStarted, map[string]any{
		"transaction_id": txnID.String(),
		"timeout_ms":     timeout.Milliseconds(),
	}, nil)

	return txnID, nil
}

// AddToTransaction appends an operation to a transaction without side
// effects; nothing touches the store until commit.
func (m *Manager) AddToTransaction(txnID id.TransactionID, op Operation) error {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()

	txn, ok := m.txns[txnID.String()]
	if !ok {
		return fmt.Errorf("add to transaction %s: %w", txnID, flowstate.ErrTransactionNotFound)
	}
	if txn.done {
		return fmt.Errorf("add to transaction %s: %w", txnID, flowstate.ErrTransactionClosed)
	}
	if txn.Expired(time.Now()) {
		return fmt.Errorf("add to transaction %s: %w", txnID, flowstate.ErrTransactionExpired)
	}

	txn.ops = append(txn.ops, op)

	return nil
}

// GetTransaction returns a snapshot of an active transaction's staged
// operations. Committed, rolled-back and expired transactions are gone.
func (m *Manager) GetTransaction(txnID id.TransactionID) (*Transaction, error) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()

	txn, ok := m.txns[txnID.String()]
	if !ok {
		return nil, fmt.Errorf("get transaction %s: %w", txnID, flowstate.ErrTransactionNotFound)
	}

	cp := &Transaction{
		ID:        txn.ID,
		StartedAt: txn.StartedAt,
		Timeout:   txn.Timeout,
		ops:       append([]Operation{}, txn.ops...),
	}

	return cp, nil
}

// Operations returns the transaction's staged operations.
func (t *Transaction) Operations() []Operation {
	return append([]Operation{}, t.ops...)
}

// CommitTransaction hands the full operation list to the store as one
// atomic unit and re-raises any failure. ExecuteTransaction is atomic by
// the store contract, so a failed commit left the store untouched and
// the staged operations are simply discarded — undoing a batch that was
// never applied would clobber pre-existing state. The context is removed
// either way.
func (m *Manager) CommitTransaction(ctx context.Context, txnID id.TransactionID) error {
	txn, ok := m.takeTransaction(txnID)
	if !ok {
		return fmt.Errorf("commit transaction %s: %w", txnID, flowstate.ErrTransactionNotFound)
	}
	if txn.Expired(time.Now()) {
		return fmt.Errorf("commit transaction %s: %w", txnID, flowstate.ErrTransactionExpired)
	}

	if err := m.store.ExecuteTransaction(ctx, txn.ops); err != nil {
		return fmt.Errorf("commit transaction %s: %w", txnID, err)
	}

	m.emit(ctx, event.TypeTransactionCommitted, map[string]any{
		"transaction_id": txnID.String(),
		"operations":     len(txn.ops),
	}, nil)

	return nil
}

// RollbackTransaction asks the store to undo the staged operations
// best-effort and always removes the context. Deletes without a captured
// pre-image are not recoverable; the store logs and skips them.
func (m *Manager) RollbackTransaction(ctx context.Context, txnID id.TransactionID) error {
	txn, ok := m.takeTransaction(txnID)
	if !ok {
		return fmt.Errorf("rollback transaction %s: %w", txnID, flowstate.ErrTransactionNotFound)
	}

	if err := m.store.RollbackTransaction(ctx, txn.ops); err != nil {
		return fmt.Errorf("rollback transaction %s: %w", txnID, err)
	}

	m.emit(ctx, event.TypeTransactionRolledBack, map[string]any{
		"transaction_id": txnID.String(),
		"operations":     len(txn.ops),
	}, nil)

	return nil
}

// takeTransaction removes and returns a transaction, stopping its one-shot
// timer. The done flag makes expiry racing with commit/rollback a no-op.
func (m *Manager) takeTransaction(txnID id.TransactionID) (*Transaction, bool) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()

	txn, ok := m.txns[txnID.String()]
	if !ok || txn.done {
		return nil, false
	}
	txn.done = true
	if txn.timer != nil {
		txn.timer.Stop()
	}
	delete(m.txns, txnID.String())

	return txn, true
}

// expireTransaction force-rolls-back a transaction whose timeout elapsed.
func (m *Manager) expireTransaction(txnID id.TransactionID) {
	txn, ok := m.takeTransaction(txnID)
	if !ok {
		return
	}

	m.logger.Warn("transaction timed out, forcing rollback",
		slog.String("transaction_id", txnID.String()),
		slog.Duration("timeout", txn.Timeout),
		slog.Int("operations", len(txn.ops)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), txn.Timeout)
	defer cancel()

	if err := m.store.RollbackTransaction(ctx, txn.ops); err != nil {
		m.logger.Error("forced rollback failed",
			slog.String("transaction_id", txnID.String()),
			slog.String("error", err.Error()),
		)
	}

	m.emit(ctx, event.TypeTransactionRolledBack, map[string]any{
		"transaction_id": txnID.String(),
		"operations":     len(txn.ops),
		"expired":        true,
	}, nil)
}

// sweepLoop periodically force-rolls-back transactions whose elapsed time
// exceeds their timeout, independent of the per-transaction timers.
func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case now := <-ticker.C:
			m.sweepExpired(now)
		}
	}
}

func (m *Manager) sweepExpired(now time.Time) {
	m.txnMu.Lock()
	expired := make([]id.TransactionID, 0)
	for _, txn := range m.txns {
		if !txn.done && txn.Expired(now) {
			expired = append(expired, txn.ID)
		}
	}
	m.txnMu.Unlock()

	for _, txnID := range expired {
		m.expireTransaction(txnID)
	}
}
