package flowstate

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("flowstate: no store configured")
	ErrStoreClosed = errors.New("flowstate: store closed")

	// Not found errors.
	ErrStateNotFound       = errors.New("flowstate: state not found")
	ErrCheckpointNotFound  = errors.New("flowstate: checkpoint not found")
	ErrTransactionNotFound = errors.New("flowstate: transaction not found")
	ErrNodeNotFound        = errors.New("flowstate: node type not registered")
	ErrWorkflowNotFound    = errors.New("flowstate: workflow not registered")
	ErrStrategyNotFound    = errors.New("flowstate: strategy not found")
	ErrScheduleNotFound    = errors.New("flowstate: schedule not found")

	// State errors.
	ErrInvalidState        = errors.New("flowstate: state failed validation")
	ErrForbiddenTransition = errors.New("flowstate: transition not allowed")
	ErrInvalidCurrentState = errors.New("flowstate: current status does not match transition source")

	// Execution errors.
	ErrMaxAttemptsExceeded = errors.New("flowstate: max retry attempts exceeded")
	ErrExecutionTimeout    = errors.New("flowstate: execution timed out")

	// Transaction errors.
	ErrTransactionExpired = errors.New("flowstate: transaction timed out")
	ErrTransactionClosed  = errors.New("flowstate: transaction already committed or rolled back")

	// Bus errors.
	ErrBusClosed   = errors.New("flowstate: event bus is shut down")
	ErrWaitTimeout = errors.New("flowstate: wait for event timed out")
)
