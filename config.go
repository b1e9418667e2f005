package flowstate

import "time"

// Config holds configuration for the Orchestrator.
type Config struct {
	// Strategy is the default execution strategy for runs that do not
	// name one ("sequential", "parallel", or "adaptive").
	Strategy string

	// MaxHistory bounds the per-state transition history; the oldest
	// entries are trimmed first.
	MaxHistory int

	// TransactionTimeout is the default expiry for open transactions.
	TransactionTimeout time.Duration

	// SnapshotOnCreate takes an initial checkpoint whenever a state is
	// created.
	SnapshotOnCreate bool

	// SchedulerTick is how often the scheduler checks for due entries.
	SchedulerTick time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:           "adaptive",
		MaxHistory:         50,
		TransactionTimeout: 30 * time.Second,
		SnapshotOnCreate:   false,
		SchedulerTick:      1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
	}
}
