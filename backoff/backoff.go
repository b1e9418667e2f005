// Package backoff provides retry policies and delay strategies for node
// execution. Policies are value types and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Kind selects the delay shape of a Policy.
type Kind string

// Supported delay shapes.
const (
	// KindFixed always waits InitialDelay between attempts.
	KindFixed Kind = "fixed"
	// KindLinear waits InitialDelay * attempt, capped at MaxDelay.
	KindLinear Kind = "linear"
	// KindExponential waits InitialDelay * 2^(attempt-1), capped at MaxDelay.
	KindExponential Kind = "exponential"
)

// Policy describes how a failing operation is retried: how many attempts
// are made in total and how long to wait between them.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1 (no retry).
	MaxAttempts int `json:"max_attempts"`

	// Kind selects the delay shape. An unknown kind behaves as KindFixed.
	Kind Kind `json:"kind"`

	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay caps linear and exponential growth. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay"`

	// Jitter, when set, replaces each computed delay with a random value
	// in [0, delay] to avoid synchronized retries.
	Jitter bool `json:"jitter"`
}

// None is the policy that never retries.
var None = Policy{MaxAttempts: 1}

// Default returns the policy used when a node does not configure one:
// three attempts with exponential backoff from 100ms capped at 5s.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		Kind:         KindExponential,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Attempts returns MaxAttempts normalized to at least 1.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns how long to wait before retry attempt n (1-indexed).
// Attempt 1 is the first retry after the initial failure.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Kind {
	case KindLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case KindExponential:
		d = time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
	default:
		d = p.InitialDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter && d > 0 {
		d = time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter intentionally uses non-crypto rand
	}

	return d
}

// Strategy computes the delay before a retry attempt. Policy satisfies it;
// callers can plug in custom shapes.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

var _ Strategy = Policy{}
