package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/flowstate/backoff"
)

func TestExponentialDelays(t *testing.T) {
	p := backoff.Policy{
		MaxAttempts:  7,
		Kind:         backoff.KindExponential,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second,
		1 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestLinearDelays(t *testing.T) {
	p := backoff.Policy{
		MaxAttempts:  5,
		Kind:         backoff.KindLinear,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     120 * time.Millisecond,
	}

	want := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		120 * time.Millisecond,
		120 * time.Millisecond,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestFixedDelays(t *testing.T) {
	p := backoff.Policy{
		MaxAttempts:  3,
		Kind:         backoff.KindFixed,
		InitialDelay: 25 * time.Millisecond,
	}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := p.Delay(attempt); got != 25*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want 25ms", attempt, got)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	p := backoff.Policy{
		MaxAttempts:  3,
		Kind:         backoff.KindFixed,
		InitialDelay: 100 * time.Millisecond,
		Jitter:       true,
	}

	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 0 || d > 100*time.Millisecond {
			t.Fatalf("jittered delay %v out of [0, 100ms]", d)
		}
	}
}

func TestAttemptsNormalized(t *testing.T) {
	if got := backoff.None.Attempts(); got != 1 {
		t.Errorf("None.Attempts() = %d, want 1", got)
	}
	if got := (backoff.Policy{MaxAttempts: -3}).Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
	if got := backoff.Default().Attempts(); got != 3 {
		t.Errorf("Default().Attempts() = %d, want 3", got)
	}
}
