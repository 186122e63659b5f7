package circuitbreaker

import (
	"testing"
	"time"
)

func TestInitialStateClosed(t *testing.T) {
	cb := New(3, 1, 10*time.Second, time.Minute)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow=true when closed")
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	cb := New(3, 1, 10*time.Second, time.Minute)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected Allow=false when open")
	}
}

func TestTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	cb := New(1, 1, 1*time.Millisecond, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open after timeout, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow=true when half_open")
	}
}

func TestClosesAfterSuccessInHalfOpen(t *testing.T) {
	cb := New(1, 1, 1*time.Millisecond, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	_ = cb.State() // trigger half-open transition
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after success in half_open, got %s", cb.State())
	}
}

func TestReopensOnFailureInHalfOpen(t *testing.T) {
	cb := New(1, 1, 1*time.Millisecond, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	_ = cb.State() // trigger half-open transition
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failure in half_open, got %s", cb.State())
	}
}

func TestSuccessResetFailureCount(t *testing.T) {
	cb := New(3, 1, 10*time.Second, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("expected still closed (failure count reset), got %s", cb.State())
	}
}

func TestBackoffDoublesOnRepeatedHalfOpenFailure(t *testing.T) {
	cb := New(1, 1, 2*time.Millisecond, 100*time.Millisecond)
	cb.RecordFailure() // closed -> open, next backoff 4ms
	first := cb.NextProbeDeadline()

	time.Sleep(5 * time.Millisecond)
	_ = cb.State() // open -> half-open
	cb.RecordFailure()
	second := cb.NextProbeDeadline()

	if !second.After(first) {
		t.Fatalf("expected second backoff window to extend further than the first")
	}
}

func TestHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	cb := New(1, 2, 1*time.Millisecond, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	_ = cb.State() // open -> half-open

	if !cb.Allow() {
		t.Fatal("expected first half-open request to be admitted")
	}
	if cb.Allow() {
		t.Fatal("expected second concurrent half-open request to be rejected")
	}

	cb.RecordSuccess() // releases the probe slot; successThreshold=2 keeps it half-open
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected still half_open after one success (threshold 2), got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected a new probe to be admitted after the prior probe's outcome was recorded")
	}
}

func TestBackoffCapsAtMaxTimeout(t *testing.T) {
	cb := New(1, 1, 2*time.Millisecond, 6*time.Millisecond)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
		time.Sleep(8 * time.Millisecond)
		_ = cb.State()
	}
	deadline := cb.NextProbeDeadline()
	if deadline.IsZero() {
		// circuit may have resolved to half-open; force another failure to
		// observe the capped window.
		cb.RecordFailure()
		deadline = cb.NextProbeDeadline()
	}
	if time.Until(deadline) > 6*time.Millisecond+2*time.Millisecond {
		t.Fatalf("expected backoff capped near maxTimeout, got %s", time.Until(deadline))
	}
}
