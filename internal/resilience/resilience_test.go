package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", BreakerSettings{
		FailureThreshold: threshold,
		Window:           time.Minute,
		RecoveryTimeout:  time.Minute,
	})
	cb.now = clock.Now
	return cb, clock
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		transient bool
	}{
		{"nil", nil, KindUnknown, false},
		{"plain", errBoom, KindUnknown, false},
		{"transient", Transient("fetch", errBoom), KindTransient, true},
		{"wrapped transient", errors.Join(errors.New("ctx"), Transient("fetch", errBoom)), KindTransient, true},
		{"malformed", Malformed("decode", errBoom), KindMalformed, false},
		{"deadline", context.DeadlineExceeded, KindTransient, true},
		{"cancelled", context.Canceled, KindUnknown, false},
		{"circuit open", ErrCircuitOpen, KindUnknown, false},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("%s: KindOf = %v, want %v", tt.name, got, tt.kind)
		}
		if got := IsTransient(tt.err); got != tt.transient {
			t.Errorf("%s: IsTransient = %v, want %v", tt.name, got, tt.transient)
		}
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := p.Delay(10); got != 30*time.Second {
		t.Errorf("Delay(10) = %v, want capped 30s", got)
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	v, err := Retry(context.Background(), p, "op", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transient("op", errBoom)
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("Retry = (%d, %v), want (42, nil)", v, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	_, err := Retry(context.Background(), p, "op", func(context.Context) (int, error) {
		calls++
		return 0, Malformed("op", errBoom)
	})
	if KindOf(err) != KindMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	_, err := Retry(context.Background(), p, "op", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, Transient("op", errBoom)
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected last error to wrap errBoom, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 1}
	_, err := Retry(ctx, p, "op", func(context.Context) (int, error) {
		cancel()
		return 0, Transient("op", errBoom)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	cb, clock := newTestBreaker(3)

	var transitions []State
	cb.OnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) })

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return Transient("op", errBoom) }); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d rejected before threshold", i)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("dependency invoked while open")
	}

	clock.Advance(time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after recovery timeout, got %v", cb.State())
	}

	// exactly one trial in half-open
	if err := cb.Allow(); err != nil {
		t.Fatalf("first half-open call rejected: %v", err)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second half-open call admitted")
	}
	cb.Record(nil)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful trial, got %v", cb.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1)
	cb.Execute(func() error { return Transient("op", errBoom) })
	clock.Advance(time.Minute)

	cb.Execute(func() error { return Transient("op", errBoom) })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failed trial, got %v", cb.State())
	}
}

func TestBreakerCancelledTrialStaysHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(1)
	cb.Execute(func() error { return Transient("op", errBoom) })
	clock.Advance(time.Minute)

	err := cb.Execute(func() error { return Transient("op", context.Canceled) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancellation back, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("cancelled trial should leave the breaker half-open, got %v", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected a new trial to be admitted, got %v", err)
	}
	cb.Record(nil)
	if cb.State() != StateClosed {
		t.Errorf("expected closed after a successful trial, got %v", cb.State())
	}
}

func TestBreakerWindowExpiresFailures(t *testing.T) {
	cb, clock := newTestBreaker(2)
	cb.Execute(func() error { return Transient("op", errBoom) })
	clock.Advance(2 * time.Minute)
	cb.Execute(func() error { return Transient("op", errBoom) })
	if cb.State() != StateClosed {
		t.Fatalf("failures outside window should not trip, got %v", cb.State())
	}
}

func TestBreakerIgnoresNonTransient(t *testing.T) {
	cb, _ := newTestBreaker(1)
	cb.Execute(func() error { return Malformed("op", errBoom) })
	if cb.State() != StateClosed {
		t.Fatalf("malformed error should not trip breaker, got %v", cb.State())
	}
}

func TestGuardDoesNotRetryOpenCircuit(t *testing.T) {
	g := NewGuard("ledger",
		RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 1},
		BreakerSettings{FailureThreshold: 2, Window: time.Minute, RecoveryTimeout: time.Hour})

	calls := 0
	_, err := Do(context.Background(), g, func(context.Context) (int, error) {
		calls++
		return 0, Transient("fetch", errBoom)
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once tripped, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 dependency calls before tripping, got %d", calls)
	}
}
