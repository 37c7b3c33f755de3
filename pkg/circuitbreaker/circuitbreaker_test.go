package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	errTestError = errors.New("test error")
	errClient    = errors.New("client error")
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestBreaker(cfg Config) (*CircuitBreaker, *testClock) {
	clock := &testClock{t: time.Unix(1000, 0)}
	cb := New(cfg)
	cb.now = clock.now
	cb.stateChangeTime = clock.t
	return cb, clock
}

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 2,
	}
}

func fail() error    { return errTestError }
func succeed() error { return nil }

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := cb.Execute(ctx, fail); !errors.Is(err, errTestError) {
		t.Fatalf("expected the guarded error unchanged, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
	if stats := cb.Stats(); stats.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_OpensAndRejects(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("guarded function ran while open")
	}
}

func TestCircuitBreaker_HalfOpenCloses(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.t = clock.t.Add(time.Second)

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial request rejected: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial request rejected: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.t = clock.t.Add(time.Second)

	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("expected open, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimit(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessThreshold = 5
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.t = clock.t.Add(time.Second)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, succeed); err != nil {
			t.Fatalf("trial request %d rejected: %v", i+1, err)
		}
	}
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("expected third trial request to be rejected, got %v", err)
	}
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	cfg := testConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errClient) }
	cb, _ := newTestBreaker(cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cb.Execute(ctx, func() error { return errClient }); !errors.Is(err, errClient) {
			t.Fatalf("expected client error, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("client errors opened the breaker")
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Execute(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { cancel(); return ctx.Err() })
	}
	if cb.State() != StateClosed {
		t.Errorf("cancellation counted as failure")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	var mu sync.Mutex
	var changes []State
	done := make(chan struct{}, 4)
	cb.OnStateChange(func(_, to State) {
		mu.Lock()
		changes = append(changes, to)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0] != StateOpen {
		t.Errorf("unexpected transitions: %v", changes)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("expected closed after reset, got %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("expected request to pass after reset, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
