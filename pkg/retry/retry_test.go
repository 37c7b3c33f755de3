package retry

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	apperrors "agentstream/pkg/errors"

	"pgregory.net/rapid"
)

var (
	errTestError    = errors.New("test error")
	errRateLimited  = errors.New("rate limited")
	errInvalidSess  = errors.New("Invalid session id")
	errNotRetryable = errors.New("insufficient credits")
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{Limit: 3}, func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_ThreeFailuresThenSuccess(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), Policy{Limit: 3}, func(ctx context.Context) (int, error) {
		attempts++
		if attempts <= 3 {
			return 0, errTestError
		}
		return attempts, nil
	})

	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if result != 4 {
		t.Errorf("Expected result of 4th call, got: %d", result)
	}
	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got: %d", attempts)
	}
}

func TestDo_BudgetExhaustedReturnsErrorUnchanged(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{Limit: 2}, func(ctx context.Context) error {
		attempts++
		return errTestError
	})

	if err != errTestError {
		t.Errorf("Expected the original error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_ShouldRetryRejects(t *testing.T) {
	attempts := 0
	retried := 0
	p := Policy{
		Limit:       5,
		ShouldRetry: func(err error) bool { return err != errRateLimited },
		OnRetry: func(ctx context.Context, attempt int, err error) error {
			retried++
			return nil
		},
	}

	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return errRateLimited
	})

	if err != errRateLimited {
		t.Errorf("Expected rate limit error, got: %v", err)
	}
	if attempts != 1 || retried != 0 {
		t.Errorf("Expected zero retries, got attempts=%d retried=%d", attempts, retried)
	}
}

func TestDo_OnRetryRunsBeforeEachRetry(t *testing.T) {
	var order []string
	p := Policy{
		Limit: 2,
		OnRetry: func(ctx context.Context, attempt int, err error) error {
			order = append(order, "retry")
			return nil
		},
	}

	_ = Do(context.Background(), p, func(ctx context.Context) error {
		order = append(order, "call")
		return errTestError
	})

	want := []string{"call", "retry", "call", "retry", "call"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestDo_OnRetryErrorStopsLoop(t *testing.T) {
	hookErr := errors.New("reconnect failed")
	attempts := 0
	err := Do(context.Background(), Policy{
		Limit:   3,
		OnRetry: func(ctx context.Context, attempt int, err error) error { return hookErr },
	}, func(ctx context.Context) error {
		attempts++
		return errTestError
	})

	if err != hookErr {
		t.Errorf("Expected hook error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, Policy{Limit: 5, Delay: 50 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return errTestError
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if attempts < 1 {
		t.Errorf("Expected at least 1 attempt before cancellation, got: %d", attempts)
	}
}

func TestDo_AttemptTimeoutIsRetried(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{Limit: 1, Timeout: 20 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success on second attempt, got: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got: %d", attempts)
	}
}

func TestDo_AttemptTimeoutExhausted(t *testing.T) {
	err := Do(context.Background(), Policy{Limit: 0, Timeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if !errors.Is(err, ErrAttemptTimeout) {
		t.Errorf("Expected ErrAttemptTimeout, got: %v", err)
	}
}

func TestDo_TimedOutAttemptFinishesBeforeNext(t *testing.T) {
	var running, overlaps, finished int32
	err := Do(context.Background(), Policy{Limit: 2, Timeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		defer atomic.AddInt32(&running, -1)

		// ignores ctx on purpose
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return nil
	})

	if !errors.Is(err, ErrAttemptTimeout) {
		t.Errorf("Expected ErrAttemptTimeout, got: %v", err)
	}
	if got := atomic.LoadInt32(&overlaps); got != 0 {
		t.Errorf("Expected attempts to run one at a time, got %d overlaps", got)
	}
	if got := atomic.LoadInt32(&finished); got != 3 {
		t.Errorf("Expected every attempt to return before Do, got %d", got)
	}
}

func TestPolicyDelay(t *testing.T) {
	linear := SocketConnectPolicy(5)
	for retry, want := range map[int]time.Duration{1: 500 * time.Millisecond, 2: time.Second, 4: 2 * time.Second} {
		if got := linear.delay(retry); got != want {
			t.Errorf("linear delay(%d) = %v, want %v", retry, got, want)
		}
	}

	constant := Policy{Delay: 100 * time.Millisecond}
	if got := constant.delay(3); got != 100*time.Millisecond {
		t.Errorf("constant delay = %v, want 100ms", got)
	}
}

func TestSessionInitPolicy_ShouldRetry(t *testing.T) {
	fatal := errors.New("missing session id")
	p := SessionInitPolicy(2, time.Second, func(err error) bool { return errors.Is(err, fatal) })

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"generic", errTestError, true},
		{"could not connect", errors.New("Could not connect to agent"), false},
		{"http 429", apperrors.FromResponse(http.StatusTooManyRequests, "", ""), false},
		{"fatal", fatal, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.ShouldRetry(tc.err); got != tc.want {
				t.Errorf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
	if p.Limit != 2 || p.Timeout != time.Second {
		t.Errorf("unexpected policy %+v", p)
	}
}

func TestChatSendPolicy(t *testing.T) {
	reconnects := 0
	p := ChatSendPolicy(1, func(ctx context.Context) error {
		reconnects++
		return nil
	})

	attempts := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return errInvalidSess
	})

	if err != errInvalidSess {
		t.Errorf("Expected invalid session error, got: %v", err)
	}
	if attempts != 2 || reconnects != 1 {
		t.Errorf("Expected 2 attempts and 1 reconnect, got %d and %d", attempts, reconnects)
	}

	attempts = 0
	_ = Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return errNotRetryable
	})
	if attempts != 1 {
		t.Errorf("Expected business errors to fail fast, got %d attempts", attempts)
	}

	if !IsStreamGone(apperrors.NewAppError(apperrors.ErrCodeStreamError, "x", 500)) {
		t.Error("Expected STREAM_ERROR code to be retryable")
	}
}

func TestDo_AttemptCountProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(0, 6).Draw(t, "limit")
		failures := rapid.IntRange(0, 10).Draw(t, "failures")

		attempts := 0
		err := Do(context.Background(), Policy{Limit: limit}, func(ctx context.Context) error {
			attempts++
			if attempts <= failures {
				return errTestError
			}
			return nil
		})

		if failures <= limit {
			if err != nil || attempts != failures+1 {
				t.Fatalf("limit=%d failures=%d: err=%v attempts=%d", limit, failures, err, attempts)
			}
			return
		}
		if err != errTestError || attempts != limit+1 {
			t.Fatalf("limit=%d failures=%d: err=%v attempts=%d", limit, failures, err, attempts)
		}
	})
}
