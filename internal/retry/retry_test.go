package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), "op", fastConfig(3), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %q", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), "op", fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &testStatusError{code: 503}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAfterMaxRetriesPlusOne(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), "op", fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, &testStatusError{code: 500}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 {
		t.Errorf("expected exactly 4 attempts, got %d", calls)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %T", err)
	}
	if exhausted.Attempts != 4 {
		t.Errorf("expected Attempts=4, got %d", exhausted.Attempts)
	}
	var sc StatusCoder
	if !errors.As(err, &sc) || sc.HTTPStatusCode() != 500 {
		t.Error("expected the last error to be preserved in the chain")
	}
}

func TestDo_ClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), "op", fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, &testStatusError{code: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for a 4xx error, got %d", calls)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("a permanent failure must not report exhaustion")
	}
}

func TestDo_TooManyRequestsIsRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), "op", fastConfig(1), func(ctx context.Context) (int, error) {
		calls++
		return 0, &testStatusError{code: 429}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls for 429, got %d", calls)
	}
}

func TestDo_PermanentWrapperStopsImmediately(t *testing.T) {
	calls := 0
	base := errors.New("bad payload")
	_, err := Do(context.Background(), "op", fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, Permanent(base)
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	// The wrapper is unwrapped before returning to the caller.
	if !errors.Is(err, base) {
		t.Errorf("expected original error, got %v", err)
	}
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := Config{MaxRetries: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	_, err := Do(ctx, "op", cfg, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, &testStatusError{code: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &testStatusError{code: 502}, true},
		{"rate limited", &testStatusError{code: 429}, true},
		{"client error", &testStatusError{code: 404}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"permanent", Permanent(errors.New("x")), false},
		{"unclassified", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

type testStatusError struct{ code int }

func (e *testStatusError) Error() string       { return "status error" }
func (e *testStatusError) HTTPStatusCode() int { return e.code }
