package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	custom := &Config{Initial: 50 * time.Millisecond, Max: 500 * time.Millisecond}
	tests := []struct {
		attempt int
		cfg     *Config
		want    time.Duration
	}{
		{0, nil, 100 * time.Millisecond},
		{1, nil, 100 * time.Millisecond},
		{3, nil, 400 * time.Millisecond},
		{7, nil, 5 * time.Second},
		{1, custom, 50 * time.Millisecond},
		{4, custom, 400 * time.Millisecond},
		{5, custom, 500 * time.Millisecond},
		{3, &Config{Max: 300 * time.Millisecond}, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt, tt.cfg); got != tt.want {
			t.Errorf("Exponential(%d, %+v) = %v, want %v", tt.attempt, tt.cfg, got, tt.want)
		}
	}
}

var fast = &Config{Initial: time.Millisecond, Max: 2 * time.Millisecond}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), 5, fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ReturnsLastError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), 3, fast, func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	if err == nil || err.Error() != "still down" {
		t.Fatalf("Retry() error = %v, want still down", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), 5, fast, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry() error = %v, want %v", err, sentinel)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_StopsOnContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, &Config{Initial: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPermanent_Nil(t *testing.T) {
	t.Parallel()
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
