package retry

import (
	"context"
	"testing"
	"time"

	"github.com/perflayer/perflayer/pkg/errors"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetriesRetryableError(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.Timeout("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(func() error {
		attempts++
		return errors.InvalidResponse("corrupted")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("non-retryable error should stop after 1 attempt, got %d", attempts)
	}
}

func TestExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(func() error {
		attempts++
		return errors.Timeout("always")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryableCodesExtendDefaults(t *testing.T) {
	config := fastConfig()
	config.RetryableCodes = []errors.ErrorCode{errors.ErrCodeServerError}

	attempts := 0
	New(config).Do(func() error {
		attempts++
		// 404 is not retryable by default; the config opts the code in.
		return errors.ServerError(404, "nope")
	})
	if attempts != 3 {
		t.Errorf("configured code should retry, got %d attempts", attempts)
	}
}

func TestContextCancellationStopsBackoff(t *testing.T) {
	config := fastConfig()
	config.InitialDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(config).DoWithContext(ctx, func(context.Context) error {
			return errors.Timeout("transient")
		})
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not interrupt backoff")
	}
}

func TestOnRetryCallback(t *testing.T) {
	var observed []int
	r := New(fastConfig()).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		observed = append(observed, attempt)
	})

	r.Do(func() error { return errors.Timeout("transient") })

	if len(observed) != 2 {
		t.Errorf("expected callbacks before 2 retries, got %v", observed)
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	r := New(Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   2.0,
	})

	if d := r.calculateDelay(1); d != 10*time.Millisecond {
		t.Errorf("first delay = %s", d)
	}
	if d := r.calculateDelay(2); d != 20*time.Millisecond {
		t.Errorf("second delay = %s", d)
	}
	if d := r.calculateDelay(4); d != 25*time.Millisecond {
		t.Errorf("capped delay = %s", d)
	}
}
