package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/flashxio/safs/pkg/errors"
)

func TestRetryer_Success(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.ErrNoVictim
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_RetryableByCode(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 2
	config.RetryableErrors = []errors.ErrorCode{errors.ErrCodeStorageWrite}
	retryer := New(config)

	testErr := errors.NewError(errors.ErrCodeStorageWrite, "disk full")
	if testErr.Retryable {
		t.Fatal("STORAGE_WRITE should not be retryable by default")
	}

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return testErr
	})
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	testErr := errors.NewError(errors.ErrCodeInvariantViolation, "pinned page evicted")

	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	if err != testErr {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorNotRetried(t *testing.T) {
	retryer := New(DefaultConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return stderr.New("boom")
	})
	if err == nil || attempts != 1 {
		t.Errorf("Expected one failed attempt, got %d attempts and %v", attempts, err)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.ErrNoVictim
	})

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if errors.CodeOf(err) != errors.ErrCodeRetryExhausted {
		t.Errorf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !stderr.Is(err, errors.ErrNoVictim) {
		t.Errorf("Expected the last error to be wrapped, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 100 * time.Millisecond
	config.MaxDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return errors.ErrNoVictim
	})

	if errors.CodeOf(err) != errors.ErrCodeOperationCanceled {
		t.Errorf("Expected OPERATION_CANCELED, got %v", err)
	}
	if attempts >= 10 {
		t.Errorf("Expected fewer than 10 attempts due to cancellation, got %d", attempts)
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 4
	config.InitialDelay = 10 * time.Millisecond
	config.MaxDelay = time.Second
	config.Multiplier = 2.0
	config.Jitter = false

	delays := []time.Duration{}
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	retryer := New(config)
	_ = retryer.Do(func() error {
		return errors.ErrNoVictim
	})

	expectedDelays := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}
	if len(delays) != len(expectedDelays) {
		t.Fatalf("Expected %d delays, got %d", len(expectedDelays), len(delays))
	}
	for i, expected := range expectedDelays {
		if delays[i] != expected {
			t.Errorf("Delay %d: expected %v, got %v", i, expected, delays[i])
		}
	}
}

func TestRetryer_MaxDelayCap(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 6
	config.InitialDelay = 2 * time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false

	var maxDelay time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		if delay > maxDelay {
			maxDelay = delay
		}
	}

	_ = New(config).Do(func() error { return errors.ErrNoVictim })

	if maxDelay != 5*time.Millisecond {
		t.Errorf("Expected delays capped at 5ms, max was %v", maxDelay)
	}
}

func TestRetryer_JitterVariance(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = 100 * time.Millisecond
	config.MaxDelay = time.Second
	config.Jitter = true
	retryer := New(config)

	for i := 0; i < 100; i++ {
		d := retryer.calculateDelay(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("Delay %v outside ±20%% of 100ms", d)
		}
	}
}

func TestRetryer_Stats(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.Jitter = false
	retryer := New(config)

	_ = retryer.Do(func() error { return nil })
	calls := 0
	_ = retryer.Do(func() error {
		calls++
		if calls == 1 {
			return errors.ErrNoVictim
		}
		return nil
	})
	_ = retryer.Do(func() error { return errors.ErrNoVictim })

	stats := retryer.Stats()
	if stats.Calls != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("Unexpected outcome counts: %+v", stats)
	}
	if stats.TotalAttempts != 6 {
		t.Errorf("Expected 6 attempts, got %d", stats.TotalAttempts)
	}
	if stats.MaxAttemptsUsed != 3 {
		t.Errorf("Expected max 3 attempts, got %d", stats.MaxAttemptsUsed)
	}
	if stats.AverageAttempts != 2 {
		t.Errorf("Expected average 2, got %v", stats.AverageAttempts)
	}
	if stats.TotalDelay <= 0 {
		t.Error("Expected some delay to be recorded")
	}
}

func TestRetryer_WithMethods(t *testing.T) {
	base := New(DefaultConfig())

	r := base.WithMaxAttempts(2).WithInitialDelay(time.Millisecond).WithMaxDelay(2 * time.Millisecond)
	if r.config.MaxAttempts != 2 || r.config.InitialDelay != time.Millisecond || r.config.MaxDelay != 2*time.Millisecond {
		t.Errorf("Unexpected config: %+v", r.config)
	}
	if base.config.MaxAttempts != 8 {
		t.Error("With* must not modify the receiver")
	}

	called := false
	r = r.WithOnRetry(func(int, error, time.Duration) { called = true })
	_ = r.Do(func() error { return errors.ErrNoVictim })
	if !called {
		t.Error("Expected OnRetry to be called")
	}
}

func TestStatsCollector_Reset(t *testing.T) {
	sc := NewStatsCollector()
	sc.RecordAttempt(3, true, time.Millisecond)
	sc.Reset()
	if sc.GetStats() != (Stats{}) {
		t.Errorf("Expected empty stats after reset, got %+v", sc.GetStats())
	}
}

func BenchmarkRetryer_Success(b *testing.B) {
	retryer := New(DefaultConfig())
	for i := 0; i < b.N; i++ {
		_ = retryer.Do(func() error { return nil })
	}
}
