package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 2 {
		t.Errorf("expected MaxRetries=2, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 250*time.Millisecond {
		t.Errorf("expected InitialDelay=250ms, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 3*time.Second {
		t.Errorf("expected MaxDelay=3s, got %v", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("expected Multiplier=2.0, got %f", cfg.Multiplier)
	}
}

func testConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), testConfig(), func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), testConfig(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	wantErr := errors.New("persistent failure")
	callCount := 0
	err := Do(context.Background(), testConfig(), func() error {
		callCount++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("expected last error %v, got %v", wantErr, err)
	}
	if callCount != 4 {
		t.Errorf("expected 4 calls (1 + 3 retries), got %d", callCount)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	cfg := &Config{
		MaxRetries:   5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	err := Do(ctx, cfg, func() error {
		callCount++
		cancel()
		return errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), testConfig(), func() (string, error) {
		callCount++
		if callCount < 2 {
			return "", errors.New("transient")
		}
		return "answer", nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "answer" {
		t.Errorf("expected %q, got %q", "answer", result)
	}
}

type flaggedError struct {
	msg       string
	retryable bool
}

func (e *flaggedError) Error() string     { return e.msg }
func (e *flaggedError) IsRetryable() bool { return e.retryable }

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors should be treated as permanent")
	}
	if !IsRetryable(&flaggedError{msg: "rate limited", retryable: true}) {
		t.Error("retryable flagged error not recognized")
	}
	if IsRetryable(&flaggedError{msg: "bad request", retryable: false}) {
		t.Error("permanent flagged error treated as retryable")
	}
}

func TestDoIfRetryable_PermanentAbortsImmediately(t *testing.T) {
	wantErr := &flaggedError{msg: "invalid api key", retryable: false}
	callCount := 0
	err := DoIfRetryable(context.Background(), testConfig(), func() error {
		callCount++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("expected %v, got %v", wantErr, err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", callCount)
	}
}

func TestDoIfRetryable_RetriesRetryable(t *testing.T) {
	callCount := 0
	err := DoIfRetryable(context.Background(), testConfig(), func() error {
		callCount++
		if callCount < 3 {
			return &flaggedError{msg: "overloaded", retryable: true}
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDoWithResultIfRetryable(t *testing.T) {
	callCount := 0
	result, err := DoWithResultIfRetryable(context.Background(), testConfig(), func() (int, error) {
		callCount++
		if callCount == 1 {
			return 0, &flaggedError{msg: "timeout", retryable: true}
		}
		return 42, nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
}
