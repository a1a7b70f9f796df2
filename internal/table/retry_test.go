package table

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/clock"
)

func TestRetry_Success(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond

	count := 0
	err := Retry(context.Background(), cfg, func() error {
		count++
		return nil
	})

	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 attempt, got %d", count)
	}
}

func TestRetry_FailThenSuccess(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond

	count := 0
	err := Retry(context.Background(), cfg, func() error {
		count++
		if count < 2 {
			return unix.EAGAIN
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 attempts, got %d", count)
	}
}

func TestRetry_FailMaxAttempts(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxAttempts = 3

	count := 0
	err := Retry(context.Background(), cfg, func() error {
		count++
		return unix.EAGAIN
	})

	if !errors.Is(err, unix.EAGAIN) {
		t.Errorf("expected EAGAIN, got %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 attempts, got %d", count)
	}
}

func TestRetry_NonRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond

	count := 0
	err := Retry(context.Background(), cfg, func() error {
		count++
		return unix.EPERM
	})

	if !errors.Is(err, unix.EPERM) {
		t.Errorf("expected EPERM, got %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 attempt for non-retryable error, got %d", count)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Retry(ctx, cfg, func() error {
		count++
		cancel()
		return unix.EAGAIN
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 attempt, got %d", count)
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}

	if d := calculateDelay(0, cfg); d != 100*time.Millisecond {
		t.Errorf("attempt 0: got %v", d)
	}
	if d := calculateDelay(1, cfg); d != 200*time.Millisecond {
		t.Errorf("attempt 1: got %v", d)
	}
	if d := calculateDelay(5, cfg); d != 300*time.Millisecond {
		t.Errorf("attempt 5: expected cap, got %v", d)
	}
}

func TestCommitWithRetry(t *testing.T) {
	tbl, tr := openFilter(t)
	if err := tbl.CreateChain("web"); err != nil {
		t.Fatal(err)
	}
	tr.On("Replace", "filter", mock.Anything).Return(unix.EAGAIN).Once()
	tr.On("Replace", "filter", mock.Anything).Return(nil).Once()

	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	if err := CommitWithRetry(context.Background(), tbl, cfg); err != nil {
		t.Fatalf("expected commit to succeed on retry, got %v", err)
	}
	if tbl.State() != Clean {
		t.Errorf("expected clean state, got %s", tbl.State())
	}
	tr.AssertNumberOfCalls(t, "Replace", 2)
}

func TestRetry_BackoffUsesClock(t *testing.T) {
	clk := clock.NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultRetryConfig()
	cfg.Jitter = false
	cfg.Clock = clk

	count := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(context.Background(), cfg, func() error {
			count++
			if count < 3 {
				return unix.EAGAIN
			}
			return nil
		})
	}()

	// Two backoffs: 100ms then 200ms.
	for _, step := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond} {
		deadline := time.Now().Add(5 * time.Second)
		for clk.Waiters() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("retry never waited on the clock")
			}
			time.Sleep(time.Millisecond)
		}
		clk.Advance(step)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not finish")
	}
	if count != 3 {
		t.Errorf("expected 3 attempts, got %d", count)
	}
}
