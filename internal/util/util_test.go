package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := RetryIf(context.Background(), 5, 0, nil, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := RetryIf(context.Background(), maxAttempts, 0, nil, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryIfPermanent(t *testing.T) {
	permanent := errors.New("bad password")
	attempts := 0

	err := RetryIf(context.Background(), 5, 0, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func() error {
		attempts++
		if attempts == 1 {
			return errors.New("connection refused")
		}
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("RetryIf = %v, want %v", err, permanent)
	}
	if attempts != 2 {
		t.Errorf("RetryIf called fn %d times, want 2", attempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryIf(ctx, 3, time.Hour, nil, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestRateLimiterSpacing(t *testing.T) {
	rl := NewRateLimiter(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Wait(ctx); err != nil {
				t.Errorf("Wait: %v", err)
			}
		}()
	}
	wg.Wait()

	// First call is immediate; the remaining three wait one interval each.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("4 waits took %v, want >= 60ms", elapsed)
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	rl := NewRateLimiter(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait after cancel = %v, want context.Canceled", err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiterPerMinute(0)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if rl.Interval() != 0 {
		t.Errorf("Interval() = %v, want 0", rl.Interval())
	}
	if got := NewRateLimiterPerMinute(240).Interval(); got != 250*time.Millisecond {
		t.Errorf("240/min interval = %v, want 250ms", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("warn", "json", &buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON record, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	if got := ClockOrSystem(FixedClock(at)).Now(); !got.Equal(at) {
		t.Errorf("FixedClock.Now() = %v, want %v", got, at)
	}
	if _, ok := ClockOrSystem(nil).(SystemClock); !ok {
		t.Error("ClockOrSystem(nil) should return SystemClock")
	}
}
