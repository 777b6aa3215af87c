package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter admits at most one operation per interval across all callers.
// It is safe for concurrent use; a zero interval disables limiting.
type RateLimiter struct {
	interval time.Duration
	next     time.Time // earliest time the next operation may start
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter spacing operations by interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// NewRateLimiterPerMinute creates a RateLimiter that allows perMinute
// operations per minute.
func NewRateLimiterPerMinute(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return NewRateLimiter(0)
	}
	return NewRateLimiter(time.Minute / time.Duration(perMinute))
}

// Interval returns the configured spacing between operations.
func (rl *RateLimiter) Interval() time.Duration { return rl.interval }

// Wait blocks until the caller's slot arrives or the context is cancelled.
// Slots are reserved in call order, so waiters never starve each other.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rl == nil || rl.interval <= 0 {
		return nil
	}

	rl.mu.Lock()
	now := time.Now()
	slot := rl.next
	if slot.Before(now) {
		slot = now
	}
	rl.next = slot.Add(rl.interval)
	rl.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return nil
	}
	return Sleep(ctx, delay)
}

// Sleep pauses for d or until ctx is done, whichever happens first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
