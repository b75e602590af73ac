// Package reconnect holds the backoff used by long-lived client connections.
package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Run calls fn until it returns nil or ctx ends, sleeping Delay(attempt)
// between failures. fn reports through connected when a connection was
// established so the next failure starts the schedule over.
func Run(ctx context.Context, fn func(ctx context.Context, connected func()) error) error {
	attempt := 0
	for {
		err := fn(ctx, func() { attempt = 0 })
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := Delay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
