package session

import (
	"context"
	"time"
)

// Fixed reconnect schedules. The first entry is the delay before the first
// attempt, so attempt one always fires immediately.
var (
	// midStreamSchedule bounds how long a live conversation stalls before
	// the session gives up on a dropped provider connection.
	midStreamSchedule = []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond}

	// firstOpenSchedule is more patient: nothing is in flight yet, so it is
	// worth waiting out a brief provider outage.
	firstOpenSchedule = []time.Duration{
		0,
		100 * time.Millisecond,
		1 * time.Second,
		3 * time.Second,
		5 * time.Second,
	}
)

// retrySchedule runs attempt once per schedule entry, sleeping the entry's
// delay first. It stops on the first nil error, on a non-retryable error, or
// when ctx is done. The returned error is the last attempt's error.
func retrySchedule(ctx context.Context, schedule []time.Duration, retryable func(error) bool, attempt func(ctx context.Context) error) error {
	var lastErr error
	for _, delay := range schedule {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
