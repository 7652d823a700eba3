package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySchedule_FirstAttemptSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retrySchedule(context.Background(), midStreamSchedule, nil, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("retrySchedule: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestRetrySchedule_SucceedsMidSchedule(t *testing.T) {
	t.Parallel()

	schedule := []time.Duration{0, time.Millisecond, time.Millisecond}
	calls := 0
	err := retrySchedule(context.Background(), schedule, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retrySchedule: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestRetrySchedule_ExhaustsSchedule(t *testing.T) {
	t.Parallel()

	schedule := []time.Duration{0, time.Millisecond}
	wantErr := errors.New("still down")
	calls := 0
	err := retrySchedule(context.Background(), schedule, nil, func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last attempt error, got %v", err)
	}
	if calls != len(schedule) {
		t.Errorf("calls: got %d, want %d", calls, len(schedule))
	}
}

func TestRetrySchedule_StopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	fatal := errors.New("bad credentials")
	calls := 0
	err := retrySchedule(context.Background(), firstOpenSchedule,
		func(err error) bool { return !errors.Is(err, fatal) },
		func(context.Context) error {
			calls++
			return fatal
		})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestRetrySchedule_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retrySchedule(ctx, []time.Duration{time.Second}, nil, func(context.Context) error {
		t.Error("attempt ran despite cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSchedules(t *testing.T) {
	t.Parallel()

	if len(midStreamSchedule) != 3 {
		t.Errorf("mid-stream attempts: got %d, want 3", len(midStreamSchedule))
	}
	if len(firstOpenSchedule) != 5 {
		t.Errorf("first-open attempts: got %d, want 5", len(firstOpenSchedule))
	}
	if midStreamSchedule[0] != 0 || firstOpenSchedule[0] != 0 {
		t.Error("first attempt must fire immediately")
	}
}
