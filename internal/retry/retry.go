// Package retry runs an operation until it succeeds, following a delay schedule.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Schedule returns the delay before retry number attempt (1-based)
type Schedule func(attempt int) time.Duration

// Fixed waits d between every attempt
func Fixed(d time.Duration) Schedule {
	return func(int) time.Duration { return d }
}

// Exponential doubles the delay from initial up to max
func Exponential(initial, max time.Duration) Schedule {
	return func(attempt int) time.Duration {
		d := initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// Steps uses the given delays in order and repeats the last one
func Steps(delays ...time.Duration) Schedule {
	return func(attempt int) time.Duration {
		if len(delays) == 0 {
			return 0
		}
		if attempt > len(delays) {
			return delays[len(delays)-1]
		}
		return delays[attempt-1]
	}
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Notify is called after a failed attempt, before waiting delay
type Notify func(err error, delay time.Duration)

// Do runs op up to maxAttempts times.
// It stops early when op succeeds, op returns a Permanent error or ctx is done,
// and returns the last error otherwise.
func Do(ctx context.Context, op func(ctx context.Context) error, maxAttempts int, schedule Schedule) error {
	return DoNotify(ctx, op, maxAttempts, schedule, nil)
}

// DoNotify is Do with a callback for every failed attempt
func DoNotify(ctx context.Context, op func(ctx context.Context) error, maxAttempts int, schedule Schedule, notify Notify) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var b backoff.BackOff = &scheduleBackOff{schedule: schedule}
	b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	return backoff.RetryNotify(func() error {
		return op(ctx)
	}, b, backoff.Notify(notify))
}

// scheduleBackOff adapts a Schedule to backoff.BackOff
type scheduleBackOff struct {
	schedule Schedule
	attempt  int
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	s.attempt++
	if s.schedule == nil {
		return 0
	}
	return s.schedule(s.attempt)
}

func (s *scheduleBackOff) Reset() {
	s.attempt = 0
}
