// Package retry provides the bounded poll and backoff combinator shared by the
// locator, the challenge wait and the session error policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrTimeout is returned when the policy deadline passes before fn reports done.
	ErrTimeout = errors.New("retry: timed out")
	// ErrExhausted is returned when MaxAttempts checks ran without success.
	ErrExhausted = errors.New("retry: attempts exhausted")
	// ErrInvalidPolicy is returned for a policy Poll cannot run.
	ErrInvalidPolicy = errors.New("retry: invalid policy")
)

// Policy bounds a Poll. A zero MaxAttempts means only the Timeout bounds it;
// a zero Timeout means only MaxAttempts does. At least one must be set.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	// Multiplier grows the interval between checks. Values below 1 mean a fixed interval.
	Multiplier  float64
	MaxInterval time.Duration
	Timeout     time.Duration
}

// Fixed returns a policy that checks every interval until timeout.
func Fixed(interval, timeout time.Duration) Policy {
	return Policy{Interval: interval, Timeout: timeout}
}

// Result describes how a Poll finished.
type Result struct {
	Attempts int
	Elapsed  time.Duration
}

// CheckFunc is one check. Returning done=true stops the poll successfully.
// A non-nil error is remembered and the poll continues.
type CheckFunc func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs fn immediately and then after each interval until fn reports done,
// the attempts run out, the timeout passes or ctx is cancelled. When a timeout
// is set, a final check always runs at the deadline so that a condition which
// became true during the last sleep is not missed.
func Poll(ctx context.Context, p Policy, fn CheckFunc) (Result, error) {
	if p.MaxAttempts <= 0 && p.Timeout <= 0 {
		return Result{}, fmt.Errorf("%w: needs MaxAttempts or Timeout", ErrInvalidPolicy)
	}
	// A deadline with no interval would check in a busy loop.
	if p.Timeout > 0 && p.Interval <= 0 {
		return Result{}, fmt.Errorf("%w: Timeout requires a positive Interval", ErrInvalidPolicy)
	}

	start := time.Now()
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = start.Add(p.Timeout)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		done, err := fn(ctx, attempt)
		res := Result{Attempts: attempt, Elapsed: time.Since(start)}
		if done {
			return res, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			lastErr = err
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return res, wrap(ErrExhausted, lastErr)
		}

		wait := Backoff(p, attempt)
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return res, wrap(ErrTimeout, lastErr)
			}
			if wait > remaining {
				wait = remaining
			}
		}

		if err := Sleep(ctx, wait); err != nil {
			return res, err
		}
	}
}

// Backoff returns the wait after the given attempt (1-based).
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Interval)
	if p.Multiplier > 1 {
		d *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if d < 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Sleep pauses for d, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wrap(sentinel, last error) error {
	if last == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, last)
}
