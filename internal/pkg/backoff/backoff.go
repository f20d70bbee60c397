// Package backoff provides capped exponential backoff with bounded jitter for
// job retries and reconnect loops.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// Policy computes the delay before a retry.
//
// The delay before retry n (n >= 1) is min(Max, Min * 2^(n-1) * (1 + j))
// where j is drawn from [0, JitterPct/100]. Jitter only ever lengthens a
// delay, so delays never decrease with n and never exceed Max.
type Policy struct {
	Min       time.Duration
	Max       time.Duration
	JitterPct int

	// Float returns a value in [0, 1). Defaults to math/rand/v2.
	Float func() float64
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := Exponential(p.Min, attempt-1)
	if p.Max > 0 && base >= p.Max {
		return p.Max
	}

	d := base + time.Duration(float64(base)*p.jitterFraction())
	if d < base {
		// overflow
		d = time.Duration(math.MaxInt64)
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

func (p Policy) jitterFraction() float64 {
	pct := min(max(p.JitterPct, 0), 100)
	if pct == 0 {
		return 0
	}
	f := rand.Float64
	if p.Float != nil {
		f = p.Float
	}
	return f() * float64(pct) / 100
}

// SleepWithContext sleeps for the given duration but respects context cancellation.
// Returns immediately (nil) for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
