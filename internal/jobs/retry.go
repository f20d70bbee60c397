package jobs

import (
	"time"

	"corebank.io/platform/internal/pkg/backoff"
)

// RetrySettings controls what happens when a runner returns an error.
type RetrySettings struct {
	// MaxAttempts is the number of attempts before the job is marked
	// errored. Zero retries forever.
	MaxAttempts int
	// WarnAttempts is how many failed attempts are logged at warn level
	// before failures are logged as errors. Zero logs every failure as an
	// error.
	WarnAttempts int
	// MinBackoff is the delay before the first retry.
	MinBackoff time.Duration
	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
	// BackoffJitterPct lengthens each delay by up to this percentage
	// (0-100). The delay never exceeds MaxBackoff.
	BackoffJitterPct int
}

// DefaultRetrySettings returns default retry settings.
func DefaultRetrySettings() RetrySettings {
	return RetrySettings{
		MaxAttempts:      30,
		WarnAttempts:     3,
		MinBackoff:       time.Second,
		MaxBackoff:       time.Minute,
		BackoffJitterPct: 20,
	}
}

// RepeatIndefinitely returns settings that never mark the job errored.
// Long-running outbox listeners use it.
func RepeatIndefinitely() RetrySettings {
	s := DefaultRetrySettings()
	s.MaxAttempts = 0
	return s
}

// Indefinite reports whether the job retries forever.
func (s RetrySettings) Indefinite() bool { return s.MaxAttempts <= 0 }

// ShouldRetry reports whether another attempt follows failed attempt n.
func (s RetrySettings) ShouldRetry(n int) bool {
	return s.Indefinite() || n < s.MaxAttempts
}

// Exhausted reports whether attempt n is beyond the allowed attempts.
func (s RetrySettings) Exhausted(n int) bool {
	return !s.Indefinite() && n > s.MaxAttempts
}

// NextDelay returns the wait after failed attempt n.
func (s RetrySettings) NextDelay(n int) time.Duration {
	return s.policy().Delay(n)
}

// NextAttemptAt returns when the attempt after failed attempt n runs.
func (s RetrySettings) NextAttemptAt(now time.Time, n int) time.Time {
	return now.Add(s.NextDelay(n))
}

// WarnOnly reports whether failed attempt n is logged at warn level.
func (s RetrySettings) WarnOnly(n int) bool {
	return n <= s.WarnAttempts
}

func (s RetrySettings) policy() backoff.Policy {
	return backoff.Policy{Min: s.MinBackoff, Max: s.MaxBackoff, JitterPct: s.BackoffJitterPct}
}
