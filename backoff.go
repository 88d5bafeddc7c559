package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxBackoffShift = 62

// ExponentialBackoffStrategy doubles the delay per attempt up to max.
// With jitter the delay is drawn from [delay/2, delay).
type ExponentialBackoffStrategy struct {
	base   time.Duration
	max    time.Duration
	jitter bool
}

func NewExponentialBackoffStrategy(base, maxDelay time.Duration, jitter bool) *ExponentialBackoffStrategy {
	return &ExponentialBackoffStrategy{base: base, max: maxDelay, jitter: jitter}
}

// DefaultBackoffStrategy returns exponential backoff with jitter and the package default bounds.
func DefaultBackoffStrategy() BackoffStrategy {
	return NewExponentialBackoffStrategy(defaultBaseDelay, defaultMaxDelay, true)
}

func (s *ExponentialBackoffStrategy) NextDelay(attempt int) time.Duration {
	delay := exponential(s.base, attempt-1)
	if s.max > 0 && delay > s.max {
		delay = s.max
	}
	if !s.jitter || delay <= 1 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(rand.Int64N(int64(delay-half)))
}

// FixedBackoffStrategy waits the same delay after every attempt.
type FixedBackoffStrategy struct {
	delay time.Duration
}

func NewFixedBackoffStrategy(delay time.Duration) *FixedBackoffStrategy {
	return &FixedBackoffStrategy{delay: delay}
}

func (s *FixedBackoffStrategy) NextDelay(int) time.Duration {
	return s.delay
}

// exponential returns base * 2^attempt, saturating instead of overflowing.
func exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}
