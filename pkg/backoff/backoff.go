package backoff

import (
	"math/rand"
	"time"
)

// Kind selects a retry delay strategy.
type Kind string

const (
	Fixed             Kind = "fixed"
	Exponential       Kind = "exponential"
	ExponentialJitter Kind = "exponential_jitter"
)

// Spec holds the parameters for a backoff strategy.
type Spec struct {
	Kind      Kind          `json:"kind"`
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"`
}

// Decision is the outcome of evaluating the policy for one failed attempt.
type Decision struct {
	// DeadLetter forces the task to the DLQ with no further attempts.
	DeadLetter bool
	// Delay is the wait before the task becomes eligible again. Zero when
	// DeadLetter is true.
	Delay time.Duration
}

// randFloat returns a uniform value in [0,1). Overridable in tests.
var randFloat = rand.Float64

// Delay computes the wait before retry number attempt+1, where attempt is
// 1-indexed (1 = the first attempt just failed).
//
// Exponential schedule with base=1s, max=60s:
//
//	attempt 1 → 1s, 2 → 2s, 3 → 4s, ... capped at 60s from attempt 7 on.
//
// The jitter variant multiplies the exponential delay by a uniform factor in
// [0.5, 1.0] so a crashed dependency coming back does not see every retry at
// once.
func Delay(attempt int, spec Spec) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := spec.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := spec.MaxDelay
	if max <= 0 {
		max = time.Minute
	}

	switch spec.Kind {
	case Fixed:
		if base > max {
			return max
		}
		return base
	case ExponentialJitter:
		d := exponential(attempt, base, max)
		factor := 0.5 + 0.5*randFloat()
		return time.Duration(float64(d) * factor)
	default: // Exponential
		return exponential(attempt, base, max)
	}
}

// Evaluate applies the full policy for a failed attempt: a non-retryable
// failure or an exhausted attempt budget dead-letters; otherwise the task
// waits Delay(attempt, spec).
func Evaluate(attempt, maxAttempts int, nonRetryable bool, spec Spec) Decision {
	if nonRetryable || attempt >= maxAttempts {
		return Decision{DeadLetter: true}
	}
	return Decision{Delay: Delay(attempt, spec)}
}

func exponential(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d < 0 { // d < 0 guards duration overflow
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
