package orchestrate

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy selects how the delay between retry attempts grows.
type BackoffPolicy int

const (
	BackoffFixed BackoffPolicy = iota
	BackoffLinear
	BackoffExponential
	BackoffFibonacci
)

// String returns the string representation of the BackoffPolicy.
func (p BackoffPolicy) String() string {
	switch p {
	case BackoffFixed:
		return "fixed"
	case BackoffLinear:
		return "linear"
	case BackoffExponential:
		return "exponential"
	case BackoffFibonacci:
		return "fibonacci"
	default:
		return fmt.Sprintf("backoff_policy_%d", int(p))
	}
}

// ParseBackoffPolicy converts a configuration string into a BackoffPolicy.
func ParseBackoffPolicy(s string) (BackoffPolicy, error) {
	switch s {
	case "fixed":
		return BackoffFixed, nil
	case "linear":
		return BackoffLinear, nil
	case "exponential":
		return BackoffExponential, nil
	case "fibonacci":
		return BackoffFibonacci, nil
	default:
		return BackoffFixed, fmt.Errorf("unknown backoff policy %q", s)
	}
}

// Backoff computes the delay before each retry attempt. The delay never
// exceeds MaxDelay (when set), and optional jitter perturbs it by ±10% so
// that many concurrent callers do not retry in lockstep.
type Backoff struct {
	Policy     BackoffPolicy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64 // exponential growth factor; defaults to 2
	Jitter     bool

	// Rand overrides the jitter source. Nil means math/rand.
	Rand func() float64
}

// isZero reports whether the backoff was left unconfigured.
func (b Backoff) isZero() bool {
	return b.BaseDelay == 0 && b.MaxDelay == 0 && b.Multiplier == 0
}

// DefaultBackoff is the retry backoff used when a caller does not configure
// one: exponential, 100ms base, 30s ceiling, with jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Policy:    BackoffExponential,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Jitter:    true,
	}
}

// Delay returns the backoff before retry attempt n (the first retry is
// attempt 1). Ignoring jitter, the result is non-decreasing in n and capped
// at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.BaseDelay)
	if base <= 0 {
		return 0
	}

	var d float64
	switch b.Policy {
	case BackoffLinear:
		d = base * float64(attempt)
	case BackoffExponential:
		mult := b.Multiplier
		if mult <= 1 {
			mult = 2
		}
		d = base * math.Pow(mult, float64(attempt-1))
	case BackoffFibonacci:
		d = base * float64(fibonacci(attempt))
	default:
		d = base
	}

	max := float64(b.MaxDelay)
	if max > 0 && (d > max || math.IsInf(d, 1)) {
		d = max
	}

	if b.Jitter {
		random := b.Rand
		if random == nil {
			random = rand.Float64
		}
		// ±10% around the computed delay.
		d += d * (random()*0.2 - 0.1)
	}

	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// fibonacci returns the nth Fibonacci number with fib(1) = fib(2) = 1,
// saturating well before float64 precision matters for delays.
func fibonacci(n int) uint64 {
	if n <= 2 {
		return 1
	}
	if n > 64 {
		n = 64
	}
	var a, b uint64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
