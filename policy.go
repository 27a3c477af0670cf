package keypool

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ClassPolicy is the retry rule for one group of failure classes.
type ClassPolicy struct {
	// Penalize puts the serving key on cooldown for Penalty (escalating per failure).
	Penalize bool
	Penalty  time.Duration

	// Ceiling is the retry budget. The run ends in Terminal once the counter
	// exceeds it, or reaches it when Inclusive is set.
	Ceiling   int
	Inclusive bool
	// PerKey raises Ceiling to PerKey*keys for larger pools; 0 disables scaling.
	PerKey int

	// Backoff returns a fresh delay curve for a run.
	Backoff func() backoff.BackOff

	Terminal State
}

// ceiling returns the effective budget for a pool of the given size.
func (c ClassPolicy) ceiling(keys int) int {
	if c.PerKey > 0 {
		return max(c.Ceiling, c.PerKey*keys)
	}
	return c.Ceiling
}

// exceeded reports whether n failures of this class end the run.
func (c ClassPolicy) exceeded(n, keys int) bool {
	if c.Inclusive {
		return n >= c.ceiling(keys)
	}
	return n > c.ceiling(keys)
}

func (c ClassPolicy) newBackoff() backoff.BackOff {
	if c.Backoff == nil {
		return &backoff.ZeroBackOff{}
	}
	return c.Backoff()
}

// Policy maps every retryable failure class to its rule. Rejected failures
// have no rule: they end the run in StateFatal immediately.
type Policy struct {
	Validation ClassPolicy // ParseOrValidation and Empty
	Quota      ClassPolicy // Exhausted
	System     ClassPolicy // Unavailable
}

// For returns the rule for class c; ok is false for Rejected.
func (p Policy) For(c FailureClass) (ClassPolicy, bool) {
	switch c {
	case ParseOrValidation, Empty:
		return p.Validation, true
	case Exhausted:
		return p.Quota, true
	case Unavailable:
		return p.System, true
	}
	return ClassPolicy{}, false
}

// DefaultPolicy returns the stock retry table:
//
//	validation  no penalty   ceiling 2             500ms * n
//	quota       60s penalty  ceiling max(5, 2*keys) 2s doubling, cap 60s, jittered
//	system      60s penalty  ceiling 3 (inclusive)  2s doubling, cap 30s, jittered
func DefaultPolicy() Policy {
	return Policy{
		Validation: ClassPolicy{
			Ceiling:  2,
			Backoff:  func() backoff.BackOff { return NewLinearBackOff(500 * time.Millisecond) },
			Terminal: StateValidationExhausted,
		},
		Quota: ClassPolicy{
			Penalize: true,
			Penalty:  DefaultCooldown,
			Ceiling:  5,
			PerKey:   2,
			Backoff:  func() backoff.BackOff { return newExponential(2*time.Second, 60*time.Second) },
			Terminal: StateQuotaExhausted,
		},
		System: ClassPolicy{
			Penalize:  true,
			Penalty:   DefaultCooldown,
			Ceiling:   3,
			Inclusive: true,
			Backoff:   func() backoff.BackOff { return newExponential(2*time.Second, 30*time.Second) },
			Terminal:  StateSystemExhausted,
		},
	}
}

func newExponential(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.2
	expo.MaxElapsedTime = 0 // the ceilings bound the run, not the clock
	expo.Reset()
	return expo
}

// LinearBackOff waits Step, 2*Step, 3*Step, ...
type LinearBackOff struct {
	Step time.Duration
	n    int
}

// NewLinearBackOff returns a linear curve starting at step.
func NewLinearBackOff(step time.Duration) *LinearBackOff {
	return &LinearBackOff{Step: step}
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.Step
}

func (b *LinearBackOff) Reset() { b.n = 0 }
