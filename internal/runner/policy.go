// Package runner executes single steps: it invokes the injected
// StepExecutor capability inside an isolation lease, enforces the per-step
// timeout, applies the retry policy, and commits the outcome to the state
// store synchronously before returning.
package runner

import (
	"time"

	enginerr "github.com/planrun/planrun/internal/errors"
)

// Class is the retry classification of a failure.
type Class int

const (
	// Retry marks a transient failure worth another attempt.
	Retry Class = iota
	// Fail marks a blocking failure that will not resolve by retrying.
	Fail
)

// String returns the string representation of the class.
func (c Class) String() string {
	if c == Retry {
		return "retry"
	}
	return "fail"
}

// Classify maps a failure to its retry class. It is a pure function over
// the error value, decoupled from the loop that performs the retries:
// timeouts, resource exhaustion, and executor failures marked transient
// classify as Retry; everything else (including cancellation) as Fail.
func Classify(err error) Class {
	if enginerr.Is(err, enginerr.ErrCanceled) {
		return Fail
	}
	if enginerr.IsRetryable(err) {
		return Retry
	}
	return Fail
}

// Policy is the retry policy data consumed by the runner's attempt loop.
type Policy struct {
	// MaxAttempts is the total number of execution attempts allowed per
	// step, including the first.
	MaxAttempts int

	// Backoff is the delay schedule between attempts: Backoff[0] after the
	// first failure, Backoff[1] after the second, and so on. When a step
	// fails more times than the schedule has entries, the last entry
	// repeats.
	Backoff []time.Duration
}

// DefaultPolicy returns the standard policy: three attempts with 1s, 3s,
// 5s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
	}
}

// Delay returns how long to wait after the given failure count
// (1 = after the first failure). Returns 0 for a non-positive count or an
// empty schedule.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 || len(p.Backoff) == 0 {
		return 0
	}
	if failures > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[failures-1]
}

// Exhausted reports whether a step with the given attempt count has no
// attempts left.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
