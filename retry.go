package pumped

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/samber/lo"
)

// RetryPolicy decides whether a failed operation runs again and how long to
// wait first. attempt is 1 for the first run. elapsed is measured from the
// first attempt to the moment the next attempt would start, delay included.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int, elapsed time.Duration) bool
	DelayFor(attempt int) time.Duration
}

// RetryReason explains why Retry stopped without success
type RetryReason int

const (
	// RetryExhausted means the attempt budget was used up
	RetryExhausted RetryReason = iota + 1
	// RetryNonRetryable means the error is not eligible for another attempt
	RetryNonRetryable
	// RetryDeadline means the elapsed-time ceiling was reached
	RetryDeadline
	// RetryCancelled means the context ended between attempts
	RetryCancelled
)

func (r RetryReason) String() string {
	switch r {
	case RetryExhausted:
		return "exhausted"
	case RetryNonRetryable:
		return "non-retryable"
	case RetryDeadline:
		return "deadline"
	case RetryCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("RetryReason(%d)", int(r))
	}
}

// StopReasoner is implemented by policies that can say why they stop.
// Retry uses it to fill RetryError.Reason.
type StopReasoner interface {
	StopReason(err error, attempt int, elapsed time.Duration) (RetryReason, bool)
}

// RetryError reports a Retry that gave up. It unwraps to the last error the
// operation returned.
type RetryError struct {
	Attempts int
	Reason   RetryReason
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", e.Reason, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// BackoffPolicy retries with exponential backoff.
//
// An error is retried when it is not in NeverRetryOn, Classifier (if set)
// accepts it, and it matches RetryOn (if non-empty). Resolution, ordering
// and construction errors, early exits and context errors are never retried.
type BackoffPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter draws each delay uniformly from [0, computed delay].
	Jitter     bool
	MaxElapsed time.Duration

	RetryOn      []error
	NeverRetryOn []error
	Classifier   func(error) bool
}

// DefaultBackoffPolicy returns the policy built from DefaultConfig
func DefaultBackoffPolicy() *BackoffPolicy {
	return DefaultConfig().Retry.Policy()
}

var neverRetried = []error{
	ErrResolution,
	ErrScopeOrdering,
	ErrConstruction,
	ErrEarlyExit,
	context.Canceled,
	context.DeadlineExceeded,
}

func matchesAny(err error, targets []error) bool {
	return lo.ContainsBy(targets, func(target error) bool {
		return errors.Is(err, target)
	})
}

// Retryable reports whether err is eligible for a retry under any policy
func Retryable(err error) bool {
	return err != nil && !matchesAny(err, neverRetried)
}

func (p *BackoffPolicy) retryable(err error) bool {
	if !Retryable(err) || matchesAny(err, p.NeverRetryOn) {
		return false
	}
	if p.Classifier != nil && !p.Classifier(err) {
		return false
	}
	if len(p.RetryOn) > 0 {
		return matchesAny(err, p.RetryOn)
	}
	return true
}

func (p *BackoffPolicy) StopReason(err error, attempt int, elapsed time.Duration) (RetryReason, bool) {
	switch {
	case errors.Is(err, context.Canceled) || IsCancellation(err):
		return RetryCancelled, true
	case !p.retryable(err):
		return RetryNonRetryable, true
	case attempt >= p.MaxAttempts:
		return RetryExhausted, true
	case p.MaxElapsed > 0 && elapsed >= p.MaxElapsed:
		return RetryDeadline, true
	}
	return 0, false
}

func (p *BackoffPolicy) ShouldRetry(err error, attempt int, elapsed time.Duration) bool {
	_, stop := p.StopReason(err, attempt, elapsed)
	return !stop
}

// DelayFor returns InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *BackoffPolicy) DelayFor(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	base := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if p.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(base)
}

func stopReason(policy RetryPolicy, err error, attempt int, elapsed time.Duration) (RetryReason, bool) {
	if sr, ok := policy.(StopReasoner); ok {
		return sr.StopReason(err, attempt, elapsed)
	}
	if policy.ShouldRetry(err, attempt, elapsed) {
		return 0, false
	}
	if !Retryable(err) {
		return RetryNonRetryable, true
	}
	return RetryExhausted, true
}

// Retry runs op until it succeeds or policy stops it, and returns the number
// of attempts made. The attempts are recorded in the current scope when
// there is one.
func Retry[R any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) (R, error)) (R, int, error) {
	var zero R
	if policy == nil {
		policy = DefaultBackoffPolicy()
	}

	start := time.Now()
	attempt := 0
	defer func() {
		if attempt > 0 && scopeFrom(ctx) != nil {
			_ = Record(ctx, Attempts{Count: attempt, Retries: attempt - 1})
		}
	}()

	for {
		attempt++
		result, err := op(ctx, attempt)
		if err == nil {
			return result, attempt, nil
		}

		delay := policy.DelayFor(attempt)
		if reason, stop := stopReason(policy, err, attempt, time.Since(start)+delay); stop {
			return zero, attempt, &RetryError{Attempts: attempt, Reason: reason, Err: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, &RetryError{Attempts: attempt, Reason: RetryCancelled, Err: err}
		case <-timer.C:
		}
	}
}
