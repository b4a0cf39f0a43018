package netx

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// PolicyKind selects one of the three retry behaviours the system uses.
type PolicyKind int

const (
	// PolicyExponential doubles the delay each attempt, capped at MaxDelay.
	PolicyExponential PolicyKind = iota
	// PolicyRateLimitAware honours a server-provided delay when the error
	// carries one, else waits a fixed fallback.
	PolicyRateLimitAware
	// PolicyFixed waits the same delay between attempts.
	PolicyFixed
)

// Policy parameterises Retry.
type Policy struct {
	Kind        PolicyKind
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// ExponentialPolicy is the default transient-IO policy.
func ExponentialPolicy(attempts int, base, max time.Duration) Policy {
	return Policy{Kind: PolicyExponential, MaxAttempts: attempts, BaseDelay: base, MaxDelay: max, Jitter: true}
}

// RateLimitPolicy honours Retry-After style delays with a 60 s fallback.
func RateLimitPolicy(attempts int) Policy {
	return Policy{Kind: PolicyRateLimitAware, MaxAttempts: attempts, BaseDelay: 60 * time.Second}
}

// FixedPolicy waits delay between each attempt.
func FixedPolicy(attempts int, delay time.Duration) Policy {
	return Policy{Kind: PolicyFixed, MaxAttempts: attempts, BaseDelay: delay}
}

// RateLimitedError marks an error that carries a server-provided wait.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return errors.Wrapf(e.Err, "rate limited, retry after %s", e.RetryAfter).Error()
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// PermanentError marks an error Retry must not retry.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retry runs op under the policy, sleeping between attempts. Context
// cancellation aborts immediately with ctx.Err().
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.delay(attempt, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (p Policy) delay(attempt int, err error) time.Duration {
	var d time.Duration
	switch p.Kind {
	case PolicyExponential:
		d = p.BaseDelay * (1 << attempt)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	case PolicyRateLimitAware:
		var rl *RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			d = rl.RetryAfter
		} else {
			d = p.BaseDelay
		}
	default:
		d = p.BaseDelay
	}
	if q := int64(d) / 4; p.Jitter && q > 0 {
		d += time.Duration(rand.Int63n(q))
	}
	return d
}
