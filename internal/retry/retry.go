// Package retry runs bounded operations: each attempt gets its own timeout
// carved out of the caller's deadline, and only transient failures are
// retried with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/memvra/mnemos/internal/errs"
)

// Policy configures Do.
type Policy struct {
	// Timeout bounds a single attempt. Zero means the attempt only inherits
	// the parent deadline.
	Timeout time.Duration
	// Attempts is the total number of tries. Values below 1 mean 1.
	Attempts int
	// BaseDelay is the wait before the second attempt; it doubles each time.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero uses the library default of one minute.
	MaxDelay time.Duration
	// Retryable overrides errs.IsTransient as the classifier.
	Retryable func(error) bool
}

// Once is a single attempt with a timeout, used on hot write paths.
func Once(timeout time.Duration) Policy {
	return Policy{Timeout: timeout, Attempts: 1}
}

// schedule builds the unjittered exponential schedule for p.
func (p Policy) schedule() backoff.BackOff {
	if p.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()
	return b
}

// Backoff returns the delay before attempt n (1-based retry count).
func (p Policy) Backoff(n int) time.Duration {
	b := p.schedule()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// budgeted stops the schedule once the next wait would outlast ctx's
// deadline.
type budgeted struct {
	backoff.BackOff
	ctx context.Context
}

func (b budgeted) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if deadline, ok := b.ctx.Deadline(); ok && time.Until(deadline) <= d {
		return backoff.Stop
	}
	return d
}

// Do runs fn until it succeeds, fails permanently, exhausts its attempts, or
// the parent context ends. The per-attempt timeout never extends past the
// parent's deadline, so stacked stages share one budget.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = errs.IsTransient
	}

	var last error
	tries := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		tries++
		attemptCtx, cancel := attemptContext(ctx, p.Timeout)
		defer cancel()
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		last = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	sched := backoff.WithContext(
		backoff.WithMaxRetries(budgeted{p.schedule(), ctx}, uint64(attempts-1)), ctx)
	err := backoff.Retry(op, sched)
	if err == nil {
		return nil
	}
	if last != nil && ctx.Err() != nil && !errors.Is(err, last) {
		return fmt.Errorf("retry: interrupted after %d attempt(s): %w", tries, last)
	}
	return err
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func attemptContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// Remaining reports how much of ctx's deadline is left, or fallback when ctx
// has none.
func Remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
