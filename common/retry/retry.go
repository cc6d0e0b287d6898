// Package retry runs an operation with exponential backoff.
//
// Usage:
//
//	vec, err := retry.Do(ctx, retry.Policy{Attempts: 3}, func(ctx context.Context) ([]float32, error) {
//	    return embedder.Embed(ctx, content)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy controls the backoff.
type Policy struct {
	// Attempts is the total number of calls, the first included. Values
	// below 1 mean a single call.
	Attempts int
	// BaseDelay is the wait after the first failure. It doubles after each
	// further failure, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable classifies errors. Nil retries everything except errors
	// marked with Permanent.
	Retryable func(err error) bool
	Logger    *slog.Logger
}

// DefaultPolicy suits short network calls.
var DefaultPolicy = Policy{
	Attempts:  3,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  10 * time.Second,
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying under the default classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func (p Policy) normalised() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = func(err error) bool { return !IsPermanent(err) }
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalised()
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// runs out of attempts, or ctx is done. The last error is returned, joined
// with ctx.Err() when cancellation cut the loop short.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalised()

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(lastErr, err)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !p.Retryable(err) || attempt == p.Attempts {
			break
		}

		delay := p.Delay(attempt)
		p.Logger.Debug("retry: attempt failed",
			"attempt", attempt,
			"max", p.Attempts,
			"delay", delay,
			"err", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, errors.Join(lastErr, ctx.Err())
		case <-t.C:
		}
	}
	return zero, lastErr
}
