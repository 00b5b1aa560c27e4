// Package retry bounds how long and how often network calls are attempted.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"studio/internal/domain"
)

// MaxRetries is the hard ceiling on retries for any policy.
const MaxRetries = 2

// Policy describes a bounded retry strategy. Timeout caps the whole call,
// retries included; a zero Timeout means the caller's context decides.
type Policy struct {
	Retries         int
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Notify is called before each retry.
	Notify func(attempt int, err error, wait time.Duration)
}

// Generation is the policy for generate and edit calls.
func Generation(timeout time.Duration, retries int) Policy {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return Policy{
		Retries:         retries,
		Timeout:         timeout,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Session is the policy for credit session reservation: short and never
// retried so a reservation cannot be issued twice.
func Session(timeout time.Duration) Policy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return Policy{Timeout: timeout}
}

// WithNotify returns a copy of p reporting retries to fn.
func (p Policy) WithNotify(fn func(attempt int, err error, wait time.Duration)) Policy {
	p.Notify = fn
	return p
}

func (p Policy) retries() uint64 {
	switch {
	case p.Retries < 0:
		return 0
	case p.Retries > MaxRetries:
		return MaxRetries
	}
	return uint64(p.Retries)
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return b
}

// Retryable reports whether err is worth another attempt. Only transient
// failures qualify; insufficient credits in particular fails fast.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrInsufficientCredits) ||
		errors.Is(err, domain.ErrSessionExhausted) ||
		errors.Is(err, domain.ErrInvalidPrompt) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, domain.ErrTransient)
}

// Do runs op under p. Non-retryable errors are returned as-is on the first
// occurrence.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	attempt := 0
	var lastErr error
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || !Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, wait time.Duration) {
		if p.Notify != nil {
			p.Notify(attempt, err, wait)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), p.retries()), ctx)
	v, err := backoff.RetryNotifyWithData(operation, b, notify)
	if err != nil && lastErr != nil && errors.Is(err, ctx.Err()) && !errors.Is(lastErr, ctx.Err()) {
		// The deadline hit while waiting between attempts; keep the cause.
		return v, errors.Join(err, lastErr)
	}
	return v, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
