// Package retry wraps operations against the generation provider in a capped
// exponential backoff with jitter, classifying upstream failures into
// retryable and fatal.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Options bounds a retried operation.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// maxDelay caps any single backoff interval.
const maxDelay = 30 * time.Second

// statusCarrier is implemented by errors that know their upstream HTTP
// status.
type statusCarrier interface {
	HTTPStatus() int
}

// StatusOf extracts the upstream HTTP status from an error chain, 0 when the
// failure never reached the provider.
func StatusOf(err error) int {
	var carrier statusCarrier
	if errors.As(err, &carrier) {
		return carrier.HTTPStatus()
	}
	return 0
}

// IsRetryable classifies a failure. 429 and 5xx are retryable; any other 4xx
// is fatal. Transport-level failures and timeouts carry no status and are
// retried; an explicit cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	status := StatusOf(err)
	switch {
	case status == 429:
		return true
	case status >= 500:
		return true
	case status >= 400:
		return false
	default:
		return true
	}
}

// WithRetry runs op until it succeeds, fails fatally, or exhausts
// opts.MaxAttempts. Delay between attempts follows min(base·2^attempt, 30s)
// with full jitter. Exhaustion returns the last error.
func WithRetry[T any](ctx context.Context, logger zerolog.Logger, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}

	policy := newPolicy(opts.BaseDelay)

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("retry: fatal failure, not retrying")
			return zero, err
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delay := fullJitter(policy.NextBackOff())
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("status", StatusOf(err)).
			Dur("delay", delay).
			Msg("retry: transient failure, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// newPolicy yields the deterministic capped exponential min(base·2^n, 30s).
// Randomization stays off here: the backoff package jitters after applying
// MaxInterval, which lets sampled delays reach twice the cap. Jitter is
// applied separately on the already-capped value.
func newPolicy(base time.Duration) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = maxDelay
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// fullJitter samples uniformly from [0, delay].
func fullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay) + 1))
}
