package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohamedkhairy/trading-rules/internal/models"
	"github.com/mohamedkhairy/trading-rules/internal/rules"
	"github.com/mohamedkhairy/trading-rules/pkg/logger"
)

// retryPolicy runs store calls with a per-attempt timeout and bounded
// exponential backoff between attempts
type retryPolicy struct {
	maxRetries     int
	initialDelay   time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration
}

func (p retryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialDelay
	b.MaxInterval = p.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxRetries)), ctx)
}

// do calls fn until it succeeds, fails permanently, or retries run out.
// It returns the number of attempts made and the last error.
func (p retryPolicy) do(ctx context.Context, operation string, fn func(ctx context.Context) error) (int, error) {
	attempts := 0

	op := func() error {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		StoreRetriesTotal.WithLabelValues(operation).Inc()
		logger.Warn("Rule store call failed, retrying",
			logger.String("operation", operation),
			logger.Int("attempt", attempts),
			logger.Duration("backoff", wait),
			logger.ErrorField(err),
		)
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	return attempts, err
}

// retryable reports whether a failed store call may succeed when repeated.
// Answers from the store about the rule itself are final, as is the
// caller giving up.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, models.ErrRuleNotFound),
		errors.Is(err, models.ErrDuplicateExecution),
		errors.Is(err, models.ErrModeImmutable),
		errors.Is(err, context.Canceled),
		rules.IsValidationError(err):
		return false
	}
	return true
}
