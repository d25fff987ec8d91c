package actions

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds the retries of one action call
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 500ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

type retrying struct {
	next   Executor
	policy RetryPolicy
}

// WithRetry wraps next with bounded exponential backoff. Only errors that
// Retryable accepts are retried; an error Result without an error is final.
func WithRetry(next Executor, policy RetryPolicy) Executor {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	return &retrying{next: next, policy: policy}
}

func (r *retrying) Run(ctx context.Context, action Name, arg string) (Result, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialInterval
	eb.MaxInterval = r.policy.MaxInterval
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	var res Result
	op := func() error {
		var err error
		res, err = r.next.Run(ctx, action, arg)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	notify := func(err error, wait time.Duration) {
		observability.RecordActionRetry(string(action))
		logger.Warn().
			Str("action", string(action)).
			Dur("backoff", wait).
			Err(err).
			Msg("Action failed, retrying")
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && res.Status == "" {
		res = Failure(err)
	}
	return res, err
}

// Retryable reports whether an action error is worth another attempt
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownAction) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *EndpointError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var perm *backoff.PermanentError
	return !errors.As(err, &perm)
}
