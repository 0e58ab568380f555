// Package resilience composes "with timeout" and "with retry" around external calls.
//
// Every call to a content provider, the inference provider, the embedding provider
// or the persisted store goes through Call so that each call site gets the same
// failure behavior: a hard per-attempt budget, retries only for transient failures,
// exponential backoff with jitter, and a bounded number of attempts.
package resilience

import (
	"context"
	"errors"
	"time"

	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes the timeout and retry budget of one class of external call.
type Policy struct {
	Timeout         time.Duration
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Default budgets per external collaborator.
var (
	FetchPolicy     = Policy{Timeout: 45 * time.Second, MaxAttempts: 4, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second}
	InferencePolicy = Policy{Timeout: 60 * time.Second, MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second}
	EmbedPolicy     = Policy{Timeout: 30 * time.Second, MaxAttempts: 4, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second}
	StorePolicy     = Policy{Timeout: 15 * time.Second, MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}
)

// Configure overrides the per-attempt timeouts of the default policies.
// It is meant to be called once at startup, before any call is made.
func Configure(fetch, inference, embed, store time.Duration) {
	if fetch > 0 {
		FetchPolicy.Timeout = fetch
	}
	if inference > 0 {
		InferencePolicy.Timeout = inference
	}
	if embed > 0 {
		EmbedPolicy.Timeout = embed
	}
	if store > 0 {
		StorePolicy.Timeout = store
	}
}

// Call runs op under the policy. Each attempt gets its own timeout; an attempt that
// runs out of time fails with errs.Timeout and is not retried. Only errors classified
// as errs.Transient are retried.
func Call[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := WithTimeout(ctx, p.Timeout, name, op)
		if err == nil {
			return res, nil
		}
		if errs.IsTransient(err) {
			return res, err
		}
		return res, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warnf("[resilience] %s 第 %d 次调用失败, %s 后重试: %v", name, attempt, next, err)
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return res, err
	}
	return res, nil
}

// WithTimeout runs op once with a deadline derived from ctx. When the deadline set
// here fires (and the parent context is still alive) the error is errs.Timeout.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, name string, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := op(callCtx)
	if err == nil {
		return res, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return res, errs.Timeout(name, err)
	}
	return res, err
}

// Do is Call for operations without a result value.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	_, err := Call(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
