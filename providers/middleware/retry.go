package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/parley-ai/parley/model"
	"github.com/parley-ai/parley/telemetry"
)

type (
	// RetryOptions configures the retry middleware.
	RetryOptions struct {
		// MaxAttempts caps the total number of tries per request, including
		// the first. Zero selects 3.
		MaxAttempts int
		// InitialInterval seeds the exponential backoff. Zero selects 500ms.
		InitialInterval time.Duration
		// MaxInterval caps the delay between tries. Zero selects 30s.
		MaxInterval time.Duration
		// Classify reports whether an error is worth retrying. Nil selects
		// DefaultRetryable.
		Classify func(error) bool
		// Logger records each retried attempt.
		Logger telemetry.Logger
	}

	retryClient struct {
		next model.Client
		opts RetryOptions
	}
)

// DefaultRetryable retries rate-limit errors and honors context cancellation
// by refusing to retry once the caller has given up.
func DefaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, model.ErrRateLimited)
}

// Retry returns a middleware that retries failed Complete calls with
// exponential backoff. Stream calls pass through untouched: a stream that
// fails mid-flight may have already delivered chunks, so replaying it is the
// caller's decision.
func Retry(opts RetryOptions) Middleware {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	if opts.Classify == nil {
		opts.Classify = DefaultRetryable
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &retryClient{next: next, opts: opts}
	}
}

func (c *retryClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	attempt := 0
	operation := func() (model.Response, error) {
		resp, err := c.next.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !c.opts.Classify(err) {
			return model.Response{}, backoff.Permanent(err)
		}
		attempt++
		c.opts.Logger.Warn(ctx, "retrying model request",
			"attempt", attempt,
			"max_attempts", c.opts.MaxAttempts,
			"err", err,
		)
		return model.Response{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialInterval
	bo.MaxInterval = c.opts.MaxInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
	)
}

func (c *retryClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	return c.next.Stream(ctx, req)
}
