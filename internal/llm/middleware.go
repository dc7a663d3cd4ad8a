package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Retry retries ErrTransient failures with exponential backoff. Every other
// error is returned after the first attempt.
func Retry(policy RetryPolicy) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (string, error) {
			var out string
			attempt := 0
			op := func() error {
				attempt++
				resp, err := next(ctx, req)
				if err != nil {
					if errors.Is(err, ErrTransient) {
						return err
					}
					return backoff.Permanent(err)
				}
				out = resp
				return nil
			}
			notify := func(err error, wait time.Duration) {
				zerolog.Ctx(ctx).Warn().Err(err).Str("step", req.Step).Int("attempt", attempt).Dur("backoff", wait).Msg("model call failed, retrying")
			}
			if err := backoff.RetryNotify(op, policy.backOff(ctx), notify); err != nil {
				return "", err
			}
			return out, nil
		}
	}
}

// Timeout caps the latency of each call. Expiry is reported as ErrTimeout.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			out, err := next(callCtx, req)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s call exceeded %s", ErrTimeout, req.Step, d)
			}
			return out, err
		}
	}
}

// RateLimit spaces calls to at most perMinute per minute.
func RateLimit(perMinute int) Middleware {
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (string, error) {
			if err := limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limit: %w", err)
			}
			return next(ctx, req)
		}
	}
}

// Logging records each call. It never sees the credential.
func Logging(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (string, error) {
			startedAt := time.Now()
			out, err := next(logger.WithContext(ctx), req)
			event := logger.Debug()
			if err != nil {
				event = logger.Warn().Err(err)
			}
			event.
				Str("step", req.Step).
				Int("history", len(req.History)).
				Bool("image", len(req.Message.Image) > 0).
				Int("response_len", len(out)).
				Dur("duration", time.Since(startedAt)).
				Msg("model call")
			return out, err
		}
	}
}
