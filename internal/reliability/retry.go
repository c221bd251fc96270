// Package reliability bounds calls to external collaborators (rate limits,
// timeouts, bounded retries) and archives the databases to object storage.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/rotation/internal/domain"
)

// RetryPolicy bounds a retried operation.
type RetryPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration // 0 = no per-attempt bound
	Backoff        time.Duration // first delay; doubles after each attempt
	MaxBackoff     time.Duration // 0 = uncapped
	Overall        time.Duration // 0 = no overall bound
}

// ExhaustedError is returned when every attempt failed transiently or the
// overall deadline passed.
type ExhaustedError struct {
	Err              error // last attempt's error
	Attempts         int
	DeadlineExceeded bool // the overall deadline ended the retries
}

func (e *ExhaustedError) Error() string {
	if e.DeadlineExceeded {
		return fmt.Sprintf("deadline exceeded after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Kind returns how the retries were exhausted. An overall deadline counts as a timeout.
func (e *ExhaustedError) Kind() domain.TransientKind {
	if e.DeadlineExceeded {
		return domain.TransientTimeout
	}
	return domain.TransientKindOf(e.Err)
}

// Retry runs fn until it succeeds, fails with a non-transient error, runs out
// of attempts or passes the overall deadline. Non-transient errors are returned
// as-is; exhaustion returns *ExhaustedError.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Overall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Overall)
		defer cancel()
	}

	backoff := policy.Backoff
	var lastErr error
	attempts := 0

	for attempts < policy.MaxAttempts {
		attempts++

		err := runAttempt(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.IsTransient(err) {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			return err
		}
		if ctx.Err() != nil || attempts == policy.MaxAttempts {
			break
		}

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
			if ctx.Err() != nil {
				break
			}
			backoff *= 2
			if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}
	}

	return &ExhaustedError{
		Err:              lastErr,
		Attempts:         attempts,
		DeadlineExceeded: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
