package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/rotation/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return domain.NewTransientError(domain.TransientUnavailable, errors.New("busy"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonTransientError(t *testing.T) {
	rejected := errors.New("rejected")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return rejected
	})

	assert.Same(t, rejected, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsOnTimeouts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{
		MaxAttempts:    3,
		AttemptTimeout: 10 * time.Millisecond,
		Backoff:        time.Millisecond,
	}, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.False(t, exhausted.DeadlineExceeded)
	assert.Equal(t, domain.TransientTimeout, exhausted.Kind())
}

func TestRetry_OverallDeadline(t *testing.T) {
	start := time.Now()
	err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 100,
		Backoff:     20 * time.Millisecond,
		Overall:     50 * time.Millisecond,
	}, func(ctx context.Context) error {
		return domain.NewTransientError(domain.TransientRateLimit, errors.New("slow down"))
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.DeadlineExceeded)
	assert.Equal(t, domain.TransientTimeout, exhausted.Kind())
	assert.Less(t, exhausted.Attempts, 100)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry_RateLimitKindIsPreserved(t *testing.T) {
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 2}, func(ctx context.Context) error {
		return domain.NewTransientError(domain.TransientRateLimit, errors.New("429"))
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, domain.TransientRateLimit, exhausted.Kind())
	assert.True(t, errors.Is(err, domain.ErrTransient))
}
