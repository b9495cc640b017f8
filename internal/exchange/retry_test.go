package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		errors.New("dial tcp: connection refused"),
		errors.New("read: connection reset by peer"),
		errors.New("context deadline exceeded (timeout)"),
		errors.New("429 Too Many Requests"),
		errors.New("rate limit exceeded"),
		errors.New("503 Service Unavailable"),
		errors.New("<APIError> code=-1001, msg=Internal error"),
		errors.New("<APIError> code=-1021, msg=Timestamp outside recvWindow"),
	}
	for _, err := range retryable {
		assert.True(t, IsRetryable(err), "%v", err)
	}

	permanent := []error{
		nil,
		errors.New("<APIError> code=-2010, msg=Account has insufficient balance"),
		errors.New("invalid symbol"),
	}
	for _, err := range permanent {
		assert.False(t, IsRetryable(err), "%v", err)
	}
}

func TestWithRetry(t *testing.T) {
	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), fastRetryConfig(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("recovers from a transient fault", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), fastRetryConfig(), func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), fastRetryConfig(), func() error {
			calls++
			return errors.New("rate limit exceeded")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
	})

	t.Run("permanent error returns immediately", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), fastRetryConfig(), func() error {
			calls++
			return errors.New("insufficient balance")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := WithRetry(ctx, fastRetryConfig(), func() error {
			return errors.New("connection refused")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cancelled")
	})
}
