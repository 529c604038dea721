package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffRunSucceedsWithoutRetry(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Factor: 2, MaxAttempts: 3}
	calls := 0
	err := b.Run(context.Background(), "op", nil, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestBackoffRunRetriesThenSucceeds(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Factor: 2, MaxAttempts: 5}
	calls := 0
	err := b.Run(context.Background(), "op", nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestBackoffRunExhaustsAttempts(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Factor: 2, MaxAttempts: 3}
	calls := 0
	err := b.Run(context.Background(), "op", nil, func() error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestBackoffRunFailsFastOnNonRetryableError(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Factor: 2, MaxAttempts: 10}
	calls := 0
	err := b.Run(context.Background(), "op", []string{"retryable"}, func() error {
		calls++
		return errors.New("permanent: bad config")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestBackoffRunRespectsContextCancellation(t *testing.T) {
	b := Backoff{Initial: 50 * time.Millisecond, Factor: 2, MaxAttempts: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := b.Run(ctx, "op", nil, func() error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
