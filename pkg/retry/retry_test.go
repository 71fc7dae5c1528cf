package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashsync/dashsync.go/pkg/constants"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("default configuration", func(t *testing.T) {
		r := NewExponentialBackoff()

		delay, ok := r.NextDelay(0, nil)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, delay, 175*time.Millisecond) // 250ms - 30% jitter
		assert.LessOrEqual(t, delay, 325*time.Millisecond)    // 250ms + 30% jitter

		delay, ok = r.NextDelay(1, nil)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, delay, 350*time.Millisecond)
		assert.LessOrEqual(t, delay, 650*time.Millisecond)

		// MaxAttempts counts the initial call, so the last permitted
		// retry is number MaxAttempts-2.
		_, ok = r.NextDelay(constants.DefaultMaxAttempts-1, nil)
		assert.False(t, ok, "default policy is bounded to MaxAttempts total calls")
	})

	t.Run("without jitter", func(t *testing.T) {
		r := &ExponentialBackoff{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     1 * time.Second,
			Multiplier:   2.0,
		}

		delay, ok := r.NextDelay(0, nil)
		assert.True(t, ok)
		assert.Equal(t, 100*time.Millisecond, delay)

		delay, ok = r.NextDelay(1, nil)
		assert.True(t, ok)
		assert.Equal(t, 200*time.Millisecond, delay)

		delay, ok = r.NextDelay(2, nil)
		assert.True(t, ok)
		assert.Equal(t, 400*time.Millisecond, delay)

		// Capped at MaxDelay from here on.
		delay, ok = r.NextDelay(5, nil)
		assert.True(t, ok)
		assert.Equal(t, 1*time.Second, delay)
	})

	t.Run("zero MaxAttempts never gives up", func(t *testing.T) {
		r := &ExponentialBackoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		}

		_, ok := r.NextDelay(1000, nil)
		assert.True(t, ok)
	})
}

func TestFixedDelay(t *testing.T) {
	r := NewFixedDelay(50*time.Millisecond, 3)

	delay, ok := r.NextDelay(0, nil)
	assert.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, delay)

	delay, ok = r.NextDelay(1, nil)
	assert.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, delay)

	_, ok = r.NextDelay(2, nil)
	assert.False(t, ok, "three attempts means two retries")
}

func TestDo(t *testing.T) {
	t.Run("returns immediately on success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), NewFixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries network failures up to the bound", func(t *testing.T) {
		calls := 0
		wantErr := fmt.Errorf("%w: connection reset", constants.ErrNetwork)

		err := Do(context.Background(), NewFixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
			calls++
			return wantErr
		})

		assert.ErrorIs(t, err, constants.ErrNetwork)
		assert.Equal(t, 3, calls, "MaxAttempts total calls, initial attempt included")
	})

	t.Run("timeouts are retried like network failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), NewFixedDelay(time.Millisecond, 2), func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return fmt.Errorf("%w: query", constants.ErrTimeout)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("single-attempt policy never retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), NewFixedDelay(time.Millisecond, 1), func(ctx context.Context) error {
			calls++
			return fmt.Errorf("%w: down", constants.ErrNetwork)
		})

		assert.ErrorIs(t, err, constants.ErrNetwork)
		assert.Equal(t, 1, calls)
	})

	t.Run("rejections are not retried", func(t *testing.T) {
		calls := 0
		wantErr := fmt.Errorf("%w: unique constraint", constants.ErrRejected)

		err := Do(context.Background(), NewFixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
			calls++
			return wantErr
		})

		assert.ErrorIs(t, err, constants.ErrRejected)
		assert.Equal(t, 1, calls)
	})

	t.Run("unclassified errors are not retried", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), NewFixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
			calls++
			return errors.New("boom")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		err := Do(ctx, NewFixedDelay(time.Hour, 5), func(ctx context.Context) error {
			calls++
			cancel()
			return fmt.Errorf("%w: down", constants.ErrNetwork)
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls, "cancellation wins over the backoff sleep")
	})
}
