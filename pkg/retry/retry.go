// Package retry centralizes backoff policy for every call site that
// retries: query fetches, mutation sends, and realtime reconnection.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dashsync/dashsync.go/pkg/constants"
)

// Retryer decides the delay before the next attempt.
type Retryer interface {
	// NextDelay returns the delay before the next retry, where attempt
	// counts the retries already made (0 before the first retry), and
	// whether to keep retrying.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset clears any per-sequence state. Called after a success.
	Reset()
}

// ExponentialBackoff implements exponential backoff with jitter.
type ExponentialBackoff struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Multiplier is applied per attempt.
	Multiplier float64

	// MaxAttempts bounds the total number of attempts, the initial call
	// included (0 for unbounded). MaxAttempts of 3 means at most two
	// retries after the first failure.
	MaxAttempts int

	// JitterFactor is the maximum jitter as a fraction of the delay
	// (0.0 to 1.0). Zero disables jitter.
	JitterFactor float64
}

// NewExponentialBackoff returns a backoff policy with the defaults used
// throughout the sync layer: bounded attempts, 30% jitter.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultMaxAttempts,
		JitterFactor: 0.3,
	}
}

// NextDelay implements Retryer.
func (r *ExponentialBackoff) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxAttempts > 0 && attempt >= r.MaxAttempts-1 {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.JitterFactor > 0 {
		//nolint:gosec // math/rand is fine for jitter, not security-critical
		jitter := delay * r.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

// Reset implements Retryer.
func (r *ExponentialBackoff) Reset() {}

// FixedDelay retries with a constant delay. MaxAttempts bounds total
// attempts like ExponentialBackoff's.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxAttempts}
}

// NextDelay implements Retryer.
func (r *FixedDelay) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxAttempts > 0 && attempt >= r.MaxAttempts-1 {
		return 0, false
	}
	return r.Delay, true
}

// Reset implements Retryer.
func (r *FixedDelay) Reset() {}

// Do runs fn, retrying per the given policy as long as the failure is
// retryable (network-class, including timeouts). Rejections and other
// non-retryable errors stop the sequence immediately, as does ctx
// cancellation. Returns the last error when attempts are exhausted.
func Do(ctx context.Context, r Retryer, fn func(ctx context.Context) error) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			r.Reset()
			return nil
		}

		if !constants.IsRetryable(err) {
			return err
		}

		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
