package chain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backoff is a simple exponential retry schedule, grounded on
// original_source/crates/evm-helpers/src/retry.rs's call_with_retry: run an
// operation, and on a retryable error wait then try again, doubling the
// delay each time, up to MaxAttempts total tries.
type Backoff struct {
	Initial     time.Duration
	Factor      float64
	MaxAttempts int
}

// ReadBackoff governs the chain reader's log subscription/filter calls —
// spec §4.2: "500ms / factor 2 / max 10 for read subscriptions".
var ReadBackoff = Backoff{Initial: 500 * time.Millisecond, Factor: 2, MaxAttempts: 10}

// WriteBackoff governs the two on-chain writes a TxSender makes — spec
// §4.2: "initial 2000ms, factor 2, max attempts 3 for write side".
var WriteBackoff = Backoff{Initial: 2 * time.Second, Factor: 2, MaxAttempts: 3}

// shouldRetry mirrors retry.rs's should_retry_error: with no error-code
// filter every error is retryable; otherwise only errors whose message
// contains one of the given substrings are.
func shouldRetry(err error, retryOn []string) bool {
	if len(retryOn) == 0 {
		return true
	}
	msg := err.Error()
	for _, code := range retryOn {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// Run retries fn up to b.MaxAttempts times, honoring ctx cancellation
// between attempts. name is used only for the error returned on final
// exhaustion. retryOn, if non-empty, restricts retries to errors whose
// message contains one of the listed substrings — a non-matching error
// fails immediately, same as retry.rs's RetryError::Failure variant.
func (b Backoff) Run(ctx context.Context, name string, retryOn []string, fn func() error) error {
	delay := b.Initial
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr, retryOn) {
			return fmt.Errorf("chain: %s: non-retryable: %w", name, lastErr)
		}
		if attempt == b.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * b.Factor)
	}
	return fmt.Errorf("chain: %s: exhausted %d attempts: %w", name, b.MaxAttempts, lastErr)
}
