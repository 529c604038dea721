// Package workpool bounds how much FHE computation a ciphernode runs at
// once. Keyshare generation, public-key aggregation, and decryption-share
// generation are all CPU-bound ring-arithmetic work; without a cap a burst
// of simultaneous E3 rounds could starve the node's event-bus dispatch
// loop of CPU. Grounded on original_source's multithread crate
// (crates/multithread/src/pool.rs), which pairs a bounded semaphore with a
// long-running-job warning escalation; translated here from rayon+tokio to
// a goroutine pool gated by golang.org/x/sync/semaphore.
package workpool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gnosisguild/enclave/pkg/log"
)

const (
	warnAfter  = 10 * time.Second
	errorAfter = 30 * time.Second
)

// Pool runs named jobs with at most maxTasks running concurrently.
type Pool struct {
	sem *semaphore.Weighted
}

// New builds a Pool that admits up to maxTasks concurrent jobs.
func New(maxTasks int) *Pool {
	return &Pool{sem: semaphore.NewWeighted(int64(maxTasks))}
}

// Run blocks until a slot is free, then executes fn, logging a warning if
// it runs past 10s and an error if it runs past 30s. The result of fn is
// returned once it completes; ctx cancellation only affects the wait for
// a free slot, not fn itself once started.
func Run[T any](ctx context.Context, p *Pool, name string, fn func() (T, error)) (T, error) {
	var zero T

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("workpool: acquire slot for %q: %w", name, err)
	}
	defer p.sem.Release(1)

	done := make(chan struct{})
	go watchDuration(name, done)
	defer close(done)

	result, err := fn()
	if err != nil {
		return zero, err
	}
	return result, nil
}

func watchDuration(name string, done <-chan struct{}) {
	warnTimer := time.NewTimer(warnAfter)
	defer warnTimer.Stop()

	select {
	case <-done:
		return
	case <-warnTimer.C:
		log.Logger.Warn().Str("job", name).Msg("job has been running for more than 10 seconds")
	}

	errTimer := time.NewTimer(errorAfter - warnAfter)
	defer errTimer.Stop()

	select {
	case <-done:
		return
	case <-errTimer.C:
		log.Logger.Error().Str("job", name).Msg("job has been running for more than 30 seconds")
	}
}
