package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunReturnsResult(t *testing.T) {
	p := New(2)
	result, err := Run(context.Background(), p, "job", func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != 42 {
		t.Errorf("Run() = %d, want 42", result)
	}
}

func TestRunPropagatesError(t *testing.T) {
	p := New(1)
	wantErr := errTest{}
	_, err := Run(context.Background(), p, "job", func() (int, error) {
		return 0, wantErr
	})
	if err != wantErr {
		t.Errorf("Run() error = %v, want %v", err, wantErr)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(1)
	var running int32
	var maxSeen int32

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = Run(context.Background(), p, "first", func() (int, error) {
			atomic.AddInt32(&running, 1)
			close(started)
			<-release
			atomic.AddInt32(&running, -1)
			return 0, nil
		})
	}()

	<-started
	maxSeen = atomic.LoadInt32(&running)

	done := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), p, "second", func() (int, error) {
			return 0, nil
		})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second job ran before the pool slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done

	if maxSeen != 1 {
		t.Errorf("max concurrent jobs = %d, want 1", maxSeen)
	}
}

func TestRunAcquireRespectsContextCancellation(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = Run(context.Background(), p, "holder", func() (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, p, "blocked", func() (int, error) {
		return 0, nil
	})
	if err == nil {
		t.Error("Run() expected error when context is cancelled while waiting for a slot")
	}
}

type errTest struct{}

func (errTest) Error() string { return "test error" }
