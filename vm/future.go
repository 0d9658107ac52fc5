package vm

import (
	"context"
	"fmt"
	"sync"
)

// Future is the pending result of an invocation. It is completed exactly
// once, either with the callee's return values or with an error (usually an
// *UnhandledException). Futures are handles, so interpreted code can hold
// them in registers and await them later.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	values    []Handle
	err       error
	callbacks []func()
}

// NewFuture creates a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// failedFuture returns a future already failed with err.
func failedFuture(err error) *Future {
	f := NewFuture()
	f.Fail(err)
	return f
}

func (f *Future) Kind() Kind { return KindFuture }

func (f *Future) String() string {
	if !f.IsDone() {
		return "Future(pending)"
	}
	if f.err != nil {
		return fmt.Sprintf("Future(failed: %v)", f.err)
	}
	return fmt.Sprintf("Future(%v)", f.values)
}

// Complete resolves the future with values. Returns false if the future was
// already completed.
func (f *Future) Complete(values ...Handle) bool {
	return f.finish(values, nil)
}

// Fail resolves the future with an error.
func (f *Future) Fail(err error) bool {
	return f.finish(nil, err)
}

func (f *Future) finish(values []Handle, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.values = values
	f.err = err
	close(f.done)
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return true
}

// Done returns a channel closed on completion.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome of a completed future. It must only be called
// after IsDone reports true.
func (f *Future) Result() ([]Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values, f.err
}

// OnComplete registers fn to run once the future completes. If it already
// has, fn runs immediately on the calling goroutine.
func (f *Future) OnComplete(fn func()) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn()
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Wait blocks until the future completes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) ([]Handle, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Value waits for the future and returns its first value, or Null when the
// invocation returned nothing.
func (f *Future) Value(ctx context.Context) (Handle, error) {
	vals, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return Null, nil
	}
	return vals[0], nil
}
