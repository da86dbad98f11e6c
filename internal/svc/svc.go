// Package svc runs closures one at a time, in submission order, on a single
// goroutine. A host composer owns one executor and performs every state
// transition on it, so composer state needs no locks.
package svc

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStopped is returned by Sync when the executor no longer accepts work.
var ErrStopped = errors.New("executor stopped")

// Executor is a single-threaded service.
type Executor struct {
	name    string
	onPanic func(recovered any)

	mu       sync.Mutex
	queue    []func()
	stopping bool
	wake     chan struct{}
	stopped  chan struct{}
}

// New starts an executor.
func New(name string) *Executor {
	e := &Executor{
		name:    name,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go e.run()
	return e
}

// OnPanic sets the hook called when a task panics. The executor keeps running.
func (e *Executor) OnPanic(fn func(recovered any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPanic = fn
}

// Submit queues code. It returns false, without running code, once Stop was called.
func (e *Executor) Submit(code func()) bool {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, code)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync runs code on the executor and waits for its result.
// It must not be called from a task on the same executor.
func Sync[T any](e *Executor, code func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	ok := e.Submit(func() {
		var r result
		defer func() {
			if rec := recover(); rec != nil {
				r.err = fmt.Errorf("%s: panic: %v", e.name, rec)
			}
			ch <- r
		}()
		r.value, r.err = code()
	})
	if !ok {
		var zero T
		return zero, ErrStopped
	}
	r := <-ch
	return r.value, r.err
}

// Barrier waits until every task submitted before it has run.
func (e *Executor) Barrier() error {
	_, err := Sync(e, func() (struct{}, error) { return struct{}{}, nil })
	return err
}

// Stop stops accepting work, lets queued tasks finish and waits for the
// goroutine to exit. Safe to call more than once; must not be called from a task.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.stopping {
		e.stopping = true
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
	<-e.stopped
}

// Stopped reports whether Stop was called.
func (e *Executor) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

func (e *Executor) run() {
	defer close(e.stopped)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			stopping := e.stopping
			e.mu.Unlock()
			if stopping {
				return
			}
			<-e.wake
			continue
		}
		code := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.call(code)
	}
}

func (e *Executor) call(code func()) {
	defer func() {
		if rec := recover(); rec != nil {
			e.mu.Lock()
			hook := e.onPanic
			e.mu.Unlock()
			if hook != nil {
				hook(rec)
			}
		}
	}()
	code()
}
