package server

import (
	"sync"
	"time"
)

// OutgoingBatcher coalesces tree changes for one session. Every change kicks
// the debounce timer; when it fires, flush sends whatever patches piled up
// as one message. Browser-initiated work flushes immediately instead.
type OutgoingBatcher struct {
	mu               sync.Mutex
	debounceTimer    *time.Timer
	debounceInterval time.Duration
	flushFn          func()
	flushMu          sync.Mutex // serializes flushes so patches stay ordered
	stopped          bool
	batchCount       int
}

// NewOutgoingBatcher creates a batcher that calls flush to send pending patches.
func NewOutgoingBatcher(flush func()) *OutgoingBatcher {
	return &OutgoingBatcher{
		debounceInterval: 10 * time.Millisecond,
		flushFn:          flush,
	}
}

// Kick starts the debounce timer unless it is already running.
func (b *OutgoingBatcher) Kick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped || b.debounceTimer != nil {
		return
	}
	b.debounceTimer = time.AfterFunc(b.debounceInterval, b.flush)
}

// FlushNow sends pending patches immediately.
func (b *OutgoingBatcher) FlushNow() {
	b.mu.Lock()
	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.mu.Unlock()

	b.flush()
}

func (b *OutgoingBatcher) flush() {
	b.mu.Lock()
	b.debounceTimer = nil
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.batchCount++
	b.mu.Unlock()

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.flushFn()
}

// Stop cancels the timer; later kicks and flushes do nothing.
func (b *OutgoingBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.debounceTimer != nil {
		b.debounceTimer.Stop()
	}
	b.debounceTimer = nil
	b.stopped = true
}

// BatchCount returns how many flushes ran.
func (b *OutgoingBatcher) BatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchCount
}
