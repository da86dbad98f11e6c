package server

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestOutgoingBatcherCoalesces verifies many kicks produce one flush
func TestOutgoingBatcherCoalesces(t *testing.T) {
	var flushes atomic.Int32
	b := NewOutgoingBatcher(func() { flushes.Add(1) })

	for i := 0; i < 20; i++ {
		b.Kick()
	}
	time.Sleep(50 * time.Millisecond)

	if got := flushes.Load(); got != 1 {
		t.Errorf("Expected 1 flush, got %d", got)
	}
	if b.BatchCount() != 1 {
		t.Errorf("Expected batch count 1, got %d", b.BatchCount())
	}
}

// TestOutgoingBatcherKickAfterFlush verifies a new window opens after a flush
func TestOutgoingBatcherKickAfterFlush(t *testing.T) {
	var flushes atomic.Int32
	b := NewOutgoingBatcher(func() { flushes.Add(1) })

	b.Kick()
	time.Sleep(50 * time.Millisecond)
	b.Kick()
	time.Sleep(50 * time.Millisecond)

	if got := flushes.Load(); got != 2 {
		t.Errorf("Expected 2 flushes, got %d", got)
	}
}

// TestOutgoingBatcherFlushNow verifies immediate flush cancels the timer
func TestOutgoingBatcherFlushNow(t *testing.T) {
	var flushes atomic.Int32
	b := NewOutgoingBatcher(func() { flushes.Add(1) })

	b.Kick()
	b.FlushNow()
	if got := flushes.Load(); got != 1 {
		t.Errorf("Expected 1 flush right away, got %d", got)
	}

	time.Sleep(50 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Errorf("Timer should have been cancelled, got %d flushes", got)
	}
}

// TestOutgoingBatcherStop verifies nothing is sent after Stop
func TestOutgoingBatcherStop(t *testing.T) {
	var flushes atomic.Int32
	b := NewOutgoingBatcher(func() { flushes.Add(1) })

	b.Kick()
	b.Stop()
	b.Kick()
	b.FlushNow()
	time.Sleep(50 * time.Millisecond)

	if got := flushes.Load(); got != 0 {
		t.Errorf("Expected no flushes after stop, got %d", got)
	}
}
