package loader

import (
	"context"
	"sync"

	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/registry"
)

// Status is the lifecycle stage of one load attempt.
type Status int

const (
	Pending Status = iota
	Loaded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// LoadState tracks one attempt to load a module. It moves from Pending to
// Loaded or Failed exactly once.
type LoadState struct {
	Descriptor registry.Descriptor
	Attempt    int

	mu     sync.Mutex
	status Status
	entry  component.Component
	ref    *moduleRef
	err    error
	done   chan struct{}
}

func newState(d registry.Descriptor, attempt int) *LoadState {
	return &LoadState{Descriptor: d, Attempt: attempt, done: make(chan struct{})}
}

// NewLoaded returns a terminal Loaded state, for Go-defined entries and tests.
func NewLoaded(d registry.Descriptor, entry component.Component) *LoadState {
	s := newState(d, 0)
	s.finish(nil, entry, nil)
	return s
}

// NewFailed returns a terminal Failed state.
func NewFailed(d registry.Descriptor, err error) *LoadState {
	s := newState(d, 0)
	s.finish(nil, nil, err)
	return s
}

// finish makes the state terminal. Later calls are ignored.
func (s *LoadState) finish(ref *moduleRef, entry component.Component, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Pending {
		return
	}
	if err != nil {
		s.status = Failed
		s.err = err
	} else {
		s.status = Loaded
		s.ref = ref
		s.entry = entry
	}
	close(s.done)
}

// Status returns the current status.
func (s *LoadState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Entry returns the loaded entry, or nil unless Loaded.
func (s *LoadState) Entry() component.Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

// Module returns the evaluated module, or nil unless Loaded from a source.
func (s *LoadState) Module() component.Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ref == nil {
		return nil
	}
	return s.ref.module
}

// Retain keeps the evaluated module open until release is called, even after
// the loader invalidates it. States with no evaluated module retain nothing.
func (s *LoadState) Retain() (release func(), err error) {
	s.mu.Lock()
	ref := s.ref
	s.mu.Unlock()
	if ref == nil {
		return func() {}, nil
	}
	return ref.retain()
}

// Err returns the failure cause, or nil unless Failed.
func (s *LoadState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the state becomes terminal.
func (s *LoadState) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the state is terminal or ctx is done.
// It returns ctx.Err() in the latter case; the state itself is unaffected.
func (s *LoadState) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
