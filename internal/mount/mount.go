// Package mount binds loaded entries to render tree anchors. Every resource an
// entry claims while rendering is tracked on the handle and released exactly
// once, when the handle is unmounted or the mount fails.
package mount

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"sync"

	"github.com/google/uuid"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/loader"
	"github.com/zot/ui-compose/internal/tree"
)

var (
	// ErrNotLoaded is returned when mounting a state that is not Loaded.
	ErrNotLoaded = errors.New("module is not loaded")
	// ErrReleased is returned when unmounting a handle twice.
	ErrReleased = errors.New("handle already released")
	// ErrNotOwner is returned when unmounting another owner's handle.
	ErrNotOwner = errors.New("handle belongs to another owner")
)

// AlreadyMountedError is returned when an anchor already holds a handle.
type AlreadyMountedError struct {
	Anchor string
	Handle string
}

func (e *AlreadyMountedError) Error() string {
	return fmt.Sprintf("anchor %q already holds handle %s", e.Anchor, e.Handle)
}

// RenderPanicError reports a panic raised by an entry while rendering.
type RenderPanicError struct {
	Module string
	Value  any
}

func (e *RenderPanicError) Error() string {
	return fmt.Sprintf("module %q panicked while rendering: %v", e.Module, e.Value)
}

// Owner identifies who may unmount a handle (one per host composer).
type Owner string

// Tree is the part of the render tree the adapter writes to.
type Tree interface {
	Attach(anchor string, html template.HTML) error
	Detach(anchor string) error
}

// Handle is one mounted entry.
type Handle struct {
	ID     string
	Owner  Owner
	Anchor string
	Module string

	scope    *component.Scope
	unpin    func() // releases the module lease
	released bool   // guarded by Adapter.mu
}

// Resources lists the resources the mounted entry holds.
func (h *Handle) Resources() []string {
	if h.scope == nil {
		return nil
	}
	return h.scope.Names()
}

// Adapter mounts entries into one tree.
type Adapter struct {
	tree   Tree
	config *config.Config

	mu       sync.Mutex
	byAnchor map[string]*Handle
}

// New creates an adapter writing to t.
func New(t Tree, cfg *config.Config) *Adapter {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Adapter{tree: t, config: cfg, byAnchor: make(map[string]*Handle)}
}

// Mount renders state's entry with props and attaches the fragment to anchor.
// Only Loaded states can be mounted. On any failure the anchor is left
// unclaimed and every resource acquired during render is released.
func (a *Adapter) Mount(ctx context.Context, owner Owner, state *loader.LoadState, anchor string, props component.Props) (_ *Handle, err error) {
	if state == nil || state.Status() != loader.Loaded {
		name := ""
		if state != nil {
			name = state.Descriptor.Name
		}
		return nil, fmt.Errorf("mount %q: %w", name, ErrNotLoaded)
	}
	entry := state.Entry()
	unpin, err := state.Retain()
	if err != nil {
		return nil, fmt.Errorf("mount %q: %w", state.Descriptor.Name, err)
	}

	handle := &Handle{
		ID:     uuid.NewString(),
		Owner:  owner,
		Anchor: anchor,
		Module: state.Descriptor.Name,
		scope:  component.NewScope(),
		unpin:  unpin,
	}
	handle.scope.OnReleasePanic(func(name string, rec any) {
		a.config.Error("Mount: releaser %s of %s panicked: %v", name, handle.Module, rec)
	})

	a.mu.Lock()
	if held, ok := a.byAnchor[anchor]; ok {
		a.mu.Unlock()
		unpin()
		return nil, &AlreadyMountedError{Anchor: anchor, Handle: held.ID}
	}
	// Reserve the anchor while rendering
	a.byAnchor[anchor] = handle
	a.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = &RenderPanicError{Module: handle.Module, Value: rec}
		}
		if err != nil {
			released := handle.scope.Release()
			handle.unpin()
			a.mu.Lock()
			handle.released = true
			delete(a.byAnchor, anchor)
			a.mu.Unlock()
			a.config.Log(1, "Mount: %s into %s failed, released %d resources: %v", handle.Module, anchor, released, err)
		}
	}()

	html, err := entry.Render(ctx, props, handle.scope)
	if err != nil {
		return nil, err
	}
	if err := a.tree.Attach(anchor, html); err != nil {
		return nil, err
	}
	a.config.Log(2, "Mount: %s mounted into %s as %s", handle.Module, anchor, handle.ID)
	return handle, nil
}

// Unmount detaches h's anchor and releases its resources.
// A second unmount returns ErrReleased and releases nothing.
func (a *Adapter) Unmount(owner Owner, h *Handle) error {
	if h == nil {
		return ErrReleased
	}
	a.mu.Lock()
	if h.released {
		a.mu.Unlock()
		return ErrReleased
	}
	if h.Owner != owner {
		a.mu.Unlock()
		return ErrNotOwner
	}
	h.released = true
	if a.byAnchor[h.Anchor] == h {
		delete(a.byAnchor, h.Anchor)
	}
	a.mu.Unlock()

	err := a.tree.Detach(h.Anchor)
	released := h.scope.Release()
	h.unpin()
	a.config.Log(2, "Mount: unmounted %s from %s, released %d resources", h.Module, h.Anchor, released)
	if errors.Is(err, tree.ErrNoAnchor) {
		return nil
	}
	return err
}

// UnmountAll unmounts every handle owned by owner and returns how many.
func (a *Adapter) UnmountAll(owner Owner) int {
	var handles []*Handle
	a.mu.Lock()
	for _, h := range a.byAnchor {
		if h.Owner == owner {
			handles = append(handles, h)
		}
	}
	a.mu.Unlock()

	n := 0
	for _, h := range handles {
		if err := a.Unmount(owner, h); err == nil {
			n++
		}
	}
	return n
}

// Mounted reports whether anchor holds a handle.
func (a *Adapter) Mounted(anchor string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byAnchor[anchor]
	return ok
}

// Count returns the number of live handles.
func (a *Adapter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byAnchor)
}
