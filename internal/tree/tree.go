// Package tree is the host render tree: an ordered set of anchors, each
// holding one HTML fragment. Changes are queued as patches for delivery to
// connected browsers.
package tree

import (
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
)

var (
	// ErrNoAnchor is returned when an anchor does not exist or was removed.
	ErrNoAnchor = errors.New("no such anchor")
	// ErrAnchorExists is returned when creating an anchor twice.
	ErrAnchorExists = errors.New("anchor already exists")
)

// Op is a patch operation.
type Op string

const (
	OpCreate Op = "create"
	OpAttach Op = "attach"
	OpDetach Op = "detach"
	OpRemove Op = "remove"
)

// Patch describes one change to the tree.
type Patch struct {
	Op     Op     `json:"op"`
	Anchor string `json:"anchor"`
	HTML   string `json:"html,omitempty"`
}

// Tree holds anchors and their content.
type Tree struct {
	mu       sync.RWMutex
	content  map[string]template.HTML
	order    []string
	pending  []Patch
	onChange func()
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{
		content: make(map[string]template.HTML),
	}
}

// OnChange sets a hook called after every change, outside the lock.
func (t *Tree) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// update applies fn under the lock, queues its patch and fires the hook.
func (t *Tree) update(fn func() (Patch, error)) error {
	t.mu.Lock()
	patch, err := fn()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.pending = append(t.pending, patch)
	hook := t.onChange
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// CreateAnchor adds an empty anchor at the end of the tree.
func (t *Tree) CreateAnchor(id string) error {
	return t.update(func() (Patch, error) {
		if _, ok := t.content[id]; ok {
			return Patch{}, fmt.Errorf("%w: %s", ErrAnchorExists, id)
		}
		t.content[id] = ""
		t.order = append(t.order, id)
		return Patch{Op: OpCreate, Anchor: id}, nil
	})
}

// Attach replaces an anchor's content.
func (t *Tree) Attach(id string, html template.HTML) error {
	return t.update(func() (Patch, error) {
		if _, ok := t.content[id]; !ok {
			return Patch{}, fmt.Errorf("%w: %s", ErrNoAnchor, id)
		}
		t.content[id] = html
		return Patch{Op: OpAttach, Anchor: id, HTML: string(html)}, nil
	})
}

// Detach clears an anchor's content, keeping the anchor.
func (t *Tree) Detach(id string) error {
	return t.update(func() (Patch, error) {
		if _, ok := t.content[id]; !ok {
			return Patch{}, fmt.Errorf("%w: %s", ErrNoAnchor, id)
		}
		t.content[id] = ""
		return Patch{Op: OpDetach, Anchor: id}, nil
	})
}

// Remove deletes an anchor. Later attaches to it fail with ErrNoAnchor.
func (t *Tree) Remove(id string) error {
	return t.update(func() (Patch, error) {
		if _, ok := t.content[id]; !ok {
			return Patch{}, fmt.Errorf("%w: %s", ErrNoAnchor, id)
		}
		delete(t.content, id)
		for i, a := range t.order {
			if a == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		return Patch{Op: OpRemove, Anchor: id}, nil
	})
}

// Has checks if an anchor exists.
func (t *Tree) Has(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.content[id]
	return ok
}

// Content returns an anchor's current fragment.
func (t *Tree) Content(id string) (template.HTML, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	html, ok := t.content[id]
	return html, ok
}

// Anchors returns anchor ids in creation order.
func (t *Tree) Anchors() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// ElementID is the DOM id of an anchor's wrapper element.
func ElementID(anchor string) string {
	return "uic-" + anchor
}

// HTML renders every anchor in order, each in its wrapper element.
func (t *Tree) HTML() template.HTML {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sb strings.Builder
	for _, id := range t.order {
		fmt.Fprintf(&sb, `<div id="%s" data-anchor="%s">%s</div>`,
			template.HTMLEscapeString(ElementID(id)), template.HTMLEscapeString(id), t.content[id])
		sb.WriteByte('\n')
	}
	return template.HTML(sb.String())
}

// FlushPatches returns queued patches and clears the queue.
// Returns nil if no patches are pending.
func (t *Tree) FlushPatches() []Patch {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	patches := t.pending
	t.pending = nil
	return patches
}

// HasPendingPatches checks if there are queued patches.
func (t *Tree) HasPendingPatches() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending) > 0
}
