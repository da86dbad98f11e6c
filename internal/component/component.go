// Package component defines the entry point contract shared by every kind of
// remote module, and the resource scope a mounted entry renders within.
package component

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"sort"
	"sync"
)

// Props is the argument bag passed to an entry when it is rendered.
type Props map[string]any

// Component is an entry symbol extracted from a loaded module.
// Render produces an HTML fragment and may claim resources on scope.
type Component interface {
	Render(ctx context.Context, props Props, scope *Scope) (template.HTML, error)
}

// Func adapts a plain function to Component.
type Func func(ctx context.Context, props Props, scope *Scope) (template.HTML, error)

// Render calls f.
func (f Func) Render(ctx context.Context, props Props, scope *Scope) (template.HTML, error) {
	return f(ctx, props, scope)
}

// Static returns a component that always renders html.
func Static(html template.HTML) Component {
	return Func(func(context.Context, Props, *Scope) (template.HTML, error) {
		return html, nil
	})
}

// ErrScopeReleased is returned when acquiring on a scope that was already released.
var ErrScopeReleased = errors.New("scope already released")

type resource struct {
	name    string
	release func()
}

// Scope tracks resources a rendered entry claimed (timers, subscriptions,
// module-side state). Release runs every releaser exactly once in reverse
// acquisition order.
type Scope struct {
	mu        sync.Mutex
	resources []resource
	released  bool
	onPanic   func(name string, recovered any)
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// OnReleasePanic sets a hook called when a releaser panics.
// Remaining releasers still run.
func (s *Scope) OnReleasePanic(fn func(name string, recovered any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPanic = fn
}

// Acquire registers a releaser under name.
// On a released scope the releaser runs immediately and ErrScopeReleased is returned.
func (s *Scope) Acquire(name string, release func()) error {
	if release == nil {
		return fmt.Errorf("acquire %q: nil releaser", name)
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		s.run(resource{name: name, release: release})
		return ErrScopeReleased
	}
	s.resources = append(s.resources, resource{name: name, release: release})
	s.mu.Unlock()
	return nil
}

// Len returns the number of held resources.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// Names returns held resource names in acquisition order.
func (s *Scope) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.resources))
	for i, r := range s.resources {
		names[i] = r.name
	}
	return names
}

// Released reports whether Release has run.
func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release runs all releasers LIFO and returns how many ran.
// Subsequent calls do nothing and return 0.
func (s *Scope) Release() int {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return 0
	}
	s.released = true
	resources := s.resources
	s.resources = nil
	s.mu.Unlock()

	for i := len(resources) - 1; i >= 0; i-- {
		s.run(resources[i])
	}
	return len(resources)
}

func (s *Scope) run(r resource) {
	defer func() {
		if rec := recover(); rec != nil {
			s.mu.Lock()
			hook := s.onPanic
			s.mu.Unlock()
			if hook != nil {
				hook(r.name, rec)
			}
		}
	}()
	r.release()
}

// Module is an evaluated module source: a namespace of named entries.
type Module interface {
	// Lookup returns the entry exported under key.
	Lookup(key string) (Component, bool)
	// Exports lists the exported entry names in sorted order.
	Exports() []string
	// Close releases the module's runtime.
	Close() error
}

// Evaluator turns fetched source bytes into a Module.
type Evaluator interface {
	Evaluate(ctx context.Context, name string, source []byte) (Module, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, name string, source []byte) (Module, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, name string, source []byte) (Module, error) {
	return f(ctx, name, source)
}

// MapModule is a Module backed by a map, for Go-defined modules and tests.
type MapModule map[string]Component

// Lookup implements Module.
func (e MapModule) Lookup(key string) (Component, bool) {
	c, ok := e[key]
	return c, ok
}

// Exports implements Module.
func (e MapModule) Exports() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close implements Module.
func (e MapModule) Close() error { return nil }
