// Package registry maps logical module names to loadable resource locators.
// The process registry is populated once at startup, sealed, and read-shared
// by every host composer afterwards.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zot/ui-compose/internal/config"
)

// Descriptor locates a remote module and names its entry symbol.
type Descriptor struct {
	Name      string // Unique key
	Locator   string // file:, bundle:, http(s):// or a site-relative path
	ExportKey string // Entry symbol inside the loaded module
}

// ErrSealed is returned when registering into a sealed registry.
var ErrSealed = errors.New("registry is sealed")

// DuplicateNameError is returned when a name is registered twice.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("module %q is already registered", e.Name)
}

// UnknownModuleError is returned when resolving a name that was never registered.
type UnknownModuleError struct {
	Name string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown module %q", e.Name)
}

// InvalidDescriptorError reports a descriptor missing a required field.
type InvalidDescriptorError struct {
	Name  string
	Field string
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("module %q: %s is required", e.Name, e.Field)
}

// Registry holds module descriptors by name.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Descriptor
	sealed  bool
}

// New creates an empty, unsealed registry.
func New() *Registry {
	return &Registry{
		modules: make(map[string]Descriptor),
	}
}

// Register adds a descriptor.
func (r *Registry) Register(d Descriptor) error {
	switch {
	case d.Name == "":
		return &InvalidDescriptorError{Field: "name"}
	case d.Locator == "":
		return &InvalidDescriptorError{Name: d.Name, Field: "locator"}
	case d.ExportKey == "":
		return &InvalidDescriptorError{Name: d.Name, Field: "export"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}
	if _, exists := r.modules[d.Name]; exists {
		return &DuplicateNameError{Name: d.Name}
	}
	r.modules[d.Name] = d
	return nil
}

// Resolve returns the descriptor registered under name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.modules[name]
	if !ok {
		return Descriptor{}, &UnknownModuleError{Name: name}
	}
	return d, nil
}

// Has checks if a name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[name]
	return ok
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Descriptor, 0, len(names))
	for _, name := range names {
		result = append(result, r.modules[name])
	}
	return result
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether the registry is read-only.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// FromConfig builds a sealed registry from the [modules] configuration.
// Modules are registered in name order so errors are deterministic.
func FromConfig(cfg *config.Config) (*Registry, error) {
	r := New()
	for _, name := range cfg.ModuleNames() {
		mod := cfg.Modules[name]
		if err := r.Register(Descriptor{Name: name, Locator: mod.Locator, ExportKey: mod.Export}); err != nil {
			return nil, err
		}
	}
	r.Seal()
	return r, nil
}

var (
	defaultMu  sync.RWMutex
	defaultReg = New()
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultReg
}

// SetDefault replaces the process-wide registry. Called once at startup.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultReg = r
}
