package lua

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/config"
)

// Module is an evaluated Lua module. Its exports are the function fields of
// the table the chunk returns, plus any global functions the chunk defines.
type Module struct {
	Name    string
	runtime *Runtime
	exports map[string]*lua.LFunction
}

// Evaluator evaluates Lua module sources.
type Evaluator struct {
	Config *config.Config
}

// NewEvaluator creates a Lua evaluator.
func NewEvaluator(cfg *config.Config) *Evaluator {
	return &Evaluator{Config: cfg}
}

// Evaluate runs source in a fresh VM and collects its exports.
func (e *Evaluator) Evaluate(ctx context.Context, name string, source []byte) (component.Module, error) {
	r, err := NewRuntime(e.Config, name)
	if err != nil {
		return nil, err
	}
	m := &Module{Name: name, runtime: r, exports: make(map[string]*lua.LFunction)}

	_, err = r.execute(func() (any, error) {
		return r.withContext(ctx, func() (any, error) {
			return nil, m.load(source)
		})
	})
	if err != nil {
		r.Shutdown()
		return nil, err
	}
	r.Log(1, "lua module %s: exports %v", name, m.Exports())
	return m, nil
}

// load executes the chunk. Must run on the executor.
func (m *Module) load(source []byte) error {
	L := m.runtime.State

	before := make(map[string]bool)
	L.G.Global.ForEach(func(key, _ lua.LValue) {
		before[key.String()] = true
	})

	fn, err := L.Load(bytes.NewReader(source), m.Name)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", m.Name, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return fmt.Errorf("failed to execute %s: %w", m.Name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	L.G.Global.ForEach(func(key, value lua.LValue) {
		if f, ok := value.(*lua.LFunction); ok && !before[key.String()] {
			m.exports[key.String()] = f
		}
	})
	// Returned table wins over globals of the same name
	if tbl, ok := ret.(*lua.LTable); ok {
		tbl.ForEach(func(key, value lua.LValue) {
			if k, ok := key.(lua.LString); ok {
				if f, ok := value.(*lua.LFunction); ok {
					m.exports[string(k)] = f
				}
			}
		})
	}
	return nil
}

// Lookup implements component.Module.
func (m *Module) Lookup(key string) (component.Component, bool) {
	fn, ok := m.exports[key]
	if !ok {
		return nil, false
	}
	return &Entry{module: m, key: key, fn: fn}, true
}

// Exports implements component.Module.
func (m *Module) Exports() []string {
	keys := make([]string, 0, len(m.exports))
	for k := range m.exports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close shuts the module's VM down.
func (m *Module) Close() error {
	m.runtime.Shutdown()
	return nil
}

// Entry is one exported Lua function. Rendering calls it with the props
// table; it must return an HTML string.
type Entry struct {
	module *Module
	key    string
	fn     *lua.LFunction
}

// Render implements component.Component.
func (e *Entry) Render(ctx context.Context, props component.Props, scope *component.Scope) (template.HTML, error) {
	r := e.module.runtime
	value, err := r.execute(func() (any, error) {
		r.scope = scope
		defer func() { r.scope = nil }()

		return r.withContext(ctx, func() (any, error) {
			L := r.State
			if err := L.CallByParam(lua.P{Fn: e.fn, NRet: 1, Protect: true}, GoToLua(L, map[string]any(props))); err != nil {
				return nil, err
			}
			ret := L.Get(-1)
			L.Pop(1)
			s, ok := ret.(lua.LString)
			if !ok {
				return nil, fmt.Errorf("returned %s, expected string", ret.Type())
			}
			return template.HTML(s), nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("%s.%s: %w", e.module.Name, e.key, err)
	}
	return value.(template.HTML), nil
}
