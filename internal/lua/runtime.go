// Package lua evaluates remote modules written in Lua.
//
// Each evaluated module gets its own Lua VM. A VM is not goroutine-safe, so
// all access goes through the runtime's executor goroutine.
package lua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/config"
)

// ErrClosed is returned for work submitted after Shutdown.
var ErrClosed = errors.New("lua runtime is closed")

// WorkItem represents a unit of work for the executor.
type WorkItem struct {
	fn     func() (any, error)
	result chan WorkResult
}

// WorkResult holds the result of a work item.
type WorkResult struct {
	Value any
	Err   error
}

// Runtime is one Lua VM plus the goroutine that owns it.
type Runtime struct {
	State    *lua.LState
	name     string
	config   *config.Config
	work     chan WorkItem
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// scope of the render in progress, for ui.acquire
	scope *component.Scope
}

// NewRuntime creates a sandboxed Lua VM for module name and starts its executor.
func NewRuntime(cfg *config.Config, name string) (*Runtime, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	r := &Runtime{
		State:   L,
		name:    name,
		config:  cfg,
		work:    make(chan WorkItem),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	// No io, os or package: remote code gets no filesystem access
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open lua library %q: %w", lib.name, err)
		}
	}
	for _, global := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(global, lua.LNil)
	}

	r.registerUIModule()
	r.startExecutor()
	return r, nil
}

// Log logs a message via the config.
func (r *Runtime) Log(level int, format string, args ...any) {
	r.config.Log(level, format, args...)
}

// startExecutor creates the goroutine that processes work items.
// The VM is closed by the executor when it exits.
func (r *Runtime) startExecutor() {
	go func() {
		defer close(r.stopped)
		defer r.State.Close()
		for {
			select {
			case <-r.done:
				return
			case work := <-r.work:
				value, err := r.run(work.fn)
				work.result <- WorkResult{Value: value, Err: err}
			}
		}
	}()
}

func (r *Runtime) run(fn func() (any, error)) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("lua module %s: panic: %v", r.name, rec)
		}
	}()
	return fn()
}

// execute runs fn on the executor and blocks until it completes.
// The work channel is unbuffered, so accepted work always produces a result.
func (r *Runtime) execute(fn func() (any, error)) (any, error) {
	result := make(chan WorkResult, 1)
	select {
	case r.work <- WorkItem{fn: fn, result: result}:
	case <-r.done:
		return nil, ErrClosed
	}
	res := <-result
	return res.Value, res.Err
}

// withContext binds ctx to the VM for the duration of fn so a cancelled
// render or a runaway loop is interrupted.
func (r *Runtime) withContext(ctx context.Context, fn func() (any, error)) (any, error) {
	if ctx == nil || ctx.Done() == nil {
		return fn()
	}
	r.State.SetContext(ctx)
	defer r.State.RemoveContext()
	return fn()
}

// Shutdown stops the executor and closes the VM. Safe to call more than once.
func (r *Runtime) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	<-r.stopped
}

// registerUIModule adds the ui.* API to Lua.
func (r *Runtime) registerUIModule() {
	L := r.State
	uiMod := L.NewTable()

	// ui.log([level,] message)
	L.SetField(uiMod, "log", L.NewFunction(func(L *lua.LState) int {
		level := 0
		msg := ""
		if L.GetTop() == 1 {
			msg = L.CheckString(1)
		} else {
			level = L.CheckInt(1)
			msg = L.CheckString(2)
		}
		r.Log(level, "[lua %s] %s", r.name, msg)
		return 0
	}))

	// ui.escape(string)
	L.SetField(uiMod, "escape", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(html.EscapeString(L.ToString(1))))
		return 1
	}))

	// ui.json_encode(value)
	L.SetField(uiMod, "json_encode", L.NewFunction(func(L *lua.LState) int {
		data, err := json.Marshal(LuaToGo(L.Get(1)))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(data))
		return 1
	}))

	// ui.acquire(name, release_fn)
	// Registers release_fn to run when the rendered entry is unmounted.
	L.SetField(uiMod, "acquire", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		release := L.CheckFunction(2)
		scope := r.scope
		if scope == nil || scope.Released() {
			L.RaiseError("ui.acquire(%q) called outside a render", name)
			return 0
		}
		err := scope.Acquire(name, func() {
			_, err := r.execute(func() (any, error) {
				return nil, r.State.CallByParam(lua.P{Fn: release, NRet: 0, Protect: true})
			})
			if err != nil && !errors.Is(err, ErrClosed) {
				r.config.Warn("lua module %s: release %s: %v", r.name, name, err)
			}
		})
		if err != nil {
			L.RaiseError("ui.acquire(%q): %v", name, err)
		}
		return 0
	}))

	L.SetGlobal("ui", uiMod)
}
