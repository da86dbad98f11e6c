// Package loader resolves module names through the registry, fetches their
// sources and extracts the configured entry symbol.
//
// Concurrent loads of one name share a single in-flight fetch. Successful
// loads are cached for the life of the process (until invalidated); failures
// are not, so a retry fetches again.
package loader

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/fetch"
	"github.com/zot/ui-compose/internal/registry"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds one shared fetch and evaluation.
const DefaultTimeout = 10 * time.Second

// Options configures a Loader.
type Options struct {
	Registry   *registry.Registry
	Fetcher    fetch.Fetcher
	Evaluators map[string]component.Evaluator // keyed by extension, e.g. ".lua"
	Timeout    time.Duration
	Config     *config.Config

	// Observe, when set, is called after every fetch and evaluation,
	// successful or not. Cache hits are not reported.
	Observe func(FetchResult)
}

// FetchResult describes one fetch and evaluation of a module.
type FetchResult struct {
	Descriptor registry.Descriptor
	Fetch      int // 1 for the first fetch of the name in this loader
	Started    time.Time
	Duration   time.Duration
	Err        error
}

type cached struct {
	ref   *moduleRef
	entry component.Component
}

// Loader loads remote modules.
type Loader struct {
	registry   *registry.Registry
	fetcher    fetch.Fetcher
	evaluators map[string]component.Evaluator
	timeout    time.Duration
	config     *config.Config
	observe    func(FetchResult)
	group      singleflight.Group

	mu       sync.Mutex
	cache    map[string]cached
	gens     map[string]int // bumped by Invalidate; stale flights do not populate the cache
	attempts map[string]int
	fetches  map[string]int
	retired  map[*moduleRef]struct{}
	inflight sync.WaitGroup
	closed   bool
}

// New creates a Loader.
func New(opts Options) *Loader {
	l := &Loader{
		registry:   opts.Registry,
		fetcher:    opts.Fetcher,
		evaluators: make(map[string]component.Evaluator),
		timeout:    opts.Timeout,
		config:     opts.Config,
		observe:    opts.Observe,
		cache:      make(map[string]cached),
		gens:       make(map[string]int),
		attempts:   make(map[string]int),
		fetches:    make(map[string]int),
		retired:    make(map[*moduleRef]struct{}),
	}
	if l.registry == nil {
		l.registry = registry.Default()
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.config == nil {
		l.config = config.DefaultConfig()
	}
	for ext, e := range opts.Evaluators {
		l.RegisterEvaluator(ext, e)
	}
	return l
}

// RegisterEvaluator sets the evaluator for locators ending in ext.
func (l *Loader) RegisterEvaluator(ext string, e component.Evaluator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	l.evaluators[strings.ToLower(ext)] = e
}

// Registry returns the registry the loader resolves names with.
func (l *Loader) Registry() *registry.Registry {
	return l.registry
}

// Begin starts loading name and returns its state immediately. The state is
// driven to Loaded or Failed in the background. Cancelling ctx fails this
// caller's state without affecting other callers sharing the fetch.
func (l *Loader) Begin(ctx context.Context, name string) *LoadState {
	d, resolveErr := l.registry.Resolve(name)

	l.mu.Lock()
	l.attempts[name]++
	attempt := l.attempts[name]
	if resolveErr != nil {
		l.mu.Unlock()
		state := newState(registry.Descriptor{Name: name}, attempt)
		state.finish(nil, nil, resolveErr)
		return state
	}
	state := newState(d, attempt)
	if l.closed {
		l.mu.Unlock()
		state.finish(nil, nil, ErrClosed)
		return state
	}
	if c, hit := l.cache[name]; hit {
		l.mu.Unlock()
		l.config.Log(3, "Loader: %s served from cache (attempt %d)", name, attempt)
		state.finish(c.ref, c.entry, nil)
		return state
	}
	gen := l.gens[name]
	l.inflight.Add(1)
	l.mu.Unlock()

	// Shared flights run detached from any one caller, bounded by the loader timeout
	flightCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(name, func() (any, error) {
		return l.fetchAndEvaluate(flightCtx, d, gen)
	})

	go func() {
		defer l.inflight.Done()
		select {
		case res := <-ch:
			if res.Err != nil {
				state.finish(nil, nil, res.Err)
				return
			}
			r := res.Val.(cached)
			state.finish(r.ref, r.entry, nil)
		case <-ctx.Done():
			state.finish(nil, nil, &ModuleLoadError{Name: d.Name, Locator: d.Locator, Cause: ctx.Err()})
			// The flight keeps running for the other callers
			<-ch
		}
	}()
	return state
}

// Load begins loading name and waits for a terminal state, or for ctx.
func (l *Loader) Load(ctx context.Context, name string) *LoadState {
	state := l.Begin(ctx, name)
	// Cancelling ctx fails the state, so Done always closes
	<-state.Done()
	return state
}

// LoadAll loads every registered module, in name order.
func (l *Loader) LoadAll(ctx context.Context) []*LoadState {
	names := l.registry.Names()
	states := make([]*LoadState, len(names))
	for i, name := range names {
		states[i] = l.Begin(ctx, name)
	}
	for _, state := range states {
		<-state.Done()
	}
	return states
}

func (l *Loader) fetchAndEvaluate(ctx context.Context, d registry.Descriptor, gen int) (_ cached, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	l.mu.Lock()
	l.fetches[d.Name]++
	fetchNo := l.fetches[d.Name]
	ext := fetch.Ext(d.Locator)
	eval := l.evaluators[ext]
	l.mu.Unlock()

	start := time.Now()
	if l.observe != nil {
		defer func() {
			l.observe(FetchResult{Descriptor: d, Fetch: fetchNo, Started: start, Duration: time.Since(start), Err: err})
		}()
	}
	defer func() {
		if rec := recover(); rec != nil {
			l.config.Error("Loader: loading %s panicked: %v", d.Name, rec)
			err = &ModuleLoadError{Name: d.Name, Locator: d.Locator, Cause: &PanicError{Value: rec}}
		}
	}()
	data, err := l.fetcher.Fetch(ctx, d.Locator)
	if err != nil {
		l.config.Warn("Loader: fetch %s from %s failed: %v", d.Name, d.Locator, err)
		return cached{}, &ModuleLoadError{Name: d.Name, Locator: d.Locator, Cause: err}
	}
	if eval == nil {
		return cached{}, &ModuleLoadError{Name: d.Name, Locator: d.Locator, Cause: &UnsupportedExtensionError{Ext: ext}}
	}
	module, err := eval.Evaluate(ctx, d.Name, data)
	if err != nil {
		l.config.Warn("Loader: evaluate %s failed: %v", d.Name, err)
		return cached{}, &ModuleLoadError{Name: d.Name, Locator: d.Locator, Cause: err}
	}
	entry, ok := module.Lookup(d.ExportKey)
	if !ok {
		available := module.Exports()
		module.Close()
		return cached{}, &MissingExportError{Name: d.Name, Locator: d.Locator, ExportKey: d.ExportKey, Available: available}
	}
	l.config.Log(1, "Loader: loaded %s from %s in %s", d.Name, d.Locator, time.Since(start).Round(time.Millisecond))

	c := cached{ref: &moduleRef{l: l, module: module}, entry: entry}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		l.retire(c.ref)
	case l.gens[d.Name] == gen:
		if old, ok := l.cache[d.Name]; ok {
			l.retire(old.ref)
		}
		l.cache[d.Name] = c
	default:
		// Invalidated while in flight: serve this caller but do not cache.
		// Closed by the next sweep unless mounted first.
		l.retire(c.ref)
	}
	return c, nil
}

// Invalidate drops the cached module for name so the next load fetches again.
// Mounted entries of the old module keep working until their last handle is
// released; retired modules with no mounts are closed now.
func (l *Loader) Invalidate(name string) {
	l.mu.Lock()
	l.gens[name]++
	if c, ok := l.cache[name]; ok {
		l.retire(c.ref)
		delete(l.cache, name)
	}
	l.group.Forget(name)
	idle := l.sweep()
	l.mu.Unlock()

	l.config.Log(1, "Loader: invalidated %s, closing %d idle modules", name, len(idle))
	l.closeModules(idle)
}

// Open returns how many evaluated modules are not yet closed.
func (l *Loader) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache) + len(l.retired)
}

// Cached reports whether a loaded module is cached for name.
func (l *Loader) Cached(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cache[name]
	return ok
}

// Fetches returns how many times name's source was fetched.
func (l *Loader) Fetches(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetches[name]
}

// Attempts returns how many loads of name were begun.
func (l *Loader) Attempts(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[name]
}

// Close waits for in-flight loads and shuts down every evaluated module.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.inflight.Wait()

	// Mounted modules close too; their later releases do nothing
	l.mu.Lock()
	var refs []*moduleRef
	for r := range l.retired {
		refs = append(refs, r)
	}
	for _, c := range l.cache {
		refs = append(refs, c.ref)
	}
	for _, r := range refs {
		r.closed = true
	}
	l.retired = make(map[*moduleRef]struct{})
	l.cache = make(map[string]cached)
	l.mu.Unlock()

	return l.closeModules(refs)
}
