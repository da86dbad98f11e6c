package server

import (
	"errors"
	"fmt"

	"github.com/zot/ui-compose/internal/bundle"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/fetch"
	"github.com/zot/ui-compose/internal/loader"
	"github.com/zot/ui-compose/internal/lua"
	"github.com/zot/ui-compose/internal/registry"
	"github.com/zot/ui-compose/internal/storage"
	"github.com/zot/ui-compose/internal/tmpl"
)

// Evaluators returns the module evaluators keyed by locator extension.
func Evaluators(cfg *config.Config) map[string]component.Evaluator {
	t := tmpl.NewEvaluator()
	return map[string]component.Evaluator{
		".lua":  lua.NewEvaluator(cfg),
		".html": t,
		".tmpl": t,
	}
}

// NewLoader builds the process registry from [modules], installs it as the
// default and returns a loader reading file:, http(s): and bundle: locators.
// Every fetch is recorded in history when it is non-nil.
func NewLoader(cfg *config.Config, history *storage.Recorder) (*loader.Loader, error) {
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("module registry: %w", err)
	}
	registry.SetDefault(reg)

	archive, err := bundle.Self()
	if err != nil && !errors.Is(err, bundle.ErrNotBundled) {
		cfg.Log(1, "Bundle unavailable: %v", err)
	}

	opts := loader.Options{
		Registry:   reg,
		Fetcher:    fetch.New(fetch.Options{Dir: cfg.Server.Dir, Archive: archive}),
		Evaluators: Evaluators(cfg),
		Timeout:    cfg.Loader.Timeout.Duration(),
		Config:     cfg,
	}
	if history != nil {
		opts.Observe = RecordFetch(history)
	}
	return loader.New(opts), nil
}

// OpenHistory opens the fetch history backend named by [history].
func OpenHistory(cfg *config.Config) (*storage.Recorder, error) {
	b, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return storage.NewRecorder(b, cfg), nil
}

// RecordFetch adapts a loader observer onto history.
func RecordFetch(history *storage.Recorder) func(loader.FetchResult) {
	return func(r loader.FetchResult) {
		rec := &storage.Record{
			Module:   r.Descriptor.Name,
			Locator:  r.Descriptor.Locator,
			Fetch:    r.Fetch,
			OK:       r.Err == nil,
			Duration: r.Duration,
			At:       r.Started,
		}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
		history.Record(rec)
	}
}
