// Package tmpl evaluates remote modules written as html/template sources.
// Every {{define "Name"}} block is an export; the file body itself is
// exported under the module name when it is not empty.
package tmpl

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"
	"text/template/parse"

	"github.com/zot/ui-compose/internal/component"
)

// Evaluator parses template modules.
type Evaluator struct {
	Funcs template.FuncMap
}

// NewEvaluator creates a template evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate implements component.Evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, name string, source []byte) (component.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := template.New(name).Option("missingkey=zero")
	if e.Funcs != nil {
		t = t.Funcs(e.Funcs)
	}
	if _, err := t.Parse(string(source)); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	m := &Module{root: t, exports: make(map[string]bool)}
	for _, def := range t.Templates() {
		if def.Tree == nil || def.Tree.Root == nil {
			continue
		}
		if def.Name() == name && parse.IsEmptyTree(def.Tree.Root) {
			continue
		}
		m.exports[def.Name()] = true
	}
	return m, nil
}

// Module is a parsed template set.
type Module struct {
	root    *template.Template
	exports map[string]bool
}

// Lookup implements component.Module.
func (m *Module) Lookup(key string) (component.Component, bool) {
	if !m.exports[key] {
		return nil, false
	}
	return component.Func(func(ctx context.Context, props component.Props, _ *component.Scope) (template.HTML, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var buf bytes.Buffer
		if err := m.root.ExecuteTemplate(&buf, key, map[string]any(props)); err != nil {
			return "", err
		}
		return template.HTML(buf.String()), nil
	}), true
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

// Close implements component.Module.
func (m *Module) Close() error { return nil }
