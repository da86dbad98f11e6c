package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const siteTOML = `
[loader]
timeout = "2s"

[host]
title = "Product Listing"
local = "<h1>Product Listing</h1>"

[[host.slots]]
name = "cart"

[host.slots.props]
title = "Cart Application"

[modules.cart]
locator = "file:modules/cart.html"
export = "App"
`

// writeSite creates a site directory with a template cart module.
func writeSite(t *testing.T, toml string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.toml"), []byte(toml), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modules", "cart.html"),
		[]byte(`{{define "App"}}<div class="cart">{{.title}}</div>{{end}}`), 0o644))
	return dir
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, hooks *Hooks, args ...string) (string, error) {
	t.Helper()
	t.Setenv("UIC_DIR", "")
	var out, errOut bytes.Buffer
	root := NewRootCmd(hooks)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, &Hooks{CustomVersion: func() string { return "wrapper 1.2" }}, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ui-compose "+Version)
	assert.Contains(t, out, "wrapper 1.2")
}

func TestModules(t *testing.T) {
	dir := writeSite(t, siteTOML)
	out, err := execute(t, nil, "modules", "--dir", dir, "--module", "promo=https://cdn.example.com/promo.lua#Banner")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "cart")
	assert.Contains(t, out, "file:modules/cart.html")
	assert.Contains(t, out, "promo")
	assert.Contains(t, out, "Banner")
}

func TestCheck(t *testing.T) {
	dir := writeSite(t, siteTOML)
	out, err := execute(t, nil, "check", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   cart")
}

func TestCheckFailures(t *testing.T) {
	dir := writeSite(t, siteTOML+`
[[host.slots]]
name = "promo"
module = "missing"

[modules.broken]
locator = "file:modules/broken.html"
export = "App"
`)
	out, err := execute(t, nil, "check", "--dir", dir)
	require.Error(t, err)
	var exit *exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 2, exit.code)
	assert.Contains(t, out, "FAIL slot promo")
	assert.Contains(t, out, "FAIL broken")
	assert.Contains(t, out, "ok   cart")
}

func TestRenderHost(t *testing.T) {
	dir := writeSite(t, siteTOML)
	out, err := execute(t, nil, "render", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>Product Listing</h1>")
	assert.Contains(t, out, `<div class="cart">Cart Application</div>`)
}

func TestRenderStandalone(t *testing.T) {
	dir := writeSite(t, siteTOML)
	out, err := execute(t, nil, "render", "--dir", dir, "--standalone", "cart", "--prop", "title=Mini Cart")
	require.NoError(t, err)
	assert.Contains(t, out, `<div class="cart">Mini Cart</div>`)
	assert.NotContains(t, out, "Product Listing")

	_, err = execute(t, nil, "render", "--dir", dir, "--standalone", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestBundleCommands(t *testing.T) {
	site := writeSite(t, siteTOML)
	src := filepath.Join(t.TempDir(), "ui-compose")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\necho fake binary\n"), 0o755))
	out := filepath.Join(t.TempDir(), "my-app")

	stdout, err := execute(t, nil, "bundle", site, "-o", out, "--src", src)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Created bundled binary")

	stdout, err = execute(t, nil, "ls", "--binary", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "config/config.toml")
	assert.Contains(t, stdout, "modules/cart.html")

	stdout, err = execute(t, nil, "cat", "--binary", out, "modules/cart.html")
	require.NoError(t, err)
	assert.Contains(t, stdout, `{{define "App"}}`)

	target := t.TempDir()
	_, err = execute(t, nil, "extract", "--binary", out, target)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(target, "config", "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Product Listing")

	_, err = execute(t, nil, "ls", "--binary", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not bundled")
}

func TestBundleMissingSite(t *testing.T) {
	_, err := execute(t, nil, "bundle", filepath.Join(t.TempDir(), "absent"), "-o", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site directory")
}

func TestRunExitCodes(t *testing.T) {
	t.Setenv("UIC_DIR", "")
	assert.Equal(t, 0, Run([]string{"version"}))
	assert.Equal(t, 1, Run([]string{"no-such-command"}))
	assert.Equal(t, 2, RunWithHooks([]string{"check", "--dir", writeSite(t, siteTOML+`
[modules.broken]
locator = "file:modules/broken.html"
export = "App"
`)}, nil))
}

func TestSampleSite(t *testing.T) {
	out, err := execute(t, nil, "check", "--dir", filepath.Join("..", "site"))
	require.NoError(t, err)
	assert.Contains(t, out, "ok   cart")

	out, err = execute(t, nil, "render", "--dir", filepath.Join("..", "site"), "--standalone", "cart")
	require.NoError(t, err)
	assert.Contains(t, out, "Cart Application")
	assert.Contains(t, out, "background:cyan")
}

func TestHistoryPersistsAcrossRuns(t *testing.T) {
	dir := writeSite(t, siteTOML+`
[modules.broken]
locator = "file:modules/broken.html"
export = "App"
`)
	db := filepath.Join(t.TempDir(), "fetches.db")

	_, err := execute(t, nil, "check", "--dir", dir, "--history", "sqlite", "--history-dsn", db)
	require.Error(t, err)

	out, err := execute(t, nil, "history", "--dir", dir, "--history", "sqlite", "--history-dsn", db)
	require.NoError(t, err)
	assert.Contains(t, out, "MODULE")
	assert.Contains(t, out, "cart")
	assert.Contains(t, out, "broken")

	out, err = execute(t, nil, "history", "cart", "--dir", dir, "--history", "sqlite", "--history-dsn", db)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.NotContains(t, out, "broken")
}
