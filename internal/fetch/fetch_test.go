package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme(t *testing.T) {
	tests := map[string]string{
		"file:modules/cart.lua":     "file",
		"modules/cart.lua":          "file",
		"/abs/cart.lua":             "file",
		"bundle:modules/cart.lua":   "bundle",
		"https://cdn.example/x.lua": "https",
		"HTTP://cdn.example/x.lua":  "http",
		"ftp://host/x":              "ftp",
	}
	for locator, want := range tests {
		assert.Equal(t, want, Scheme(locator), locator)
	}
}

func TestExt(t *testing.T) {
	assert.Equal(t, ".lua", Ext("file:modules/cart.lua#App"))
	assert.Equal(t, ".html", Ext("https://cdn/x/card.HTML?v=3"))
	assert.Equal(t, "", Ext("bundle:modules/cart"))
}

func TestFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/site", "modules/cart.lua"), FilePath("/site", "file:modules/cart.lua"))
	assert.Equal(t, filepath.Join("/site", "modules/cart.lua"), FilePath("/site", "modules/cart.lua#App"))
	assert.Equal(t, "/abs/cart.lua", FilePath("/site", "file:///abs/cart.lua"))
	assert.Equal(t, "", FilePath("/site", "https://cdn/cart.lua"))
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modules", "cart.lua"), []byte("return {}"), 0o644))

	m := New(Options{Dir: dir})
	data, err := m.Fetch(context.Background(), "file:modules/cart.lua")
	require.NoError(t, err)
	assert.Equal(t, "return {}", string(data))

	_, err = m.Fetch(context.Background(), "modules/missing.lua")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cart.lua" {
			w.Write([]byte("return {App = function() return 'x' end}"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := New(Options{Client: srv.Client()})
	data, err := m.Fetch(context.Background(), srv.URL+"/cart.lua#App")
	require.NoError(t, err)
	assert.Contains(t, string(data), "App")

	_, err = m.Fetch(context.Background(), srv.URL+"/missing.lua")
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusNotFound, status.StatusCode)
}

func TestHTTPFetcherHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{Client: srv.Client()}).Fetch(ctx, srv.URL+"/slow.lua")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMuxUnsupportedScheme(t *testing.T) {
	_, err := New(Options{}).Fetch(context.Background(), "bundle:modules/cart.lua")
	var unsupported *UnsupportedSchemeError
	require.True(t, errors.As(err, &unsupported), "bundle: is disabled without an archive")
	assert.Equal(t, "bundle", unsupported.Scheme)
}

func TestFetcherFunc(t *testing.T) {
	m := NewMux()
	m.Handle("stub", FetcherFunc(func(_ context.Context, locator string) ([]byte, error) {
		return []byte(locator), nil
	}))
	data, err := m.Fetch(context.Background(), "stub:x")
	require.NoError(t, err)
	assert.Equal(t, "stub:x", string(data))
}
