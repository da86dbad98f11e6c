// Package fetch retrieves module source bytes for a locator.
//
// Locator schemes:
//
//	file:modules/cart.lua     site-relative or absolute file
//	modules/cart.lua          same as file:
//	bundle:modules/cart.lua   file inside the archive appended to the binary
//	https://cdn/cart.lua      remote resource over HTTP(S)
//
// A "#fragment" suffix is ignored by fetchers; configuration uses it for the
// export key.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zot/ui-compose/internal/bundle"
)

// Fetcher returns the raw bytes behind a locator.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, locator string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

// UnsupportedSchemeError is returned for locators no fetcher handles.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported locator scheme %q", e.Scheme)
}

// StatusError is returned when an HTTP fetch gets a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Scheme returns the locator scheme; locators without one are "file".
func Scheme(locator string) string {
	if i := strings.Index(locator, ":"); i > 1 {
		return strings.ToLower(locator[:i])
	}
	return "file"
}

// Ext returns the extension of the locator's path, ignoring query and fragment.
func Ext(locator string) string {
	p := stripFragment(locator)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}

// FilePath returns the filesystem path of a file locator relative to dir,
// or "" when the locator is not a file locator.
func FilePath(dir, locator string) string {
	if Scheme(locator) != "file" {
		return ""
	}
	p := strings.TrimPrefix(stripFragment(locator), "file:")
	p = strings.TrimPrefix(p, "//")
	if filepath.IsAbs(p) || dir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

func stripFragment(locator string) string {
	if i := strings.IndexByte(locator, '#'); i >= 0 {
		return locator[:i]
	}
	return locator
}

// Mux dispatches locators to a fetcher per scheme.
type Mux struct {
	fetchers map[string]Fetcher
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{fetchers: make(map[string]Fetcher)}
}

// Handle registers f for scheme.
func (m *Mux) Handle(scheme string, f Fetcher) {
	m.fetchers[strings.ToLower(scheme)] = f
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, locator string) ([]byte, error) {
	scheme := Scheme(locator)
	f, ok := m.fetchers[scheme]
	if !ok {
		return nil, &UnsupportedSchemeError{Scheme: scheme}
	}
	return f.Fetch(ctx, locator)
}

// Options configures the standard fetcher set.
type Options struct {
	Dir     string         // Site directory for relative file locators
	Client  *http.Client   // nil uses a client with a 30s timeout
	Archive *bundle.Archive // nil disables bundle:
}

// New returns a Mux handling file:, http:, https: and, with an archive, bundle:.
func New(opts Options) *Mux {
	m := NewMux()
	m.Handle("file", &FileFetcher{Dir: opts.Dir})
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	hf := &HTTPFetcher{Client: client}
	m.Handle("http", hf)
	m.Handle("https", hf)
	if opts.Archive != nil {
		m.Handle("bundle", &BundleFetcher{Archive: opts.Archive})
	}
	return m
}

// FileFetcher reads file locators from disk.
type FileFetcher struct {
	Dir string
}

// Fetch implements Fetcher.
func (f *FileFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(FilePath(f.Dir, locator))
}

// HTTPFetcher GETs http and https locators.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	url := stripFragment(locator)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// BundleFetcher reads bundle: locators from a site archive.
type BundleFetcher struct {
	Archive *bundle.Archive
}

// Fetch implements Fetcher.
func (f *BundleFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Archive.ReadFile(strings.TrimPrefix(stripFragment(locator), "bundle:"))
}
