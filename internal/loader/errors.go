package loader

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is the failure cause for loads begun after Close.
var ErrClosed = errors.New("loader is closed")

// ModuleLoadError reports that a module could not be fetched or evaluated.
// These are transient from the host's point of view and may be retried.
type ModuleLoadError struct {
	Name    string
	Locator string
	Cause   error
}

func (e *ModuleLoadError) Error() string {
	return fmt.Sprintf("failed to load module %q from %s: %v", e.Name, e.Locator, e.Cause)
}

func (e *ModuleLoadError) Unwrap() error {
	return e.Cause
}

// MissingExportError reports a module that loaded but does not export the
// configured entry symbol. Retrying cannot help without a new module build.
type MissingExportError struct {
	Name      string
	Locator   string
	ExportKey string
	Available []string
}

func (e *MissingExportError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("module %q (%s) has no export %q", e.Name, e.Locator, e.ExportKey)
	}
	return fmt.Sprintf("module %q (%s) has no export %q (exports: %s)",
		e.Name, e.Locator, e.ExportKey, strings.Join(e.Available, ", "))
}

// UnsupportedExtensionError is the cause when no evaluator handles a locator.
type UnsupportedExtensionError struct {
	Ext string
}

func (e *UnsupportedExtensionError) Error() string {
	if e.Ext == "" {
		return "locator has no file extension"
	}
	return fmt.Sprintf("no evaluator for %q modules", e.Ext)
}

// Retryable reports whether a failed load may succeed when attempted again.
func Retryable(err error) bool {
	var loadErr *ModuleLoadError
	return errors.As(err, &loadErr) || errors.Is(err, ErrModuleClosed)
}

// ErrModuleClosed is returned when retaining a module that was already shut down.
var ErrModuleClosed = errors.New("module is closed")

// PanicError is the cause when a fetcher or evaluator panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
