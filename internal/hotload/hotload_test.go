package hotload

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/registry"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Verbosity = 0
	return cfg
}

// recorder collects reloaded module names.
type recorder struct {
	mu    sync.Mutex
	names []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) reload(module string) {
	r.mu.Lock()
	r.names = append(r.names, module)
	r.mu.Unlock()
	r.ch <- module
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func (r *recorder) await(t *testing.T) string {
	t.Helper()
	select {
	case name := <-r.ch:
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("Expected reload to be triggered")
		return ""
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func startWatcher(t *testing.T, targets map[string][]string, r *recorder) *Watcher {
	t.Helper()
	w, err := New(testConfig(), targets, r.reload)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	// Give the watcher a moment
	time.Sleep(50 * time.Millisecond)
	return w
}

func TestTargets(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	for _, d := range []registry.Descriptor{
		{Name: "cart", Locator: "file:modules/cart.lua#App", ExportKey: "App"},
		{Name: "mini-cart", Locator: "modules/cart.lua", ExportKey: "Mini"},
		{Name: "profile", Locator: "https://cdn.example.com/profile.lua", ExportKey: "App"},
		{Name: "bundled", Locator: "bundle:modules/b.lua", ExportKey: "App"},
	} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register %s: %v", d.Name, err)
		}
	}

	targets := Targets(reg, dir)
	want := map[string][]string{
		filepath.Join(dir, "modules", "cart.lua"): {"cart", "mini-cart"},
	}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("Targets = %v, want %v", targets, want)
	}
}

func TestDetectModification(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cart.lua")
	writeFile(t, file, "-- initial")

	r := newRecorder()
	startWatcher(t, map[string][]string{file: {"cart"}}, r)

	writeFile(t, file, "-- modified")
	if name := r.await(t); name != "cart" {
		t.Errorf("Reloaded %q, want cart", name)
	}
}

func TestIgnoreUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cart.lua")
	writeFile(t, file, "-- cart")

	r := newRecorder()
	startWatcher(t, map[string][]string{file: {"cart"}}, r)

	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	writeFile(t, filepath.Join(dir, "other.lua"), "-- other")
	time.Sleep(300 * time.Millisecond)

	if n := r.count(); n != 0 {
		t.Errorf("Expected no reloads, got %d", n)
	}
}

func TestDebounceRapidChanges(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cart.lua")
	writeFile(t, file, "-- v0")

	r := newRecorder()
	startWatcher(t, map[string][]string{file: {"cart"}}, r)

	for i := 0; i < 5; i++ {
		writeFile(t, file, "-- edit")
		time.Sleep(5 * time.Millisecond)
	}
	r.await(t)
	time.Sleep(300 * time.Millisecond)

	if n := r.count(); n != 1 {
		t.Errorf("Expected 1 debounced reload, got %d", n)
	}
}

func TestSharedFileReloadsEveryModule(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cart.lua")
	writeFile(t, file, "-- v0")

	r := newRecorder()
	startWatcher(t, map[string][]string{file: {"cart", "mini-cart"}}, r)

	writeFile(t, file, "-- v1")
	got := []string{r.await(t), r.await(t)}
	if !reflect.DeepEqual(got, []string{"cart", "mini-cart"}) {
		t.Errorf("Reloaded %v", got)
	}
}

func TestSymlinkTarget(t *testing.T) {
	dir := t.TempDir()
	targetDir := t.TempDir()
	targetFile := filepath.Join(targetDir, "cart.lua")
	writeFile(t, targetFile, "-- target")

	link := filepath.Join(dir, "cart.lua")
	if err := os.Symlink(targetFile, link); err != nil {
		t.Skipf("Cannot create symlinks: %v", err)
	}

	r := newRecorder()
	w := startWatcher(t, map[string][]string{link: {"cart"}}, r)

	if got := w.resolve(targetFile); got != link {
		t.Errorf("resolve(%q) = %q, want %q", targetFile, got, link)
	}

	writeFile(t, targetFile, "-- edited through target")
	if name := r.await(t); name != "cart" {
		t.Errorf("Reloaded %q, want cart", name)
	}
}

func TestReloadPanicIsContained(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cart.lua")
	writeFile(t, file, "-- v0")

	calls := make(chan struct{}, 4)
	w, err := New(testConfig(), map[string][]string{file: {"cart"}}, func(string) {
		calls <- struct{}{}
		panic("reload failed")
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 2; i++ {
		writeFile(t, file, "-- edit")
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("Reload %d never ran", i)
		}
	}
}

func TestStopTwice(t *testing.T) {
	w, err := New(testConfig(), map[string][]string{}, func(string) {})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Second stop failed: %v", err)
	}
}
