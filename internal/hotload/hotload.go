// Package hotload watches the source files of file-based modules and reloads
// every slot showing a module whose file changed.
package hotload

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/fetch"
	"github.com/zot/ui-compose/internal/registry"
)

// Targets maps each file-based module's absolute source path to the module
// names loaded from it. Modules fetched over http or from a bundle are skipped.
func Targets(reg *registry.Registry, dir string) map[string][]string {
	targets := make(map[string][]string)
	for _, d := range reg.Descriptors() {
		p := fetch.FilePath(dir, d.Locator)
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		targets[p] = append(targets[p], d.Name)
	}
	for _, names := range targets {
		sort.Strings(names)
	}
	return targets
}

// Watcher watches module source files for changes and calls reload, once
// per debounce window, with each affected module name.
type Watcher struct {
	config  *config.Config
	targets map[string][]string
	watcher *fsnotify.Watcher
	reload  func(module string)

	// Symlink tracking
	symlinkTargets map[string]string // resolved target path -> module file path
	watchedDirs    map[string]int    // dir path -> reference count
	mu             sync.Mutex

	// Debouncing
	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	done chan struct{}
	wg   sync.WaitGroup
	stop sync.Once
}

// New creates a watcher for targets, as built by Targets.
func New(cfg *config.Config, targets map[string][]string, reload func(module string)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		config:         cfg,
		targets:        targets,
		watcher:        watcher,
		reload:         reload,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  100 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// Start begins watching the directories holding the target files.
func (w *Watcher) Start() error {
	for path := range w.targets {
		if err := w.addWatch(filepath.Dir(path)); err != nil {
			return err
		}
		w.updateSymlinkWatch(path)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	w.config.Log(1, "HotLoad: watching %d module files", len(w.targets))
	return nil
}

// Stop stops the watcher and waits for its goroutines.
func (w *Watcher) Stop() error {
	var err error
	w.stop.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

// updateSymlinkWatch watches the target directory when path is a symlink.
func (w *Watcher) updateSymlinkWatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for target, link := range w.symlinkTargets {
		if link == path {
			w.removeWatchLocked(filepath.Dir(target))
			delete(w.symlinkTargets, target)
		}
	}

	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		w.config.Log(2, "HotLoad: cannot resolve symlink %s: %v", path, err)
		return
	}
	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	w.symlinkTargets[target] = path
	w.addWatchLocked(filepath.Dir(target))
	w.config.Log(2, "HotLoad: watching symlink target %s for %s", target, path)
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addWatchLocked(dir)
}

func (w *Watcher) addWatchLocked(dir string) error {
	w.watchedDirs[dir]++
	if w.watchedDirs[dir] == 1 {
		if err := w.watcher.Add(dir); err != nil {
			w.watchedDirs[dir]--
			return err
		}
		w.config.Log(2, "HotLoad: added watch for %s", dir)
	}
	return nil
}

func (w *Watcher) removeWatchLocked(dir string) {
	w.watchedDirs[dir]--
	if w.watchedDirs[dir] <= 0 {
		w.watcher.Remove(dir)
		delete(w.watchedDirs, dir)
		w.config.Log(2, "HotLoad: removed watch for %s", dir)
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Log(1, "HotLoad: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := w.resolve(event.Name)
	if path == "" {
		return
	}
	w.config.Log(3, "HotLoad: event %s on %s", event.Op, event.Name)

	// A replaced symlink may point somewhere new
	if path == event.Name && event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
		w.updateSymlinkWatch(path)
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		w.queueReload(path)
	}
}

// resolve maps a changed path to the module file it belongs to, or "".
func (w *Watcher) resolve(changed string) string {
	if abs, err := filepath.Abs(changed); err == nil {
		changed = abs
	}
	if _, ok := w.targets[changed]; ok {
		return changed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.symlinkTargets[changed]
}

func (w *Watcher) queueReload(path string) {
	w.debounceMu.Lock()
	w.pendingReloads[path] = time.Now()
	w.debounceMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.processPendingReloads()
		}
	}
}

// processPendingReloads reloads files that have been quiet for debounceDelay.
func (w *Watcher) processPendingReloads() {
	w.debounceMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range w.pendingReloads {
		if now.Sub(queuedAt) >= w.debounceDelay {
			ready = append(ready, path)
			delete(w.pendingReloads, path)
		}
	}
	w.debounceMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		for _, module := range w.targets[path] {
			w.reloadModule(path, module)
		}
	}
}

func (w *Watcher) reloadModule(path, module string) {
	defer func() {
		if r := recover(); r != nil {
			w.config.Error("HotLoad: PANIC reloading %s: %v", module, r)
		}
	}()
	w.config.Log(1, "HotLoad: %s changed, reloading %s", filepath.Base(path), module)
	w.reload(module)
}
