package loader

import (
	"errors"
	"sync"

	"github.com/zot/ui-compose/internal/component"
)

// moduleRef counts the mounts of one evaluated module. A retired module is
// closed once its last mount is released. Fields other than module are
// guarded by Loader.mu.
type moduleRef struct {
	l       *Loader
	module  component.Module
	refs    int
	retired bool
	closed  bool
}

// retain pins the module open and returns the matching release.
func (r *moduleRef) retain() (func(), error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if r.closed {
		return nil, ErrModuleClosed
	}
	r.refs++
	var once sync.Once
	return func() { once.Do(r.release) }, nil
}

func (r *moduleRef) release() {
	r.l.mu.Lock()
	r.refs--
	closeNow := r.retired && r.refs == 0 && !r.closed
	if closeNow {
		r.closed = true
		delete(r.l.retired, r)
	}
	r.l.mu.Unlock()
	if closeNow {
		r.l.closeModules([]*moduleRef{r})
	}
}

// retire marks r as no longer served from the cache. l.mu must be held.
func (l *Loader) retire(r *moduleRef) {
	r.retired = true
	l.retired[r] = struct{}{}
}

// sweep marks every unmounted retired module closed and returns them for
// closing outside the lock. l.mu must be held.
func (l *Loader) sweep() []*moduleRef {
	var idle []*moduleRef
	for r := range l.retired {
		if r.refs == 0 {
			r.closed = true
			delete(l.retired, r)
			idle = append(idle, r)
		}
	}
	return idle
}

func (l *Loader) closeModules(refs []*moduleRef) error {
	var errs []error
	for _, r := range refs {
		if err := r.module.Close(); err != nil {
			l.config.Warn("Loader: closing %T failed: %v", r.module, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
