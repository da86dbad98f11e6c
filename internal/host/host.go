// Package host composes a host page: local content rendered immediately and
// remote slots that show a fallback while loading, then either the mounted
// module or an error placeholder. A failing slot never affects its siblings.
//
// Every transition runs on the composer's executor. Load completions arrive
// asynchronously and are dropped when the composer was closed or the slot
// moved on to a newer generation.
package host

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/loader"
	"github.com/zot/ui-compose/internal/mount"
	"github.com/zot/ui-compose/internal/svc"
)

// LocalAnchor holds the host's own content.
const LocalAnchor = "local"

var (
	// ErrClosed is returned by operations on a closed composer.
	ErrClosed = errors.New("composer is closed")
	// ErrNotSettled is returned when retrying a slot that is idle or loading.
	ErrNotSettled = errors.New("slot is not mounted or errored")
)

// UnknownSlotError is returned for a slot name the composer does not have.
type UnknownSlotError struct {
	Name string
}

func (e *UnknownSlotError) Error() string {
	return fmt.Sprintf("unknown slot %q", e.Name)
}

// State is a slot's lifecycle stage.
type State int

const (
	Idle State = iota
	Loading
	Mounted
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Mounted:
		return "mounted"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= Errored; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown slot state %q", text)
}

// Slot names a remote module position on the host page.
type Slot struct {
	Name   string
	Module string
	Props  component.Props
}

// SlotAnchor returns the anchor id for a slot.
func SlotAnchor(name string) string {
	return "slot-" + name
}

// SlotStatus is a snapshot of one slot.
type SlotStatus struct {
	Name       string `json:"name"`
	Module     string `json:"module"`
	Anchor     string `json:"anchor"`
	State      State  `json:"state"`
	Error      string `json:"error,omitempty"`
	Retryable  bool   `json:"retryable"`
	Generation int    `json:"generation"`
	Attempt    int    `json:"attempt"`
	Handle     string `json:"handle,omitempty"`
}

// Loader begins module loads.
type Loader interface {
	Begin(ctx context.Context, name string) *loader.LoadState
	Invalidate(name string)
}

// Tree is the render tree a composer owns anchors in.
type Tree interface {
	CreateAnchor(id string) error
	Attach(id string, html template.HTML) error
	Detach(id string) error
	Remove(id string) error
}

// Options configures a Composer.
type Options struct {
	ID          string // defaults to a new uuid
	Title       string
	Local       template.HTML
	Fallback    template.HTML
	ErrorFormat string // HTML with one %s for the escaped reason
	Slots       []Slot
	Loader      Loader
	Tree        Tree
	Adapter     *mount.Adapter // defaults to an adapter over Tree
	Config      *config.Config
}

// OptionsFromConfig builds composer options from the [host] section.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Title:       cfg.Host.Title,
		Local:       template.HTML(cfg.Host.Local),
		Fallback:    template.HTML(cfg.Host.Fallback),
		ErrorFormat: cfg.Host.Error,
		Config:      cfg,
	}
	for _, s := range cfg.Host.Slots {
		module := s.Module
		if module == "" {
			module = s.Name
		}
		opts.Slots = append(opts.Slots, Slot{Name: s.Name, Module: module, Props: component.Props(s.Props)})
	}
	return opts
}

type slot struct {
	Slot
	anchor  string
	state   State
	gen     int
	attempt int
	handle  *mount.Handle
	err     error
}

func (s *slot) status() SlotStatus {
	st := SlotStatus{
		Name:       s.Name,
		Module:     s.Module,
		Anchor:     s.anchor,
		State:      s.state,
		Generation: s.gen,
		Attempt:    s.attempt,
	}
	if s.err != nil {
		st.Error = s.err.Error()
		st.Retryable = loader.Retryable(s.err)
	}
	if s.handle != nil {
		st.Handle = s.handle.ID
	}
	return st
}

// Composer renders one host page instance.
type Composer struct {
	id       string
	opts     Options
	owner    mount.Owner
	exec     *svc.Executor
	adapter  *mount.Adapter
	config   *config.Config
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	inflight atomic.Int32

	// Executor-only state
	active   bool
	rendered bool
	slots    []*slot
	byName   map[string]*slot
	onChange func(SlotStatus)
}

// New creates a composer. Nothing is rendered until Render.
func New(opts Options) (*Composer, error) {
	if opts.Loader == nil || opts.Tree == nil {
		return nil, errors.New("host: loader and tree are required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	adapter := opts.Adapter
	if adapter == nil {
		adapter = mount.New(opts.Tree, cfg)
	}

	c := &Composer{
		id:      opts.ID,
		opts:    opts,
		owner:   mount.Owner(opts.ID),
		exec:    svc.New("host " + opts.ID),
		adapter: adapter,
		config:  cfg,
		active:  true,
		byName:  make(map[string]*slot),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.exec.OnPanic(func(rec any) {
		c.config.Error("Host %s: task panicked: %v", c.id, rec)
	})

	for _, s := range opts.Slots {
		if s.Name == "" || s.Module == "" {
			c.exec.Stop()
			return nil, fmt.Errorf("host: slot %q needs a name and a module", s.Name)
		}
		if _, dup := c.byName[s.Name]; dup {
			c.exec.Stop()
			return nil, fmt.Errorf("host: duplicate slot %q", s.Name)
		}
		sl := &slot{Slot: s, anchor: SlotAnchor(s.Name)}
		c.slots = append(c.slots, sl)
		c.byName[s.Name] = sl
	}
	return c, nil
}

// ID returns the composer id, also its mount owner token.
func (c *Composer) ID() string {
	return c.id
}

// Title returns the page title.
func (c *Composer) Title() string {
	return c.opts.Title
}

// OnChange sets a hook called on the executor after every slot transition.
func (c *Composer) OnChange(fn func(SlotStatus)) {
	c.exec.Submit(func() { c.onChange = fn })
}

// do runs fn on the executor unless the composer is closed.
func (c *Composer) do(fn func() error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	_, err := svc.Sync(c.exec, func() (struct{}, error) {
		if !c.active {
			return struct{}{}, ErrClosed
		}
		return struct{}{}, fn()
	})
	if errors.Is(err, svc.ErrStopped) {
		return ErrClosed
	}
	return err
}

// Render attaches the local content and starts loading every slot.
// Rendering twice does nothing.
func (c *Composer) Render() error {
	return c.do(func() error {
		if c.rendered {
			return nil
		}
		c.rendered = true
		if err := c.opts.Tree.CreateAnchor(LocalAnchor); err != nil {
			return err
		}
		if err := c.opts.Tree.Attach(LocalAnchor, c.opts.Local); err != nil {
			return err
		}
		for _, s := range c.slots {
			if err := c.opts.Tree.CreateAnchor(s.anchor); err != nil {
				return err
			}
			c.startLoad(s)
		}
		return nil
	})
}

// startLoad moves s to Loading with its fallback attached and begins the load.
// Runs on the executor.
func (c *Composer) startLoad(s *slot) {
	s.gen++
	s.err = nil
	if err := c.opts.Tree.Attach(s.anchor, c.opts.Fallback); err != nil {
		c.config.Warn("Host %s: fallback for %s: %v", c.id, s.Name, err)
	}
	c.transition(s, Loading)

	state := c.opts.Loader.Begin(c.ctx, s.Module)
	s.attempt = state.Attempt
	gen := s.gen
	select {
	case <-state.Done():
		// Cache hits and unknown modules settle in the same task
		c.complete(s, gen, state)
		return
	default:
	}

	c.inflight.Add(1)
	go func() {
		<-state.Done()
		if !c.exec.Submit(func() {
			defer c.inflight.Add(-1)
			c.complete(s, gen, state)
		}) {
			c.inflight.Add(-1)
		}
	}()
}

// complete applies a finished load. Runs on the executor.
func (c *Composer) complete(s *slot, gen int, state *loader.LoadState) {
	if !c.active || s.gen != gen {
		c.config.Log(3, "Host %s: dropping stale %s completion for %s (gen %d, now %d)", c.id, state.Status(), s.Name, gen, s.gen)
		return
	}
	if state.Status() != loader.Loaded {
		c.fail(s, state.Err())
		return
	}
	h, err := c.adapter.Mount(c.ctx, c.owner, state, s.anchor, s.Props)
	if err != nil {
		c.fail(s, err)
		return
	}
	s.handle = h
	c.transition(s, Mounted)
}

func (c *Composer) fail(s *slot, err error) {
	s.err = err
	c.config.Warn("Host %s: slot %s failed: %v", c.id, s.Name, err)
	if attachErr := c.opts.Tree.Attach(s.anchor, c.errorHTML(err)); attachErr != nil {
		c.config.Warn("Host %s: error placeholder for %s: %v", c.id, s.Name, attachErr)
	}
	c.transition(s, Errored)
}

func (c *Composer) errorHTML(err error) template.HTML {
	reason := template.HTMLEscapeString(err.Error())
	if !strings.Contains(c.opts.ErrorFormat, "%s") {
		return template.HTML(c.opts.ErrorFormat)
	}
	return template.HTML(strings.Replace(c.opts.ErrorFormat, "%s", reason, 1))
}

func (c *Composer) transition(s *slot, to State) {
	c.config.Log(3, "Host %s: slot %s %s -> %s (gen %d)", c.id, s.Name, s.state, to, s.gen)
	s.state = to
	if c.onChange != nil {
		c.onChange(s.status())
	}
}

func (c *Composer) lookup(name string) (*slot, error) {
	s, ok := c.byName[name]
	if !ok {
		return nil, &UnknownSlotError{Name: name}
	}
	return s, nil
}

// Retry reloads a Mounted or Errored slot, unmounting it first.
func (c *Composer) Retry(name string) error {
	return c.do(func() error {
		s, err := c.lookup(name)
		if err != nil {
			return err
		}
		return c.retry(s)
	})
}

func (c *Composer) retry(s *slot) error {
	switch s.state {
	case Mounted:
		if err := c.adapter.Unmount(c.owner, s.handle); err != nil {
			c.config.Warn("Host %s: unmount %s: %v", c.id, s.Name, err)
		}
		s.handle = nil
	case Errored:
	default:
		return fmt.Errorf("retry %q: %w", s.Name, ErrNotSettled)
	}
	c.startLoad(s)
	return nil
}

// Reload drops the slot's module from the loader cache and retries it.
func (c *Composer) Reload(name string) error {
	return c.do(func() error {
		s, err := c.lookup(name)
		if err != nil {
			return err
		}
		c.opts.Loader.Invalidate(s.Module)
		return c.retry(s)
	})
}

// ReloadModule retries every settled slot showing module and returns how
// many were restarted. The caller invalidates the loader cache.
func (c *Composer) ReloadModule(module string) (int, error) {
	n := 0
	err := c.do(func() error {
		for _, s := range c.slots {
			if s.Module == module && (s.state == Mounted || s.state == Errored) {
				if err := c.retry(s); err == nil {
					n++
				}
			}
		}
		return nil
	})
	return n, err
}

// Slots returns a snapshot of every slot in page order.
func (c *Composer) Slots() []SlotStatus {
	var result []SlotStatus
	c.do(func() error {
		for _, s := range c.slots {
			result = append(result, s.status())
		}
		return nil
	})
	return result
}

// Slot returns a snapshot of one slot.
func (c *Composer) Slot(name string) (SlotStatus, error) {
	var st SlotStatus
	err := c.do(func() error {
		s, err := c.lookup(name)
		if err != nil {
			return err
		}
		st = s.status()
		return nil
	})
	return st, err
}

// Wait blocks until no slot is loading, or ctx is done.
func (c *Composer) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		loading := false
		err := c.do(func() error {
			for _, s := range c.slots {
				if s.state == Loading {
					loading = true
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !loading {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close tears the composer down: pending loads are cancelled and their
// completions ignored, handles are unmounted and anchors removed.
// Safe to call more than once.
func (c *Composer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_, err := svc.Sync(c.exec, func() (struct{}, error) {
		c.active = false
		c.cancel()
		n := c.adapter.UnmountAll(c.owner)
		for _, s := range c.slots {
			s.handle = nil
		}
		if c.rendered {
			c.opts.Tree.Remove(LocalAnchor)
			for _, s := range c.slots {
				c.opts.Tree.Remove(s.anchor)
			}
		}
		c.config.Log(1, "Host %s: closed, unmounted %d handles", c.id, n)
		return struct{}{}, nil
	})
	c.exec.Stop()
	return err
}

// Pending returns how many load completions have not been applied yet.
func (c *Composer) Pending() int {
	return int(c.inflight.Load())
}
