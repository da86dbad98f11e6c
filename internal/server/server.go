// Package server serves composed host pages over HTTP and keeps browsers in
// sync with slot transitions over a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/host"
	"github.com/zot/ui-compose/internal/hotload"
	"github.com/zot/ui-compose/internal/loader"
	"github.com/zot/ui-compose/internal/protocol"
	"github.com/zot/ui-compose/internal/session"
	"github.com/zot/ui-compose/internal/storage"
	"github.com/zot/ui-compose/internal/tree"
	"golang.org/x/sync/errgroup"
)

// Server is the composition host server.
type Server struct {
	config     *config.Config
	loader     *loader.Loader
	sessions   *session.Manager
	wsEndpoint *WebSocketEndpoint
	router     chi.Router
	httpServer *http.Server
	watcher    *hotload.Watcher

	mu       sync.Mutex
	batchers map[string]*OutgoingBatcher // sessionID -> batcher
	history  *storage.Recorder            // nil unless set

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a server with its own loader and fetch history built from cfg.
func New(cfg *config.Config) (*Server, error) {
	history, err := OpenHistory(cfg)
	if err != nil {
		return nil, err
	}
	l, err := NewLoader(cfg, history)
	if err != nil {
		history.Close()
		return nil, err
	}
	s := NewWithLoader(cfg, l)
	s.SetHistory(history)
	return s, nil
}

// NewWithLoader creates a server around an existing loader.
func NewWithLoader(cfg *config.Config, l *loader.Loader) *Server {
	sessions := session.NewManager(cfg.Session.Timeout.Duration())
	s := &Server{
		config:   cfg,
		loader:   l,
		sessions: sessions,
		batchers: make(map[string]*OutgoingBatcher),
	}

	sessions.SetOnSessionCreated(s.createPage)
	sessions.SetOnSessionDestroyed(s.destroyPage)

	s.wsEndpoint = NewWebSocketEndpoint(cfg, sessions)
	s.wsEndpoint.SetOnMessage(s.handleMessage)
	s.wsEndpoint.SetSnapshot(s.snapshot)

	s.router = s.routes()
	return s
}

// SetHistory sets the fetch history served by the API. The server closes it
// on shutdown.
func (s *Server) SetHistory(h *storage.Recorder) {
	s.history = h
}

// createPage gives a new session its tree and composer and starts rendering.
func (s *Server) createPage(sess *session.Session) error {
	t := tree.New()
	opts := host.OptionsFromConfig(s.config)
	opts.ID = sess.ID
	opts.Loader = s.loader
	opts.Tree = t

	c, err := host.New(opts)
	if err != nil {
		return err
	}

	sessionID := sess.ID
	b := NewOutgoingBatcher(func() { s.sendPatches(sessionID, t) })
	s.mu.Lock()
	s.batchers[sessionID] = b
	s.mu.Unlock()

	t.OnChange(b.Kick)
	c.OnChange(func(st host.SlotStatus) {
		s.config.Log(3, "Session %s: slot %s -> %s", sessionID, st.Name, st.State)
	})
	sess.SetPage(c, t)

	if err := c.Render(); err != nil {
		s.removeBatcher(sessionID)
		return fmt.Errorf("render host page: %w", err)
	}
	s.config.Log(1, "Session %s: page created with %d slots", sessionID, len(opts.Slots))
	return nil
}

// destroyPage runs after the session's composer closed.
func (s *Server) destroyPage(sess *session.Session) {
	s.removeBatcher(sess.ID)
	s.wsEndpoint.CloseSession(sess.ID)
	s.config.Log(1, "Session %s: destroyed", sess.ID)
}

func (s *Server) removeBatcher(sessionID string) {
	s.mu.Lock()
	b := s.batchers[sessionID]
	delete(s.batchers, sessionID)
	s.mu.Unlock()
	if b != nil {
		b.Stop()
	}
}

func (s *Server) batcher(sessionID string) *OutgoingBatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchers[sessionID]
}

// sendPatches broadcasts whatever the tree queued since the last flush.
func (s *Server) sendPatches(sessionID string, t *tree.Tree) {
	patches := t.FlushPatches()
	if len(patches) == 0 {
		return
	}
	msg, err := protocol.NewMessage(protocol.MsgPatches, protocol.PatchesMessage{Patches: patches})
	if err != nil {
		s.config.Error("Session %s: encode patches: %v", sessionID, err)
		return
	}
	if err := s.wsEndpoint.Broadcast(sessionID, msg); err != nil {
		s.config.Error("Session %s: send patches: %v", sessionID, err)
	}
}

// flush sends pending patches for a session right away.
func (s *Server) flush(sessionID string) {
	if b := s.batcher(sessionID); b != nil {
		b.FlushNow()
	}
}

// snapshot returns the messages a newly connected browser starts with.
func (s *Server) snapshot(sessionID string) []*protocol.Message {
	sess, ok := s.sessions.GetSession(sessionID)
	if !ok || sess.Composer() == nil {
		return nil
	}
	s.flush(sessionID)

	var msgs []*protocol.Message
	if msg, err := protocol.NewMessage(protocol.MsgReset, protocol.ResetMessage{
		Title: sess.Composer().Title(),
		HTML:  string(sess.Tree().HTML()),
	}); err == nil {
		msgs = append(msgs, msg)
	}
	if msg, err := protocol.NewMessage(protocol.MsgSlots, protocol.SlotsMessage{Slots: sess.Composer().Slots()}); err == nil {
		msgs = append(msgs, msg)
	}
	return msgs
}

// handleMessage runs one browser request against the session's composer.
func (s *Server) handleMessage(connectionID, sessionID string, msg *protocol.Message) {
	sess, ok := s.sessions.GetSession(sessionID)
	if !ok || sess.Composer() == nil {
		s.wsEndpoint.SendError(connectionID, errorCode(host.ErrClosed), "session is gone")
		return
	}
	c := sess.Composer()

	switch msg.Type {
	case protocol.MsgRetry, protocol.MsgReload:
		var req protocol.SlotMessage
		if err := msg.Decode(&req); err != nil {
			s.wsEndpoint.SendError(connectionID, "bad-message", err.Error())
			return
		}
		var err error
		if msg.Type == protocol.MsgRetry {
			err = c.Retry(req.Slot)
		} else {
			err = c.Reload(req.Slot)
		}
		if err != nil {
			s.wsEndpoint.SendError(connectionID, errorCode(err), err.Error())
		}
	case protocol.MsgGetSlots:
		reply, err := protocol.NewMessage(protocol.MsgSlots, protocol.SlotsMessage{Slots: c.Slots()})
		if err == nil {
			s.wsEndpoint.Send(connectionID, reply)
		}
	default:
		s.wsEndpoint.SendError(connectionID, "unknown-message", fmt.Sprintf("unknown message type %q", msg.Type))
		return
	}
	s.flush(sessionID)
}

// errorCode names a composer error for browsers and API clients.
func errorCode(err error) string {
	var unknown *host.UnknownSlotError
	switch {
	case errors.As(err, &unknown):
		return "unknown-slot"
	case errors.Is(err, host.ErrNotSettled):
		return "not-settled"
	case errors.Is(err, host.ErrClosed):
		return "closed"
	default:
		return "failed"
	}
}

// ReloadModule drops module from the loader cache and reloads every slot
// showing it in every live session. Returns the number of slots restarted.
func (s *Server) ReloadModule(module string) int {
	s.loader.Invalidate(module)
	total := 0
	for _, sess := range s.sessions.GetAllSessions() {
		c := sess.Composer()
		if c == nil {
			continue
		}
		n, err := c.ReloadModule(module)
		if err != nil {
			continue
		}
		total += n
		if n > 0 {
			s.flush(sess.ID)
		}
	}
	s.config.Log(1, "Reloaded module %s in %d slots", module, total)
	return total
}

// StartWatching reloads file-based modules when their files change.
func (s *Server) StartWatching() error {
	targets := hotload.Targets(s.loader.Registry(), s.config.Server.Dir)
	if len(targets) == 0 {
		return nil
	}
	w, err := hotload.New(s.config, targets, func(module string) { s.ReloadModule(module) })
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
	return nil
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Server.Host, fmt.Sprint(s.config.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled, then shuts down.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.router,
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	if s.config.Watch.Enabled {
		if err := s.StartWatching(); err != nil {
			s.config.Warn("Hot reload disabled: %v", err)
		}
	}
	if timeout := s.config.Session.Timeout.Duration(); timeout > 0 {
		s.sessions.StartCleanup(egctx, cleanupInterval(timeout), func(n int) {
			s.config.Log(1, "Expired %d idle sessions", n)
		})
	}

	s.config.Logger().Info("serving", "addr", "http://"+ln.Addr().String())

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func cleanupInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < time.Second {
		return time.Second
	}
	if interval > time.Minute {
		return time.Minute
	}
	return interval
}

// Shutdown stops watching, tears down every session, closes websockets and
// the loader. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error

		s.mu.Lock()
		w := s.watcher
		srv := s.httpServer
		s.mu.Unlock()

		if w != nil {
			errs = append(errs, w.Stop())
		}
		n := s.sessions.CloseAll()
		s.config.Log(1, "Closed %d sessions", n)
		s.wsEndpoint.CloseAll()
		if srv != nil {
			errs = append(errs, srv.Shutdown(ctx))
		}
		errs = append(errs, s.loader.Close())
		if s.history != nil {
			errs = append(errs, s.history.Close())
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Loader returns the server's module loader.
func (s *Server) Loader() *loader.Loader {
	return s.loader
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}
