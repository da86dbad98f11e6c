package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/host"
	"github.com/zot/ui-compose/internal/protocol"
	"github.com/zot/ui-compose/internal/registry"
	"github.com/zot/ui-compose/internal/session"
	"github.com/zot/ui-compose/internal/storage"
)

// ModuleInfo describes a registered module for API clients.
type ModuleInfo struct {
	Name     string `json:"name"`
	Locator  string `json:"locator"`
	Export   string `json:"export"`
	Cached   bool   `json:"cached"`
	Fetches  int    `json:"fetches"`
	Attempts int    `json:"attempts"`
}

// SessionInfo describes a live session for API clients.
type SessionInfo struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
	Connections  int               `json:"connections"`
	Slots        []host.SlotStatus `json:"slots"`
}

// routes configures HTTP routes.
func (s *Server) routes() chi.Router {
	r := chi.NewMux()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/ws/{session}", s.handleWebSocket)
	r.Get("/standalone/{module}", s.handleStandalone)

	r.Route("/api", func(r chi.Router) {
		r.Get("/modules", s.handleModules)
		r.Post("/modules/{module}/reload", s.handleReloadModule)
		r.Get("/modules/{module}/history", s.handleModuleHistory)
		r.Get("/sessions", s.handleSessions)
		r.Delete("/sessions/{session}", s.handleDestroySession)
		r.Get("/sessions/{session}/slots", s.handleSlots)
		r.Post("/sessions/{session}/slots/{slot}/retry", s.handleSlotAction)
		r.Post("/sessions/{session}/slots/{slot}/reload", s.handleSlotAction)
	})

	r.Get("/{session}", s.handleSessionPage)
	return r
}

// handleRoot creates a session and redirects to its page.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.CreateSession()
	if err != nil {
		s.config.Error("Failed to create session: %v", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/"+sess.ID, http.StatusTemporaryRedirect)
}

// handleSessionPage serves the host page of an existing session.
func (s *Server) handleSessionPage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.GetSession(chi.URLParam(r, "session"))
	if !ok || sess.Composer() == nil {
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	sess.Touch()
	setSessionCookie(w, sess.ID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := writePage(w, sess.Composer().Title(), sess.ID, sess.Tree().HTML()); err != nil {
		s.config.Warn("Session %s: write page: %v", sess.ID, err)
	}
}

// setSessionCookie sets the ui-session cookie.
func setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "ui-session",
		Value:    sessionID,
		Path:     "/",
		HttpOnly: false, // JS needs to read it
		SameSite: http.SameSiteLaxMode,
	})
}

// handleWebSocket handles WebSocket upgrade requests.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	if !s.sessions.SessionExists(sessionID) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	s.wsEndpoint.HandleWebSocket(w, r, sessionID)
}

// handleStandalone renders one module on its own page. Props come from the
// first slot showing the module, overridden by query parameters.
func (s *Server) handleStandalone(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "module")
	props := component.Props{}
	for _, slot := range s.config.Host.Slots {
		if slot.Module == name || (slot.Module == "" && slot.Name == name) {
			for k, v := range slot.Props {
				props[k] = v
			}
			break
		}
	}
	for k := range r.URL.Query() {
		props[k] = r.URL.Query().Get(k)
	}

	html, err := host.Standalone(r.Context(), s.loader, name, props, s.config)
	if err != nil {
		var unknown *registry.UnknownModuleError
		if errors.As(err, &unknown) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := writeStandalone(w, name, html); err != nil {
		s.config.Warn("Standalone %s: write page: %v", name, err)
	}
}

func (s *Server) moduleInfo(d registry.Descriptor) ModuleInfo {
	return ModuleInfo{
		Name:     d.Name,
		Locator:  d.Locator,
		Export:   d.ExportKey,
		Cached:   s.loader.Cached(d.Name),
		Fetches:  s.loader.Fetches(d.Name),
		Attempts: s.loader.Attempts(d.Name),
	}
}

// Modules describes every registered module in name order.
func (s *Server) Modules() []ModuleInfo {
	modules := []ModuleInfo{}
	for _, d := range s.loader.Registry().Descriptors() {
		modules = append(modules, s.moduleInfo(d))
	}
	return modules
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Modules())
}

func (s *Server) handleReloadModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "module")
	if !s.loader.Registry().Has(name) {
		writeError(w, (&registry.UnknownModuleError{Name: name}).Error(), http.StatusNotFound)
		return
	}
	n := s.ReloadModule(name)
	writeJSON(w, http.StatusOK, map[string]any{"module": name, "slots": n})
}

// History returns up to limit fetch records of module (all modules when
// empty), newest first. Without a history backend it is always empty.
func (s *Server) History(ctx context.Context, module string, limit int) ([]*storage.Record, error) {
	if s.history == nil {
		return []*storage.Record{}, nil
	}
	records, err := s.history.History(ctx, module, limit)
	if records == nil {
		records = []*storage.Record{}
	}
	return records, err
}

func (s *Server) handleModuleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "module")
	if !s.loader.Registry().Has(name) {
		writeError(w, (&registry.UnknownModuleError{Name: name}).Error(), http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := s.History(r.Context(), name, limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func sessionInfo(sess *session.Session) SessionInfo {
	info := SessionInfo{
		ID:           sess.ID,
		CreatedAt:    sess.CreatedAt(),
		LastActivity: sess.LastActivity(),
		Connections:  sess.ConnectionCount(),
	}
	if c := sess.Composer(); c != nil {
		info.Slots = c.Slots()
	}
	return info
}

// SessionInfos describes every live session, oldest first.
func (s *Server) SessionInfos() []SessionInfo {
	infos := []SessionInfo{}
	for _, sess := range s.sessions.GetAllSessions() {
		infos = append(infos, sessionInfo(sess))
	}
	return infos
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.SessionInfos())
}

// lookupSession writes a 404 when the session is unknown.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.GetSession(chi.URLParam(r, "session"))
	if !ok || sess.Composer() == nil {
		writeError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Composer().Slots())
}

// handleSlotAction retries or reloads one slot, depending on the last path element.
func (s *Server) handleSlotAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	c := sess.Composer()
	name := chi.URLParam(r, "slot")

	var err error
	if strings.HasSuffix(r.URL.Path, "/reload") {
		err = c.Reload(name)
	} else {
		err = c.Retry(name)
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.flush(sess.ID)

	st, err := c.Slot(name)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.DestroySession(chi.URLParam(r, "session")) {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps composer errors onto HTTP status codes.
func statusFor(err error) int {
	switch errorCode(err) {
	case "unknown-slot":
		return http.StatusNotFound
	case "not-settled":
		return http.StatusConflict
	case "closed":
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.Response{Result: result})
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.Response{Error: message})
}
