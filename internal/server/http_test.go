package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/host"
	"github.com/zot/ui-compose/internal/protocol"
	"github.com/zot/ui-compose/internal/session"
	"github.com/zot/ui-compose/internal/storage"
)

const cartModule = `{{define "App"}}<div class="cart">{{.title}}</div>{{end}}`

// newTestServer builds a site with a working "cart" slot and a "promo" slot
// whose module file does not exist.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "modules"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "modules", "cart.html"), []byte(cartModule), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.SetLogOutput(io.Discard)
	cfg.Server.Dir = dir
	cfg.Host.Title = "Product Listing"
	cfg.Host.Local = `<h1>Product Listing</h1>`
	cfg.Host.Slots = []config.SlotConfig{
		{Name: "cart", Module: "cart", Props: map[string]any{"title": "Cart Application"}},
		{Name: "promo", Module: "broken"},
	}
	cfg.Modules["cart"] = config.ModuleConfig{Locator: "file:modules/cart.html", Export: "App"}
	cfg.Modules["broken"] = config.ModuleConfig{Locator: "file:modules/missing.html", Export: "App"}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

// settledSession creates a session and waits until no slot is loading.
func settledSession(t *testing.T, srv *Server) *session.Session {
	t.Helper()
	sess, err := srv.Sessions().CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Composer().Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return sess
}

func serve(srv *Server, method, target string) *http.Response {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w.Result()
}

func decodeResult(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	var body struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if body.Error != "" {
		t.Fatalf("Unexpected error response: %s", body.Error)
	}
	if err := json.Unmarshal(body.Result, v); err != nil {
		t.Fatalf("Invalid result: %v", err)
	}
}

// TestHTTPRedirectToSession verifies GET / creates a session and redirects
func TestHTTPRedirectToSession(t *testing.T) {
	srv := newTestServer(t)

	resp := serve(srv, "GET", "/")
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("Expected redirect (307), got %d", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, "/") {
		t.Fatalf("Location should start with /, got %q", location)
	}
	sessionID := strings.TrimPrefix(location, "/")
	if !srv.Sessions().SessionExists(sessionID) {
		t.Error("Session should exist after redirect")
	}
}

// TestHTTPSessionPage verifies the page carries local content and mounted slots
func TestHTTPSessionPage(t *testing.T) {
	srv := newTestServer(t)
	sess := settledSession(t, srv)

	resp := serve(srv, "GET", "/"+sess.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	page := string(body)

	for _, want := range []string{
		"<title>Product Listing</title>",
		"<h1>Product Listing</h1>",
		`<div class="cart">Cart Application</div>`,
		`id="uic-slot-promo"`,
		"slot-error",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("Page should contain %q", want)
		}
	}

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "ui-session" && c.Value == sess.ID {
			found = true
		}
	}
	if !found {
		t.Error("Expected ui-session cookie")
	}
}

// TestHTTPUnknownSession verifies stale session links start over
func TestHTTPUnknownSession(t *testing.T) {
	srv := newTestServer(t)

	resp := serve(srv, "GET", "/no-such-session")
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("Expected redirect (307), got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Errorf("Expected redirect to /, got %q", loc)
	}
	if srv.Sessions().Count() != 0 {
		t.Error("No session should be created for an unknown id")
	}
}

// TestHTTPStandalone verifies a module renders on its own page
func TestHTTPStandalone(t *testing.T) {
	srv := newTestServer(t)

	resp := serve(srv, "GET", "/standalone/cart")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `<div class="cart">Cart Application</div>`) {
		t.Errorf("Standalone page should use slot props, got %s", body)
	}

	resp = serve(srv, "GET", "/standalone/cart?title=Solo")
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `<div class="cart">Solo</div>`) {
		t.Errorf("Query should override props, got %s", body)
	}

	if resp := serve(srv, "GET", "/standalone/nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown module, got %d", resp.StatusCode)
	}
	if resp := serve(srv, "GET", "/standalone/broken"); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 for failed module, got %d", resp.StatusCode)
	}
}

// TestHTTPModules verifies the module listing
func TestHTTPModules(t *testing.T) {
	srv := newTestServer(t)
	settledSession(t, srv)

	resp := serve(srv, "GET", "/api/modules")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var modules []ModuleInfo
	decodeResult(t, resp, &modules)

	if len(modules) != 2 {
		t.Fatalf("Expected 2 modules, got %d", len(modules))
	}
	if modules[0].Name != "broken" || modules[1].Name != "cart" {
		t.Errorf("Modules should be sorted by name, got %s, %s", modules[0].Name, modules[1].Name)
	}
	if !modules[1].Cached || modules[1].Fetches != 1 {
		t.Errorf("cart should be cached after one fetch, got %+v", modules[1])
	}
	if modules[0].Cached {
		t.Error("Failed loads should not be cached")
	}
}

// TestHTTPModuleHistory verifies every fetch is recorded
func TestHTTPModuleHistory(t *testing.T) {
	srv := newTestServer(t)
	settledSession(t, srv)

	resp := serve(srv, "GET", "/api/modules/broken/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var records []storage.Record
	decodeResult(t, resp, &records)
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].OK || records[0].Error == "" || records[0].Fetch != 1 {
		t.Errorf("Expected a failed first fetch, got %+v", records[0])
	}

	resp = serve(srv, "POST", "/api/modules/cart/reload")
	resp.Body.Close()
	settledSession(t, srv)
	all, err := srv.History(context.Background(), "cart", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || !all[0].OK || all[0].Fetch != 2 {
		t.Errorf("Expected two cart fetches newest first, got %+v", all)
	}

	if resp := serve(srv, "GET", "/api/modules/cart/history?limit=x"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", resp.StatusCode)
	}
	if resp := serve(srv, "GET", "/api/modules/nope/history"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown module, got %d", resp.StatusCode)
	}
}

// TestHTTPReloadModule verifies a module reload refetches and remounts
func TestHTTPReloadModule(t *testing.T) {
	srv := newTestServer(t)
	sess := settledSession(t, srv)

	resp := serve(srv, "POST", "/api/modules/cart/reload")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var result struct {
		Slots int `json:"slots"`
	}
	decodeResult(t, resp, &result)
	if result.Slots != 1 {
		t.Errorf("Expected 1 slot reloaded, got %d", result.Slots)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Composer().Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := srv.Loader().Fetches("cart"); got != 2 {
		t.Errorf("Expected 2 fetches, got %d", got)
	}
	st, _ := sess.Composer().Slot("cart")
	if st.State != host.Mounted || st.Generation != 2 {
		t.Errorf("Expected cart remounted at generation 2, got %s/%d", st.State, st.Generation)
	}

	if resp := serve(srv, "POST", "/api/modules/nope/reload"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown module, got %d", resp.StatusCode)
	}
}

// TestHTTPSlotRetry verifies retry status codes
func TestHTTPSlotRetry(t *testing.T) {
	srv := newTestServer(t)
	sess := settledSession(t, srv)
	base := "/api/sessions/" + sess.ID + "/slots/"

	resp := serve(srv, "POST", base+"promo/retry")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var st host.SlotStatus
	decodeResult(t, resp, &st)
	if st.Generation != 2 {
		t.Errorf("Expected generation 2, got %d", st.Generation)
	}

	if resp := serve(srv, "POST", base+"nope/retry"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown slot, got %d", resp.StatusCode)
	}
	if resp := serve(srv, "POST", "/api/sessions/nope/slots/cart/retry"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

// TestHTTPSessions verifies listing and destroying sessions
func TestHTTPSessions(t *testing.T) {
	srv := newTestServer(t)
	sess := settledSession(t, srv)

	resp := serve(srv, "GET", "/api/sessions")
	var infos []SessionInfo
	decodeResult(t, resp, &infos)
	if len(infos) != 1 || infos[0].ID != sess.ID {
		t.Fatalf("Expected the one session, got %+v", infos)
	}
	if len(infos[0].Slots) != 2 {
		t.Errorf("Expected 2 slots, got %d", len(infos[0].Slots))
	}

	resp = serve(srv, "GET", "/api/sessions/"+sess.ID+"/slots")
	var slots []host.SlotStatus
	decodeResult(t, resp, &slots)
	if slots[0].Name != "cart" || slots[0].State != host.Mounted {
		t.Errorf("Expected cart mounted first, got %+v", slots[0])
	}
	if slots[1].State != host.Errored || !slots[1].Retryable {
		t.Errorf("Expected promo errored and retryable, got %+v", slots[1])
	}

	if resp := serve(srv, "DELETE", "/api/sessions/"+sess.ID); resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	if !sess.Closed() {
		t.Error("Destroying a session should close its page")
	}
	if resp := serve(srv, "GET", "/api/sessions/"+sess.ID+"/slots"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after destroy, got %d", resp.StatusCode)
	}
	if resp := serve(srv, "DELETE", "/api/sessions/"+sess.ID); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for second destroy, got %d", resp.StatusCode)
	}
}

// readUntil reads websocket messages until one of type want arrives
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) *protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Waiting for %s: %v", want, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Invalid message %s: %v", data, err)
		}
		if msg.Type == want {
			return &msg
		}
	}
}

// TestWebSocketSnapshotAndRetry verifies a browser gets the page and live patches
func TestWebSocketSnapshotAndRetry(t *testing.T) {
	srv := newTestServer(t)
	sess := settledSession(t, srv)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	var reset protocol.ResetMessage
	if err := readUntil(t, conn, protocol.MsgReset).Decode(&reset); err != nil {
		t.Fatal(err)
	}
	if reset.Title != "Product Listing" || !strings.Contains(reset.HTML, "Cart Application") {
		t.Errorf("Unexpected reset %+v", reset)
	}
	var slots protocol.SlotsMessage
	if err := readUntil(t, conn, protocol.MsgSlots).Decode(&slots); err != nil {
		t.Fatal(err)
	}
	if len(slots.Slots) != 2 {
		t.Errorf("Expected 2 slots, got %d", len(slots.Slots))
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"retry","data":{"slot":"promo"}}`))
	var patches protocol.PatchesMessage
	if err := readUntil(t, conn, protocol.MsgPatches).Decode(&patches); err != nil {
		t.Fatal(err)
	}
	if len(patches.Patches) == 0 || patches.Patches[0].Anchor != host.SlotAnchor("promo") {
		t.Errorf("Expected patches for the promo anchor, got %+v", patches.Patches)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"retry","data":{"slot":"nope"}}`))
	var failure protocol.ErrorMessage
	if err := readUntil(t, conn, protocol.MsgError).Decode(&failure); err != nil {
		t.Fatal(err)
	}
	if failure.Code != "unknown-slot" {
		t.Errorf("Expected unknown-slot, got %q", failure.Code)
	}

	if sess.ConnectionCount() != 1 {
		t.Errorf("Expected 1 connection, got %d", sess.ConnectionCount())
	}
}

// TestWebSocketUnknownSession verifies upgrades need a live session
func TestWebSocketUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	if resp := serve(srv, "GET", "/ws/nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

// TestShutdownClosesSessions verifies shutdown tears every page down once
func TestShutdownClosesSessions(t *testing.T) {
	srv := newTestServer(t)
	sess := settledSession(t, srv)

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !sess.Closed() {
		t.Error("Session should be closed")
	}
	if srv.Sessions().Count() != 0 {
		t.Errorf("Expected no sessions, got %d", srv.Sessions().Count())
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Second shutdown should be a no-op, got %v", err)
	}
}

// TestErrorCodes verifies composer errors map to codes and statuses
func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{&host.UnknownSlotError{Name: "x"}, "unknown-slot", http.StatusNotFound},
		{fmt.Errorf("retry: %w", host.ErrNotSettled), "not-settled", http.StatusConflict},
		{host.ErrClosed, "closed", http.StatusGone},
		{errors.New("boom"), "failed", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.code {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.code)
		}
		if got := statusFor(tt.err); got != tt.status {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

// TestCleanupInterval verifies the sweep interval bounds
func TestCleanupInterval(t *testing.T) {
	if got := cleanupInterval(time.Second); got != time.Second {
		t.Errorf("Expected 1s floor, got %v", got)
	}
	if got := cleanupInterval(24 * time.Hour); got != time.Minute {
		t.Errorf("Expected 1m ceiling, got %v", got)
	}
	if got := cleanupInterval(2 * time.Minute); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}
}
