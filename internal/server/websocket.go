package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/protocol"
	"github.com/zot/ui-compose/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// MessageCallback handles one browser message.
type MessageCallback func(connectionID, sessionID string, msg *protocol.Message)

// SnapshotCallback returns the messages a new connection starts with.
type SnapshotCallback func(sessionID string) []*protocol.Message

// connection serializes writes; gorilla connections allow one writer at a time.
type connection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *connection) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WebSocketEndpoint handles WebSocket connections.
type WebSocketEndpoint struct {
	config          *config.Config
	connections     map[string]*connection // connectionID -> conn
	sessionBindings map[string]string      // connectionID -> sessionID
	sessions        *session.Manager
	onMessage       MessageCallback
	snapshot        SnapshotCallback
	readers         sync.WaitGroup
	mu              sync.RWMutex
}

// NewWebSocketEndpoint creates a new WebSocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config, sessions *session.Manager) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:          cfg,
		connections:     make(map[string]*connection),
		sessionBindings: make(map[string]string),
		sessions:        sessions,
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...interface{}) {
	ws.config.Log(level, format, args...)
}

// SetOnMessage sets the handler for browser messages.
func (ws *WebSocketEndpoint) SetOnMessage(callback MessageCallback) {
	ws.onMessage = callback
}

// SetSnapshot sets the provider of a new connection's initial messages.
func (ws *WebSocketEndpoint) SetSnapshot(callback SnapshotCallback) {
	ws.snapshot = callback
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.config.Error("WebSocket upgrade failed: %v", err)
		return
	}

	connectionID := generateConnectionID()
	c := &connection{conn: conn}

	ws.mu.Lock()
	ws.connections[connectionID] = c
	ws.sessionBindings[connectionID] = sessionID
	ws.readers.Add(1)
	ws.mu.Unlock()

	ws.Log(1, "WebSocket connected: session=%s conn=%s", sessionID, connectionID)

	if sess, ok := ws.sessions.GetSession(sessionID); ok {
		sess.AddConnection(connectionID)
	}
	if ws.snapshot != nil {
		for _, msg := range ws.snapshot(sessionID) {
			ws.Send(connectionID, msg)
		}
	}

	go ws.readPump(connectionID, c)
}

// readPump reads messages from a WebSocket connection.
func (ws *WebSocketEndpoint) readPump(connectionID string, c *connection) {
	defer ws.readers.Done()
	defer func() {
		ws.onDisconnect(connectionID)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				ws.config.Warn("WebSocket error: %v", err)
			}
			return
		}

		ws.mu.RLock()
		sessionID := ws.sessionBindings[connectionID]
		ws.mu.RUnlock()
		if sessionID == "" {
			continue
		}
		if sess, ok := ws.sessions.GetSession(sessionID); ok {
			sess.Touch()
		}
		ws.processMessage(connectionID, sessionID, data)
	}
}

// processMessage handles one message or a batch.
func (ws *WebSocketEndpoint) processMessage(connectionID, sessionID string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			ws.config.Error("PANIC in processMessage: %v", r)
			ws.SendError(connectionID, "internal", "internal error")
		}
	}()

	msgs, err := protocol.ParseMessages(data)
	if err != nil {
		ws.config.Warn("Failed to parse message: %v", err)
		ws.SendError(connectionID, "bad-message", err.Error())
		return
	}
	for _, msg := range msgs {
		ws.Log(2, "[IN] %s: from=%s", strings.ToUpper(string(msg.Type)), connectionID)
		if ws.onMessage != nil {
			ws.onMessage(connectionID, sessionID, msg)
		}
	}
}

// onDisconnect handles connection close.
func (ws *WebSocketEndpoint) onDisconnect(connectionID string) {
	ws.mu.Lock()
	sessionID := ws.sessionBindings[connectionID]
	delete(ws.connections, connectionID)
	delete(ws.sessionBindings, connectionID)
	ws.mu.Unlock()

	ws.Log(1, "WebSocket disconnected: session=%s conn=%s", sessionID, connectionID)

	if sess, ok := ws.sessions.GetSession(sessionID); ok {
		sess.RemoveConnection(connectionID)
	}
}

// Send sends a message to a specific connection.
func (ws *WebSocketEndpoint) Send(connectionID string, msg *protocol.Message) error {
	ws.mu.RLock()
	c, ok := ws.connections[connectionID]
	ws.mu.RUnlock()
	if !ok {
		return nil
	}

	ws.logOut(msg, connectionID)
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendError sends an error message to a connection.
func (ws *WebSocketEndpoint) SendError(connectionID, code, description string) {
	msg, err := protocol.NewMessage(protocol.MsgError, protocol.ErrorMessage{Code: code, Description: description})
	if err != nil {
		return
	}
	ws.Send(connectionID, msg)
}

// Broadcast sends a message to all connections in a session.
func (ws *WebSocketEndpoint) Broadcast(sessionID string, msg *protocol.Message) error {
	conns := ws.sessionConnections(sessionID)
	if len(conns) == 0 {
		return nil
	}

	ws.logOut(msg, "session:"+sessionID)
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	for _, c := range conns {
		c.write(data)
	}
	return nil
}

func (ws *WebSocketEndpoint) logOut(msg *protocol.Message, to string) {
	msgType := strings.ToUpper(string(msg.Type))
	if ws.config.Verbosity() >= 4 {
		ws.Log(4, "[OUT] %s: to=%s data=%s", msgType, to, string(msg.Data))
	} else {
		ws.Log(2, "[OUT] %s: to=%s", msgType, to)
	}
}

func (ws *WebSocketEndpoint) sessionConnections(sessionID string) []*connection {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	var conns []*connection
	for connID, sessID := range ws.sessionBindings {
		if sessID == sessionID {
			if c, ok := ws.connections[connID]; ok {
				conns = append(conns, c)
			}
		}
	}
	return conns
}

// CloseSession closes every connection bound to sessionID.
func (ws *WebSocketEndpoint) CloseSession(sessionID string) {
	for _, c := range ws.sessionConnections(sessionID) {
		c.conn.Close()
	}
}

// CloseAll closes every connection and waits for the readers to exit.
func (ws *WebSocketEndpoint) CloseAll() {
	ws.mu.RLock()
	conns := make([]*connection, 0, len(ws.connections))
	for _, c := range ws.connections {
		conns = append(conns, c)
	}
	ws.mu.RUnlock()

	for _, c := range conns {
		c.conn.Close()
	}
	ws.readers.Wait()
}

// ConnectionCount returns the number of open connections.
func (ws *WebSocketEndpoint) ConnectionCount() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.connections)
}

// GetSessionID returns the session ID for a connection.
func (ws *WebSocketEndpoint) GetSessionID(connectionID string) (string, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	sessionID, ok := ws.sessionBindings[connectionID]
	return sessionID, ok
}

func generateConnectionID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "conn-" + hex.EncodeToString(bytes)
}
