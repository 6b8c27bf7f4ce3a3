// Package wsfront is the WebSocket front-end external clients connect to:
// many external clients multiplexed onto per-session queues, each session
// independently resumable across reconnects.
package wsfront

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nativehost/automation-bridge/internal/session"
	"github.com/nativehost/automation-bridge/internal/wire"
)

var wsfrontDebug = func() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("BRIDGE_WSFRONT_DEBUG")))
	return v == "1" || v == "true" || v == "yes"
}()

func debugf(format string, args ...any) {
	if wsfrontDebug {
		log.Printf(format, args...)
	}
}

// Front is the WebSocket listener front-end external clients connect to.
type Front struct {
	registry *session.Registry
	upgrader websocket.Upgrader
}

// Options configures the upgrader. Zero values fall back to 4KiB buffers.
type Options struct {
	CheckOrigin     func(*http.Request) bool
	ReadBufferSize  int
	WriteBufferSize int
}

// New builds a Front backed by registry.
func New(registry *session.Registry, opts Options) *Front {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	if up.ReadBufferSize == 0 {
		up.ReadBufferSize = 4096
	}
	if up.WriteBufferSize == 0 {
		up.WriteBufferSize = 4096
	}
	return &Front{registry: registry, upgrader: up}
}

// socketTransport adapts *websocket.Conn to session.Transport, serializing
// writes as SetWriteDeadline followed by a single WriteMessage per JSON
// value.
type socketTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (t *socketTransport) WriteJSON(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if t.writeWait > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *socketTransport) Close() error {
	return t.conn.Close()
}

// HandleWS implements the upgrade decision table:
//
//	sessionId absent              -> create, greet with sessionCreated
//	sessionId present, unknown    -> reject and close
//	sessionId present, resumable  -> attach, greet with sessionResumed
//	sessionId present, expired    -> reject, close, sweep
func (f *Front) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsfront: upgrade failed: %v", err)
		http.Error(w, "could not open websocket", http.StatusBadRequest)
		return
	}

	requestedID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	idleTimeout := parseTimeout(r.URL.Query().Get("timeout"))

	var s *session.Session
	if requestedID == "" {
		s = f.registry.Create("", idleTimeout)
		tr := &socketTransport{conn: conn, writeWait: 5 * time.Second}
		s.Attach(tr)
		f.greet(conn, wire.TypeSessionCreated, s)
	} else {
		existing, ok := f.registry.Resume(requestedID)
		if !ok {
			f.reject(conn, "Session not found or expired")
			f.registry.Sweep()
			return
		}
		s = existing
		tr := &socketTransport{conn: conn, writeWait: 5 * time.Second}
		s.Attach(tr)
		f.greet(conn, wire.TypeSessionResumed, s)
	}

	f.readLoop(conn, s)
	s.Detach()
}

func (f *Front) greet(conn *websocket.Conn, kind string, s *session.Session) {
	greeting := wire.SessionGreeting{
		Type:          kind,
		SessionID:     s.ID,
		IdleTimeoutMs: s.IdleTimeout.Milliseconds(),
	}
	if err := conn.WriteJSON(greeting); err != nil {
		debugf("wsfront: greeting write failed: %v", err)
	}
}

func (f *Front) reject(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(wire.ErrorNotice{Type: wire.TypeError, Message: message})
	_ = conn.Close()
}

func (f *Front) readLoop(conn *websocket.Conn, s *session.Session) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugf("wsfront: socket error on session %s: %v", s.ID, err)
			}
			return
		}

		var env wire.Envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
			_ = conn.WriteJSON(wire.Reply{
				RequestID: "unknown",
				Error:     &wire.ErrorInfo{Code: session.CodeParseError, Message: jsonErr.Error()},
			})
			continue
		}
		s.Submit(env)
	}
}

func parseTimeout(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
