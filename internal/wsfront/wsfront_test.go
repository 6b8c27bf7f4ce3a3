package wsfront

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nativehost/automation-bridge/internal/session"
	"github.com/nativehost/automation-bridge/internal/wire"
)

type alwaysConnectedHost struct{}

func (alwaysConnectedHost) Send(string, wire.HostCommand) error { return nil }
func (alwaysConnectedHost) Connected() bool                     { return true }

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(session.Config{
		IdleTimeout:     time.Hour,
		RequestDeadline: time.Hour,
		ChunkThreshold:  1 << 20,
		Host:            alwaysConnectedHost{},
	})
	front := New(reg, Options{CheckOrigin: func(*http.Request) bool { return true }})
	srv := httptest.NewServer(http.HandlerFunc(front.HandleWS))
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestNewConnectionGetsSessionCreated(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()

	var greeting wire.SessionGreeting
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting.Type != wire.TypeSessionCreated || greeting.SessionID == "" {
		t.Fatalf("unexpected greeting: %+v", greeting)
	}
}

func TestResumeUnknownSessionIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	conn := dial(t, srv, "?sessionId=does-not-exist")
	defer conn.Close()

	var notice wire.ErrorNotice
	if err := conn.ReadJSON(&notice); err != nil {
		t.Fatalf("read error notice: %v", err)
	}
	if notice.Type != wire.TypeError || !strings.Contains(notice.Message, "not found") {
		t.Fatalf("unexpected notice: %+v", notice)
	}
}

func TestMalformedEnvelopeGetsInvalidFormatAndStaysOpen(t *testing.T) {
	srv, reg := newTestServer(t)
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()

	var greeting wire.SessionGreeting
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	if err := conn.WriteJSON(map[string]string{"foo": "bar"}); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	var reply wire.Reply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.RequestID != "unknown" || reply.Error == nil || reply.Error.Code != session.CodeInvalidFormat {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// The socket must remain open: a subsequent well-formed request works.
	if err := conn.WriteJSON(wire.Envelope{Action: "ping", RequestID: "r1", Params: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("write well-formed frame: %v", err)
	}
	var reached bool
	for i := 0; i < 100; i++ {
		if s, ok := reg.Get(greeting.SessionID); ok && s.PendingCount() == 1 {
			reached = true
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !reached {
		t.Fatalf("well-formed request after a malformed one never reached the host")
	}
}

func TestEchoRoundTripThroughHost(t *testing.T) {
	reg := session.NewRegistry(session.Config{
		IdleTimeout:     time.Hour,
		RequestDeadline: time.Hour,
		ChunkThreshold:  1 << 20,
		Host:            alwaysConnectedHost{},
	})
	front := New(reg, Options{CheckOrigin: func(*http.Request) bool { return true }})
	srv := httptest.NewServer(http.HandlerFunc(front.HandleWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()

	var greeting wire.SessionGreeting
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	if err := conn.WriteJSON(wire.Envelope{Action: "listTabs", RequestID: "r1"}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	var waited bool
	var s *session.Session
	for i := 0; i < 100; i++ {
		if got, ok := reg.Get(greeting.SessionID); ok && got.PendingCount() == 1 {
			s = got
			waited = true
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !waited {
		t.Fatalf("command never reached pending state")
	}

	s.Deliver("r1", json.RawMessage(`{"tabs":[]}`), nil)

	var reply wire.Reply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.RequestID != "r1" || reply.Error != nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
