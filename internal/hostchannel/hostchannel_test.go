package hostchannel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/nativehost/automation-bridge/internal/wire"
)

type fakeRouter struct {
	delivered   []string
	logged      []string
	expired     []string
	broadcasted []any
}

func (r *fakeRouter) Deliver(sessionID, requestID string, result json.RawMessage, hostErr *wire.ErrorInfo) {
	r.delivered = append(r.delivered, sessionID+":"+requestID)
}

func (r *fakeRouter) AppendHostLog(sessionID, direction string, data json.RawMessage) {
	r.logged = append(r.logged, sessionID+":"+direction)
}

func (r *fakeRouter) ExpireFromHost(sessionID string) {
	r.expired = append(r.expired, sessionID)
}

func (r *fakeRouter) Broadcast(v any) {
	r.broadcasted = append(r.broadcasted, v)
}

func writeRawFrame(buf *bytes.Buffer, env wire.HostEnvelope) {
	payload, _ := json.Marshal(env)
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	buf.Write(header)
	buf.Write(payload)
}

func TestSendWritesLengthPrefixedFrame(t *testing.T) {
	out := &bytes.Buffer{}
	ch := New(bytes.NewReader(nil), out, &fakeRouter{})

	if err := ch.Send("s1", wire.HostCommand{RequestID: "r1", Action: "click"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	header := out.Bytes()[:4]
	length := binary.LittleEndian.Uint32(header)
	if int(length) != out.Len()-4 {
		t.Fatalf("length prefix %d does not match payload size %d", length, out.Len()-4)
	}
	var env wire.HostEnvelope
	if err := json.Unmarshal(out.Bytes()[4:], &env); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if env.Type != wire.HostTypeCommand || env.SessionID != "s1" || env.Command.RequestID != "r1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestRunDispatchesResponseLogTabUpdateAndExpired(t *testing.T) {
	in := &bytes.Buffer{}
	writeRawFrame(in, wire.HostEnvelope{Type: wire.HostTypeResponse, SessionID: "s1", RequestID: "r1"})
	writeRawFrame(in, wire.HostEnvelope{Type: wire.HostTypeLog, SessionID: "s1", Direction: "request"})
	writeRawFrame(in, wire.HostEnvelope{Type: wire.HostTypeTabUpdate, Event: "activated"})
	writeRawFrame(in, wire.HostEnvelope{Type: wire.HostTypeSessionExpired, SessionID: "s1"})

	router := &fakeRouter{}
	ch := New(in, io.Discard, router)
	if err := ch.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(router.delivered) != 1 || router.delivered[0] != "s1:r1" {
		t.Fatalf("expected one delivery for s1:r1, got %v", router.delivered)
	}
	if len(router.logged) != 1 || router.logged[0] != "s1:request" {
		t.Fatalf("expected one log entry for s1:request, got %v", router.logged)
	}
	if len(router.broadcasted) != 1 {
		t.Fatalf("expected one broadcast, got %v", router.broadcasted)
	}
	if len(router.expired) != 1 || router.expired[0] != "s1" {
		t.Fatalf("expected one expiry for s1, got %v", router.expired)
	}
	if !ch.Connected() {
		t.Fatalf("expected channel to be marked connected after inbound frames")
	}
}

func TestReadyFrameSetsBridgeOnly(t *testing.T) {
	in := &bytes.Buffer{}
	writeRawFrame(in, wire.HostEnvelope{Type: wire.HostTypeReady, Port: 9000, BridgeOnly: true})

	ch := New(in, io.Discard, &fakeRouter{})
	if err := ch.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ch.BridgeOnly() {
		t.Fatalf("expected BridgeOnly to be true after a ready frame announcing it")
	}
}

func TestRunReturnsNilOnCleanEOF(t *testing.T) {
	ch := New(bytes.NewReader(nil), io.Discard, &fakeRouter{})
	if err := ch.Run(); err != nil {
		t.Fatalf("expected nil on clean EOF, got %v", err)
	}
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	out := &bytes.Buffer{}
	ch := New(bytes.NewReader(nil), out, &fakeRouter{})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			_ = ch.Send("s1", wire.HostCommand{RequestID: "r", Action: "noop"})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for concurrent sends")
		}
	}
}
