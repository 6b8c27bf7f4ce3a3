package fakehost

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/nativehost/automation-bridge/internal/wire"
)

// pipeHarness wires a Host's stdio to in-memory buffers so a test can push
// command frames in and read response frames back without real pipes.
type pipeHarness struct {
	in   *bytes.Buffer
	outR *io.PipeReader
	outW *io.PipeWriter
	h    *Host
}

func newHarness() *pipeHarness {
	in := &bytes.Buffer{}
	outR, outW := io.Pipe()
	return &pipeHarness{in: in, outR: outR, outW: outW, h: New(in, outW)}
}

func writeFrame(buf *bytes.Buffer, env wire.HostEnvelope) {
	payload, _ := json.Marshal(env)
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	buf.Write(header)
	buf.Write(payload)
}

func readFrame(r io.Reader) (wire.HostEnvelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return wire.HostEnvelope{}, err
	}
	length := binary.LittleEndian.Uint32(header)
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wire.HostEnvelope{}, err
	}
	var env wire.HostEnvelope
	err := json.Unmarshal(payload, &env)
	return env, err
}

func TestDispatchClickOnKnownSelectorSucceeds(t *testing.T) {
	h := New(nil, nil)
	params, _ := json.Marshal(clickPayload{Selector: "#continue"})
	result, hostErr := h.dispatch("s1", wire.HostCommand{RequestID: "r1", Action: ActionClick, Params: params})
	if hostErr != nil {
		t.Fatalf("unexpected host error: %+v", hostErr)
	}
	var out map[string]any
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", out)
	}
}

func TestDispatchClickOnUnknownSelectorFails(t *testing.T) {
	h := New(nil, nil)
	params, _ := json.Marshal(clickPayload{Selector: "#does-not-exist"})
	_, hostErr := h.dispatch("s1", wire.HostCommand{RequestID: "r1", Action: ActionClick, Params: params})
	if hostErr == nil || hostErr.Code != "TAB_NOT_FOUND" {
		t.Fatalf("expected TAB_NOT_FOUND, got %+v", hostErr)
	}
}

func TestDispatchUnsupportedActionReturnsNativeHostError(t *testing.T) {
	h := New(nil, nil)
	_, hostErr := h.dispatch("s1", wire.HostCommand{RequestID: "r1", Action: "does_not_exist"})
	if hostErr == nil || hostErr.Code != "NATIVE_HOST_ERROR" {
		t.Fatalf("expected NATIVE_HOST_ERROR, got %+v", hostErr)
	}
}

func TestRunAnswersCommandFrameWithResponseFrame(t *testing.T) {
	hrn := newHarness()
	params, _ := json.Marshal(navigatePayload{URL: "https://example.test/next"})
	writeFrame(hrn.in, wire.HostEnvelope{
		Type:      wire.HostTypeCommand,
		SessionID: "s1",
		Command:   &wire.HostCommand{RequestID: "r1", Action: ActionNavigate, Params: params},
	})

	done := make(chan error, 1)
	go func() { done <- hrn.h.Run() }()

	env, err := readFrame(hrn.outR)
	if err != nil {
		t.Fatalf("read response frame: %v", err)
	}
	if env.Type != wire.HostTypeResponse || env.RequestID != "r1" || env.SessionID != "s1" {
		t.Fatalf("unexpected response envelope: %+v", env)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestSnapshotOfBigDOMExceedsChunkThreshold(t *testing.T) {
	h := New(nil, nil)
	result, hostErr := h.dispatch("s1", wire.HostCommand{RequestID: "r1", Action: ActionBigDOM})
	if hostErr != nil {
		t.Fatalf("unexpected host error: %+v", hostErr)
	}
	if len(result) < 1<<20 {
		t.Fatalf("expected synthetic snapshot over 1MiB, got %d bytes", len(result))
	}
}
