// Package fakehost is a simulated privileged automation host: it speaks the
// exact length-prefixed stdio contract a real browser-extension host would,
// but answers commands against an in-memory per-session page model
// (internal/page.Snapshot) instead of a real browser connection. It exists
// for local development and for exercising the bridge end to end
// (including the chunking path, see syntheticBigSnapshot) without a real
// extension attached.
package fakehost

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/nativehost/automation-bridge/internal/page"
	"github.com/nativehost/automation-bridge/internal/wire"
)

var fakehostDebug = func() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("BRIDGE_FAKEHOST_DEBUG")))
	return v == "1" || v == "true" || v == "yes"
}()

func debugf(format string, args ...any) {
	if fakehostDebug {
		log.Printf(format, args...)
	}
}

// Host is the simulated automation host. It owns one synthetic page per
// session id and answers commands against it.
type Host struct {
	reader *bufio.Reader
	writer io.Writer

	writeMu sync.Mutex

	mu    sync.Mutex
	pages map[string]*page.Snapshot
}

// New wraps r/w (typically os.Stdin/os.Stdout from the fakehost process's
// point of view) as a simulated host.
func New(r io.Reader, w io.Writer) *Host {
	return &Host{
		reader: bufio.NewReader(r),
		writer: w,
		pages:  make(map[string]*page.Snapshot),
	}
}

// Run reads command frames until EOF, answering each with a "response"
// frame. It returns nil on clean EOF (the bridge closed its end).
func (h *Host) Run() error {
	for {
		env, err := h.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch env.Type {
		case wire.HostTypeCommand:
			go h.handle(env)
		default:
			debugf("fakehost: ignoring frame type %q", env.Type)
		}
	}
}

func (h *Host) handle(env wire.HostEnvelope) {
	if env.Command == nil {
		return
	}
	result, hostErr := h.dispatch(env.SessionID, *env.Command)
	resp := wire.HostEnvelope{
		Type:      wire.HostTypeResponse,
		SessionID: env.SessionID,
		RequestID: env.Command.RequestID,
		Result:    result,
		Error:     hostErr,
	}
	if err := h.writeFrame(resp); err != nil {
		debugf("fakehost: write response failed: %v", err)
	}
}

// NotifyLog emits a "log" frame recording a request or response pair for
// the session's event log.
func (h *Host) NotifyLog(sessionID, direction string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal log data: %w", err)
	}
	return h.writeFrame(wire.HostEnvelope{
		Type:      wire.HostTypeLog,
		SessionID: sessionID,
		Direction: direction,
		Data:      raw,
	})
}

// NotifyTabUpdate broadcasts an unsolicited tab event to every session.
func (h *Host) NotifyTabUpdate(event string, tab any) error {
	raw, err := json.Marshal(tab)
	if err != nil {
		return fmt.Errorf("marshal tab data: %w", err)
	}
	return h.writeFrame(wire.HostEnvelope{Type: wire.HostTypeTabUpdate, Event: event, Tab: raw})
}

// ExpireSession tells the bridge to treat a session as host-expired.
func (h *Host) ExpireSession(sessionID string) error {
	return h.writeFrame(wire.HostEnvelope{Type: wire.HostTypeSessionExpired, SessionID: sessionID})
}

func (h *Host) readFrame() (wire.HostEnvelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(h.reader, header); err != nil {
		return wire.HostEnvelope{}, err
	}
	length := binary.LittleEndian.Uint32(header)
	payload := make([]byte, length)
	if _, err := io.ReadFull(h.reader, payload); err != nil {
		return wire.HostEnvelope{}, err
	}
	var env wire.HostEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return wire.HostEnvelope{}, fmt.Errorf("decode host frame: %w", err)
	}
	return env, nil
}

func (h *Host) writeFrame(env wire.HostEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal host envelope: %w", err)
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.writer.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := h.writer.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func (h *Host) pageFor(sessionID string) *page.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pages[sessionID]
	if !ok {
		p = newSyntheticPage(sessionID)
		h.pages[sessionID] = p
	}
	return p
}

func newSyntheticPage(sessionID string) *page.Snapshot {
	return &page.Snapshot{
		ID:    sessionID,
		URL:   "https://example.test/start",
		Title: "fakehost start page",
		Text:  "Welcome to the fakehost simulated page.",
		Elements: []page.Element{
			{Tag: "a", Text: "Continue", Selector: "#continue", Href: "https://example.test/next"},
			{Tag: "input", InputType: "text", Name: "q", Selector: "#search"},
			{Tag: "button", Text: "Submit", Selector: "#submit"},
		},
		Actions: []page.Action{
			{Verb: "click", Selector: "#continue", Label: "Continue"},
			{Verb: "type", Selector: "#search", Label: "Search"},
		},
	}
}
