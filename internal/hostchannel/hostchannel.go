// Package hostchannel implements the length-prefixed stdio link between the
// bridge and the privileged automation host: a 4-byte little-endian length
// prefix followed by a UTF-8 JSON payload, in both directions. The read
// side is a small explicit state machine — read a frame, parse it, dispatch
// by type.
package hostchannel

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

	"github.com/nativehost/automation-bridge/internal/wire"
)

var hostchannelDebug = func() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("BRIDGE_HOSTCHANNEL_DEBUG")))
	return v == "1" || v == "true" || v == "yes"
}()

func debugf(format string, args ...any) {
	if hostchannelDebug {
		log.Printf(format, args...)
	}
}

// SessionRouter is the subset of session.Registry the channel needs to
// demultiplex inbound host payloads. Declared locally (rather than
// importing session.Registry's concrete type) so hostchannel stays a leaf
// in the dependency order: framing codec -> chunked encoder -> host
// channel -> session -> session registry -> front-end.
type SessionRouter interface {
	Deliver(sessionID, requestID string, result json.RawMessage, hostErr *wire.ErrorInfo)
	AppendHostLog(sessionID, direction string, data json.RawMessage)
	ExpireFromHost(sessionID string)
	Broadcast(v any)
}

// Channel is the bidirectional, single-writer host link.
type Channel struct {
	reader *bufio.Reader
	writer io.Writer

	writeMu sync.Mutex

	connectedMu sync.RWMutex
	connected   bool
	bridgeOnly  bool

	router SessionRouter
}

// New wraps r/w (typically os.Stdin/os.Stdout) as a host channel. router
// receives demultiplexed inbound payloads.
func New(r io.Reader, w io.Writer, router SessionRouter) *Channel {
	return &Channel{
		reader: bufio.NewReader(r),
		writer: w,
		router: router,
	}
}

// Connected reports whether the host has sent at least one payload yet.
// This is deliberately tied to "first inbound message" rather than an
// explicit handshake, while remaining wire-compatible with one (any
// inbound type flips the flag, including "ready").
func (c *Channel) Connected() bool {
	c.connectedMu.RLock()
	defer c.connectedMu.RUnlock()
	return c.connected
}

// BridgeOnly reports whether the bridge is running in degraded,
// host-channel-only mode because the WebSocket listener could not bind
// (port contention on the configured address).
func (c *Channel) BridgeOnly() bool {
	c.connectedMu.RLock()
	defer c.connectedMu.RUnlock()
	return c.bridgeOnly
}

// Send serializes cmd as a "command" HostEnvelope and writes it as one
// length-prefixed frame. Send and NotifyReady both write through
// writeFrame, which holds writeMu for the whole frame, so the host stdio
// writer is only ever written by one caller at a time.
func (c *Channel) Send(sessionID string, cmd wire.HostCommand) error {
	env := wire.HostEnvelope{
		Type:      wire.HostTypeCommand,
		SessionID: sessionID,
		Command:   &cmd,
	}
	return c.writeFrame(env)
}

// NotifyReady announces bridge-only mode (or normal mode) to the host as a
// port contention indicator.
func (c *Channel) NotifyReady(port int, bridgeOnly bool) error {
	return c.writeFrame(wire.HostEnvelope{Type: wire.HostTypeReady, Port: port, BridgeOnly: bridgeOnly})
}

func (c *Channel) writeFrame(env wire.HostEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal host envelope: %w", err)
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := c.writer.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// Run reads frames until EOF or a fatal read error, dispatching each to the
// router by Type. It returns nil on a clean EOF (stdin closed) and a
// non-nil error otherwise. Run never blocks the process waiting for more
// bytes than one frame needs: a partial read simply blocks that goroutine,
// exactly as reading a pipe should.
func (c *Channel) Run() error {
	for {
		env, err := c.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		c.markConnected(env)
		c.dispatch(env)
	}
}

func (c *Channel) readFrame() (wire.HostEnvelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, header); err != nil {
		return wire.HostEnvelope{}, err
	}
	length := binary.LittleEndian.Uint32(header)
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return wire.HostEnvelope{}, err
	}
	var env wire.HostEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return wire.HostEnvelope{}, fmt.Errorf("decode host frame: %w", err)
	}
	return env, nil
}

func (c *Channel) markConnected(env wire.HostEnvelope) {
	c.connectedMu.Lock()
	c.connected = true
	if env.Type == wire.HostTypeReady {
		c.bridgeOnly = env.BridgeOnly
	}
	c.connectedMu.Unlock()
}

func (c *Channel) dispatch(env wire.HostEnvelope) {
	switch env.Type {
	case wire.HostTypeResponse:
		debugf("hostchannel: response session=%s request=%s", env.SessionID, env.RequestID)
		c.router.Deliver(env.SessionID, env.RequestID, env.Result, env.Error)
	case wire.HostTypeLog:
		c.router.AppendHostLog(env.SessionID, env.Direction, env.Data)
	case wire.HostTypeTabUpdate:
		c.router.Broadcast(wire.TabUpdateNotice{Type: wire.TypeTabUpdate, Event: env.Event, Tab: env.Tab})
	case wire.HostTypeSessionExpired:
		c.router.ExpireFromHost(env.SessionID)
	case wire.HostTypeReady:
		debugf("hostchannel: ready port=%d bridgeOnly=%v", env.Port, env.BridgeOnly)
	default:
		debugf("hostchannel: unknown frame type %q", env.Type)
	}
}
