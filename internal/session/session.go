package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nativehost/automation-bridge/internal/chunk"
	"github.com/nativehost/automation-bridge/internal/wire"
)

const warningLeadTime = 60 * time.Second

// pendingEntry is the one-shot completion record for a command in flight
// toward the host, keyed by requestId. Each Session owns its own pending
// map rather than sharing one process-wide map: there is no ordering
// relationship promised between sessions, so there is no reason to share
// the lock.
type pendingEntry struct {
	submittedAt time.Time
	deadline    *time.Timer
}

// Session owns one tenant's command stream end-to-end: the queue, the
// pending-reply table, the activity/expiry timers, and the event log.
type Session struct {
	ID          string
	IdleTimeout time.Duration
	CreatedAt   time.Time

	host            Host
	requestDeadline time.Duration
	logSink         *logWriter
	onTerminal      func(id string)

	mu             sync.Mutex
	state          State
	socket         Transport
	lastActivityAt time.Time
	expiresAt      time.Time
	queue          []wire.Envelope
	pending        map[string]*pendingEntry
	dispatching    bool
	expiryTimer    *time.Timer
	warningTimer   *time.Timer
	log            []LogEntry
	chunkThreshold int
}

// Config bundles the knobs a Session needs beyond its id, so Registry.Create
// doesn't grow an ever-longer positional argument list.
type Config struct {
	IdleTimeout     time.Duration
	RequestDeadline time.Duration
	ChunkThreshold  int
	Host            Host
	LogsDir         string
}

func newSession(id string, cfg Config, onTerminal func(string)) *Session {
	now := time.Now()
	s := &Session{
		ID:              id,
		IdleTimeout:     cfg.IdleTimeout,
		CreatedAt:       now,
		host:            cfg.Host,
		requestDeadline: cfg.RequestDeadline,
		onTerminal:      onTerminal,
		state:           Detached,
		lastActivityAt:  now,
		pending:         make(map[string]*pendingEntry),
		chunkThreshold:  cfg.ChunkThreshold,
	}
	if cfg.LogsDir != "" {
		s.logSink = newLogWriter(cfg.LogsDir, id, now.Unix())
	}
	s.recordEvent(EventSessionCreated, nil)
	s.rearmLocked(now)
	return s
}

// Attach binds a live transport to the session. A prior socket, if any, is
// detached silently: two sockets racing to attach to the same id is
// treated as client misuse and resolved last-writer-wins.
func (s *Session) Attach(t Transport) {
	s.mu.Lock()
	if s.state == Terminal {
		s.mu.Unlock()
		return
	}
	if s.socket != nil && s.socket != t {
		_ = s.socket.Close()
	}
	s.socket = t
	s.state = Attached
	now := time.Now()
	s.lastActivityAt = now
	s.rearmLocked(now)
	s.mu.Unlock()
}

// Submit validates and enqueues a client command envelope. A malformed
// envelope is rejected inline and never reaches the queue.
func (s *Session) Submit(env wire.Envelope) {
	if !env.Valid() {
		s.replyDirect(errorReply(firstNonEmpty(env.RequestID, "unknown"), CodeInvalidFormat,
			"Missing required fields: action, requestId"))
		return
	}

	s.mu.Lock()
	if s.state == Terminal {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	now := time.Now()
	s.lastActivityAt = now
	s.rearmLocked(now)
	shouldRun := !s.dispatching
	if shouldRun {
		s.dispatching = true
	}
	s.mu.Unlock()

	if shouldRun {
		go s.dispatchLoop()
	}
}

// dispatchLoop is the session's single cooperative runner: no two commands
// from the same session are ever in flight toward the host at once. The
// dispatching flag (rather than an unbounded goroutine-per-command) is the
// guard.
func (s *Session) dispatchLoop() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.state == Terminal {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue = s.queue[1:]

		if s.host == nil || !s.host.Connected() {
			s.mu.Unlock()
			s.replyDirect(errorReply(env.RequestID, CodeNativeHostError, "Not connected"))
			continue
		}

		entry := &pendingEntry{submittedAt: time.Now()}
		s.pending[env.RequestID] = entry
		if s.requestDeadline > 0 {
			reqID := env.RequestID
			entry.deadline = time.AfterFunc(s.requestDeadline, func() { s.expirePending(reqID) })
		}
		s.mu.Unlock()

		s.recordEvent(EventRequest, env)
		cmd := wire.HostCommand{RequestID: env.RequestID, Action: env.Action, Params: env.Params}
		if err := s.host.Send(s.ID, cmd); err != nil {
			s.failPending(env.RequestID, CodeNativeHostError, err.Error())
		}
	}
}

// expirePending fails a command that the host never answered within the
// per-request deadline. This is the bridge-side request watchdog: without
// it, a silently hung host would leave a client waiting forever.
func (s *Session) expirePending(requestID string) {
	s.mu.Lock()
	_, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, requestID)
	s.mu.Unlock()
	s.replyDirect(errorReply(requestID, CodeRequestTimeout, "Host did not reply within the request deadline"))
}

func (s *Session) failPending(requestID, code, message string) {
	s.mu.Lock()
	entry, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
		if entry.deadline != nil {
			entry.deadline.Stop()
		}
	}
	s.mu.Unlock()
	if ok {
		s.replyDirect(errorReply(requestID, code, message))
	}
}

// Deliver is called by the host channel with a reply keyed to this session.
func (s *Session) Deliver(requestID string, result json.RawMessage, hostErr *wire.ErrorInfo) {
	s.mu.Lock()
	entry, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		s.recordEvent(EventResponseHost, map[string]string{"requestId": requestID, "dropped": "unknown requestId"})
		return
	}
	delete(s.pending, requestID)
	if entry.deadline != nil {
		entry.deadline.Stop()
	}
	now := time.Now()
	s.lastActivityAt = now
	s.rearmLocked(now)
	s.mu.Unlock()

	s.recordEvent(EventResponseHost, map[string]string{"requestId": requestID})
	s.replyDirect(wire.Reply{RequestID: requestID, Result: result, Error: hostErr})
}

// replyDirect sends a reply to the attached socket, splitting it into
// chunks first if it exceeds the configured threshold. If no socket is
// attached the reply is simply dropped: the bridge does not buffer replies
// for detached sessions beyond `pending`.
func (s *Session) replyDirect(reply wire.Reply) {
	s.recordEvent(EventResponse, map[string]string{"requestId": reply.RequestID})

	s.mu.Lock()
	socket := s.socket
	attached := s.state == Attached
	threshold := s.chunkThreshold
	s.mu.Unlock()
	if !attached || socket == nil {
		return
	}

	if writeErr := deliverToSocket(socket, threshold, reply); writeErr != nil {
		s.onSocketError(writeErr)
	}
}

// deliverToSocket writes reply to socket directly, splitting it into chunks
// first if it exceeds threshold. Unlike replyDirect it takes no session
// lock and makes no liveness check, so Close can use it to flush a
// session's pending failures through a socket it has already captured and
// is about to detach.
func deliverToSocket(socket Transport, threshold int, reply wire.Reply) error {
	whole, chunks, err := chunk.Encode(reply, threshold)
	if err != nil {
		return nil
	}
	if whole != nil {
		return socket.WriteJSON(*whole)
	}
	for _, c := range chunks {
		if writeErr := socket.WriteJSON(c); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

// onSocketError detaches the session on a failed write mid-delivery.
func (s *Session) onSocketError(err error) {
	s.recordEvent(EventWSError, map[string]string{"error": err.Error()})
	s.Detach()
}

// Detach drops the live socket without terminating the session. It remains
// resumable until ExpiresAt.
func (s *Session) Detach() {
	s.mu.Lock()
	if s.state != Attached {
		s.mu.Unlock()
		return
	}
	s.socket = nil
	s.state = Detached
	if s.warningTimer != nil {
		s.warningTimer.Stop()
	}
	s.mu.Unlock()
}

// Close transitions the session to TERMINAL, failing every pending command
// and cancelling timers. The socket, if any was attached, is captured
// before the state flips so the pending failure replies (and, on expiry,
// a sessionExpired notice) are actually written to it rather than dropped
// by replyDirect's live-state guard, which would see Terminal/nil and
// refuse to send.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == Terminal {
		s.mu.Unlock()
		return
	}
	s.state = Terminal
	socket := s.socket
	s.socket = nil
	threshold := s.chunkThreshold
	pending := s.pending
	s.pending = make(map[string]*pendingEntry)
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	if s.warningTimer != nil {
		s.warningTimer.Stop()
	}
	s.mu.Unlock()

	code := codeForCloseReason(reason)
	for requestID, entry := range pending {
		if entry.deadline != nil {
			entry.deadline.Stop()
		}
		reply := errorReply(requestID, code, reason)
		s.recordEvent(EventResponse, map[string]string{"requestId": requestID})
		if socket != nil {
			_ = deliverToSocket(socket, threshold, reply)
		}
	}
	if socket != nil && isExpiryReason(reason) {
		_ = socket.WriteJSON(wire.SessionExpiredNotice{
			Type:      wire.TypeSessionExpired,
			SessionID: s.ID,
			Reason:    reason,
		})
	}
	if socket != nil {
		_ = socket.Close()
	}
	s.recordEvent(EventSessionExpired, map[string]string{"reason": reason})
	if s.onTerminal != nil {
		s.onTerminal(s.ID)
	}
	if s.logSink != nil {
		s.logSink.Close()
	}
}

// isExpiryReason reports whether reason represents the session's own
// timeout/host-expiry path, as opposed to an administrative or
// client-initiated shutdown. Only expiry reasons get a sessionExpired
// notice on the wire; the client already knows why a shutdown happened.
func isExpiryReason(reason string) bool {
	switch reason {
	case "idle", "expired", "host_expired":
		return true
	default:
		return false
	}
}

func codeForCloseReason(reason string) string {
	switch reason {
	case "idle", "expired", "host_expired":
		return CodeSessionExpired
	case "host_disconnected":
		return CodeNativeHostError
	default:
		return CodeSessionExpired
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExpiresAt reports the instant at which an idle session becomes terminal.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// QueueDepth reports the number of commands awaiting dispatch, for admin
// introspection.
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// PendingCount reports the number of commands in flight toward the host.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Snapshot is a point-in-time, read-only view of a Session for admin/TUI
// consumption.
type Snapshot struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	QueueDepth     int       `json:"queueDepth"`
	PendingCount   int       `json:"pendingCount"`
}

// Snapshot captures the session's current state for display.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		State:          s.state.String(),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
		ExpiresAt:      s.expiresAt,
		QueueDepth:     len(s.queue),
		PendingCount:   len(s.pending),
	}
}

// rearmLocked recomputes expiresAt and reschedules the expiry and warning
// timers. Callers must hold s.mu.
func (s *Session) rearmLocked(now time.Time) {
	idle := s.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	s.expiresAt = now.Add(idle)

	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	s.expiryTimer = time.AfterFunc(idle, func() { s.Close("idle") })

	if s.warningTimer != nil {
		s.warningTimer.Stop()
		s.warningTimer = nil
	}
	if s.state == Attached {
		lead := idle - warningLeadTime
		if lead > 0 {
			s.warningTimer = time.AfterFunc(lead, s.sendWarning)
		}
	}
}

func (s *Session) sendWarning() {
	s.mu.Lock()
	attached := s.state == Attached
	socket := s.socket
	s.mu.Unlock()
	if !attached || socket == nil {
		return
	}
	_ = socket.WriteJSON(wire.SessionTimeoutWarning{
		Type:          wire.TypeSessionTimeout,
		RemainingTime: warningLeadTime.Milliseconds(),
	})
}

// ExpireFromHost terminates the session because the host itself reported it
// expired via a "sessionExpired" host envelope.
func (s *Session) ExpireFromHost() {
	s.Close("host_expired")
}

// Broadcast delivers an unsolicited event (e.g. tabUpdate) to this session's
// socket if attached. It never touches pending or the queue.
func (s *Session) Broadcast(v any) {
	s.mu.Lock()
	socket := s.socket
	attached := s.state == Attached
	s.mu.Unlock()
	if !attached || socket == nil {
		return
	}
	if err := socket.WriteJSON(v); err != nil {
		s.onSocketError(err)
	}
}

func (s *Session) recordEvent(kind EventKind, data any) {
	raw, _ := json.Marshal(data)
	entry := LogEntry{Timestamp: time.Now(), Event: kind, Data: raw}
	s.mu.Lock()
	s.log = append(s.log, entry)
	if len(s.log) > 500 {
		s.log = s.log[len(s.log)-500:]
	}
	s.mu.Unlock()
	if s.logSink != nil {
		s.logSink.Append(entry)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ fmt.Stringer = State(0)
