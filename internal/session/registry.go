package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nativehost/automation-bridge/internal/wire"
)

// Registry is the process-wide, single authority over session lifetime.
// Everything else requests creation/destruction through it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
}

// NewRegistry constructs an empty registry. cfg supplies the defaults every
// created Session inherits (idle timeout, request deadline, chunk
// threshold, host channel, logs directory); callers may override the idle
// timeout per call to Create.
func NewRegistry(cfg Config) *Registry {
	return &Registry{sessions: make(map[string]*Session), cfg: cfg}
}

// SetHost wires the host channel in after construction, for the common
// startup ordering where the host channel itself needs the registry (as its
// SessionRouter) before the registry can be given the channel back as its
// Host. Only affects sessions created after the call.
func (r *Registry) SetHost(host Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Host = host
}

// Create allocates a new session. If id is empty one is generated; if id is
// non-empty it must not already be live (ids are unique process-wide).
func (r *Registry) Create(id string, idleTimeout time.Duration) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		id = uuid.New().String()
	}
	for {
		if _, exists := r.sessions[id]; !exists {
			break
		}
		id = uuid.New().String()
	}
	cfg := r.cfg
	if idleTimeout > 0 {
		cfg.IdleTimeout = idleTimeout
	}
	s := newSession(id, cfg, r.remove)
	r.sessions[id] = s
	return s
}

// Resume looks up a live session by id. It returns (nil, false) for an
// unknown id or one that has already passed its expiry (stale but not yet
// swept), reporting null for anything unknown or already expired.
func (r *Registry) Resume(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.State() == Terminal {
		return nil, false
	}
	if time.Now().After(s.ExpiresAt()) {
		return nil, false
	}
	return s, true
}

// Get returns a session by id regardless of expiry, for admin introspection.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// remove deletes a session from the map; it is wired as every Session's
// onTerminal callback. Sweep is the only other path that deletes entries.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Remove closes and removes a session by id, if it exists.
func (r *Registry) Remove(id string, reason string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Close(reason)
	}
}

// Broadcast fans an unsolicited event out to every attached session.
func (r *Registry) Broadcast(v any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Broadcast(v)
	}
}

// Deliver routes a host response to the owning session by id, implementing
// hostchannel.SessionRouter. A response for an unknown session is dropped
// the same way a session drops a response for an unknown requestId.
func (r *Registry) Deliver(sessionID, requestID string, result json.RawMessage, hostErr *wire.ErrorInfo) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.Deliver(requestID, result, hostErr)
}

// AppendHostLog records a host-originated "log" frame (REQUEST_HOST /
// RESPONSE_HOST) against the named session's event log.
func (r *Registry) AppendHostLog(sessionID, direction string, data json.RawMessage) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	kind := EventRequestHost
	if direction == "response" {
		kind = EventResponseHost
	}
	s.recordEvent(kind, data)
}

// ExpireFromHost tells the named session the host declared it expired.
func (r *Registry) ExpireFromHost(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.ExpireFromHost()
	}
}

// CloseAll terminates every live session with the given reason, used on
// shutdown and on host channel loss.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Close(reason)
	}
}

// Sweep removes any session that has already reached Terminal state but is
// still present (a defensive backstop; Close already unregisters via
// onTerminal, so in steady operation Sweep finds nothing).
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.State() == Terminal {
			delete(r.sessions, id)
		}
	}
}

// Count returns the number of sessions currently tracked (any state).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of every tracked session, for admin/TUI use.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
