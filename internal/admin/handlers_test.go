package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nativehost/automation-bridge/internal/hostchannel"
	"github.com/nativehost/automation-bridge/internal/session"
)

func newTestHandlers() *Handlers {
	registry := session.NewRegistry(session.Config{IdleTimeout: time.Minute})
	host := hostchannel.New(bytes.NewReader(nil), io.Discard, registry)
	registry.SetHost(host)
	return &Handlers{StartedAt: time.Now(), Registry: registry, Host: host}
}

func TestStatusReportsSessionCountAndHostState(t *testing.T) {
	h := newTestHandlers()
	h.Registry.Create("", 0)

	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	var out Status
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if out.SessionCount != 1 {
		t.Fatalf("expected sessionCount 1, got %d", out.SessionCount)
	}
	if out.HostConnected {
		t.Fatalf("expected host not connected before any frame")
	}
}

func TestSessionsListReturnsSnapshots(t *testing.T) {
	h := newTestHandlers()
	s := h.Registry.Create("", 0)

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	rec := httptest.NewRecorder()
	h.SessionsList(rec, req)

	var out []session.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(out) != 1 || out[0].ID != s.ID {
		t.Fatalf("expected one snapshot for %s, got %+v", s.ID, out)
	}
}

func TestDisconnectSessionRemovesIt(t *testing.T) {
	h := newTestHandlers()
	s := h.Registry.Create("", 0)

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/disconnect?id="+s.ID, nil)
	rec := httptest.NewRecorder()
	h.DisconnectSession(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := h.Registry.Get(s.ID); ok {
		t.Fatalf("expected session %s to be removed after disconnect", s.ID)
	}
}

func TestDisconnectSessionRequiresID(t *testing.T) {
	h := newTestHandlers()
	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/disconnect", nil)
	rec := httptest.NewRecorder()
	h.DisconnectSession(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", rec.Code)
	}
}
