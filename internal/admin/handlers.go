// Package admin exposes a small, bearer-token-guarded HTTP surface for
// inspecting and nudging a running bridge: session list, host connectivity,
// and forced disconnects.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nativehost/automation-bridge/internal/hostchannel"
	"github.com/nativehost/automation-bridge/internal/session"
)

// Status summarizes the bridge's health for a dashboard or health check.
type Status struct {
	Uptime         string `json:"uptime"`
	SessionCount   int    `json:"sessionCount"`
	HostConnected  bool   `json:"hostConnected"`
	HostBridgeOnly bool   `json:"hostBridgeOnly"`
}

// Handlers bundles the dependencies the admin endpoints need.
type Handlers struct {
	StartedAt time.Time
	Registry  *session.Registry
	Host      *hostchannel.Channel
}

func (h *Handlers) Status(w http.ResponseWriter, _ *http.Request) {
	h.Registry.Sweep()
	writeJSON(w, Status{
		Uptime:         time.Since(h.StartedAt).String(),
		SessionCount:   h.Registry.Count(),
		HostConnected:  h.Host.Connected(),
		HostBridgeOnly: h.Host.BridgeOnly(),
	})
}

func (h *Handlers) SessionsList(w http.ResponseWriter, _ *http.Request) {
	h.Registry.Sweep()
	writeJSON(w, h.Registry.List())
}

func (h *Handlers) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	h.Registry.Remove(id, "admin_disconnect")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
