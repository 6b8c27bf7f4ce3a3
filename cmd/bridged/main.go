// Command bridged is the bridge daemon: it owns the host stdio channel and
// the external WebSocket listener, and wires them together through the
// session registry.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/nativehost/automation-bridge/internal/admin"
	"github.com/nativehost/automation-bridge/internal/config"
	"github.com/nativehost/automation-bridge/internal/hostchannel"
	"github.com/nativehost/automation-bridge/internal/httpx"
	"github.com/nativehost/automation-bridge/internal/session"
	"github.com/nativehost/automation-bridge/internal/wsfront"
)

const maxConcurrentSockets = 1024

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: per-user config dir)")
	flag.Parse()

	settings, err := config.LoadOrCreate(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("loaded config: %s", settings.Path)

	registry := session.NewRegistry(session.Config{
		IdleTimeout:     settings.IdleTimeout,
		RequestDeadline: settings.RequestDeadline,
		ChunkThreshold:  settings.ChunkThresholdBytes,
		LogsDir:         settings.LogsDir,
	})

	host := hostchannel.New(os.Stdin, os.Stdout, registry)
	registry.SetHost(host)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostDone := make(chan error, 1)
	go func() { hostDone <- host.Run() }()

	front := wsfront.New(registry, wsfront.Options{
		CheckOrigin: func(r *http.Request) bool { return true },
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", http.HandlerFunc(front.HandleWS))

	bridgeOnly := false
	listener, err := net.Listen("tcp", settings.WSAddr)
	if err != nil {
		log.Printf("wsfront: %s already in use, continuing in host-channel-only mode: %v", settings.WSAddr, err)
		bridgeOnly = true
	}

	_, portStr, _ := net.SplitHostPort(settings.WSAddr)
	port, _ := strconv.Atoi(portStr)
	if err := host.NotifyReady(port, bridgeOnly); err != nil {
		log.Printf("hostchannel: failed to notify ready: %v", err)
	}

	var httpServer *http.Server
	if !bridgeOnly {
		limited := netutil.LimitListener(listener, maxConcurrentSockets)
		httpServer = &http.Server{Handler: mux}
		go func() {
			log.Printf("wsfront listening on %s", settings.WSAddr)
			if serveErr := httpServer.Serve(limited); serveErr != nil && serveErr != http.ErrServerClosed {
				log.Printf("wsfront server error: %v", serveErr)
			}
		}()
	}

	if settings.AdminAddr != "" {
		adminHandlers := &admin.Handlers{StartedAt: time.Now(), Registry: registry, Host: host}
		adminMux := http.NewServeMux()
		adminMux.Handle("/admin/status", httpx.RequireToken(settings.AdminToken)(http.HandlerFunc(adminHandlers.Status)))
		adminMux.Handle("/admin/sessions", httpx.RequireToken(settings.AdminToken)(http.HandlerFunc(adminHandlers.SessionsList)))
		adminMux.Handle("/admin/sessions/disconnect", httpx.RequireToken(settings.AdminToken)(http.HandlerFunc(adminHandlers.DisconnectSession)))
		adminMux.Handle("/admin/ui/", http.StripPrefix("/admin/ui/", admin.UIHandler{Root: filepath.Join("web", "admin-ui", "dist")}))
		adminServer := &http.Server{Addr: settings.AdminAddr, Handler: adminMux}
		go func() {
			log.Printf("admin listening on %s", settings.AdminAddr)
			if serveErr := adminServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				log.Printf("admin server error: %v", serveErr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminServer.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received")
	case err := <-hostDone:
		if err != nil {
			log.Printf("host channel error: %v", err)
		} else {
			log.Printf("host channel stdin closed")
		}
	}

	registry.CloseAll("shutdown")
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
}
