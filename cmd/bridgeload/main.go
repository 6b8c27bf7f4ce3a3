// Command bridgeload drives a configurable number of concurrent WebSocket
// sessions against a running bridged, each submitting a burst of requests
// and waiting for replies, to exercise the session registry's dispatch
// loop under concurrency. Grounded in internal/wsfront's own use of
// gorilla/websocket (client-side Dialer instead of the server-side
// Upgrader it uses there) and the background-readLoop-plus-channel client
// shape common across the pack's WebSocket test clients.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nativehost/automation-bridge/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:9000", "bridge WebSocket address")
	sessions := flag.Int("sessions", 10, "number of concurrent sessions")
	requests := flag.Int("requests", 20, "requests per session")
	action := flag.String("action", "list_tabs", "action to send")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}

	var ok, failed int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runSession(u.String(), *requests, *action); err != nil {
				log.Printf("session %d: %v", n, err)
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&ok, 1)
		}(i)
	}

	wg.Wait()
	fmt.Printf("sessions ok=%d failed=%d elapsed=%s\n", ok, failed, time.Since(start))
}

func runSession(url string, requests int, action string) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// First frame is the session greeting (sessionCreated).
	var greeting wire.SessionGreeting
	if err := conn.ReadJSON(&greeting); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}

	replies := make(chan wire.Reply, requests)
	readErrs := make(chan error, 1)
	go func() {
		for i := 0; i < requests; i++ {
			var reply wire.Reply
			if err := conn.ReadJSON(&reply); err != nil {
				readErrs <- err
				return
			}
			replies <- reply
		}
	}()

	for i := 0; i < requests; i++ {
		env := wire.Envelope{Action: action, RequestID: uuid.NewString()}
		if err := conn.WriteJSON(env); err != nil {
			return fmt.Errorf("write command %d: %w", i, err)
		}
	}

	received := 0
	deadline := time.After(30 * time.Second)
	for received < requests {
		select {
		case <-replies:
			received++
		case err := <-readErrs:
			return fmt.Errorf("read reply: %w", err)
		case <-deadline:
			return fmt.Errorf("timed out after %d/%d replies", received, requests)
		}
	}
	return nil
}
