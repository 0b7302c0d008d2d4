// Package events serves a debug WebSocket stream of cycle-commit events,
// gated behind --events (spec SPEC_FULL.md "Debug WebSocket stream"). The
// only sender is internal/cycle, one "commit" Event per committed cycle;
// nothing in relyd broadcasts "notify" Events. It is purely diagnostic:
// nothing reads it back into the validator or RTR server.
//
// The connection bookkeeping (register channel, map-of-conns broadcast
// loop, per-conn error drops a reader-only connection without killing the
// broadcaster) is grounded on the teacher's stages/websocket.go
// connWriter, simplified to a server that never dials out.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event is one line of the debug stream.
type Event struct {
	Time string `json:"time"`
	Kind string `json:"kind"` // "commit" or "notify"

	// commit fields
	Session        uint16 `json:"session,omitempty"`
	Serial         uint32 `json:"serial,omitempty"`
	VRPCount       int    `json:"vrp_count,omitempty"`
	RouterKeyCount int    `json:"router_key_count,omitempty"`

	// notify fields
	ClientCount int `json:"client_count,omitempty"`
}

// Hub broadcasts Events to every connected WebSocket client. The zero
// value is not usable; construct with New.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:      log,
		upgrader: websocket.Upgrader{HandshakeTimeout: 10 * time.Second},
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection for broadcasts until it errors or the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("events: upgrade failed")
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	h.log.Info().Str("remote", r.RemoteAddr).Msg("events: client connected")

	// Block on reads purely to detect the peer closing the connection;
	// this endpoint never accepts client-sent messages.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
	h.log.Info().Str("remote", r.RemoteAddr).Msg("events: client disconnected")
}

// Broadcast sends ev to every connected client, dropping any connection
// that fails to write rather than blocking the caller.
func (h *Hub) Broadcast(ev Event) {
	buf, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn().Err(err).Msg("events: marshal failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}
