// Package hub fans sandbox events out to websocket clients.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psds-microservice/crm-inbox/internal/events"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// Authenticator maps an access token to its tenant. ok=false rejects
// the connection.
type Authenticator func(token string) (tenantID int64, ok bool)

type client struct {
	send   chan []byte
	tenant int64
}

type frame struct {
	tenant int64
	data   []byte
}

type Hub struct {
	logger   zerolog.Logger
	auth     Authenticator
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan frame

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(logger zerolog.Logger, auth Authenticator) *Hub {
	return &Hub{
		logger: logger,
		auth:   auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan frame, 100),
		clients:    make(map[*client]struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case f := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if f.tenant != 0 && c.tenant != 0 && c.tenant != f.tenant {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					h.logger.Warn().Int64("tenant_id", c.tenant).Msg("hub: slow client, event dropped")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish implements events.Publisher. It never blocks: when the
// broadcast queue is full (or Run is not serving it) the event is dropped.
func (h *Hub) Publish(ctx context.Context, e events.Event) {
	data, err := events.Encode(e)
	if err != nil {
		h.logger.Error().Err(err).Str("type", e.Meta.Type).Msg("hub: encode event")
		return
	}
	select {
	case h.broadcast <- frame{tenant: e.Meta.TenantID, data: data}:
	default:
		h.logger.Warn().Str("type", e.Meta.Type).Msg("hub: broadcast queue full, event dropped")
	}
}

// ServeHTTP upgrades an authenticated request to a websocket. The
// token comes from the token query parameter or a bearer header.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	tenant, ok := h.auth(token)
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("hub: upgrade failed")
		return
	}
	c := &client{send: make(chan []byte, sendBuffer), tenant: tenant}
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go h.writeLoop(conn, c)
	h.readLoop(conn)
	select {
	case h.unregister <- c:
	case <-time.After(writeWait):
	}
}

// readLoop drains the connection so control frames are handled; the
// sandbox ignores client messages.
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
