// Package push implements the websocket fanout channel.
//
// Clients connect once and are joined to their principal group
// (captain_{id} or user_{id}); they may additionally subscribe to job
// groups (order_{id}, ride_{id}). Publishers address groups, never
// sockets. Delivery is best-effort, at-most-once: a slow client drops
// messages rather than stalling the hub, because job state is
// authoritative in storage and durable intent goes through the
// notification queue.
package push

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hybridcore/dispatchd/internal/model"
)

// ─── Events ─────────────────────────────────────────────────

// Event is the typed frame every subscriber receives.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Event types delivered over the push channel.
const (
	EventJobOffer       = "job_offer"
	EventJobAssigned    = "job_assigned"
	EventJobStatus      = "job_status"
	EventLocationUpdate = "location_update"
	EventChatMessage    = "chat_message"
	EventPong           = "pong"
)

// ─── Groups ─────────────────────────────────────────────────

// CaptainGroup names the per-captain fanout group.
func CaptainGroup(id string) string { return "captain_" + id }

// UserGroup names the per-user fanout group.
func UserGroup(id string) string { return "user_" + id }

// JobGroup names the per-job fanout group: order_{id} or ride_{id}.
func JobGroup(kind model.JobKind, id string) string {
	if kind == model.KindRide {
		return "ride_" + id
	}
	return "order_" + id
}

// ─── Collaborators ──────────────────────────────────────────

// Presence mirrors hub membership into the shared presence registry so
// the matcher can tell a connected captain from an offline one.
type Presence interface {
	SetPresent(ctx context.Context, role model.Role, id string) error
	SetAbsent(ctx context.Context, role model.Role, id string) error
}

// LocationSink receives captain position frames read off the socket.
type LocationSink interface {
	ReportLocation(ctx context.Context, captainID string, loc model.Location) error
}

// ─── Client ─────────────────────────────────────────────────

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// sendBuffer is per-client; a full buffer drops the frame.
	sendBuffer = 64
)

// Client is one live websocket session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// PrincipalID and Role identify who holds the socket.
	PrincipalID string
	Role        model.Role

	// send is never closed; done signals the write pump to exit. This
	// lets Publish run from any goroutine without racing a close.
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	groups map[string]struct{}
}

// NewClient wraps an upgraded connection. Register attaches it to the hub.
func NewClient(hub *Hub, conn *websocket.Conn, principalID string, role model.Role) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		PrincipalID: principalID,
		Role:        role,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		groups:      make(map[string]struct{}),
	}
}

// inbound is the client→server frame shape.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// readPump consumes client frames until the socket dies.
//
// Supported frames:
//
//	{"type":"ping"}                                   → pong event back
//	{"type":"subscribe","data":{"group":"order_X"}}   → join a job group
//	{"type":"unsubscribe","data":{"group":"order_X"}} → leave it
//	{"type":"location_update","data":{"lat":..,"lon":..}} (captains only)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[push] %s/%s read error: %v", c.Role, c.PrincipalID, err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue // garbage frame, drop
		}

		switch msg.Type {
		case "ping":
			c.enqueue(Event{Type: EventPong})

		case "subscribe":
			if g := decodeGroup(msg.Data); g != "" {
				c.hub.Join(c, g)
			}

		case "unsubscribe":
			if g := decodeGroup(msg.Data); g != "" {
				c.hub.Leave(c, g)
			}

		case EventLocationUpdate:
			if c.Role != model.RoleCaptain || c.hub.sink == nil {
				continue
			}
			var loc model.Location
			if err := json.Unmarshal(msg.Data, &loc); err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.hub.sink.ReportLocation(ctx, c.PrincipalID, loc); err != nil {
				log.Printf("[push] location update from captain %s failed: %v", c.PrincipalID, err)
			}
			cancel()
		}
	}
}

func decodeGroup(raw json.RawMessage) string {
	var d struct {
		Group string `json:"group"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return ""
	}
	return d.Group
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue offers a frame to the client, dropping it if the buffer is full.
func (c *Client) enqueue(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer; at-most-once lets us drop.
	}
}

// ─── Hub ────────────────────────────────────────────────────

// Hub owns group membership and fans events out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}

	presence Presence
	sink     LocationSink
}

// NewHub creates an empty hub. The presence registry may be nil in tests.
func NewHub(presence Presence) *Hub {
	return &Hub{
		groups:   make(map[string]map[*Client]struct{}),
		presence: presence,
	}
}

// SetLocationSink wires the captain location consumer. Set once at
// startup; breaks the hub↔captain-service construction cycle.
func (h *Hub) SetLocationSink(sink LocationSink) { h.sink = sink }

// Register attaches a client: principal group joined, presence marked,
// read/write pumps started. Returns immediately; the pumps own the socket
// from here.
func (h *Hub) Register(c *Client) {
	h.Join(c, principalGroup(c))

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.presence.SetPresent(ctx, c.Role, c.PrincipalID); err != nil {
			log.Printf("[push] presence join %s/%s: %v", c.Role, c.PrincipalID, err)
		}
		cancel()
	}

	go c.writePump()
	go c.readPump()

	log.Printf("[push] connected %s/%s", c.Role, c.PrincipalID)
}

func principalGroup(c *Client) string {
	if c.Role == model.RoleCaptain {
		return CaptainGroup(c.PrincipalID)
	}
	return UserGroup(c.PrincipalID)
}

// unregister detaches the client from every group and presence.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	for g := range c.groups {
		if members, ok := h.groups[g]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.groups, g)
			}
		}
	}
	c.groups = make(map[string]struct{})
	h.mu.Unlock()

	c.once.Do(func() { close(c.done) })

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.presence.SetAbsent(ctx, c.Role, c.PrincipalID); err != nil {
			log.Printf("[push] presence leave %s/%s: %v", c.Role, c.PrincipalID, err)
		}
		cancel()
	}

	log.Printf("[push] disconnected %s/%s", c.Role, c.PrincipalID)
}

// Join adds the client to a group.
func (h *Hub) Join(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[*Client]struct{})
	}
	h.groups[group][c] = struct{}{}
	c.groups[group] = struct{}{}
}

// Leave removes the client from a group.
func (h *Hub) Leave(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(c.groups, group)
}

// Publish sends a typed event to every subscriber of a group. An empty
// group is a no-op; there is nobody to tell and storage holds the truth.
func (h *Hub) Publish(group, eventType string, data any) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		log.Printf("[push] marshal %s event: %v", eventType, err)
		return
	}

	h.mu.RLock()
	members := h.groups[group]
	clients := make([]*Client, 0, len(members))
	for c := range members {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// GroupSize reports the subscriber count of a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Shutdown closes every connection. In-flight writes get the write
// deadline to finish.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var clients []*Client
	for _, members := range h.groups {
		for c := range members {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	seen := make(map[*Client]struct{}, len(clients))
	for _, c := range clients {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}
}
