// Package ws implements the WebSocket session fabric described in
// spec.md §4.F: upgrade handling, a connection registry with rooms and
// broadcast, and the JSON control-frame protocol of spec.md §6.
//
// Grounded on two sources: the teacher's `websocket.go` (`aofei/air`) for
// the thin `gorilla/websocket` wrapper (WriteText/WriteBinary/ping-pong),
// and the corpus's `strongdm/leash` WebSocket hub (`other_examples/`) for
// the hub shape itself — a single authoritative registry (held in sync.Maps
// and updated directly, with no register/unregister channels), with
// per-connection writer goroutines fed by a bounded send queue, since the
// teacher exposes only a single connection wrapper with no rooms or fan-out.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventType identifies one of the forwardable event kinds of spec.md §3's
// WebSocket Route enabled-event-set.
type EventType string

// Recognized event kinds.
const (
	EventConnect   EventType = "connect"
	EventMessage   EventType = "message"
	EventClose     EventType = "close"
	EventError     EventType = "error"
	EventJoinRoom  EventType = "joinRoom"
	EventLeaveRoom EventType = "leaveRoom"
	EventPing      EventType = "ping"
	EventPong      EventType = "pong"
	EventBinary    EventType = "binary"
)

// EventSet is the per-route enabled-event-set of spec.md §3.
type EventSet map[EventType]bool

// NewEventSet builds an EventSet from the given events.
func NewEventSet(events ...EventType) EventSet {
	s := make(EventSet, len(events))
	for _, e := range events {
		s[e] = true
	}

	return s
}

// Enabled reports whether e is in the set. A nil/empty set enables
// nothing, matching the "opt-in" reading of spec.md §4.F.
func (s EventSet) Enabled(e EventType) bool {
	return s[e]
}

// AllEvents is every event kind, convenient for routes that forward
// everything to the host handler.
var AllEvents = NewEventSet(
	EventConnect, EventMessage, EventClose, EventError,
	EventJoinRoom, EventLeaveRoom, EventPing, EventPong, EventBinary,
)

// Frame is the JSON control frame exchanged in both directions over the
// socket, per spec.md §4.F's control protocol table.
type Frame struct {
	Type           string          `json:"type"`
	ClientID       string          `json:"client_id,omitempty"`
	ServerTime     int64           `json:"server_time,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	TargetClientID string          `json:"target_client_id,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorType      string          `json:"error_type,omitempty"`
}

// Frame type tags, per spec.md §4.F.
const (
	FrameWelcome       = "welcome"
	FramePing          = "ping"
	FramePong          = "pong"
	FrameJoinRoom      = "join_room"
	FrameLeaveRoom     = "leave_room"
	FrameRoomJoined    = "room_joined"
	FrameRoomLeft      = "room_left"
	FrameRoomMessage   = "room_message"
	FrameDirectMessage = "direct_message"
	FrameMessage       = "message"
	FrameMessageAck    = "message_ack"
	FrameError         = "error"
)

// Close codes, per spec.md §6.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseGoingAway       = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseServerError     = websocket.CloseInternalServerErr
)

// connState is the per-Connection state machine of spec.md §4.F.
type connState int32

const (
	stateHandshaking connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// Handler is the set of host callbacks a Route forwards enabled events to.
// Every field is optional; a nil callback means that event is simply not
// observed even if enabled in the route's EventSet.
type Handler struct {
	OnConnect   func(c *Connection)
	OnMessage   func(c *Connection, f Frame)
	OnBinary    func(c *Connection, b []byte)
	OnClose     func(c *Connection, code int, reason string)
	OnError     func(c *Connection, err error)
	OnJoinRoom  func(c *Connection, roomID string)
	OnLeaveRoom func(c *Connection, roomID string)
	OnPing      func(c *Connection)
	OnPong      func(c *Connection)
}

// Route binds a path to an enabled-event-set and the host Handler, per
// spec.md §3's WebSocket Route.
type Route struct {
	Path    string
	Events  EventSet
	Handler Handler

	// PingInterval and PongTimeout override the Hub defaults for this
	// route; zero means "use the hub default".
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Room is a named set of connections receiving the same fan-out messages,
// per spec.md §3.
type Room struct {
	ID      string
	mu      sync.RWMutex
	members map[string]*Connection
}

func newRoom(id string) *Room {
	return &Room{ID: id, members: map[string]*Connection{}}
}

// Members returns a snapshot of the room's current connections.
func (r *Room) Members() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}

	return out
}

func (r *Room) add(c *Connection) {
	r.mu.Lock()
	r.members[c.ID] = c
	r.mu.Unlock()
}

func (r *Room) remove(id string) int {
	r.mu.Lock()
	delete(r.members, id)
	n := len(r.members)
	r.mu.Unlock()

	return n
}

// Connection is a single upgraded WebSocket peer, per spec.md §3's
// WebSocket Connection.
type Connection struct {
	ID       string
	ClientID string

	hub    *Hub
	route  *Route
	conn   *websocket.Conn
	send   chan outboundMessage
	state  int32 // connState, accessed atomically
	closed chan struct{}

	roomMu sync.Mutex
	rooms  map[string]bool

	closeMu   sync.Mutex
	closeOnce bool

	lastPing time.Time
	lastPong time.Time
	pingMu   sync.Mutex
}

// outboundMessage is a queued frame awaiting delivery by the single
// writePump goroutine — the only goroutine ever allowed to call
// conn.WriteMessage, since gorilla/websocket permits at most one
// concurrent writer per connection.
type outboundMessage struct {
	binary bool
	data   []byte
}

func newConnection(hub *Hub, route *Route, conn *websocket.Conn) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		ClientID: uuid.NewString(),
		hub:      hub,
		route:    route,
		conn:     conn,
		send:     make(chan outboundMessage, 256),
		closed:   make(chan struct{}),
		rooms:    map[string]bool{},
	}
}

// Rooms returns the ids of every room this connection currently belongs
// to, per spec.md §3's room-membership symmetry invariant.
func (c *Connection) Rooms() []string {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}

	return out
}

// writeFrame JSON-encodes and enqueues f for delivery, never blocking the
// caller (backpressure drops to a full send queue rather than stalling the
// hub), per spec.md §9's message-passing design note.
func (c *Connection) writeFrame(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}

	c.enqueue(outboundMessage{data: b})
}

func (c *Connection) enqueue(m outboundMessage) {
	select {
	case c.send <- m:
	default:
		// Send queue full: drop rather than block the hub or a slow peer
		// from affecting other connections, per spec.md §9.
	}
}

// WriteBinary enqueues an opaque binary payload for delivery.
func (c *Connection) WriteBinary(b []byte) {
	c.enqueue(outboundMessage{binary: true, data: b})
}

// Close closes the connection with the given close code and reason.
func (c *Connection) Close(code int, reason string) {
	atomic.StoreInt32(&c.state, int32(stateClosing))

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))

	c.shutdown()
}

func (c *Connection) shutdown() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closeOnce {
		return
	}

	c.closeOnce = true
	close(c.closed)
}

const (
	writeWait  = 10 * time.Second
	maxMessage = 1 << 20
)

// Hub is the authoritative connection registry of spec.md §4.F: routes,
// rooms, and connections, guarded by fine-grained locks that never span an
// I/O await (spec.md §5).
type Hub struct {
	routes sync.Map // path -> *Route
	conns  sync.Map // id -> *Connection
	rooms  sync.Map // id -> *Room

	upgrader websocket.Upgrader

	// DefaultPingInterval and DefaultPongTimeout implement spec.md §4.F's
	// keepalive contract for routes that don't override them.
	DefaultPingInterval time.Duration
	DefaultPongTimeout  time.Duration
}

// NewHub returns a new, empty Hub with the spec.md §4.F keepalive defaults.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		DefaultPingInterval: 30 * time.Second,
		DefaultPongTimeout:  60 * time.Second,
	}
}

// Register adds route to the hub. A second call for the same path
// replaces the first (first-registered-wins is a static-mount concern;
// WebSocket routes are assumed distinct per path by the caller).
func (h *Hub) Register(route *Route) {
	if route.PingInterval == 0 {
		route.PingInterval = h.DefaultPingInterval
	}

	if route.PongTimeout == 0 {
		route.PongTimeout = h.DefaultPongTimeout
	}

	h.routes.Store(route.Path, route)
}

// RouteFor returns the registered route for path, if any.
func (h *Hub) RouteFor(path string) (*Route, bool) {
	ri, ok := h.routes.Load(path)
	if !ok {
		return nil, false
	}

	return ri.(*Route), true
}

// Upgrade upgrades an HTTP request matching route to a WebSocket
// connection and drives its lifetime, per spec.md §4.F's state machine:
// Handshaking -> Open (welcome sent) -> ... -> Closing -> Closed.
func (h *Hub) Upgrade(route *Route, w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return &UpgradeError{Cause: err}
	}

	c := newConnection(h, route, conn)
	atomic.StoreInt32(&c.state, int32(stateOpen))

	h.conns.Store(c.ID, c)

	c.writeFrame(Frame{Type: FrameWelcome, ClientID: c.ClientID, ServerTime: time.Now().UnixMilli()})

	if route.Events.Enabled(EventConnect) && route.Handler.OnConnect != nil {
		route.Handler.OnConnect(c)
	}

	go h.writePump(c)
	h.readPump(c)

	return nil
}

// UpgradeError wraps a failed WebSocket handshake, per spec.md §7's
// UpgradeReject -> 400 mapping.
type UpgradeError struct{ Cause error }

func (e *UpgradeError) Error() string { return fmt.Sprintf("websocket upgrade failed: %v", e.Cause) }
func (e *UpgradeError) Unwrap() error { return e.Cause }

func (h *Hub) writePump(c *Connection) {
	ticker := time.NewTicker(c.route.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}

			wireType := websocket.TextMessage
			if msg.binary {
				wireType = websocket.BinaryMessage
			}

			if err := c.conn.WriteMessage(wireType, msg.data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			c.pingMu.Lock()
			c.lastPing = time.Now()
			lastPong := c.lastPong
			c.pingMu.Unlock()

			if !lastPong.IsZero() && time.Since(lastPong) > c.route.PongTimeout {
				c.Close(CloseNormal, "No pong")
				h.removeConnection(c)
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (h *Hub) readPump(c *Connection) {
	defer h.removeConnection(c)

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.route.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.pingMu.Lock()
		c.lastPong = time.Now()
		c.pingMu.Unlock()

		_ = c.conn.SetReadDeadline(time.Now().Add(c.route.PongTimeout))

		if c.route.Events.Enabled(EventPong) && c.route.Handler.OnPong != nil {
			c.route.Handler.OnPong(c)
		}

		return nil
	})

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			code := CloseNormal
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}

			if c.route.Events.Enabled(EventClose) && c.route.Handler.OnClose != nil {
				c.route.Handler.OnClose(c, code, reason)
			}

			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if c.route.Events.Enabled(EventBinary) && c.route.Handler.OnBinary != nil {
				c.route.Handler.OnBinary(c, payload)
			}

		case websocket.TextMessage:
			h.dispatch(c, payload)
		}
	}
}

// dispatch decodes an inbound text frame and routes it per spec.md §4.F's
// control protocol and §4.F's room-routing rules.
func (h *Hub) dispatch(c *Connection, payload []byte) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		if c.route.Events.Enabled(EventError) && c.route.Handler.OnError != nil {
			c.route.Handler.OnError(c, err)
		}

		return
	}

	switch f.Type {
	case FramePing:
		// Protocol-level pong reply is always sent, even if onPing is
		// disabled for the route, per spec.md §4.F's event filtering rule.
		c.writeFrame(Frame{Type: FramePong, Timestamp: time.Now().UnixMilli()})

		if c.route.Events.Enabled(EventPing) && c.route.Handler.OnPing != nil {
			c.route.Handler.OnPing(c)
		}

	case FramePong:
		c.pingMu.Lock()
		c.lastPong = time.Now()
		c.pingMu.Unlock()

		if c.route.Events.Enabled(EventPong) && c.route.Handler.OnPong != nil {
			c.route.Handler.OnPong(c)
		}

	case FrameJoinRoom:
		if !c.route.Events.Enabled(EventJoinRoom) {
			c.writeFrame(Frame{Type: FrameError, Error: "event disabled", ErrorType: "event_disabled"})
			return
		}

		h.JoinRoom(c, f.RoomID)
		c.writeFrame(Frame{Type: FrameRoomJoined, RoomID: f.RoomID})

		if c.route.Handler.OnJoinRoom != nil {
			c.route.Handler.OnJoinRoom(c, f.RoomID)
		}

	case FrameLeaveRoom:
		if !c.route.Events.Enabled(EventLeaveRoom) {
			c.writeFrame(Frame{Type: FrameError, Error: "event disabled", ErrorType: "event_disabled"})
			return
		}

		h.LeaveRoom(c, f.RoomID)
		c.writeFrame(Frame{Type: FrameRoomLeft, RoomID: f.RoomID})

		if c.route.Handler.OnLeaveRoom != nil {
			c.route.Handler.OnLeaveRoom(c, f.RoomID)
		}

	case FrameRoomMessage:
		h.routeRoomMessage(c, f)

	case FrameDirectMessage:
		h.routeDirectMessage(c, f)

	default:
		if c.route.Events.Enabled(EventMessage) && c.route.Handler.OnMessage != nil {
			c.route.Handler.OnMessage(c, f)
		}
	}
}

// routeRoomMessage implements spec.md §4.F: "fans out to all other members
// of the room; sender receives message_ack".
func (h *Hub) routeRoomMessage(c *Connection, f Frame) {
	if room, ok := h.room(f.RoomID, false); ok {
		for _, member := range room.Members() {
			if member.ID == c.ID {
				continue
			}

			member.writeFrame(Frame{Type: FrameRoomMessage, RoomID: f.RoomID, Data: f.Data})
		}
	}

	ack, _ := json.Marshal(f)
	c.writeFrame(Frame{Type: FrameMessageAck, Message: ack})
}

// routeDirectMessage implements spec.md §4.F's direct_message routing,
// replying with a not_found error when the target client is unknown.
func (h *Hub) routeDirectMessage(c *Connection, f Frame) {
	target := h.connectionByClientID(f.TargetClientID)
	if target == nil {
		c.writeFrame(Frame{Type: FrameError, Error: "client not connected", ErrorType: "not_found"})
		return
	}

	target.writeFrame(Frame{Type: FrameDirectMessage, TargetClientID: f.TargetClientID, Data: f.Data})
}

func (h *Hub) connectionByClientID(clientID string) *Connection {
	var found *Connection

	h.conns.Range(func(_, v interface{}) bool {
		c := v.(*Connection)
		if c.ClientID == clientID {
			found = c
			return false
		}

		return true
	})

	return found
}

// JoinRoom adds c to the room's member set, idempotently, per spec.md §8's
// "Idempotent join" property.
func (h *Hub) JoinRoom(c *Connection, roomID string) {
	room, _ := h.room(roomID, true)
	room.add(c)

	c.roomMu.Lock()
	c.rooms[roomID] = true
	c.roomMu.Unlock()
}

// LeaveRoom removes c from the room, a no-op if it was not a member.
// Destroys the room once its membership reaches zero, per spec.md §3's
// Room lifecycle.
func (h *Hub) LeaveRoom(c *Connection, roomID string) {
	room, ok := h.room(roomID, false)
	if !ok {
		return
	}

	if n := room.remove(c.ID); n == 0 {
		h.rooms.Delete(roomID)
	}

	c.roomMu.Lock()
	delete(c.rooms, roomID)
	c.roomMu.Unlock()
}

func (h *Hub) room(id string, createIfMissing bool) (*Room, bool) {
	if ri, ok := h.rooms.Load(id); ok {
		return ri.(*Room), true
	}

	if !createIfMissing {
		return nil, false
	}

	r := newRoom(id)
	actual, _ := h.rooms.LoadOrStore(id, r)

	return actual.(*Room), true
}

// Broadcast sends data to every member of roomID.
func (h *Hub) Broadcast(roomID string, data json.RawMessage) {
	room, ok := h.room(roomID, false)
	if !ok {
		return
	}

	for _, c := range room.Members() {
		c.writeFrame(Frame{Type: FrameRoomMessage, RoomID: roomID, Data: data})
	}
}

func (h *Hub) removeConnection(c *Connection) {
	if _, ok := h.conns.LoadAndDelete(c.ID); !ok {
		return
	}

	for _, roomID := range c.Rooms() {
		h.LeaveRoom(c, roomID)
	}

	c.shutdown()

	atomic.StoreInt32(&c.state, int32(stateClosed))
}

// ConnectionCount returns the number of currently-open connections.
func (h *Hub) ConnectionCount() int {
	n := 0
	h.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})

	return n
}
