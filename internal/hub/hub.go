// Package hub serves the push side of the chat API over websockets.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/metrics"
	"github.com/eldtechnologies/livechat/internal/models"
)

// Role is the kind of client on a push connection.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleVisitor Role = "visitor"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// Inbound receives visitor frames.
type Inbound interface {
	// OpenRoom creates a room for a visitor who has none yet.
	OpenRoom(ctx context.Context, p models.Participant) (string, error)
	// VisitorMessage stores and fans out a visitor message.
	VisitorMessage(ctx context.Context, roomID, body string, p *models.Participant) (*models.Message, error)
}

type client struct {
	id    string
	role  Role
	send  chan []byte
	rooms map[string]struct{}
}

// Hub tracks push connections and their room subscriptions. Admins receive
// every room's events; visitors receive only rooms they joined.
type Hub struct {
	logger  zerolog.Logger
	origins []string

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client
	inbound Inbound
}

// New creates a hub. originPatterns is passed to websocket.Accept; empty
// means same-origin only.
func New(logger zerolog.Logger, originPatterns []string) *Hub {
	return &Hub{
		logger:  logger,
		origins: originPatterns,
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]*client),
	}
}

// SetInbound sets the receiver of visitor frames.
func (h *Hub) SetInbound(in Inbound) {
	h.mu.Lock()
	h.inbound = in
	h.mu.Unlock()
}

// ServeHTTP upgrades the request. The role comes from ?role=admin|visitor
// and defaults to visitor.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := Role(strings.ToLower(r.URL.Query().Get("role")))
	if role == "" {
		role = RoleVisitor
	}
	if role != RoleAdmin && role != RoleVisitor {
		http.Error(w, `{"error":"role must be admin or visitor"}`, http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{
		id:    uuid.NewString(),
		role:  role,
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, conn, c)
	}()

	h.readLoop(ctx, conn, c)
	cancel()
	wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.PushConnections.WithLabelValues(string(c.role)).Inc()
	h.logger.Debug().Str("client_id", c.id).Str("role", string(c.role)).Msg("push client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	h.mu.Unlock()
	metrics.PushConnections.WithLabelValues(string(c.role)).Dec()
	h.logger.Debug().Str("client_id", c.id).Msg("push client disconnected")
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug().Err(err).Str("client_id", c.id).Msg("push read failed")
			}
			return
		}
		h.handleFrame(ctx, c, data)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *client, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.reject(c, "", "invalid frame")
		return
	}

	switch env.Event {
	case models.EventJoinRoom, models.EventLeaveRoom:
		var ref models.RoomRef
		if err := json.Unmarshal(env.Data, &ref); err != nil || ref.RoomID == "" {
			h.reject(c, env.Event, "room_id is required")
			return
		}
		if env.Event == models.EventJoinRoom {
			h.join(c.id, ref.RoomID)
		} else {
			h.leave(c.id, ref.RoomID)
		}
	case models.EventChatMessage:
		if c.role != RoleVisitor {
			h.reject(c, env.Event, "agents send through the REST API")
			return
		}
		var send models.VisitorSend
		if err := json.Unmarshal(env.Data, &send); err != nil {
			h.reject(c, env.Event, "invalid message")
			return
		}
		h.visitorMessage(ctx, c, send)
	default:
		h.reject(c, env.Event, "unknown event")
	}
}

func (h *Hub) visitorMessage(ctx context.Context, c *client, send models.VisitorSend) {
	h.mu.RLock()
	in := h.inbound
	h.mu.RUnlock()
	if in == nil {
		h.reject(c, models.EventChatMessage, "chat unavailable")
		return
	}

	room := send.Room
	if room == "" {
		var p models.Participant
		if send.Participant != nil {
			p = *send.Participant
		}
		id, err := in.OpenRoom(ctx, p)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to open room")
			h.reject(c, models.EventChatMessage, "could not open room")
			return
		}
		room = id
		h.join(c.id, room)
		h.SendTo(c.id, models.EventRoomAssigned, models.RoomRef{RoomID: room})
	}

	if _, err := in.VisitorMessage(ctx, room, send.Message, send.Participant); err != nil {
		h.reject(c, models.EventChatMessage, err.Error())
	}
}

func (h *Hub) reject(c *client, event, msg string) {
	h.SendTo(c.id, models.EventError, models.ErrorPayload{Event: event, Error: msg})
}

func (h *Hub) join(clientID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.clients[clientID]
	if c == nil {
		return
	}
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[string]*client)
		h.rooms[roomID] = members
	}
	members[c.id] = c
	c.rooms[roomID] = struct{}{}
}

func (h *Hub) leave(clientID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.clients[clientID]; c != nil {
		h.leaveLocked(c, roomID)
	}
}

func (h *Hub) leaveLocked(c *client, roomID string) {
	delete(c.rooms, roomID)
	if members := h.rooms[roomID]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Publish sends an event to the room's members and to every admin. Each
// client gets at most one copy.
func (h *Hub) Publish(roomID, event string, payload interface{}) {
	frame, err := models.EncodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode push event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	for _, c := range h.clients {
		if _, member := c.rooms[roomID]; c.role == RoleAdmin && !member {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(event, frame, targets)
}

// PublishAdmins sends an event to every admin connection.
func (h *Hub) PublishAdmins(event string, payload interface{}) {
	frame, err := models.EncodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode push event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.role == RoleAdmin {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(event, frame, targets)
}

// SendTo sends an event to one connection.
func (h *Hub) SendTo(clientID, event string, payload interface{}) {
	frame, err := models.EncodeEnvelope(event, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c != nil {
		h.deliver(event, frame, []*client{c})
	}
}

func (h *Hub) deliver(event string, frame []byte, targets []*client) {
	for _, c := range targets {
		select {
		case c.send <- frame:
			metrics.PushEventsSent.WithLabelValues(event).Inc()
		default:
			metrics.PushEventsDropped.Inc()
			h.logger.Warn().Str("client_id", c.id).Str("event", event).Msg("push buffer full, dropping event")
		}
	}
}

// Connections returns the number of open connections per role.
func (h *Hub) Connections() map[Role]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := map[Role]int{RoleAdmin: 0, RoleVisitor: 0}
	for _, c := range h.clients {
		out[c.role]++
	}
	return out
}

// Members returns how many connections have joined roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
