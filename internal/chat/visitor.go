package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/models"
	"github.com/eldtechnologies/livechat/internal/transport"
)

// VisitorPush is the push connection as the public chat widget uses it.
type VisitorPush interface {
	Connect(ctx context.Context) error
	Disconnect()
	JoinRoom(ctx context.Context, roomID string) error
	SendVisitorMessage(ctx context.Context, send models.VisitorSend) error
	OnMessage(fn func(models.Message)) *transport.Subscription
	OnRoomAssigned(fn func(string)) *transport.Subscription
	OnConnectionStateChange(fn func(transport.ConnState)) *transport.Subscription
}

// Visitor is one visitor's side of a conversation. Its room is assigned by
// the server on the first message unless Resume is used. Messages sent while
// that assignment is outstanding are held and sent to the assigned room.
type Visitor struct {
	store       *Store
	push        VisitorPush
	participant models.Participant
	logger      zerolog.Logger

	// sendMu keeps sends in the order they were made across assignment.
	sendMu sync.Mutex

	mu       sync.Mutex
	room     string
	sentInfo bool
	opening  bool     // a room-opening send is out
	held     []string // bodies waiting for the room
	subs     []*transport.Subscription
	assigned chan struct{}
}

// NewVisitor creates a visitor session for participant.
func NewVisitor(store *Store, push VisitorPush, participant models.Participant, logger zerolog.Logger) *Visitor {
	return &Visitor{
		store:       store,
		push:        push,
		participant: participant,
		logger:      logger,
		assigned:    make(chan struct{}),
	}
}

// Start subscribes and connects.
func (v *Visitor) Start(ctx context.Context) error {
	v.mu.Lock()
	v.subs = append(v.subs,
		v.push.OnMessage(v.onMessage),
		v.push.OnRoomAssigned(func(id string) { v.assign(ctx, id) }),
		v.push.OnConnectionStateChange(func(s transport.ConnState) {
			v.store.SetOnline(s == transport.StateConnected)
		}),
	)
	v.mu.Unlock()
	return v.push.Connect(ctx)
}

// Stop unsubscribes and disconnects.
func (v *Visitor) Stop() {
	v.mu.Lock()
	subs := v.subs
	v.subs = nil
	v.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	v.push.Disconnect()
}

func (v *Visitor) onMessage(m models.Message) {
	v.mu.Lock()
	room := v.room
	v.mu.Unlock()
	if room != "" && m.RoomID != room {
		return
	}
	v.store.ReceivePush(m)
}

func (v *Visitor) assign(ctx context.Context, roomID string) {
	v.sendMu.Lock()
	defer v.sendMu.Unlock()

	held, ok := v.bind(roomID)
	if !ok {
		return
	}
	v.store.SetRoom(roomID)
	if err := v.push.JoinRoom(ctx, roomID); err != nil {
		v.logger.Debug().Err(err).Str("room_id", roomID).Msg("join failed")
	}
	v.flush(ctx, roomID, held)
}

// bind records roomID as the visitor's room and returns the held bodies. It
// reports false if a room was already bound.
func (v *Visitor) bind(roomID string) ([]string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.room != "" {
		return nil, false
	}
	v.room = roomID
	held := v.held
	v.held = nil
	v.opening = false
	close(v.assigned)
	return held, true
}

func (v *Visitor) flush(ctx context.Context, roomID string, held []string) {
	for _, body := range held {
		if err := v.push.SendVisitorMessage(ctx, models.VisitorSend{Room: roomID, Message: body}); err != nil {
			v.logger.Warn().Err(err).Str("room_id", roomID).Msg("held message not sent")
		}
	}
}

// Resume re-enters an existing conversation and loads its history. A visitor
// already bound to another room gets ErrRoomAssigned.
func (v *Visitor) Resume(ctx context.Context, roomID string) error {
	v.sendMu.Lock()
	v.mu.Lock()
	current := v.room
	v.mu.Unlock()

	switch current {
	case "":
		held, _ := v.bind(roomID)
		v.mu.Lock()
		v.sentInfo = true
		v.mu.Unlock()
		v.store.SetRoom(roomID)
		if err := v.push.JoinRoom(ctx, roomID); err != nil {
			v.logger.Debug().Err(err).Str("room_id", roomID).Msg("join failed")
		}
		v.flush(ctx, roomID, held)
	case roomID:
	default:
		v.sendMu.Unlock()
		return fmt.Errorf("resume %s: %w", roomID, ErrRoomAssigned)
	}
	v.sendMu.Unlock()

	return v.store.LoadHistory(ctx, roomID, models.HistoryQuery{Order: models.SortAsc})
}

// Send posts a visitor message. The server echoes it back as a push, so
// nothing is added locally. Only the first message goes out without a room;
// later ones wait for the assignment.
func (v *Visitor) Send(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	v.sendMu.Lock()
	defer v.sendMu.Unlock()

	v.mu.Lock()
	if v.room == "" && v.opening {
		v.held = append(v.held, body)
		v.mu.Unlock()
		return nil
	}
	send := models.VisitorSend{Room: v.room, Message: body}
	if !v.sentInfo {
		p := v.participant
		send.Participant = &p
		v.sentInfo = true
	}
	opening := v.room == ""
	v.opening = opening
	v.mu.Unlock()

	err := v.push.SendVisitorMessage(ctx, send)
	if err != nil && opening {
		v.mu.Lock()
		if v.room == "" {
			v.opening = false
			if send.Participant != nil {
				v.sentInfo = false
			}
		}
		v.mu.Unlock()
	}
	return err
}

// Room returns the assigned room id, or "" before assignment.
func (v *Visitor) Room() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.room
}

// Assigned is closed once the visitor has a room.
func (v *Visitor) Assigned() <-chan struct{} {
	return v.assigned
}

// Messages returns the conversation so far.
func (v *Visitor) Messages() []models.Message {
	return v.store.Messages(v.Room())
}
