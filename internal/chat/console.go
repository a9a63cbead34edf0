package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/models"
	"github.com/eldtechnologies/livechat/internal/transport"
)

// Push is the part of the push connection the admin console uses.
type Push interface {
	Connect(ctx context.Context) error
	Disconnect()
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	OnMessage(fn func(models.Message)) *transport.Subscription
	OnEscalation(fn func(models.EscalatedRoom)) *transport.Subscription
	OnConnectionStateChange(fn func(transport.ConnState)) *transport.Subscription
	OnRoomArchived(fn func(models.ArchivedSession)) *transport.Subscription
}

// Console wires push events into a Store for an operator.
type Console struct {
	store  *Store
	push   Push
	logger zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	subs      []*transport.Subscription
	wasOnline bool
	resyncs   sync.WaitGroup
}

// NewConsole binds store to push. Nothing happens until Start.
func NewConsole(store *Store, push Push, logger zerolog.Logger) *Console {
	return &Console{store: store, push: push, logger: logger}
}

// Store returns the console's state.
func (c *Console) Store() *Store { return c.store }

// Start subscribes to push events and connects.
func (c *Console) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.subs = append(c.subs,
		c.push.OnMessage(func(m models.Message) { c.store.ReceivePush(m) }),
		c.push.OnEscalation(func(e models.EscalatedRoom) { c.store.Escalate(e) }),
		c.push.OnRoomArchived(func(s models.ArchivedSession) { c.store.ApplyArchived(s) }),
		c.push.OnConnectionStateChange(c.onState),
	)
	c.mu.Unlock()
	return c.push.Connect(ctx)
}

// Stop unsubscribes, disconnects, and waits for any resync in progress.
func (c *Console) Stop() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	c.push.Disconnect()
	c.resyncs.Wait()
	c.store.SetOnline(false)
}

func (c *Console) onState(s transport.ConnState) {
	online := s == transport.StateConnected
	c.store.SetOnline(online)

	c.mu.Lock()
	reconnected := online && c.wasOnline
	if online {
		c.wasOnline = true
	}
	ctx := c.ctx
	c.mu.Unlock()

	if !reconnected || ctx == nil {
		return
	}
	// REST calls stay off the reader goroutine.
	c.resyncs.Add(1)
	go func() {
		defer c.resyncs.Done()
		c.resync(ctx)
	}()
}

// resync replays failed read receipts and refetches the current room, which
// may have missed pushes while the socket was down.
func (c *Console) resync(ctx context.Context) {
	if err := c.store.FlushReadReceipts(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("read receipt replay failed")
	}
	room := c.store.Current()
	if room == "" {
		return
	}
	if err := c.store.LoadHistory(ctx, room, models.HistoryQuery{}); err != nil {
		c.logger.Warn().Err(err).Str("room_id", room).Msg("history refetch failed")
	}
}

// OpenRoom makes roomID current, joins its pushes, loads the latest page,
// and marks it read. The previous room is left.
func (c *Console) OpenRoom(ctx context.Context, roomID string) error {
	if prev := c.store.Current(); prev != "" && prev != roomID {
		if err := c.push.LeaveRoom(ctx, prev); err != nil {
			c.logger.Debug().Err(err).Str("room_id", prev).Msg("leave failed")
		}
	}
	c.store.SetRoom(roomID)
	if err := c.push.JoinRoom(ctx, roomID); err != nil {
		c.logger.Debug().Err(err).Str("room_id", roomID).Msg("join failed")
	}
	if err := c.store.LoadHistory(ctx, roomID, models.HistoryQuery{}); err != nil {
		return err
	}
	if err := c.store.MarkRead(ctx, roomID); err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("mark read failed")
	}
	return nil
}

// CloseRoom leaves the current room.
func (c *Console) CloseRoom(ctx context.Context) {
	room := c.store.Current()
	if room == "" {
		return
	}
	if err := c.push.LeaveRoom(ctx, room); err != nil {
		c.logger.Debug().Err(err).Str("room_id", room).Msg("leave failed")
	}
	c.store.SetRoom("")
}

// Reply sends an operator message to the current room.
func (c *Console) Reply(ctx context.Context, body string, closeRoom bool) (models.Message, error) {
	room := c.store.Current()
	if room == "" {
		return models.Message{}, ErrUnknownRoom
	}
	return c.store.SendManual(ctx, room, body, closeRoom)
}
