// Package transport is the console's push connection: a websocket client
// that reconnects with capped backoff, remembers joined rooms, and hands
// decoded events to typed subscribers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/metrics"
	"github.com/eldtechnologies/livechat/internal/models"
)

var (
	ErrQueueFull = errors.New("outbound queue is full")
	ErrClosed    = errors.New("transport is not running")
)

// ConnState is the push connection status.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

const readLimit = 1 << 20

// Options configures an Adapter.
type Options struct {
	URL        string
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
	QueueSize  int
	Logger     zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	return o
}

// Adapter owns at most one websocket at a time. Every handler runs on the
// adapter's reader goroutine, in arrival order. Handlers must not call
// Disconnect.
type Adapter struct {
	opts Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	conn    *websocket.Conn
	state   ConnState
	joined  []string
	queue   [][]byte

	messages    listeners[models.Message]
	escalations listeners[models.EscalatedRoom]
	states      listeners[ConnState]
	assigned    listeners[string]
	archived    listeners[models.ArchivedSession]
}

// New creates an adapter. Nothing is dialed until Connect.
func New(opts Options) *Adapter {
	return &Adapter{opts: opts.withDefaults(), state: StateDisconnected}
}

// Connect starts the connection loop. It returns immediately; progress is
// reported through OnConnectionStateChange. Calling it while already running
// does nothing. The loop stops when ctx ends or Disconnect is called.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(runCtx, a.done)
	return nil
}

// Disconnect closes the socket, stops reconnecting, and drops every handler,
// joined room, and queued frame. It is safe to call in any state.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// A Connect that ran while we waited owns the fields now.
	a.mu.Lock()
	if a.done == done {
		a.running = false
		a.cancel = nil
		a.done = nil
		a.joined = nil
		a.queue = nil
	}
	a.mu.Unlock()

	a.messages.reset()
	a.escalations.reset()
	a.states.reset()
	a.assigned.reset()
	a.archived.reset()
}

// State returns the current connection status.
func (a *Adapter) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// JoinRoom subscribes to a room's pushes. The room is re-joined after every
// reconnect. Joining twice is a no-op.
func (a *Adapter) JoinRoom(ctx context.Context, roomID string) error {
	a.mu.Lock()
	for _, id := range a.joined {
		if id == roomID {
			a.mu.Unlock()
			return nil
		}
	}
	a.joined = append(a.joined, roomID)
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	return a.writeFrame(ctx, conn, models.EventJoinRoom, models.RoomRef{RoomID: roomID})
}

// LeaveRoom stops a room's pushes.
func (a *Adapter) LeaveRoom(ctx context.Context, roomID string) error {
	a.mu.Lock()
	found := false
	for i, id := range a.joined {
		if id == roomID {
			a.joined = append(a.joined[:i], a.joined[i+1:]...)
			found = true
			break
		}
	}
	conn := a.conn
	a.mu.Unlock()

	if !found || conn == nil {
		return nil
	}
	return a.writeFrame(ctx, conn, models.EventLeaveRoom, models.RoomRef{RoomID: roomID})
}

// Joined returns the rooms that will be replayed on reconnect.
func (a *Adapter) Joined() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.joined))
	copy(out, a.joined)
	return out
}

// SendVisitorMessage emits a chat-message frame. While the adapter is
// reconnecting the frame is queued and flushed once connected.
func (a *Adapter) SendVisitorMessage(ctx context.Context, send models.VisitorSend) error {
	frame, err := models.EncodeEnvelope(models.EventChatMessage, send)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return ErrClosed
	}
	conn := a.conn
	if conn == nil {
		err := a.enqueueLocked(frame)
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		a.opts.Logger.Debug().Err(err).Msg("push write failed, queueing")
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.enqueueLocked(frame)
	}
	return nil
}

func (a *Adapter) enqueueLocked(frame []byte) error {
	if len(a.queue) >= a.opts.QueueSize {
		return ErrQueueFull
	}
	a.queue = append(a.queue, frame)
	return nil
}

// OnMessage registers a handler for chat, admin, and bot messages.
func (a *Adapter) OnMessage(fn func(models.Message)) *Subscription {
	return a.messages.add(fn)
}

// OnEscalation registers a handler for escalate-to-admin events.
func (a *Adapter) OnEscalation(fn func(models.EscalatedRoom)) *Subscription {
	return a.escalations.add(fn)
}

// OnConnectionStateChange registers a handler for status changes.
func (a *Adapter) OnConnectionStateChange(fn func(ConnState)) *Subscription {
	return a.states.add(fn)
}

// OnRoomAssigned registers a handler for the room id the server assigns to
// an anonymous visitor.
func (a *Adapter) OnRoomAssigned(fn func(string)) *Subscription {
	return a.assigned.add(fn)
}

// OnRoomArchived registers a handler for rooms archived elsewhere.
func (a *Adapter) OnRoomArchived(fn func(models.ArchivedSession)) *Subscription {
	return a.archived.add(fn)
}

func (a *Adapter) setState(s ConnState) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()
	a.states.emit(s)
}

func (a *Adapter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		a.mu.Lock()
		if a.done == done {
			a.running = false
		}
		a.mu.Unlock()
	}()
	defer a.setState(StateDisconnected)

	backoff := a.opts.MinBackoff
	for {
		a.setState(StateConnecting)
		conn, _, err := websocket.Dial(ctx, a.opts.URL, &websocket.DialOptions{HTTPHeader: a.opts.Header})
		if err == nil {
			backoff = a.opts.MinBackoff
			conn.SetReadLimit(readLimit)
			a.attach(ctx, conn)
			err = a.readLoop(ctx, conn)
			a.detach(conn)
		}
		if ctx.Err() != nil {
			return
		}

		a.setState(StateDisconnected)
		metrics.TransportReconnects.Inc()
		a.opts.Logger.Warn().Err(err).Dur("backoff", backoff).Msg("push connection lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, a.opts.MaxBackoff)
	}
}

// nextBackoff doubles cur up to limit.
func nextBackoff(cur, limit time.Duration) time.Duration {
	if cur >= limit/2 {
		return limit
	}
	return cur * 2
}

// attach publishes conn, replays joined rooms, and flushes queued frames.
func (a *Adapter) attach(ctx context.Context, conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	rooms := make([]string, len(a.joined))
	copy(rooms, a.joined)
	queued := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, id := range rooms {
		if err := a.writeFrame(ctx, conn, models.EventJoinRoom, models.RoomRef{RoomID: id}); err != nil {
			a.opts.Logger.Warn().Err(err).Str("room_id", id).Msg("rejoin failed")
		}
	}
	for i, frame := range queued {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			a.mu.Lock()
			a.queue = append(queued[i:], a.queue...)
			a.mu.Unlock()
			break
		}
	}

	a.opts.Logger.Info().Str("url", a.opts.URL).Int("rooms", len(rooms)).Msg("push connected")
	a.setState(StateConnected)
}

func (a *Adapter) detach(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	conn.CloseNow()
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		a.dispatch(data)
	}
}

func (a *Adapter) dispatch(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.opts.Logger.Warn().Err(err).Msg("undecodable push frame")
		return
	}

	switch env.Event {
	case models.EventChatMessage, models.EventAdminMessage, models.EventBotMessage:
		var m models.Message
		if !a.decode(env, &m) {
			return
		}
		if m.Origin == "" {
			m.Origin = originFor(env.Event)
		}
		a.messages.emit(m)
	case models.EventEscalate:
		var e models.EscalatedRoom
		if a.decode(env, &e) {
			a.escalations.emit(e)
		}
	case models.EventRoomAssigned:
		var ref models.RoomRef
		if a.decode(env, &ref) {
			a.assigned.emit(ref.RoomID)
		}
	case models.EventRoomArchived:
		var s models.ArchivedSession
		if a.decode(env, &s) {
			a.archived.emit(s)
		}
	case models.EventError:
		var p models.ErrorPayload
		if a.decode(env, &p) {
			a.opts.Logger.Warn().Str("event", p.Event).Str("error", p.Error).Msg("server rejected frame")
		}
	default:
		a.opts.Logger.Debug().Str("event", env.Event).Msg("ignoring push event")
	}
}

func (a *Adapter) decode(env models.Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		a.opts.Logger.Warn().Err(err).Str("event", env.Event).Msg("bad push payload")
		return false
	}
	return true
}

func originFor(event string) models.Origin {
	switch event {
	case models.EventAdminMessage:
		return models.OriginAgent
	case models.EventBotMessage:
		return models.OriginBot
	default:
		return models.OriginVisitor
	}
}

func (a *Adapter) writeFrame(ctx context.Context, conn *websocket.Conn, event string, payload interface{}) error {
	frame, err := models.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}
