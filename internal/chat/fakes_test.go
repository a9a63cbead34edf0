package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/models"
	"github.com/eldtechnologies/livechat/internal/transport"
)

var errBackendDown = errors.New("backend down")

// fakeBackend is an in-memory Backend. Hooks run with no locks held.
type fakeBackend struct {
	mu sync.Mutex

	history      map[string][]models.Message
	historyFails int
	historyCalls int

	readErr error
	reads   []string

	sendErr  error
	sendHook func(models.ManualRequest, models.Message)
	sent     []models.ManualRequest
	nextID   int
	sendTS   int64

	deleteConfirm func([]string) []string
	deleteErr     error
	deleteCalls   [][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: make(map[string][]models.Message)}
}

func (b *fakeBackend) History(ctx context.Context, roomID string, q models.HistoryQuery) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.historyCalls++
	if b.historyFails > 0 {
		b.historyFails--
		return nil, errBackendDown
	}
	out := make([]models.Message, len(b.history[roomID]))
	copy(out, b.history[roomID])
	return out, nil
}

func (b *fakeBackend) MarkRead(ctx context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return b.readErr
	}
	b.reads = append(b.reads, roomID)
	return nil
}

func (b *fakeBackend) SendManual(ctx context.Context, req models.ManualRequest) (*models.Message, error) {
	b.mu.Lock()
	b.sent = append(b.sent, req)
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return nil, err
	}
	b.nextID++
	ts := b.sendTS
	if ts == 0 {
		ts = testEpoch.UnixMilli()
	}
	m := models.Message{
		ID:        fmt.Sprintf("m-%d", b.nextID),
		RoomID:    req.RoomID,
		Body:      req.Message,
		Origin:    models.OriginAgent,
		CreatedAt: ts,
		IsRead:    true,
	}
	hook := b.sendHook
	b.mu.Unlock()

	if hook != nil {
		hook(req, m)
	}
	return &m, nil
}

func (b *fakeBackend) DeleteMessages(ctx context.Context, ids []string) (*models.DeleteResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteCalls = append(b.deleteCalls, ids)
	if b.deleteErr != nil && b.deleteConfirm == nil {
		return nil, b.deleteErr
	}
	confirmed := ids
	if b.deleteConfirm != nil {
		confirmed = b.deleteConfirm(ids)
	}
	res := &models.DeleteResult{Deleted: confirmed}
	ok := make(map[string]bool, len(confirmed))
	for _, id := range confirmed {
		ok[id] = true
	}
	for _, id := range ids {
		if !ok[id] {
			res.Failed = append(res.Failed, id)
		}
	}
	return res, b.deleteErr
}

// countingReporter records anomalies.
type countingReporter struct {
	mu   sync.Mutex
	seen []Anomaly
}

func (r *countingReporter) Report(a Anomaly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, a)
}

func (r *countingReporter) kinds() []AnomalyKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AnomalyKind, len(r.seen))
	for i, a := range r.seen {
		out[i] = a.Kind
	}
	return out
}

var testEpoch = time.UnixMilli(1_700_000_000_000)

func newTestStore(b Backend) (*Store, *countingReporter) {
	rep := &countingReporter{}
	s := NewStore(b, Options{
		MatchWindow: 5 * time.Second,
		RetryDelay:  time.Millisecond,
		Anomalies:   rep,
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return testEpoch },
	})
	return s, rep
}

func msg(id, room string, origin models.Origin, ts int64, body string) models.Message {
	return models.Message{ID: id, RoomID: room, Origin: origin, CreatedAt: ts, Body: body}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// fakePush is an in-process push connection for Console and Visitor tests.
type fakePush struct {
	mu        sync.Mutex
	connects  int
	joined    []string
	left      []string
	sends     []models.VisitorSend
	messages  map[int]func(models.Message)
	escalates map[int]func(models.EscalatedRoom)
	states    map[int]func(transport.ConnState)
	archives  map[int]func(models.ArchivedSession)
	assigns   map[int]func(string)
	next      int
}

func newFakePush() *fakePush {
	return &fakePush{
		messages:  make(map[int]func(models.Message)),
		escalates: make(map[int]func(models.EscalatedRoom)),
		states:    make(map[int]func(transport.ConnState)),
		archives:  make(map[int]func(models.ArchivedSession)),
		assigns:   make(map[int]func(string)),
	}
}

func register[T any](p *fakePush, m map[int]func(T), fn func(T)) *transport.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	m[id] = fn
	return transport.NewSubscription(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(m, id)
	})
}

func fire[T any](p *fakePush, m map[int]func(T), v T) {
	p.mu.Lock()
	fns := make([]func(T), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (p *fakePush) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return nil
}

func (p *fakePush) Disconnect() {}

func (p *fakePush) JoinRoom(ctx context.Context, roomID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, roomID)
	return nil
}

func (p *fakePush) LeaveRoom(ctx context.Context, roomID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, roomID)
	return nil
}

func (p *fakePush) SendVisitorMessage(ctx context.Context, send models.VisitorSend) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, send)
	return nil
}

func (p *fakePush) OnMessage(fn func(models.Message)) *transport.Subscription {
	return register(p, p.messages, fn)
}

func (p *fakePush) OnEscalation(fn func(models.EscalatedRoom)) *transport.Subscription {
	return register(p, p.escalates, fn)
}

func (p *fakePush) OnConnectionStateChange(fn func(transport.ConnState)) *transport.Subscription {
	return register(p, p.states, fn)
}

func (p *fakePush) OnRoomArchived(fn func(models.ArchivedSession)) *transport.Subscription {
	return register(p, p.archives, fn)
}

func (p *fakePush) OnRoomAssigned(fn func(string)) *transport.Subscription {
	return register(p, p.assigns, fn)
}

func (p *fakePush) listenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages) + len(p.escalates) + len(p.states) + len(p.archives) + len(p.assigns)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
