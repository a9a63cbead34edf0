package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/models"
	"github.com/eldtechnologies/livechat/internal/store"
)

type published struct {
	room    string
	event   string
	payload interface{}
	admins  bool
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(roomID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{room: roomID, event: event, payload: payload})
}

func (r *recorder) PublishAdmins(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{event: event, payload: payload, admins: true})
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.event
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *recorder, *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	rooms, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rooms.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rec := &recorder{}
	svc := New(rooms, store.NewRedisStoreFromClient(client, time.Hour), rec, zerolog.Nop())
	frozen := time.UnixMilli(1_700_000_000_000)
	svc.now = func() time.Time { return frozen }
	return svc, rec, rooms
}

func sameEvents(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestConversationLifecycle(t *testing.T) {
	svc, rec, rooms := newTestService(t)
	ctx := context.Background()

	roomID, err := svc.OpenRoom(ctx, models.Participant{Name: "Ana"})
	if err != nil {
		t.Fatal(err)
	}

	// Visitor says hello and the bot answers.
	hello, err := svc.VisitorMessage(ctx, roomID, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.names(); !sameEvents(got, []string{models.EventChatMessage, models.EventBotMessage}) {
		t.Fatalf("unexpected events %v", got)
	}
	room, _ := rooms.GetRoom(ctx, roomID)
	if room.State != models.RoomBot {
		t.Fatalf("expected bot, got %s", room.State)
	}

	// Visitor asks for a human.
	rec.reset()
	if _, err := svc.VisitorMessage(ctx, roomID, "can I talk to a human?", nil); err != nil {
		t.Fatal(err)
	}
	if got := rec.names(); !sameEvents(got, []string{models.EventChatMessage, models.EventBotMessage, models.EventEscalate}) {
		t.Fatalf("unexpected events %v", got)
	}
	queue, _ := svc.Escalations(ctx)
	if len(queue) != 1 || queue[0].RoomID != roomID || queue[0].FirstMessage != "hello" {
		t.Fatalf("unexpected queue %+v", queue)
	}

	// Escalating again is a no-op.
	if ok, err := svc.Escalate(ctx, roomID); err != nil || ok {
		t.Errorf("expected repeat escalation ignored, ok=%v err=%v", ok, err)
	}

	// The agent claims the room.
	rec.reset()
	reply, err := svc.ManualMessage(ctx, models.ManualRequest{RoomID: roomID, Message: "Hi Ana, how can I help?"}, "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.names(); !sameEvents(got, []string{models.EventAdminMessage}) {
		t.Fatalf("unexpected events %v", got)
	}
	room, _ = rooms.GetRoom(ctx, roomID)
	if room.State != models.RoomActive {
		t.Fatalf("expected active, got %s", room.State)
	}
	if queue, _ := svc.Escalations(ctx); len(queue) != 0 {
		t.Fatalf("expected empty queue after claim, got %+v", queue)
	}
	if reply.CreatedAt <= hello.CreatedAt {
		t.Errorf("reply should sort after the visitor message")
	}

	// Closing reply archives the room with that reply as the last message.
	rec.reset()
	bye, err := svc.ManualMessage(ctx, models.ManualRequest{RoomID: roomID, Message: "Bye!", Close: true}, "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.names(); !sameEvents(got, []string{models.EventAdminMessage, models.EventRoomArchived}) {
		t.Fatalf("unexpected events %v", got)
	}
	archived, _ := svc.Archived(ctx, 10)
	if len(archived) != 1 || archived[0].LastMessage.ID != bye.ID || archived[0].Participant.Name != "Ana" {
		t.Fatalf("unexpected archive %+v", archived)
	}
	if sessions, _ := svc.Sessions(ctx); len(sessions) != 0 {
		t.Errorf("expected no open sessions, got %+v", sessions)
	}

	// Archived rooms accept nothing.
	if _, err := svc.VisitorMessage(ctx, roomID, "wait", nil); !errors.Is(err, ErrRoomArchived) {
		t.Errorf("expected ErrRoomArchived, got %v", err)
	}
	if _, err := svc.ManualMessage(ctx, models.ManualRequest{RoomID: roomID, Message: "x"}, ""); !errors.Is(err, ErrRoomArchived) {
		t.Errorf("expected ErrRoomArchived, got %v", err)
	}

	page, err := svc.History(ctx, roomID, models.HistoryQuery{Order: models.SortAsc})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(page.Messages))
	}
	for i := 1; i < len(page.Messages); i++ {
		if page.Messages[i].CreatedAt <= page.Messages[i-1].CreatedAt {
			t.Errorf("history not strictly ordered at %d", i)
		}
	}
}

func TestManualMessageClaimsBotRoom(t *testing.T) {
	svc, _, rooms := newTestService(t)
	ctx := context.Background()
	roomID, _ := svc.OpenRoom(ctx, models.Participant{})

	if _, err := svc.ManualMessage(ctx, models.ManualRequest{RoomID: roomID, Message: "jumping in"}, ""); err != nil {
		t.Fatal(err)
	}
	room, _ := rooms.GetRoom(ctx, roomID)
	if room.State != models.RoomActive {
		t.Errorf("expected active, got %s", room.State)
	}
}

func TestVisitorMessageValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	roomID, _ := svc.OpenRoom(ctx, models.Participant{})

	if _, err := svc.VisitorMessage(ctx, roomID, "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := svc.VisitorMessage(ctx, roomID, strings.Repeat("a", MaxBodyLength+1), nil); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("expected ErrMessageTooLong, got %v", err)
	}
	if _, err := svc.VisitorMessage(ctx, "missing", "hi", nil); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestVisitorParticipantIsSanitized(t *testing.T) {
	svc, _, rooms := newTestService(t)
	ctx := context.Background()
	roomID, _ := svc.OpenRoom(ctx, models.Participant{})

	p := &models.Participant{Name: "  Ana\x07 ", Email: "not-an-email"}
	if _, err := svc.VisitorMessage(ctx, roomID, "hi", p); err != nil {
		t.Fatal(err)
	}
	room, _ := rooms.GetRoom(ctx, roomID)
	if room.Participant.Name != "Ana" || room.Participant.Email != "" {
		t.Errorf("unexpected participant %+v", room.Participant)
	}
}

func TestDeleteMessagesReportsEachID(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	roomID, _ := svc.OpenRoom(ctx, models.Participant{})
	m, _ := svc.VisitorMessage(ctx, roomID, "spam", nil)

	res, err := svc.DeleteMessages(ctx, []string{m.ID, "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != m.ID || len(res.Failed) != 1 || res.Failed[0] != "ghost" {
		t.Errorf("unexpected result %+v", res)
	}
	if !res.Partial() {
		t.Error("expected partial result")
	}

	if err := svc.DeleteMessage(ctx, m.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
	if _, err := svc.DeleteMessages(ctx, nil); !errors.Is(err, ErrNoIDs) {
		t.Errorf("expected ErrNoIDs, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	roomID, _ := svc.OpenRoom(ctx, models.Participant{})
	svc.VisitorMessage(ctx, roomID, "hello", nil)

	n, err := svc.MarkRead(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected visitor and bot messages marked, got %d", n)
	}
	if _, err := svc.MarkRead(ctx, "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestArchiveUsesNewestMessage(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()
	roomID, _ := svc.OpenRoom(ctx, models.Participant{})
	svc.VisitorMessage(ctx, roomID, "hello", nil)

	rec.reset()
	if err := svc.Archive(ctx, roomID); err != nil {
		t.Fatal(err)
	}
	archived, _ := svc.Archived(ctx, 1)
	if len(archived) != 1 || archived[0].LastMessage.Origin != models.OriginBot {
		t.Errorf("expected bot reply as last message, got %+v", archived)
	}
	if err := svc.Archive(ctx, roomID); !errors.Is(err, ErrRoomArchived) {
		t.Errorf("expected ErrRoomArchived, got %v", err)
	}
}

// archivingRooms archives the room just before a claim lands.
type archivingRooms struct {
	store.DataStore
}

func (a archivingRooms) TransitionRoom(ctx context.Context, id string, from []models.RoomState, to models.RoomState) (bool, error) {
	if _, err := a.ArchiveRoom(ctx, models.ArchivedSession{RoomID: id, ClosedAt: 1}); err != nil {
		return false, err
	}
	return a.DataStore.TransitionRoom(ctx, id, from, to)
}

func TestManualMessageToRoomArchivedMidClaim(t *testing.T) {
	svc, rec, rooms := newTestService(t)
	ctx := context.Background()
	roomID, _ := svc.OpenRoom(ctx, models.Participant{})
	rec.reset()
	svc.rooms = archivingRooms{DataStore: rooms}

	_, err := svc.ManualMessage(ctx, models.ManualRequest{RoomID: roomID, Message: "too late"}, "agent-1")
	if !errors.Is(err, ErrRoomArchived) {
		t.Fatalf("expected ErrRoomArchived, got %v", err)
	}
	page, err := svc.History(ctx, roomID, models.HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 0 {
		t.Errorf("reply stored in archived room: %+v", page.Messages)
	}
	if names := rec.names(); len(names) != 0 {
		t.Errorf("expected nothing published, got %v", names)
	}
}
