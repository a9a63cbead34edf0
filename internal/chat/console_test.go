package chat

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/models"
	"github.com/eldtechnologies/livechat/internal/transport"
)

func TestConsoleAppliesPushEvents(t *testing.T) {
	s, _ := newTestStore(newFakeBackend())
	p := newFakePush()
	c := NewConsole(s, p, zerolog.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.connects != 1 {
		t.Errorf("expected one Connect, got %d", p.connects)
	}

	fire(p, p.messages, msg("v1", "r1", models.OriginVisitor, 1, "hi"))
	fire(p, p.escalates, models.EscalatedRoom{RoomID: "r1", EscalatedAt: 2})
	fire(p, p.states, transport.StateConnected)

	if len(s.Messages("r1")) != 1 || len(s.EscalationQueue()) != 1 || !s.Online() {
		t.Fatal("push events not applied")
	}

	fire(p, p.archives, models.ArchivedSession{RoomID: "r1", ClosedAt: 3})
	if r, _ := s.Room("r1"); r.State != models.RoomArchived {
		t.Errorf("expected archived, got %s", r.State)
	}

	c.Stop()
	if p.listenerCount() != 0 {
		t.Errorf("expected every listener released, %d left", p.listenerCount())
	}
	if s.Online() {
		t.Error("expected offline after Stop")
	}
}

func TestConsoleOpenRoomSwitchesSubscriptions(t *testing.T) {
	b := newFakeBackend()
	b.history["r1"] = []models.Message{msg("v1", "r1", models.OriginVisitor, 1, "hi")}
	s, _ := newTestStore(b)
	p := newFakePush()
	c := NewConsole(s, p, zerolog.Nop())
	ctx := context.Background()

	if err := c.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}
	if r, _ := s.Room("r1"); r.UnreadCount != 0 || r.MessageCount != 1 {
		t.Errorf("expected loaded and read room, got %+v", r)
	}

	c.OpenRoom(ctx, "r2")
	if len(p.left) != 1 || p.left[0] != "r1" {
		t.Errorf("expected r1 left, got %v", p.left)
	}
	if len(p.joined) != 2 || p.joined[1] != "r2" {
		t.Errorf("expected r2 joined, got %v", p.joined)
	}

	c.CloseRoom(ctx)
	if s.Current() != "" {
		t.Errorf("expected no current room, got %q", s.Current())
	}
	if _, err := c.Reply(ctx, "hello?", false); err == nil {
		t.Error("reply without a room should fail")
	}
}

func TestConsoleResyncsAfterReconnect(t *testing.T) {
	b := newFakeBackend()
	b.readErr = errBackendDown
	s, _ := newTestStore(b)
	p := newFakePush()
	c := NewConsole(s, p, zerolog.Nop())
	ctx := context.Background()
	c.Start(ctx)
	defer c.Stop()

	fire(p, p.states, transport.StateConnected)
	c.OpenRoom(ctx, "r1")

	b.mu.Lock()
	b.readErr = nil
	b.history["r1"] = []models.Message{msg("v9", "r1", models.OriginVisitor, 9, "missed")}
	calls := b.historyCalls
	b.mu.Unlock()

	fire(p, p.states, transport.StateDisconnected)
	if s.Online() {
		t.Error("expected offline")
	}
	fire(p, p.states, transport.StateConnected)

	waitFor(t, "resync", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.historyCalls > calls && len(b.reads) == 1
	})
	waitFor(t, "missed message", func() bool { return len(s.Messages("r1")) == 1 })
}
