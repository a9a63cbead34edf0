package chat

import (
	"testing"
	"unsafe"

	"github.com/eldtechnologies/livechat/internal/models"
)

func sameSlice(a, b []models.Message) bool {
	return len(a) == len(b) && unsafe.SliceData(a) == unsafe.SliceData(b)
}

func TestSelectorAbsentRoomSharesEmptySlice(t *testing.T) {
	s, _ := newTestStore(newFakeBackend())

	a := s.Messages("nope")
	b := s.Messages("also-nope")
	if len(a) != 0 || !sameSlice(a, b) || !sameSlice(a, emptyMessages) {
		t.Error("absent rooms should share one empty slice")
	}
}

func TestSelectorRoomIsolation(t *testing.T) {
	s, _ := newTestStore(newFakeBackend())
	s.ReceivePush(msg("m1", "r1", models.OriginVisitor, 1, "a"))

	before := s.Messages("r1")
	s.ReceivePush(msg("m2", "r2", models.OriginVisitor, 2, "b"))
	after := s.Messages("r1")

	if !sameSlice(before, after) {
		t.Error("a push to r2 changed the slice returned for r1")
	}
}

func TestSelectorStableWithoutChanges(t *testing.T) {
	s, _ := newTestStore(newFakeBackend())
	s.ReceivePush(msg("m1", "r1", models.OriginVisitor, 1, "a"))

	a := s.Messages("r1")
	b := s.Messages("r1")
	if !sameSlice(a, b) {
		t.Error("repeated reads should return the same slice")
	}

	// A duplicate push changes nothing.
	s.ReceivePush(msg("m1", "r1", models.OriginVisitor, 1, "a"))
	if c := s.Messages("r1"); !sameSlice(a, c) {
		t.Error("a no-op push changed the slice")
	}
}

func TestSelectorSnapshotsAreCopies(t *testing.T) {
	s, _ := newTestStore(newFakeBackend())
	s.ReceivePush(msg("m1", "r1", models.OriginVisitor, 1, "a"))

	snap := s.Messages("r1")
	if err := s.MarkRead(t.Context(), "r1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	if snap[0].IsRead {
		t.Error("an earlier snapshot was mutated")
	}
	next := s.Messages("r1")
	if sameSlice(snap, next) || !next[0].IsRead {
		t.Error("expected a fresh snapshot with the read flag")
	}
}
