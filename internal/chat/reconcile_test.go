package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/eldtechnologies/livechat/internal/models"
)

const window = 5 * time.Second

func TestUpsertIsIdempotent(t *testing.T) {
	l := newRoomLog()
	m := msg("m1", "r1", models.OriginVisitor, 10, "hello")

	if !l.upsert(m, window) {
		t.Fatal("first upsert should change the log")
	}
	rev := l.rev
	if l.upsert(m, window) {
		t.Error("second upsert of the same message should be a no-op")
	}
	if l.len() != 1 || l.rev != rev {
		t.Errorf("expected 1 message at rev %d, got %d at rev %d", rev, l.len(), l.rev)
	}
}

func TestUpsertResolvesTemporaryMessage(t *testing.T) {
	l := newRoomLog()
	tmp := msg("tmp-1", "r1", models.OriginAgent, 1000, "hi")
	l.upsert(msg("v1", "r1", models.OriginVisitor, 900, "hey"), window)
	l.upsert(tmp, window)

	l.upsert(msg("m-42", "r1", models.OriginAgent, 1200, "hi"), window)

	got := ids(l.msgs)
	if strings.Join(got, ",") != "v1,m-42" {
		t.Fatalf("expected [v1 m-42], got %v", got)
	}
	if _, ok := l.index["tmp-1"]; ok {
		t.Error("temporary id still indexed")
	}
	if l.index["m-42"] != 1 {
		t.Errorf("expected m-42 at index 1, got %d", l.index["m-42"])
	}
}

func TestUpsertDoesNotResolveOutsideWindow(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("tmp-1", "r1", models.OriginAgent, 1000, "hi"), window)
	l.upsert(msg("m-1", "r1", models.OriginAgent, 1000+window.Milliseconds()+1, "hi"), window)

	if l.len() != 2 {
		t.Errorf("expected both messages kept, got %v", ids(l.msgs))
	}
}

func TestUpsertDoesNotResolveOtherOrigins(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("tmp-1", "r1", models.OriginAgent, 1000, "hi"), window)
	l.upsert(msg("m-1", "r1", models.OriginVisitor, 1000, "hi"), window)

	if l.len() != 2 {
		t.Errorf("a visitor echo must not resolve an agent send, got %v", ids(l.msgs))
	}
}

func TestUpsertOrdersByCreatedAt(t *testing.T) {
	l := newRoomLog()
	for _, ts := range []int64{3, 1, 2} {
		id := "m" + string(rune('0'+ts))
		l.upsert(msg(id, "r1", models.OriginVisitor, ts, "x"), window)
	}

	var got []int64
	for _, m := range l.msgs {
		got = append(got, m.CreatedAt)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", got)
	}
	for id, i := range l.index {
		if l.msgs[i].ID != id {
			t.Errorf("index for %s points at %s", id, l.msgs[i].ID)
		}
	}
}

func TestUpsertKeepsReadState(t *testing.T) {
	l := newRoomLog()
	m := msg("m1", "r1", models.OriginVisitor, 1, "x")
	m.IsRead = true
	l.upsert(m, window)

	m.IsRead = false
	l.upsert(m, window)

	if got, _ := l.get("m1"); !got.IsRead {
		t.Error("a stale copy must not clear the read flag")
	}
}

func TestResolveAfterPushKeepsOneCopy(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("tmp-1", "r1", models.OriginAgent, 1000, "hi"), window)

	confirmed := msg("m-7", "r1", models.OriginAgent, 1010, "hi")
	l.upsert(confirmed, window)
	l.resolve("tmp-1", confirmed, window)

	if got := ids(l.msgs); len(got) != 1 || got[0] != "m-7" {
		t.Fatalf("expected [m-7], got %v", got)
	}
}

func TestResolveReplacesInPlace(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("tmp-1", "r1", models.OriginAgent, 1000, "hi"), window)
	l.upsert(msg("v1", "r1", models.OriginVisitor, 1001, "yo"), window)

	// Far outside the window: only the explicit pairing can resolve it.
	l.resolve("tmp-1", msg("m-7", "r1", models.OriginAgent, 500, "hi"), window)

	if got := strings.Join(ids(l.msgs), ","); got != "m-7,v1" {
		t.Fatalf("expected m-7,v1, got %s", got)
	}
}

func TestSpliceReplacesWindow(t *testing.T) {
	l := newRoomLog()
	for _, m := range []models.Message{
		msg("m1", "r1", models.OriginVisitor, 1, "a"),
		msg("m2", "r1", models.OriginVisitor, 2, "b"),
		msg("m3", "r1", models.OriginVisitor, 3, "c"),
		msg("m5", "r1", models.OriginVisitor, 5, "e"),
	} {
		l.upsert(m, window)
	}

	changed := l.splice([]models.Message{
		msg("m1", "r1", models.OriginVisitor, 1, "a"),
		msg("m3", "r1", models.OriginVisitor, 3, "c"),
	}, window)

	if !changed {
		t.Fatal("expected a change")
	}
	if got := strings.Join(ids(l.msgs), ","); got != "m1,m3,m5" {
		t.Errorf("expected m1,m3,m5, got %s", got)
	}
}

func TestSpliceKeepsPendingTemporaries(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("m1", "r1", models.OriginVisitor, 1000, "a"), window)
	l.upsert(msg("tmp-1", "r1", models.OriginAgent, 1500, "typing..."), window)

	l.splice([]models.Message{
		msg("m1", "r1", models.OriginVisitor, 1000, "a"),
		msg("m2", "r1", models.OriginVisitor, 2000, "b"),
	}, window)

	if got := strings.Join(ids(l.msgs), ","); got != "m1,tmp-1,m2" {
		t.Errorf("expected m1,tmp-1,m2, got %s", got)
	}
}

func TestSpliceResolvesTemporaries(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("tmp-1", "r1", models.OriginAgent, 2000, "hi"), window)

	l.splice([]models.Message{
		msg("m1", "r1", models.OriginVisitor, 1000, "a"),
		msg("m2", "r1", models.OriginAgent, 2100, "hi"),
	}, window)

	if got := strings.Join(ids(l.msgs), ","); got != "m1,m2" {
		t.Errorf("expected m1,m2, got %s", got)
	}
}

func TestSplicePreservesLocalRead(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("m1", "r1", models.OriginVisitor, 1, "a"), window)
	l.markRead()

	l.splice([]models.Message{msg("m1", "r1", models.OriginVisitor, 1, "a")}, window)

	if l.unread() != 0 {
		t.Error("a stale page must not undo a local read")
	}
}

func TestSpliceUnchangedKeepsRevision(t *testing.T) {
	l := newRoomLog()
	batch := []models.Message{
		msg("m1", "r1", models.OriginVisitor, 1, "a"),
		msg("m2", "r1", models.OriginBot, 2, "b"),
	}
	l.splice(batch, window)
	rev := l.rev

	if l.splice(batch, window) {
		t.Error("re-applying the same page should not report a change")
	}
	if l.rev != rev {
		t.Errorf("revision moved from %d to %d", rev, l.rev)
	}
}

func TestSpliceUnsortedBatchWithDuplicates(t *testing.T) {
	l := newRoomLog()
	l.splice([]models.Message{
		msg("m3", "r1", models.OriginVisitor, 3, "c"),
		msg("m1", "r1", models.OriginVisitor, 1, "a"),
		msg("m3", "r1", models.OriginVisitor, 3, "c2"),
		msg("m2", "r1", models.OriginVisitor, 2, "b"),
	}, window)

	if got := strings.Join(ids(l.msgs), ","); got != "m1,m2,m3" {
		t.Fatalf("expected m1,m2,m3, got %s", got)
	}
	if m, _ := l.get("m3"); m.Body != "c2" {
		t.Errorf("expected last duplicate to win, got %q", m.Body)
	}
}

func TestRemoveAndUnread(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("m1", "r1", models.OriginVisitor, 1, "a"), window)
	l.upsert(msg("m2", "r1", models.OriginAgent, 2, "b"), window)
	l.upsert(msg("m3", "r1", models.OriginBot, 3, "c"), window)

	if n := l.unread(); n != 2 {
		t.Errorf("expected 2 unread (agent excluded), got %d", n)
	}

	removed := l.remove([]string{"m2", "nope", "m2"})
	if len(removed) != 1 || removed[0] != "m2" {
		t.Errorf("expected [m2] removed, got %v", removed)
	}
	if got := strings.Join(ids(l.msgs), ","); got != "m1,m3" {
		t.Errorf("expected m1,m3, got %s", got)
	}
	if l.index["m3"] != 1 {
		t.Error("index not rebuilt after remove")
	}
}

func TestMarkFailed(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("tmp-1", "r1", models.OriginAgent, 1, "a"), window)

	if !l.markFailed("tmp-1") {
		t.Fatal("expected markFailed to change the log")
	}
	if l.markFailed("tmp-1") {
		t.Error("second markFailed should be a no-op")
	}
	if m, _ := l.get("tmp-1"); !m.Failed {
		t.Error("expected Failed flag")
	}
}

func TestFindTempPrefersPending(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("tmp-a", "r1", models.OriginAgent, 1000, "hi"), window)
	l.markFailed("tmp-a")
	l.upsert(msg("tmp-b", "r1", models.OriginAgent, 1001, "hi"), window)

	l.upsert(msg("m-1", "r1", models.OriginAgent, 1002, "hi"), window)

	if got := strings.Join(ids(l.msgs), ","); got != "tmp-a,m-1" {
		t.Errorf("expected the pending send to resolve, got %s", got)
	}
}

func TestBuriedMessageIsNotReadded(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("m1", "r1", models.OriginVisitor, 1, "a"), window)
	l.upsert(msg("m2", "r1", models.OriginVisitor, 2, "b"), window)

	if !l.bury("m1") {
		t.Fatal("expected m1 removed")
	}
	if l.upsert(msg("m1", "r1", models.OriginVisitor, 1, "a"), window) {
		t.Error("upsert re-added a deleted message")
	}
	l.splice([]models.Message{
		msg("m1", "r1", models.OriginVisitor, 1, "a"),
		msg("m2", "r1", models.OriginVisitor, 2, "b"),
		msg("m3", "r1", models.OriginVisitor, 3, "c"),
	}, window)

	if got := strings.Join(ids(l.msgs), ","); got != "m2,m3" {
		t.Errorf("expected m2,m3, got %s", got)
	}
}

func TestResolveOntoDeletedIDDropsTemporary(t *testing.T) {
	l := newRoomLog()
	l.upsert(msg("tmp-1", "r1", models.OriginAgent, 1000, "hi"), window)
	l.bury("m-1")

	l.resolve("tmp-1", msg("m-1", "r1", models.OriginAgent, 1000, "hi"), window)
	if l.len() != 0 {
		t.Errorf("expected nothing held, got %v", ids(l.msgs))
	}
}
