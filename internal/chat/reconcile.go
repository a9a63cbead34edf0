package chat

import (
	"maps"
	"sort"
	"time"

	"github.com/eldtechnologies/livechat/internal/models"
)

// roomLog is one room's message list: an array ordered by CreatedAt with an
// id index over it. Every write keeps the order invariant. The array is
// mutated in place; readers only ever see copies made by the selector.
type roomLog struct {
	msgs    []models.Message
	index   map[string]int
	deleted map[string]struct{} // confirmed deletes; never re-added
	rev     uint64              // bumped on every visible change
}

func newRoomLog() *roomLog {
	return &roomLog{index: make(map[string]int), deleted: make(map[string]struct{})}
}

func (l *roomLog) isDeleted(id string) bool {
	_, ok := l.deleted[id]
	return ok
}

func (l *roomLog) reindex() {
	clear(l.index)
	for i, m := range l.msgs {
		l.index[m.ID] = i
	}
}

func (l *roomLog) len() int { return len(l.msgs) }

func (l *roomLog) get(id string) (models.Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return models.Message{}, false
	}
	return l.msgs[i], true
}

func (l *roomLog) last() (models.Message, bool) {
	if len(l.msgs) == 0 {
		return models.Message{}, false
	}
	return l.msgs[len(l.msgs)-1], true
}

// merged combines an incoming copy of a message with the one already held.
// Read state is advisory and only ever moves forward.
func merged(held, incoming models.Message) models.Message {
	incoming.IsRead = incoming.IsRead || held.IsRead
	if incoming.RoomID == "" {
		incoming.RoomID = held.RoomID
	}
	return incoming
}

func sameMessage(a, b models.Message) bool {
	return a.ID == b.ID &&
		a.RoomID == b.RoomID &&
		a.Body == b.Body &&
		a.Origin == b.Origin &&
		a.CreatedAt == b.CreatedAt &&
		a.IsRead == b.IsRead &&
		a.Failed == b.Failed &&
		maps.Equal(a.Localized, b.Localized)
}

// matchesTemp reports whether confirmed is the server copy of the temporary
// message tmp.
func matchesTemp(tmp, confirmed models.Message, window time.Duration) bool {
	if !tmp.IsTemporary() || confirmed.IsTemporary() {
		return false
	}
	if tmp.Origin != models.OriginAgent || confirmed.Origin != models.OriginAgent {
		return false
	}
	if tmp.RoomID != confirmed.RoomID || tmp.Body != confirmed.Body {
		return false
	}
	delta := tmp.CreatedAt - confirmed.CreatedAt
	if delta < 0 {
		delta = -delta
	}
	return delta <= window.Milliseconds()
}

// findTemp returns the index of the oldest temporary message that confirmed
// resolves, or -1. Pending temporaries win over failed ones. Indices in skip
// are already spoken for.
func (l *roomLog) findTemp(confirmed models.Message, window time.Duration, skip map[int]struct{}) int {
	if confirmed.Origin != models.OriginAgent {
		return -1
	}
	failed := -1
	for i, m := range l.msgs {
		if _, ok := skip[i]; ok {
			continue
		}
		if !matchesTemp(m, confirmed, window) {
			continue
		}
		if !m.Failed {
			return i
		}
		if failed < 0 {
			failed = i
		}
	}
	return failed
}

// orderedAt reports whether the message at i sits correctly between its
// neighbours.
func (l *roomLog) orderedAt(i int) bool {
	if i > 0 && l.msgs[i-1].CreatedAt > l.msgs[i].CreatedAt {
		return false
	}
	if i < len(l.msgs)-1 && l.msgs[i].CreatedAt > l.msgs[i+1].CreatedAt {
		return false
	}
	return true
}

func (l *roomLog) resort() {
	sort.SliceStable(l.msgs, func(i, j int) bool {
		return l.msgs[i].CreatedAt < l.msgs[j].CreatedAt
	})
}

// upsert applies a point write. It returns true if the visible list changed.
func (l *roomLog) upsert(m models.Message, window time.Duration) bool {
	if l.isDeleted(m.ID) {
		return false
	}
	if i, ok := l.index[m.ID]; ok {
		next := merged(l.msgs[i], m)
		if sameMessage(l.msgs[i], next) {
			return false
		}
		l.msgs[i] = next
		if !l.orderedAt(i) {
			l.resort()
			l.reindex()
		}
		l.rev++
		return true
	}

	if i := l.findTemp(m, window, nil); i >= 0 {
		// Replace in place so the send never disappears and reappears.
		delete(l.index, l.msgs[i].ID)
		m.Failed = false
		l.msgs[i] = merged(l.msgs[i], m)
		l.index[m.ID] = i
		if !l.orderedAt(i) {
			l.resort()
			l.reindex()
		}
		l.rev++
		return true
	}

	n := len(l.msgs)
	l.msgs = append(l.msgs, m)
	if n > 0 && l.msgs[n-1].CreatedAt > m.CreatedAt {
		l.resort()
		l.reindex()
	} else {
		l.index[m.ID] = n
	}
	l.rev++
	return true
}

// resolve replaces the temporary message tmpID with its confirmed copy. The
// caller knows the pairing, so no content match is needed. If the confirmed
// id is already held, because a push got there first, the temporary entry is
// simply dropped.
func (l *roomLog) resolve(tmpID string, confirmed models.Message, window time.Duration) bool {
	ti, ok := l.index[tmpID]
	if !ok {
		return l.upsert(confirmed, window)
	}
	if l.isDeleted(confirmed.ID) {
		return len(l.remove([]string{tmpID})) > 0
	}
	if _, held := l.index[confirmed.ID]; held {
		l.remove([]string{tmpID})
		l.upsert(confirmed, window)
		return true
	}
	delete(l.index, tmpID)
	confirmed.Failed = false
	l.msgs[ti] = merged(l.msgs[ti], confirmed)
	l.index[confirmed.ID] = ti
	if !l.orderedAt(ti) {
		l.resort()
		l.reindex()
	}
	l.rev++
	return true
}

// splice applies a batch write. The batch replaces the window
// [first.CreatedAt, last.CreatedAt) of server messages; anything newer, and
// any pending temporary message, is kept.
func (l *roomLog) splice(batch []models.Message, window time.Duration) bool {
	batch = l.withoutDeleted(batch)
	if len(batch) == 0 {
		return false
	}
	batch = normalizeBatch(batch)
	lo, hi := batch[0].CreatedAt, batch[len(batch)-1].CreatedAt

	inBatch := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		inBatch[m.ID] = struct{}{}
	}

	// Carry local state over to the batch copies and drop the held versions;
	// they are re-inserted through the merge below.
	incoming := make([]models.Message, len(batch))
	consumed := make(map[int]struct{})
	for i, m := range batch {
		if held, ok := l.get(m.ID); ok {
			m = merged(held, m)
			consumed[l.index[m.ID]] = struct{}{}
		} else if t := l.findTemp(m, window, consumed); t >= 0 {
			m = merged(l.msgs[t], m)
			m.Failed = false
			consumed[t] = struct{}{}
		}
		incoming[i] = m
	}

	kept := make([]models.Message, 0, len(l.msgs))
	for i, m := range l.msgs {
		if _, gone := consumed[i]; gone {
			continue
		}
		if !m.IsTemporary() && m.CreatedAt >= lo && m.CreatedAt < hi {
			if _, ok := inBatch[m.ID]; !ok {
				// The server no longer has it inside this window.
				continue
			}
		}
		kept = append(kept, m)
	}

	out := make([]models.Message, 0, len(kept)+len(incoming))
	i, j := 0, 0
	for i < len(kept) && j < len(incoming) {
		// Ties keep the held message first: it arrived earlier.
		if kept[i].CreatedAt <= incoming[j].CreatedAt {
			out = append(out, kept[i])
			i++
		} else {
			out = append(out, incoming[j])
			j++
		}
	}
	out = append(out, kept[i:]...)
	out = append(out, incoming[j:]...)

	changed := len(out) != len(l.msgs)
	if !changed {
		for k := range out {
			if !sameMessage(out[k], l.msgs[k]) {
				changed = true
				break
			}
		}
	}
	if !changed {
		return false
	}
	l.msgs = out
	l.reindex()
	l.rev++
	return true
}

func (l *roomLog) withoutDeleted(batch []models.Message) []models.Message {
	if len(l.deleted) == 0 {
		return batch
	}
	out := make([]models.Message, 0, len(batch))
	for _, m := range batch {
		if !l.isDeleted(m.ID) {
			out = append(out, m)
		}
	}
	return out
}

// normalizeBatch returns the batch ascending by CreatedAt with duplicate ids
// collapsed to their last occurrence. Already-sorted input is not re-sorted.
func normalizeBatch(batch []models.Message) []models.Message {
	out := make([]models.Message, 0, len(batch))
	pos := make(map[string]int, len(batch))
	for _, m := range batch {
		if i, ok := pos[m.ID]; ok {
			out[i] = m
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	if !sort.SliceIsSorted(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt }) {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	}
	return out
}

// remove deletes the given ids and returns the ones that were present.
func (l *roomLog) remove(ids []string) []string {
	drop := make(map[string]struct{}, len(ids))
	var removed []string
	for _, id := range ids {
		if _, ok := l.index[id]; ok {
			if _, dup := drop[id]; !dup {
				drop[id] = struct{}{}
				removed = append(removed, id)
			}
		}
	}
	if len(removed) == 0 {
		return nil
	}
	kept := l.msgs[:0:0]
	for _, m := range l.msgs {
		if _, ok := drop[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	l.msgs = kept
	l.reindex()
	l.rev++
	return removed
}

// bury removes a confirmed-deleted message and keeps its id so later
// pushes or pages of it are ignored.
func (l *roomLog) bury(id string) bool {
	l.deleted[id] = struct{}{}
	return len(l.remove([]string{id})) > 0
}

// markRead flags every non-agent message as read.
func (l *roomLog) markRead() bool {
	changed := false
	for i, m := range l.msgs {
		if m.CountsAsUnread() {
			l.msgs[i].IsRead = true
			changed = true
		}
	}
	if changed {
		l.rev++
	}
	return changed
}

// markFailed flags a pending temporary message as failed.
func (l *roomLog) markFailed(id string) bool {
	i, ok := l.index[id]
	if !ok || l.msgs[i].Failed {
		return false
	}
	l.msgs[i].Failed = true
	l.rev++
	return true
}

func (l *roomLog) unread() int {
	n := 0
	for _, m := range l.msgs {
		if m.CountsAsUnread() {
			n++
		}
	}
	return n
}
