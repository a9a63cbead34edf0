package chat

import (
	"fmt"
	"sort"

	"github.com/eldtechnologies/livechat/internal/models"
)

// transitions lists the legal forward moves. Nothing leaves archived.
var transitions = map[models.RoomState][]models.RoomState{
	models.RoomBot:       {models.RoomEscalated, models.RoomArchived},
	models.RoomEscalated: {models.RoomActive, models.RoomArchived},
	models.RoomActive:    {models.RoomArchived},
}

// CanTransition reports whether a room may move from one state to another.
func CanTransition(from, to models.RoomState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(room *models.Room, to models.RoomState) error {
	if !CanTransition(room.State, to) {
		return fmt.Errorf("%w: room %s %s -> %s", ErrInvalidTransition, room.ID, room.State, to)
	}
	room.State = to
	return nil
}

// escalationQueue holds pending escalations, oldest first, one per room.
type escalationQueue struct {
	entries []models.EscalatedRoom
}

func (q *escalationQueue) contains(roomID string) bool {
	for _, e := range q.entries {
		if e.RoomID == roomID {
			return true
		}
	}
	return false
}

// push inserts e by EscalatedAt; equal times keep arrival order.
func (q *escalationQueue) push(e models.EscalatedRoom) bool {
	if q.contains(e.RoomID) {
		return false
	}
	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].EscalatedAt > e.EscalatedAt
	})
	q.entries = append(q.entries, models.EscalatedRoom{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	return true
}

func (q *escalationQueue) remove(roomID string) bool {
	for i, e := range q.entries {
		if e.RoomID == roomID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *escalationQueue) list() []models.EscalatedRoom {
	out := make([]models.EscalatedRoom, len(q.entries))
	copy(out, q.entries)
	return out
}

// selectionSet is the set of message ids marked for bulk moderation in the
// currently viewed room.
type selectionSet struct {
	order []string
	ids   map[string]struct{}
}

func newSelectionSet() *selectionSet {
	return &selectionSet{ids: make(map[string]struct{})}
}

// toggle flips id and reports whether it is now selected.
func (s *selectionSet) toggle(id string) bool {
	if _, ok := s.ids[id]; ok {
		s.drop(id)
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *selectionSet) drop(ids ...string) {
	for _, id := range ids {
		if _, ok := s.ids[id]; !ok {
			continue
		}
		delete(s.ids, id)
		for i, o := range s.order {
			if o == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

func (s *selectionSet) clear() {
	s.order = nil
	clear(s.ids)
}

func (s *selectionSet) list() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *selectionSet) len() int { return len(s.order) }
